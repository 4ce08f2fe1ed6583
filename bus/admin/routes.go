package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-servicebus/errors"
)

const (
	ErrCodeSubscriptionNotFound = 20100 + iota
	ErrCodeCancelFailed
	ErrCodeUnhealthy
)

func (s *Server) routes() {
	s.engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	s.engine.GET("/healthcheck", s.healthcheck)

	subs := s.engine.Group("/subscriptions")
	subs.GET("", s.listSubscriptions)
	subs.GET("/:name", s.getSubscription)
	subs.DELETE("/:name", s.cancelSubscription)
}

func (s *Server) healthcheck(c *gin.Context) {
	if err := s.registry.Healthy(); err != nil {
		c.JSON(http.StatusServiceUnavailable, errors.NewError(ErrCodeUnhealthy, err.Error(), nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscriptions": s.registry.Subscriptions()})
}

func (s *Server) getSubscription(c *gin.Context) {
	name := c.Param("name")
	status, ok := s.registry.Subscription(name)
	if !ok {
		c.JSON(http.StatusNotFound, errors.NewError(ErrCodeSubscriptionNotFound, "subscription not found", nil).WithDetails(name))
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) cancelSubscription(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.registry.Subscription(name); !ok {
		c.JSON(http.StatusNotFound, errors.NewError(ErrCodeSubscriptionNotFound, "subscription not found", nil).WithDetails(name))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cancelTimeout)
	defer cancel()
	if err := s.registry.CancelSubscription(ctx, name); err != nil {
		s.logger.Error("cancel subscription failed", zap.String("subscription", name), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errors.NewError(ErrCodeCancelFailed, err.Error(), nil).WithDetails(name))
		return
	}
	c.Status(http.StatusNoContent)
}
