// Package admin exposes a small HTTP surface for inspecting and cancelling
// the subscriptions owned by a bus.Receiver.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-servicebus/bus"
	"github.com/infigaming-com/go-servicebus/bus/admin/middleware"
)

// Registry is the part of bus.Receiver the admin routes need.
type Registry interface {
	Subscriptions() []bus.SubscriptionStatus
	Subscription(name string) (bus.SubscriptionStatus, bool)
	CancelSubscription(ctx context.Context, name string) error
	Healthy() error
}

var _ Registry = (*bus.Receiver)(nil)

type Server struct {
	engine          *gin.Engine
	registry        Registry
	logger          *zap.Logger
	mode            string
	port            int64
	shutdownTimeout time.Duration
	cancelTimeout   time.Duration
	handlers        []gin.HandlerFunc
}

type Option func(*Server)

func defaultServer() *Server {
	return &Server{
		logger:          zap.NewNop(),
		mode:            gin.ReleaseMode,
		port:            8080,
		shutdownTimeout: 15 * time.Second,
		cancelTimeout:   30 * time.Second,
	}
}

func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

func WithPort(port int64) Option {
	return func(s *Server) {
		s.port = port
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(s *Server) {
		if lg != nil {
			s.logger = lg
		}
	}
}

// WithCancelTimeout bounds how long DELETE waits for the subscription to be
// removed before answering. Deletion keeps running after the timeout.
func WithCancelTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.cancelTimeout = d
		}
	}
}

func WithCustomHandler(handler gin.HandlerFunc) Option {
	return func(s *Server) {
		s.handlers = append(s.handlers, handler)
	}
}

func NewServer(registry Registry, opts ...Option) *Server {
	s := defaultServer()
	s.registry = registry
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(s.mode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.CorrelationIdMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(
		middleware.WithLogger(s.logger),
		middleware.WithExcludePaths([]string{"/", "/healthcheck"}),
	))
	s.engine.Use(s.handlers...)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server ...", zap.String("address", lis.Addr().String()))
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("shutdown admin server ...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin: shutdown: %w", err)
	}
	s.logger.Info("admin server exiting")
	return nil
}
