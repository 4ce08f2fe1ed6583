package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type loggingMiddlewareOptions struct {
	lg           *zap.Logger
	excludePaths []string
}

type LoggingMiddlewareOption func(*loggingMiddlewareOptions)

func WithLogger(lg *zap.Logger) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

func WithExcludePaths(excludePaths []string) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.excludePaths = excludePaths
	}
}

func LoggingMiddleware(opts ...LoggingMiddlewareOption) gin.HandlerFunc {
	cfg := &loggingMiddlewareOptions{lg: zap.L()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if lo.Contains(cfg.excludePaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		correlationId, err := CorrelationIdFromCtx(c.Request.Context())
		if err != nil {
			correlationId = NewCorrelationId()
		}

		startTime := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("correlation_id", correlationId),
			zap.String("method", c.Request.Method),
			zap.String("url", c.Request.URL.String()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(startTime)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= 500 {
			cfg.lg.Warn("[Admin]", fields...)
			return
		}
		cfg.lg.Debug("[Admin]", fields...)
	}
}
