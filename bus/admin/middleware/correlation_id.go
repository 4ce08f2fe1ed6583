package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/infigaming-com/go-servicebus/errors"
)

const CorrelationIdKey string = "X-CORRELATION-ID"

type ContextKey string

const correlationIdCtxKey ContextKey = "CorrelationId"

var ErrCorrelationIdNotFound = errors.NewError(20000, "correlation id not found in context", nil)

// CorrelationIdMiddleware reuses the caller's correlation id when present.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.GetHeader(CorrelationIdKey)
		if correlationId == "" {
			correlationId = NewCorrelationId()
		}
		c.Header(CorrelationIdKey, correlationId)
		c.Request = c.Request.WithContext(CorrelationIdToCtx(c.Request.Context(), correlationId))
		c.Next()
	}
}

func CorrelationIdToCtx(ctx context.Context, correlationId string) context.Context {
	return context.WithValue(ctx, correlationIdCtxKey, correlationId)
}

func CorrelationIdFromCtx(ctx context.Context) (string, error) {
	value, ok := ctx.Value(correlationIdCtxKey).(string)
	if !ok || value == "" {
		return "", ErrCorrelationIdNotFound
	}
	return value, nil
}

// NewCorrelationId returns a UUIDv7, falling back to v4.
func NewCorrelationId() string {
	maxRetry := 10
	for i := 0; i < maxRetry; i++ {
		id, err := uuid.NewV7()
		if err == nil {
			return id.String()
		}
		if i < maxRetry-1 {
			time.Sleep(200 * time.Nanosecond)
		}
	}
	return uuid.New().String()
}
