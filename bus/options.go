package bus

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Unlocker func(ctx context.Context) error

// Locker serializes control-plane operations (subscription create/delete)
// across processes sharing a broker namespace.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlocker, error)
}

type Option func(*options)

type SenderOption func(*senderOptions)

type options struct {
	logger            *zap.Logger
	hooks             Hooks
	serializer        Serializer
	byContentType     SerializerResolver
	retryPolicy       RetryPolicy
	lookupPolicy      RetryPolicy
	receiveWait       time.Duration
	cancelWaitTimeout time.Duration
	bootstrapAttempts int
	bootstrapBackoff  time.Duration
	locker            Locker
	topic             string
}

type senderOptions struct {
	logger      *zap.Logger
	hooks       Hooks
	serializer  Serializer
	retryPolicy RetryPolicy
	sendTimeout time.Duration
	messageType string
}

func defaultOptions() options {
	return options{
		logger:            zap.NewNop(),
		serializer:        JSONSerializer{},
		retryPolicy:       DefaultRetryPolicy(),
		lookupPolicy:      MinimalRetryPolicy(),
		receiveWait:       30 * time.Second,
		cancelWaitTimeout: 100 * time.Second,
		bootstrapAttempts: 10,
		bootstrapBackoff:  time.Second,
	}
}

func defaultSenderOptions() senderOptions {
	return senderOptions{
		logger:      zap.NewNop(),
		serializer:  JSONSerializer{},
		retryPolicy: DefaultRetryPolicy(),
		sendTimeout: 2 * time.Minute,
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

func WithSerializer(s Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithSerializerResolver decodes messages carrying a Content-Type property
// with the serializer resolve returns for it. Messages without the property,
// or with one resolve does not know, use the configured serializer.
func WithSerializerResolver(resolve SerializerResolver) Option {
	return func(o *options) {
		o.byContentType = resolve
	}
}

// WithRetryPolicy sets the policy for receives and control-plane calls.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = policy.normalized()
	}
}

// WithLookupRetryPolicy sets the policy for the existence lookup that runs
// before a subscription is created.
func WithLookupRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.lookupPolicy = policy.normalized()
	}
}

// WithReceiveWaitTime bounds each receive call.
func WithReceiveWaitTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.receiveWait = d
		}
	}
}

// WithCancelWaitTimeout bounds how long CancelSubscription waits for the
// loop to exit before deleting the broker-side subscription.
func WithCancelWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cancelWaitTimeout = d
		}
	}
}

// WithBootstrapRetries sets how often a loop retries its startup before it
// is marked StatusFailed, and the initial delay between attempts.
func WithBootstrapRetries(attempts int, initialDelay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.bootstrapAttempts = attempts
		}
		if initialDelay > 0 {
			o.bootstrapBackoff = initialDelay
		}
	}
}

func WithLocker(l Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithTopic sets the topic recorded on created subscription descriptions.
func WithTopic(topic string) Option {
	return func(o *options) {
		o.topic = topic
	}
}

func WithSenderLogger(logger *zap.Logger) SenderOption {
	return func(o *senderOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithSenderHooks(h Hooks) SenderOption {
	return func(o *senderOptions) {
		o.hooks = h
	}
}

func WithSenderSerializer(s Serializer) SenderOption {
	return func(o *senderOptions) {
		if s != nil {
			o.serializer = s
		}
	}
}

func WithSenderRetryPolicy(policy RetryPolicy) SenderOption {
	return func(o *senderOptions) {
		o.retryPolicy = policy.normalized()
	}
}

// WithSendTimeout bounds a whole Send call, retries included.
func WithSendTimeout(d time.Duration) SenderOption {
	return func(o *senderOptions) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

// WithSenderMessageType overrides the type header stamped on every message.
// It must match the receiving endpoint's WithMessageType.
func WithSenderMessageType(name string) SenderOption {
	return func(o *senderOptions) {
		o.messageType = name
	}
}
