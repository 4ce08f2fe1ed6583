package bus

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// Handler processes messages of type T. A returned error counts as a
// business failure and drives the retry/dead-letter decision.
type Handler[T any] interface {
	Handle(ctx context.Context, msg *ReceivedMessage[T]) error
}

type HandlerFunc[T any] func(ctx context.Context, msg *ReceivedMessage[T]) error

func (f HandlerFunc[T]) Handle(ctx context.Context, msg *ReceivedMessage[T]) error {
	return f(ctx, msg)
}

// HandlerResolver locates a handler instance by declared handler type.
type HandlerResolver interface {
	Resolve(ctx context.Context, handlerType string) (any, error)
}

// HandlerRegistry is the default HandlerResolver: a map from declared handler
// type to a factory.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{factories: map[string]func() any{}}
}

// Register adds a factory producing a fresh Handler[T] per resolution.
func Register[T any](r *HandlerRegistry, handlerType string, factory func() Handler[T]) error {
	if factory == nil {
		return fmt.Errorf("bus: nil handler factory for %q", handlerType)
	}
	return r.add(handlerType, func() any { return factory() })
}

// RegisterInstance adds a single shared Handler[T].
func RegisterInstance[T any](r *HandlerRegistry, handlerType string, h Handler[T]) error {
	if h == nil {
		return fmt.Errorf("bus: nil handler for %q", handlerType)
	}
	return r.add(handlerType, func() any { return h })
}

func (r *HandlerRegistry) add(handlerType string, factory func() any) error {
	if handlerType == "" {
		return fmt.Errorf("bus: handler type required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[handlerType]; ok {
		return fmt.Errorf("bus: handler %q already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

func (r *HandlerRegistry) Resolve(_ context.Context, handlerType string) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[handlerType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bus: no handler registered for %q", handlerType)
	}
	return factory(), nil
}

// binding is the statically typed replacement for late-bound handler
// invocation. It is captured by NewEndpoint.
type binding interface {
	check(handler any) error
	decode(s Serializer, body []byte) (any, error)
	invoke(ctx context.Context, handler any, env *MessageEnvelope, payload any) error
}

type typedBinding[T any] struct{}

func (typedBinding[T]) check(handler any) error {
	if _, ok := handler.(Handler[T]); !ok {
		return fmt.Errorf("bus: handler %T does not implement Handler[%s]", handler, TypeName[T]())
	}
	return nil
}

func (typedBinding[T]) decode(s Serializer, body []byte) (any, error) {
	var v T
	if err := s.Deserialize(bytes.NewReader(body), &v); err != nil {
		return nil, fmt.Errorf("bus: deserialize %s: %w", TypeName[T](), err)
	}
	return v, nil
}

func (b typedBinding[T]) invoke(ctx context.Context, handler any, env *MessageEnvelope, payload any) error {
	h, ok := handler.(Handler[T])
	if !ok {
		return b.check(handler)
	}
	msg, _ := payload.(T)
	return h.Handle(ctx, &ReceivedMessage[T]{MessageEnvelope: env, Message: msg})
}
