package bus

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

const (
	defaultMaxRetries   = 5
	defaultErrorPause   = time.Second
	typeNameSeparators  = "./-"
	typeNameReplacement = "_"
)

// AttributeData carries per-endpoint receive and subscription options.
// Zero durations and counts mean "not set" and leave broker defaults in place.
type AttributeData struct {
	MaxRetries                int
	DeadLetterAfterMaxRetries bool
	ReceiveMode               ReceiveMode
	PrefetchCount             int
	LockDuration              time.Duration
	DefaultMessageTTL         time.Duration
	PauseTimeIfErrorWasThrown time.Duration
	EnableBatchedOperations   bool
	DeadLetterOnExpiration    bool
}

func DefaultAttributeData() AttributeData {
	return AttributeData{
		MaxRetries:                defaultMaxRetries,
		ReceiveMode:               PeekLock,
		PauseTimeIfErrorWasThrown: defaultErrorPause,
	}
}

func (a AttributeData) normalized() AttributeData {
	if a.MaxRetries <= 0 {
		a.MaxRetries = defaultMaxRetries
	}
	if a.PauseTimeIfErrorWasThrown <= 0 {
		a.PauseTimeIfErrorWasThrown = defaultErrorPause
	}
	if a.PrefetchCount < 0 {
		a.PrefetchCount = 0
	}
	return a
}

func (a AttributeData) String() string {
	return fmt.Sprintf("max_retries=%d dead_letter=%t mode=%s prefetch=%d lock=%s ttl=%s pause=%s batched=%t dead_letter_on_expiration=%t",
		a.MaxRetries, a.DeadLetterAfterMaxRetries, a.ReceiveMode, a.PrefetchCount, a.LockDuration,
		a.DefaultMessageTTL, a.PauseTimeIfErrorWasThrown, a.EnableBatchedOperations, a.DeadLetterOnExpiration)
}

// EndpointDescriptor identifies one (subscription, message type) pairing.
// It is immutable once built; use NewEndpoint to construct one.
type EndpointDescriptor struct {
	SubscriptionName string
	HandlerType      string
	MessageType      string
	IsReusable       bool
	Attributes       AttributeData

	binding binding
}

type EndpointOption func(*EndpointDescriptor)

// WithAttributes replaces the endpoint attribute data.
func WithAttributes(attrs AttributeData) EndpointOption {
	return func(e *EndpointDescriptor) {
		e.Attributes = attrs
	}
}

// WithMessageType overrides the qualified message type name used for the
// type header filter. Senders must stamp the same name.
func WithMessageType(name string) EndpointOption {
	return func(e *EndpointDescriptor) {
		if name != "" {
			e.MessageType = name
		}
	}
}

func WithReusableHandler(reusable bool) EndpointOption {
	return func(e *EndpointDescriptor) {
		e.IsReusable = reusable
	}
}

// NewEndpoint binds message type T to a subscription and a declared handler type.
func NewEndpoint[T any](subscription, handlerType string, opts ...EndpointOption) EndpointDescriptor {
	e := EndpointDescriptor{
		SubscriptionName: subscription,
		HandlerType:      handlerType,
		MessageType:      TypeName[T](),
		Attributes:       DefaultAttributeData(),
		binding:          typedBinding[T]{},
	}
	for _, opt := range opts {
		opt(&e)
	}
	e.Attributes = e.Attributes.normalized()
	return e
}

// Filter returns the server-side filter for this endpoint.
func (e EndpointDescriptor) Filter() Filter {
	return TypeFilter(e.MessageType)
}

func (e EndpointDescriptor) validate() error {
	if e.SubscriptionName == "" {
		return fmt.Errorf("bus: subscription name required")
	}
	if e.HandlerType == "" {
		return fmt.Errorf("bus: handler type required for subscription %s", e.SubscriptionName)
	}
	if e.MessageType == "" {
		return fmt.Errorf("bus: message type required for subscription %s", e.SubscriptionName)
	}
	return nil
}

// TypeName returns the qualified name of T: "<pkgpath>.<Name>". Pointer
// types resolve to their element type.
func TypeName[T any]() string {
	return qualifiedName(reflect.TypeFor[T]())
}

// TypeNameOf is TypeName for a runtime value.
func TypeNameOf(v any) string {
	if v == nil {
		return ""
	}
	return qualifiedName(reflect.TypeOf(v))
}

func qualifiedName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// NormalizeTypeName rewrites separator characters so the name is usable as a
// filter literal and header value on every supported broker.
func NormalizeTypeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(typeNameSeparators, r) {
			b.WriteString(typeNameReplacement)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
