package bus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TypeHeaderName is the reserved message property carrying the normalized
// message type name. Subscriptions filter on it server-side.
const TypeHeaderName = "TYPE_HEADER"

// ContentTypeProperty carries the serializer content type of the body.
const ContentTypeProperty = "Content-Type"

type ReceiveMode int

const (
	// PeekLock locks a received message until it is settled or the lock expires.
	PeekLock ReceiveMode = iota
	// ReceiveAndDelete removes the message from the subscription on receive.
	ReceiveAndDelete
)

func (m ReceiveMode) String() string {
	switch m {
	case PeekLock:
		return "peek_lock"
	case ReceiveAndDelete:
		return "receive_and_delete"
	default:
		return fmt.Sprintf("receive_mode(%d)", int(m))
	}
}

// ParseReceiveMode accepts the String form, case-insensitively.
func ParseReceiveMode(s string) (ReceiveMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "peek_lock", "peeklock":
		return PeekLock, nil
	case "receive_and_delete", "receiveanddelete":
		return ReceiveAndDelete, nil
	default:
		return PeekLock, fmt.Errorf("bus: unknown receive mode %q", s)
	}
}

// Filter is a single equality predicate on a message property.
type Filter struct {
	Property string
	Value    string
}

// TypeFilter selects messages whose type header equals the normalized messageType.
func TypeFilter(messageType string) Filter {
	return Filter{Property: TypeHeaderName, Value: NormalizeTypeName(messageType)}
}

func (f Filter) String() string {
	return fmt.Sprintf("%s = %q", f.Property, f.Value)
}

// Matches reports whether props satisfy the filter.
func (f Filter) Matches(props map[string]string) bool {
	if f.Property == "" {
		return true
	}
	v, ok := props[f.Property]
	return ok && v == f.Value
}

// SubscriptionDescription is the broker-side view of a subscription.
type SubscriptionDescription struct {
	Topic                   string
	Name                    string
	Filter                  Filter
	LockDuration            time.Duration
	DefaultMessageTTL       time.Duration
	EnableBatchedOperations bool
	DeadLetterOnExpiration  bool
	MaxDeliveryCount        int
}

type ReceiverOptions struct {
	Mode          ReceiveMode
	PrefetchCount int
}

// Broker is the contract a concrete messaging platform implements.
// Implementations must be safe for concurrent use.
type Broker interface {
	// GetSubscription returns an error matching ErrNotFound when absent.
	GetSubscription(ctx context.Context, name string) (*SubscriptionDescription, error)
	SubscriptionExists(ctx context.Context, name string) (bool, error)
	// CreateSubscription returns an error matching ErrAlreadyExists when the
	// name is taken.
	CreateSubscription(ctx context.Context, desc SubscriptionDescription) (*SubscriptionDescription, error)
	DeleteSubscription(ctx context.Context, name string) error
	NewReceiver(ctx context.Context, subscription string, opts ReceiverOptions) (ReceiverClient, error)
	NewSender(ctx context.Context) (SenderClient, error)
	Close(ctx context.Context) error
}

// ReceiverClient pulls messages from one subscription.
type ReceiverClient interface {
	// Receive waits at most wait for one message. It returns nil, nil when
	// the window elapses with nothing to deliver.
	Receive(ctx context.Context, wait time.Duration) (BrokeredMessage, error)
	Mode() ReceiveMode
	Close(ctx context.Context) error
}

// BrokeredMessage is a received message together with its settlement operations.
type BrokeredMessage interface {
	ID() string
	Body() []byte
	Properties() map[string]string
	DeliveryCount() int
	Ack(ctx context.Context) error
	Release(ctx context.Context) error
	DeadLetter(ctx context.Context, reason, description string) error
	// Close releases local resources held for the message. It never settles.
	Close()
}

type OutgoingMessage struct {
	ID         string
	Body       []byte
	Properties map[string]string
}

type SenderClient interface {
	Send(ctx context.Context, msg *OutgoingMessage) error
	Close(ctx context.Context) error
}
