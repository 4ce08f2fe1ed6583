// Package inmem is an in-process bus.Broker with filtered subscriptions,
// peek-lock delivery, delivery counts and per-subscription dead-letter queues.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/infigaming-com/go-servicebus/bus"
)

const (
	defaultLockDuration     = 60 * time.Second
	defaultMaxDeliveryCount = 10

	reasonMaxDelivery = "MaxDeliveryCountExceeded"
	reasonExpired     = "TTLExpiredException"
)

type Option func(*Broker)

// WithTopic names the topic; it is echoed on subscription descriptions.
func WithTopic(name string) Option {
	return func(b *Broker) {
		b.topic = name
	}
}

// WithLockDuration sets the lock duration for subscriptions created
// without one.
func WithLockDuration(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.lockDuration = d
		}
	}
}

// WithMaxDeliveryCount sets the broker-side delivery limit for subscriptions
// created without one. Past it, messages move to the dead-letter queue.
func WithMaxDeliveryCount(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxDelivery = n
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// DeadLetter is a message moved to a subscription's dead-letter queue.
type DeadLetter struct {
	ID            string
	Body          []byte
	Properties    map[string]string
	DeliveryCount int
	Reason        string
	Description   string
}

type Broker struct {
	topic        string
	lockDuration time.Duration
	maxDelivery  int
	now          func() time.Time

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	desc        bus.SubscriptionDescription
	pending     []*entry
	locked      map[string]*entry
	deadLetters []DeadLetter
	notify      chan struct{}
}

type entry struct {
	id            string
	body          []byte
	props         map[string]string
	deliveryCount int
	enqueuedAt    time.Time
	lockToken     string
	lockedUntil   time.Time
}

func New(opts ...Option) *Broker {
	b := &Broker{
		topic:        "default",
		lockDuration: defaultLockDuration,
		maxDelivery:  defaultMaxDeliveryCount,
		now:          time.Now,
		subs:         map[string]*subscription{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ bus.Broker = (*Broker)(nil)

func (b *Broker) GetSubscription(_ context.Context, name string) (*bus.SubscriptionDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guardLocked(); err != nil {
		return nil, err
	}
	sub, ok := b.subs[name]
	if !ok {
		return nil, notFound(name)
	}
	desc := sub.desc
	return &desc, nil
}

func (b *Broker) SubscriptionExists(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guardLocked(); err != nil {
		return false, err
	}
	_, ok := b.subs[name]
	return ok, nil
}

func (b *Broker) CreateSubscription(_ context.Context, desc bus.SubscriptionDescription) (*bus.SubscriptionDescription, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("inmem: subscription name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guardLocked(); err != nil {
		return nil, err
	}
	if _, ok := b.subs[desc.Name]; ok {
		return nil, bus.ErrAlreadyExists.Wrap(fmt.Errorf("inmem: subscription %q", desc.Name))
	}
	desc.Topic = b.topic
	if desc.LockDuration <= 0 {
		desc.LockDuration = b.lockDuration
	}
	if desc.MaxDeliveryCount <= 0 {
		desc.MaxDeliveryCount = b.maxDelivery
	}
	b.subs[desc.Name] = &subscription{
		desc:   desc,
		locked: map[string]*entry{},
		notify: make(chan struct{}, 1),
	}
	out := desc
	return &out, nil
}

func (b *Broker) DeleteSubscription(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guardLocked(); err != nil {
		return err
	}
	sub, ok := b.subs[name]
	if !ok {
		return notFound(name)
	}
	delete(b.subs, name)
	sub.wake()
	return nil
}

func (b *Broker) NewReceiver(_ context.Context, name string, opts bus.ReceiverOptions) (bus.ReceiverClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guardLocked(); err != nil {
		return nil, err
	}
	if _, ok := b.subs[name]; !ok {
		return nil, notFound(name)
	}
	return &receiver{broker: b, name: name, mode: opts.Mode}, nil
}

func (b *Broker) NewSender(context.Context) (bus.SenderClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guardLocked(); err != nil {
		return nil, err
	}
	return &sender{broker: b}, nil
}

func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.wake()
	}
	return nil
}

// Publish fans msg out to every subscription whose filter matches.
// It returns how many subscriptions accepted the message.
func (b *Broker) Publish(msg *bus.OutgoingMessage) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guardLocked(); err != nil {
		return 0, err
	}
	now := b.now()
	var matched int
	for _, sub := range b.subs {
		if !sub.desc.Filter.Matches(msg.Properties) {
			continue
		}
		sub.pending = append(sub.pending, &entry{
			id:         msg.ID,
			body:       append([]byte(nil), msg.Body...),
			props:      lo.Assign(msg.Properties),
			enqueuedAt: now,
		})
		sub.wake()
		matched++
	}
	return matched, nil
}

// DeadLetters returns a copy of the subscription's dead-letter queue.
func (b *Broker) DeadLetters(name string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[name]
	if !ok {
		return nil
	}
	return append([]DeadLetter(nil), sub.deadLetters...)
}

// Pending counts messages available or locked on the subscription.
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[name]
	if !ok {
		return 0
	}
	return len(sub.pending) + len(sub.locked)
}

func (b *Broker) guardLocked() error {
	if b.closed {
		return bus.ErrMessaging.Wrap(fmt.Errorf("inmem: broker closed"))
	}
	return nil
}

// next hands out the first deliverable message, or nil. It also returns the
// channel to wait on when nothing is available.
func (b *Broker) next(name string, mode bus.ReceiveMode) (*entry, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guardLocked(); err != nil {
		return nil, nil, err
	}
	sub, ok := b.subs[name]
	if !ok {
		return nil, nil, bus.ErrMessaging.Wrap(notFound(name))
	}
	now := b.now()
	sub.reclaim(now)
	for len(sub.pending) > 0 {
		e := sub.pending[0]
		sub.pending = sub.pending[1:]
		if ttl := sub.desc.DefaultMessageTTL; ttl > 0 && now.Sub(e.enqueuedAt) > ttl {
			if sub.desc.DeadLetterOnExpiration {
				sub.deadLetter(e, reasonExpired, "message expired")
			}
			continue
		}
		e.deliveryCount++
		if sub.desc.MaxDeliveryCount > 0 && e.deliveryCount > sub.desc.MaxDeliveryCount {
			e.deliveryCount--
			sub.deadLetter(e, reasonMaxDelivery, "message delivery count exceeded")
			continue
		}
		if mode == bus.PeekLock {
			e.lockToken = uuid.NewString()
			e.lockedUntil = now.Add(sub.desc.LockDuration)
			sub.locked[e.lockToken] = e
		}
		return e, nil, nil
	}
	return nil, sub.notify, nil
}

// settle resolves a locked message; fn runs under the broker lock.
func (b *Broker) settle(name, token string, fn func(sub *subscription, e *entry)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.guardLocked(); err != nil {
		return err
	}
	sub, ok := b.subs[name]
	if !ok {
		return bus.ErrMessaging.Wrap(notFound(name))
	}
	sub.reclaim(b.now())
	e, ok := sub.locked[token]
	if !ok {
		return bus.ErrLockLost.Wrap(fmt.Errorf("inmem: lock %s on %q expired or already settled", token, name))
	}
	delete(sub.locked, token)
	e.lockToken = ""
	fn(sub, e)
	return nil
}

// reclaim returns messages with expired locks to the front of the queue.
func (s *subscription) reclaim(now time.Time) {
	var expired []*entry
	for token, e := range s.locked {
		if now.After(e.lockedUntil) {
			delete(s.locked, token)
			e.lockToken = ""
			expired = append(expired, e)
		}
	}
	if len(expired) > 0 {
		s.pending = append(expired, s.pending...)
		s.wake()
	}
}

func (s *subscription) deadLetter(e *entry, reason, description string) {
	s.deadLetters = append(s.deadLetters, DeadLetter{
		ID:            e.id,
		Body:          e.body,
		Properties:    e.props,
		DeliveryCount: e.deliveryCount,
		Reason:        reason,
		Description:   description,
	})
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func notFound(name string) error {
	return bus.ErrNotFound.Wrap(fmt.Errorf("inmem: subscription %q", name))
}
