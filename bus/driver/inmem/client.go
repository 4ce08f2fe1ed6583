package inmem

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/infigaming-com/go-servicebus/bus"
)

type receiver struct {
	broker *Broker
	name   string
	mode   bus.ReceiveMode
	closed atomic.Bool
}

func (r *receiver) Mode() bus.ReceiveMode { return r.mode }

func (r *receiver) Receive(ctx context.Context, wait time.Duration) (bus.BrokeredMessage, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		if r.closed.Load() {
			return nil, bus.ErrMessaging.Wrap(fmt.Errorf("inmem: receiver for %q closed", r.name))
		}
		e, notify, err := r.broker.next(r.name, r.mode)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return r.message(e), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-notify:
		}
	}
}

func (r *receiver) message(e *entry) *message {
	return &message{
		broker:        r.broker,
		subscription:  r.name,
		mode:          r.mode,
		token:         e.lockToken,
		id:            e.id,
		body:          append([]byte(nil), e.body...),
		props:         lo.Assign(e.props),
		deliveryCount: e.deliveryCount,
	}
}

func (r *receiver) Close(context.Context) error {
	r.closed.Store(true)
	return nil
}

type message struct {
	broker        *Broker
	subscription  string
	mode          bus.ReceiveMode
	token         string
	id            string
	body          []byte
	props         map[string]string
	deliveryCount int
}

func (m *message) ID() string                    { return m.id }
func (m *message) Body() []byte                  { return m.body }
func (m *message) Properties() map[string]string { return m.props }
func (m *message) DeliveryCount() int            { return m.deliveryCount }

func (m *message) Ack(context.Context) error {
	if err := m.peekLocked(); err != nil {
		return err
	}
	return m.broker.settle(m.subscription, m.token, func(*subscription, *entry) {})
}

func (m *message) Release(context.Context) error {
	if err := m.peekLocked(); err != nil {
		return err
	}
	return m.broker.settle(m.subscription, m.token, func(sub *subscription, e *entry) {
		sub.pending = append([]*entry{e}, sub.pending...)
		sub.wake()
	})
}

func (m *message) DeadLetter(_ context.Context, reason, description string) error {
	if err := m.peekLocked(); err != nil {
		return err
	}
	return m.broker.settle(m.subscription, m.token, func(sub *subscription, e *entry) {
		sub.deadLetter(e, reason, description)
	})
}

func (m *message) Close() {}

func (m *message) peekLocked() error {
	if m.mode != bus.PeekLock {
		return fmt.Errorf("inmem: message %s was received in %s mode and cannot be settled", m.id, m.mode)
	}
	return nil
}

type sender struct {
	broker *Broker
}

func (s *sender) Send(_ context.Context, msg *bus.OutgoingMessage) error {
	if msg == nil {
		return fmt.Errorf("inmem: nil message")
	}
	_, err := s.broker.Publish(msg)
	return err
}

func (s *sender) Close(context.Context) error { return nil }
