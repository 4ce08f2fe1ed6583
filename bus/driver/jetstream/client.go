package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-servicebus/bus"
)

const (
	// DeadLetterReasonHeader and DeadLetterDescriptionHeader are set on
	// messages published to the dead-letter subject.
	DeadLetterReasonHeader      = "Bus-Dead-Letter-Reason"
	DeadLetterDescriptionHeader = "Bus-Dead-Letter-Description"
	DeliveryCountHeader         = "Bus-Delivery-Count"

	reasonExpired = "TTLExpiredException"
)

type receiver struct {
	broker   *Broker
	name     string
	consumer jetstream.Consumer
	mode     bus.ReceiveMode
	batch    int
	ttl      time.Duration
	dlqOnTTL bool

	mu       sync.Mutex
	buffered []jetstream.Msg
	closed   bool
}

func (r *receiver) Mode() bus.ReceiveMode { return r.mode }

func (r *receiver) Receive(ctx context.Context, wait time.Duration) (bus.BrokeredMessage, error) {
	deadline := time.Now().Add(wait)
	for {
		m, err := r.pop(ctx)
		if m != nil || err != nil {
			return m, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := r.fetch(ctx, remaining); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func (r *receiver) fetch(ctx context.Context, wait time.Duration) error {
	batch, err := r.consumer.Fetch(r.batch, jetstream.FetchMaxWait(max(wait, time.Millisecond)))
	if err != nil {
		return r.receiveError(err)
	}
	var received []jetstream.Msg
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case m, ok := <-batch.Messages():
			if !ok {
				break loop
			}
			received = append(received, m)
		}
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
		return r.receiveError(err)
	}
	if r.mode == bus.ReceiveAndDelete {
		for _, m := range received {
			if err := m.Ack(); err != nil {
				return settleError(err)
			}
		}
	}
	r.mu.Lock()
	r.buffered = append(r.buffered, received...)
	r.mu.Unlock()
	return nil
}

func (r *receiver) receiveError(err error) error {
	if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
		return bus.ErrMessaging.Wrap(err)
	}
	return mapError(err)
}

// pop returns the next buffered message, terminating expired ones on the way.
func (r *receiver) pop(ctx context.Context) (bus.BrokeredMessage, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, bus.ErrMessaging.Wrap(fmt.Errorf("jetstream: receiver for %q closed", r.name))
		}
		if len(r.buffered) == 0 {
			r.mu.Unlock()
			return nil, nil
		}
		jm := r.buffered[0]
		r.buffered = r.buffered[1:]
		r.mu.Unlock()

		m := r.wrap(jm)
		if r.ttl > 0 && time.Since(m.publishedAt) > r.ttl {
			r.expire(ctx, m)
			continue
		}
		return m, nil
	}
}

func (r *receiver) wrap(jm jetstream.Msg) *message {
	m := &message{receiver: r, msg: jm, props: map[string]string{}, deliveryCount: 1}
	for k, v := range jm.Headers() {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		m.props[k] = v[0]
	}
	m.id = jm.Headers().Get(nats.MsgIdHdr)
	if meta, err := jm.Metadata(); err == nil {
		m.deliveryCount = int(meta.NumDelivered)
		m.publishedAt = meta.Timestamp
		if m.id == "" {
			m.id = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
		}
	}
	return m
}

func (r *receiver) expire(ctx context.Context, m *message) {
	var err error
	switch {
	case r.mode != bus.PeekLock:
	case r.dlqOnTTL && r.broker.cfg.DeadLetterSubject != "":
		err = m.DeadLetter(ctx, reasonExpired, "message expired")
	default:
		err = settleError(m.msg.TermWithReason(reasonExpired))
	}
	if err != nil {
		r.broker.logger.Warn("expire message failed", zap.String("subscription", r.name), zap.String("message_id", m.id), zap.Error(err))
	}
}

func (r *receiver) Close(context.Context) error {
	r.mu.Lock()
	pending := r.buffered
	r.buffered = nil
	r.closed = true
	r.mu.Unlock()
	if r.mode != bus.PeekLock {
		return nil
	}
	for _, m := range pending {
		if err := m.Nak(); err != nil {
			r.broker.logger.Warn("release prefetched message failed", zap.String("subscription", r.name), zap.Error(err))
		}
	}
	return nil
}

type message struct {
	receiver      *receiver
	msg           jetstream.Msg
	id            string
	props         map[string]string
	deliveryCount int
	publishedAt   time.Time
}

func (m *message) ID() string                    { return m.id }
func (m *message) Body() []byte                  { return m.msg.Data() }
func (m *message) Properties() map[string]string { return m.props }
func (m *message) DeliveryCount() int            { return m.deliveryCount }

func (m *message) Ack(context.Context) error {
	if err := m.peekLocked(); err != nil {
		return err
	}
	return settleError(m.msg.Ack())
}

func (m *message) Release(context.Context) error {
	if err := m.peekLocked(); err != nil {
		return err
	}
	return settleError(m.msg.Nak())
}

// DeadLetter publishes a copy to the dead-letter subject when one is
// configured and then terminates the message so it is never redelivered.
func (m *message) DeadLetter(ctx context.Context, reason, description string) error {
	if err := m.peekLocked(); err != nil {
		return err
	}
	if subject := m.receiver.broker.DeadLetterSubject(m.receiver.name); subject != "" {
		out := nats.NewMsg(subject)
		out.Data = m.msg.Data()
		for k, v := range m.props {
			out.Header.Set(k, v)
		}
		out.Header.Set(DeadLetterReasonHeader, reason)
		out.Header.Set(DeadLetterDescriptionHeader, description)
		out.Header.Set(DeliveryCountHeader, fmt.Sprint(m.deliveryCount))
		if _, err := m.receiver.broker.js.PublishMsg(ctx, out, jetstream.WithMsgID(m.id+":dlq")); err != nil {
			return fmt.Errorf("jetstream: publish dead letter: %w", mapError(err))
		}
	}
	return settleError(m.msg.TermWithReason(reason))
}

func (m *message) Close() {}

func (m *message) peekLocked() error {
	if m.receiver.mode != bus.PeekLock {
		return fmt.Errorf("jetstream: message %s was received in %s mode and cannot be settled", m.id, m.receiver.mode)
	}
	return nil
}

func settleError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrMsgAlreadyAckd), errors.Is(err, jetstream.ErrMsgNotBound):
		return bus.ErrLockLost.Wrap(err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return bus.ErrMessaging.Wrap(err)
	default:
		return mapError(err)
	}
}

type sender struct {
	broker *Broker
}

func (s *sender) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	if msg == nil {
		return errors.New("jetstream: nil message")
	}
	out := nats.NewMsg(s.broker.Subject(msg.Properties[bus.TypeHeaderName]))
	out.Data = msg.Body
	for k, v := range msg.Properties {
		out.Header.Set(k, v)
	}
	if _, err := s.broker.js.PublishMsg(ctx, out, jetstream.WithMsgID(msg.ID)); err != nil {
		return fmt.Errorf("jetstream: publish: %w", mapError(err))
	}
	return nil
}

func (s *sender) Close(context.Context) error { return nil }
