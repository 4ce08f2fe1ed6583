package google

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-servicebus/bus"
)

const (
	// DeadLetterReasonAttribute and DeadLetterDescriptionAttribute are set
	// on messages published to the dead-letter topic.
	DeadLetterReasonAttribute      = "bus-dead-letter-reason"
	DeadLetterDescriptionAttribute = "bus-dead-letter-description"
	// SourceSubscriptionAttribute names the subscription a dead-lettered
	// message came from.
	SourceSubscriptionAttribute = "bus-source-subscription"
)

type receiver struct {
	broker *Broker
	name   string
	path   string
	mode   bus.ReceiveMode
	batch  int32

	mu       sync.Mutex
	buffered []*pubsubpb.ReceivedMessage
	// attempts counts local deliveries of peek-locked messages when the
	// subscription has no dead-letter policy and Pub/Sub does not report
	// them. Entries not seen within the attempt window are dropped.
	attempts  map[string]attempt
	lastSweep time.Time
	now       func() time.Time
	closed    bool
}

type attempt struct {
	count int
	seen  time.Time
}

func (r *receiver) Mode() bus.ReceiveMode { return r.mode }

func (r *receiver) Receive(ctx context.Context, wait time.Duration) (bus.BrokeredMessage, error) {
	if m, err := r.pop(); m != nil || err != nil {
		return m, err
	}
	deadline := time.Now().Add(wait)
	for {
		pullCtx, cancel := context.WithDeadline(ctx, deadline)
		resp, err := r.broker.subscriber.Pull(pullCtx, &pubsubpb.PullRequest{
			Subscription: r.path,
			MaxMessages:  r.batch,
		})
		expired := pullCtx.Err() != nil
		cancel()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && expired:
			return nil, nil
		case err != nil:
			if status.Code(err) == codes.NotFound {
				return nil, bus.ErrMessaging.Wrap(err)
			}
			return nil, mapError(err)
		}

		if received := resp.GetReceivedMessages(); len(received) > 0 {
			if r.mode == bus.ReceiveAndDelete {
				if err := r.acknowledge(ctx, lo.Map(received, func(m *pubsubpb.ReceivedMessage, _ int) string {
					return m.GetAckId()
				})...); err != nil {
					return nil, err
				}
			}
			r.mu.Lock()
			r.buffered = append(r.buffered, received...)
			r.mu.Unlock()
			return r.pop()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(remaining, r.broker.cfg.PollInterval)):
		}
	}
}

func (r *receiver) pop() (bus.BrokeredMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, bus.ErrMessaging.Wrap(fmt.Errorf("googlepubsub: receiver for %q closed", r.name))
	}
	if len(r.buffered) == 0 {
		return nil, nil
	}
	rm := r.buffered[0]
	r.buffered = r.buffered[1:]

	pm := rm.GetMessage()
	props := lo.OmitByKeys(pm.GetAttributes(), []string{MessageIDAttribute})
	id := pm.GetAttributes()[MessageIDAttribute]
	if id == "" {
		id = pm.GetMessageId()
	}
	count := int(rm.GetDeliveryAttempt())
	if count == 0 {
		count = r.countLocked(pm.GetMessageId())
	}
	return &message{
		receiver:      r,
		ackID:         rm.GetAckId(),
		serverID:      pm.GetMessageId(),
		id:            id,
		body:          pm.GetData(),
		props:         props,
		deliveryCount: count,
	}, nil
}

// countLocked records a local delivery of serverID and returns its count.
// Received-and-deleted messages are never redelivered, so they always count
// as first deliveries and are not tracked.
func (r *receiver) countLocked(serverID string) int {
	if r.mode != bus.PeekLock {
		return 1
	}
	now := r.now()
	window := r.broker.cfg.AttemptWindow
	if now.Sub(r.lastSweep) >= window/2 {
		for id, a := range r.attempts {
			if now.Sub(a.seen) > window {
				delete(r.attempts, id)
			}
		}
		r.lastSweep = now
	}
	a, ok := r.attempts[serverID]
	if !ok && len(r.attempts) >= maxTrackedAttempts {
		r.evictOldestLocked()
	}
	a.count++
	a.seen = now
	r.attempts[serverID] = a
	return a.count
}

func (r *receiver) evictOldestLocked() {
	var (
		oldest string
		at     time.Time
	)
	for id, a := range r.attempts {
		if oldest == "" || a.seen.Before(at) {
			oldest, at = id, a.seen
		}
	}
	delete(r.attempts, oldest)
}

func (r *receiver) acknowledge(ctx context.Context, ackIDs ...string) error {
	err := r.broker.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{Subscription: r.path, AckIds: ackIDs})
	return settleError(err)
}

func (r *receiver) forget(serverID string) {
	r.mu.Lock()
	delete(r.attempts, serverID)
	r.mu.Unlock()
}

func (r *receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	pending := r.buffered
	r.buffered = nil
	r.closed = true
	r.mu.Unlock()
	if len(pending) == 0 || r.mode != bus.PeekLock {
		return nil
	}
	// Hand prefetched messages back so another receiver can take them.
	err := r.broker.subscriber.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription: r.path,
		AckIds: lo.Map(pending, func(m *pubsubpb.ReceivedMessage, _ int) string {
			return m.GetAckId()
		}),
		AckDeadlineSeconds: 0,
	})
	if err != nil {
		r.broker.logger.Warn("release prefetched messages failed", zap.String("subscription", r.name), zap.Error(err))
	}
	return nil
}

type message struct {
	receiver      *receiver
	ackID         string
	serverID      string
	id            string
	body          []byte
	props         map[string]string
	deliveryCount int
}

func (m *message) ID() string                    { return m.id }
func (m *message) Body() []byte                  { return m.body }
func (m *message) Properties() map[string]string { return m.props }
func (m *message) DeliveryCount() int            { return m.deliveryCount }

func (m *message) Ack(ctx context.Context) error {
	if err := m.peekLocked(); err != nil {
		return err
	}
	if err := m.receiver.acknowledge(ctx, m.ackID); err != nil {
		return err
	}
	m.receiver.forget(m.serverID)
	return nil
}

func (m *message) Release(ctx context.Context) error {
	if err := m.peekLocked(); err != nil {
		return err
	}
	err := m.receiver.broker.subscriber.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       m.receiver.path,
		AckIds:             []string{m.ackID},
		AckDeadlineSeconds: 0,
	})
	return settleError(err)
}

// DeadLetter publishes a copy to the dead-letter topic and then acknowledges
// the original. Without a dead-letter topic the message is acknowledged and
// dropped.
func (m *message) DeadLetter(ctx context.Context, reason, description string) error {
	if err := m.peekLocked(); err != nil {
		return err
	}
	b := m.receiver.broker
	if b.cfg.DeadLetterTopic == "" {
		b.logger.Warn("dropping dead-lettered message, no dead-letter topic configured",
			zap.String("subscription", m.receiver.name),
			zap.String("message_id", m.id),
			zap.String("reason", reason),
			zap.String("description", description))
		return m.Ack(ctx)
	}
	attrs := lo.Assign(m.props, map[string]string{
		MessageIDAttribute:             m.id,
		DeadLetterReasonAttribute:      reason,
		DeadLetterDescriptionAttribute: description,
		SourceSubscriptionAttribute:    m.receiver.name,
	})
	topic := b.client.Topic(b.cfg.DeadLetterTopic)
	defer topic.Stop()
	if _, err := topic.Publish(ctx, &gcppubsub.Message{Data: m.body, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("googlepubsub: publish dead letter: %w", mapError(err))
	}
	return m.Ack(ctx)
}

func (m *message) Close() {}

func (m *message) peekLocked() error {
	if m.receiver.mode != bus.PeekLock {
		return fmt.Errorf("googlepubsub: message %s was received in %s mode and cannot be settled", m.id, m.receiver.mode)
	}
	return nil
}

// settleError maps settlement failures. An invalid or expired ack id means
// the lease is gone; a missing subscription is a messaging failure.
func settleError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return bus.ErrLockLost.Wrap(err)
	case codes.NotFound:
		return bus.ErrMessaging.Wrap(err)
	}
	return mapError(err)
}

type sender struct {
	topic *gcppubsub.Topic
}

func (s *sender) Send(ctx context.Context, msg *bus.OutgoingMessage) error {
	if msg == nil {
		return errors.New("googlepubsub: nil message")
	}
	attrs := lo.Assign(msg.Properties, map[string]string{MessageIDAttribute: msg.ID})
	res := s.topic.Publish(ctx, &gcppubsub.Message{
		Data:       append([]byte(nil), msg.Body...),
		Attributes: attrs,
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("googlepubsub: publish: %w", mapError(err))
	}
	return nil
}

// Close flushes pending publishes.
func (s *sender) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
