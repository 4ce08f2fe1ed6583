package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"
)

type Order struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

// ---------------------------------------------------------------------------
// stubBroker
// ---------------------------------------------------------------------------

type stubBroker struct{ mock.Mock }

func (b *stubBroker) GetSubscription(ctx context.Context, name string) (*SubscriptionDescription, error) {
	ret := b.Called(name)
	var d *SubscriptionDescription
	if ret.Get(0) != nil {
		d = ret.Get(0).(*SubscriptionDescription)
	}
	return d, ret.Error(1)
}

func (b *stubBroker) SubscriptionExists(ctx context.Context, name string) (bool, error) {
	ret := b.Called(name)
	return ret.Bool(0), ret.Error(1)
}

func (b *stubBroker) CreateSubscription(ctx context.Context, desc SubscriptionDescription) (*SubscriptionDescription, error) {
	ret := b.Called(desc)
	var d *SubscriptionDescription
	if ret.Get(0) != nil {
		d = ret.Get(0).(*SubscriptionDescription)
	}
	return d, ret.Error(1)
}

func (b *stubBroker) DeleteSubscription(ctx context.Context, name string) error {
	return b.Called(name).Error(0)
}

func (b *stubBroker) NewReceiver(ctx context.Context, subscription string, opts ReceiverOptions) (ReceiverClient, error) {
	ret := b.Called(subscription, opts)
	var c ReceiverClient
	if ret.Get(0) != nil {
		c = ret.Get(0).(ReceiverClient)
	}
	return c, ret.Error(1)
}

func (b *stubBroker) NewSender(ctx context.Context) (SenderClient, error) {
	ret := b.Called()
	var c SenderClient
	if ret.Get(0) != nil {
		c = ret.Get(0).(SenderClient)
	}
	return c, ret.Error(1)
}

func (b *stubBroker) Close(ctx context.Context) error { return b.Called().Error(0) }

// ---------------------------------------------------------------------------
// stubMessage
// ---------------------------------------------------------------------------

type stubMessage struct {
	mock.Mock
	id            string
	body          []byte
	props         map[string]string
	deliveryCount int

	closeOnce sync.Once
	closed    chan struct{}
}

func newStubMessage(id string, payload any, deliveryCount int) *stubMessage {
	body, _ := json.Marshal(payload)
	return &stubMessage{
		id:            id,
		body:          body,
		props:         map[string]string{TypeHeaderName: NormalizeTypeName(TypeNameOf(payload)), "tenant": "acme"},
		deliveryCount: deliveryCount,
		closed:        make(chan struct{}),
	}
}

func (m *stubMessage) ID() string                    { return m.id }
func (m *stubMessage) Body() []byte                  { return m.body }
func (m *stubMessage) Properties() map[string]string { return m.props }
func (m *stubMessage) DeliveryCount() int            { return m.deliveryCount }
func (m *stubMessage) Ack(ctx context.Context) error { return m.Called().Error(0) }
func (m *stubMessage) Release(ctx context.Context) error {
	return m.Called().Error(0)
}
func (m *stubMessage) DeadLetter(ctx context.Context, reason, description string) error {
	return m.Called(reason, description).Error(0)
}
func (m *stubMessage) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// ---------------------------------------------------------------------------
// scriptedClient hands out queued messages, then reports empty windows.
// ---------------------------------------------------------------------------

type scriptedClient struct {
	mode     ReceiveMode
	queue    chan BrokeredMessage
	errs     chan error
	receives atomic.Int32
	closes   atomic.Int32

	mu   sync.Mutex
	gate chan struct{}
}

func newScriptedClient(mode ReceiveMode) *scriptedClient {
	return &scriptedClient{
		mode:  mode,
		queue: make(chan BrokeredMessage, 16),
		errs:  make(chan error, 16),
	}
}

func (c *scriptedClient) Receive(ctx context.Context, wait time.Duration) (BrokeredMessage, error) {
	c.receives.Add(1)
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	select {
	case err := <-c.errs:
		return nil, err
	default:
	}
	tmr := time.NewTimer(wait)
	defer tmr.Stop()
	select {
	case msg := <-c.queue:
		return msg, nil
	case <-tmr.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// hold blocks subsequent receives until gate is closed.
func (c *scriptedClient) hold(gate chan struct{}) {
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
}

func (c *scriptedClient) Mode() ReceiveMode { return c.mode }

func (c *scriptedClient) Close(ctx context.Context) error {
	c.closes.Add(1)
	return nil
}

// ---------------------------------------------------------------------------
// stubSenderClient
// ---------------------------------------------------------------------------

type stubSenderClient struct{ mock.Mock }

func (c *stubSenderClient) Send(ctx context.Context, msg *OutgoingMessage) error {
	return c.Called(msg).Error(0)
}

func (c *stubSenderClient) Close(ctx context.Context) error { return c.Called().Error(0) }
