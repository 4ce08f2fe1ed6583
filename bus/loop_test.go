package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

type harness struct {
	receiver *Receiver
	state    *SubscriptionState
	client   *scriptedClient
	broker   *stubBroker
}

func startOrders(t *testing.T, attrs AttributeData, handler Handler[Order], extra ...Option) *harness {
	t.Helper()
	client := newScriptedClient(attrs.ReceiveMode)
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(nil, ErrNotFound).Once()
	broker.On("CreateSubscription", mock.Anything).Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(client, nil).Once()

	reg := NewHandlerRegistry()
	require.NoError(t, RegisterInstance[Order](reg, "orders-handler", handler))

	opts := append([]Option{
		WithLogger(zap.NewNop()),
		WithReceiveWaitTime(10 * time.Millisecond),
		WithRetryPolicy(fastPolicy()),
		WithBootstrapRetries(2, time.Millisecond),
	}, extra...)
	r, err := NewReceiver(context.Background(), broker, reg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	endpoint := NewEndpoint[Order]("orders", "orders-handler", WithAttributes(attrs))
	st, err := r.CreateSubscription(context.Background(), endpoint)
	require.NoError(t, err)
	return &harness{receiver: r, state: st, client: client, broker: broker}
}

func ordersAttrs() AttributeData {
	attrs := DefaultAttributeData()
	attrs.MaxRetries = 3
	attrs.DeadLetterAfterMaxRetries = true
	attrs.PauseTimeIfErrorWasThrown = time.Millisecond
	return attrs
}

func failing(err error) Handler[Order] {
	return HandlerFunc[Order](func(context.Context, *ReceivedMessage[Order]) error { return err })
}

func waitClosed(t *testing.T, msg *stubMessage) {
	t.Helper()
	select {
	case <-msg.closed:
	case <-time.After(waitFor):
		t.Fatalf("message %s was never closed", msg.id)
	}
}

func TestLoopDeadLettersAtMaxRetries(t *testing.T) {
	h := startOrders(t, ordersAttrs(), failing(errors.New("boom")))

	msg := newStubMessage("m-1", Order{ID: "o-1"}, 3)
	msg.On("DeadLetter", "boom", "max retries exceeded").Return(nil).Once()
	h.client.queue <- msg
	waitClosed(t, msg)

	msg.AssertExpectations(t)
	msg.AssertNotCalled(t, "Ack")
	msg.AssertNotCalled(t, "Release")
	assert.Eventually(t, func() bool { return h.state.Stats().DeadLettered == 1 }, waitFor, 5*time.Millisecond)
}

func TestLoopReleasesBelowMaxRetries(t *testing.T) {
	h := startOrders(t, ordersAttrs(), failing(errors.New("boom")))

	msg := newStubMessage("m-1", Order{ID: "o-1"}, 1)
	msg.On("Release").Return(nil).Once()
	h.client.queue <- msg
	waitClosed(t, msg)

	msg.AssertExpectations(t)
	msg.AssertNotCalled(t, "Ack")
	msg.AssertNotCalled(t, "DeadLetter", mock.Anything, mock.Anything)
}

func TestLoopAcknowledgesAtMaxRetriesWhenDeadLetterDisabled(t *testing.T) {
	attrs := ordersAttrs()
	attrs.DeadLetterAfterMaxRetries = false
	h := startOrders(t, attrs, failing(errors.New("boom")))

	msg := newStubMessage("m-1", Order{ID: "o-1"}, 5)
	msg.On("Ack").Return(nil).Once()
	h.client.queue <- msg
	waitClosed(t, msg)

	msg.AssertExpectations(t)
	msg.AssertNotCalled(t, "Release")
	msg.AssertNotCalled(t, "DeadLetter", mock.Anything, mock.Anything)
}

func TestLoopAcknowledgesSuccessExactlyOnce(t *testing.T) {
	got := make(chan *ReceivedMessage[Order], 1)
	h := startOrders(t, ordersAttrs(), HandlerFunc[Order](func(_ context.Context, m *ReceivedMessage[Order]) error {
		got <- m
		return nil
	}))

	msg := newStubMessage("m-1", Order{ID: "o-1", Amount: 42}, 1)
	msg.On("Ack").Return(nil).Once()
	h.client.queue <- msg
	waitClosed(t, msg)

	received := <-got
	assert.Equal(t, "o-1", received.Message.ID)
	assert.Equal(t, 42, received.Message.Amount)
	assert.Equal(t, "m-1", received.ID)
	assert.Equal(t, 1, received.DeliveryCount)
	assert.Equal(t, map[string]string{"tenant": "acme"}, received.Properties)
	msg.AssertNumberOfCalls(t, "Ack", 1)
	msg.AssertNotCalled(t, "Release")
}

func TestLoopReceiveAndDeleteDoesNotSettle(t *testing.T) {
	attrs := ordersAttrs()
	attrs.ReceiveMode = ReceiveAndDelete
	h := startOrders(t, attrs, failing(errors.New("boom")))

	msg := newStubMessage("m-1", Order{ID: "o-1"}, 9)
	h.client.queue <- msg
	waitClosed(t, msg)

	assert.Empty(t, msg.Calls)
}

func TestLoopSwallowsRecoverableSettlementErrors(t *testing.T) {
	var settled []SettleResult
	var mu sync.Mutex
	hooks := Hooks{OnSettle: func(_ context.Context, _ string, _ MessageMetadata, r SettleResult) {
		mu.Lock()
		settled = append(settled, r)
		mu.Unlock()
	}}
	h := startOrders(t, ordersAttrs(), failing(nil), WithHooks(hooks))

	lost := newStubMessage("m-1", Order{ID: "o-1"}, 1)
	lost.On("Ack").Return(ErrLockLost.Wrap(errors.New("lock token expired"))).Once()
	gone := newStubMessage("m-2", Order{ID: "o-2"}, 1)
	gone.On("Ack").Return(ErrMessaging).Once()
	ok := newStubMessage("m-3", Order{ID: "o-3"}, 1)
	ok.On("Ack").Return(nil).Once()

	h.client.queue <- lost
	h.client.queue <- gone
	h.client.queue <- ok
	waitClosed(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, settled, 3)
	assert.Equal(t, OutcomeFailedRecoverable, settled[0].Outcome)
	assert.ErrorIs(t, settled[0].Cause, ErrLockLost)
	assert.Equal(t, OutcomeFailedRecoverable, settled[1].Outcome)
	assert.True(t, settled[2].Succeeded())
	assert.EqualValues(t, 2, h.state.Stats().SettlementFailures)
}

func TestLoopRecoversHandlerPanic(t *testing.T) {
	var failure error
	var mu sync.Mutex
	hooks := Hooks{OnFailure: func(_ context.Context, _ string, _ MessageMetadata, err error) {
		mu.Lock()
		failure = err
		mu.Unlock()
	}}
	h := startOrders(t, ordersAttrs(), HandlerFunc[Order](func(context.Context, *ReceivedMessage[Order]) error {
		panic("kaboom")
	}), WithHooks(hooks))

	msg := newStubMessage("m-1", Order{ID: "o-1"}, 1)
	msg.On("Release").Return(nil).Once()
	h.client.queue <- msg
	waitClosed(t, msg)

	msg.AssertExpectations(t)
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, failure, ErrHandler)
	assert.Contains(t, failure.Error(), "kaboom")
}

func TestLoopPausesAfterReceiveError(t *testing.T) {
	attrs := ordersAttrs()
	attrs.PauseTimeIfErrorWasThrown = 50 * time.Millisecond
	var receiveErrs atomic.Int32
	hooks := Hooks{OnReceiveError: func(context.Context, string, error) { receiveErrs.Add(1) }}
	h := startOrders(t, attrs, failing(nil), WithHooks(hooks))

	before := h.client.receives.Load()
	h.client.errs <- errors.New("entity disabled")
	require.Eventually(t, func() bool { return receiveErrs.Load() == 1 }, waitFor, time.Millisecond)
	after := h.client.receives.Load()

	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, after, h.client.receives.Load(), "no receive during the error pause")
	assert.Greater(t, after, before)
	require.Eventually(t, func() bool { return h.client.receives.Load() > after }, waitFor, time.Millisecond)
	assert.EqualValues(t, 1, h.state.Stats().ReceiveErrors)
}

func TestLoopRetriesTransientReceiveErrors(t *testing.T) {
	var receiveErrs atomic.Int32
	hooks := Hooks{OnReceiveError: func(context.Context, string, error) { receiveErrs.Add(1) }}
	h := startOrders(t, ordersAttrs(), failing(nil), WithHooks(hooks))

	msg := newStubMessage("m-1", Order{ID: "o-1"}, 1)
	msg.On("Ack").Return(nil).Once()
	h.client.errs <- Transient(errors.New("connection reset"))
	h.client.queue <- msg
	waitClosed(t, msg)

	assert.Zero(t, receiveErrs.Load())
}

func TestLoopStopsReceivingAfterCancellation(t *testing.T) {
	h := startOrders(t, ordersAttrs(), failing(nil))
	require.Eventually(t, func() bool { return h.client.receives.Load() > 0 }, waitFor, time.Millisecond)

	h.state.Cancel()
	select {
	case <-h.state.Done():
	case <-time.After(waitFor):
		t.Fatal("loop did not complete")
	}
	settledAt := h.client.receives.Load()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, settledAt, h.client.receives.Load())
	assert.True(t, h.state.Cancelled())
	assert.Equal(t, StatusCompleted, h.state.Status())
	assert.NoError(t, h.state.Err())
}

func TestLoopReleasesMessageReceivedAfterCancellation(t *testing.T) {
	handled := atomic.Bool{}
	h := startOrders(t, ordersAttrs(), HandlerFunc[Order](func(context.Context, *ReceivedMessage[Order]) error {
		handled.Store(true)
		return nil
	}))

	// Hold the next receive until cancellation has been requested.
	gate := make(chan struct{})
	h.client.hold(gate)
	require.Eventually(t, func() bool { return h.state.Status() == StatusReceiving }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	msg := newStubMessage("m-1", Order{ID: "o-1"}, 1)
	msg.On("Release").Return(nil).Once()
	h.client.queue <- msg
	h.state.Cancel()
	close(gate)

	waitClosed(t, msg)
	<-h.state.Done()
	msg.AssertExpectations(t)
	assert.False(t, handled.Load())
}

func TestLoopFailsAfterBootstrapRetries(t *testing.T) {
	client := newScriptedClient(PeekLock)
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(client, nil).Once()

	failed := make(chan error, 1)
	hooks := Hooks{OnLoopFailed: func(_ context.Context, _ string, err error) { failed <- err }}
	// Nothing registered under the declared handler type.
	r, err := NewReceiver(context.Background(), broker, NewHandlerRegistry(),
		WithLogger(zap.NewNop()), WithHooks(hooks), WithBootstrapRetries(3, time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	st, err := r.CreateSubscription(context.Background(), NewEndpoint[Order]("orders", "missing"))
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrBootstrap)
	case <-time.After(waitFor):
		t.Fatal("loop never failed")
	}
	<-st.Done()
	assert.Equal(t, StatusFailed, st.Status())
	assert.ErrorIs(t, st.Err(), ErrBootstrap)
	assert.EqualValues(t, 3, st.Stats().BootstrapFailures)
	assert.Zero(t, client.receives.Load())
	assert.Error(t, r.Healthy())
	assert.False(t, st.Cancelled())
}

func TestLoopReusableHandlerResolvedOnce(t *testing.T) {
	client := newScriptedClient(PeekLock)
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(client, nil).Once()

	var built atomic.Int32
	reg := NewHandlerRegistry()
	require.NoError(t, Register[Order](reg, "orders-handler", func() Handler[Order] {
		built.Add(1)
		return failing(nil)
	}))
	r, err := NewReceiver(context.Background(), broker, reg,
		WithLogger(zap.NewNop()), WithReceiveWaitTime(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	_, err = r.CreateSubscription(context.Background(),
		NewEndpoint[Order]("orders", "orders-handler", WithReusableHandler(true)))
	require.NoError(t, err)

	for range 3 {
		msg := newStubMessage("m", Order{ID: "o"}, 1)
		msg.On("Ack").Return(nil).Once()
		client.queue <- msg
		waitClosed(t, msg)
	}
	assert.EqualValues(t, 1, built.Load())
}
