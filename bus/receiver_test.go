package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReceiver(t *testing.T, broker Broker, opts ...Option) *Receiver {
	t.Helper()
	reg := NewHandlerRegistry()
	require.NoError(t, RegisterInstance[Order](reg, "orders-handler", failing(nil)))
	base := []Option{
		WithLogger(zap.NewNop()),
		WithReceiveWaitTime(10 * time.Millisecond),
		WithRetryPolicy(fastPolicy()),
		WithLookupRetryPolicy(fastPolicy()),
		WithTopic("commerce"),
	}
	r, err := NewReceiver(context.Background(), broker, reg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func ordersEndpoint(opts ...EndpointOption) EndpointDescriptor {
	return NewEndpoint[Order]("orders", "orders-handler", opts...)
}

func TestCreateSubscriptionIssuesOneCreateWithTypeFilter(t *testing.T) {
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(nil, ErrNotFound).Once()
	broker.On("CreateSubscription", mock.Anything).Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", ReceiverOptions{Mode: PeekLock, PrefetchCount: 20}).
		Return(newScriptedClient(PeekLock), nil).Once()
	r := newTestReceiver(t, broker)

	attrs := DefaultAttributeData()
	attrs.PrefetchCount = 20
	attrs.DefaultMessageTTL = time.Hour
	attrs.LockDuration = 45 * time.Second
	attrs.EnableBatchedOperations = true
	attrs.DeadLetterOnExpiration = true
	st, err := r.CreateSubscription(context.Background(), ordersEndpoint(WithAttributes(attrs)))
	require.NoError(t, err)
	assert.Equal(t, "orders", st.Name())

	broker.AssertNumberOfCalls(t, "CreateSubscription", 1)
	desc := broker.Calls[1].Arguments.Get(0).(SubscriptionDescription)
	assert.Equal(t, `TYPE_HEADER = "github_com_infigaming_com_go_servicebus_bus_Order"`, desc.Filter.String())
	assert.Equal(t, "commerce", desc.Topic)
	assert.Equal(t, time.Hour, desc.DefaultMessageTTL)
	assert.Equal(t, 45*time.Second, desc.LockDuration)
	assert.True(t, desc.EnableBatchedOperations)
	assert.True(t, desc.DeadLetterOnExpiration)
	broker.AssertExpectations(t)
}

func TestCreateSubscriptionReusesExisting(t *testing.T) {
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders", Topic: "commerce"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(newScriptedClient(PeekLock), nil).Once()
	r := newTestReceiver(t, broker)

	st, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.NoError(t, err)
	assert.Equal(t, "commerce", st.Description().Topic)
	broker.AssertNotCalled(t, "CreateSubscription", mock.Anything)
}

func TestCreateSubscriptionAlreadyExistsRefetches(t *testing.T) {
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(nil, ErrNotFound).Once()
	broker.On("CreateSubscription", mock.Anything).Return(nil, ErrAlreadyExists.Wrap(errors.New("409"))).Once()
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders", MaxDeliveryCount: 10}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(newScriptedClient(PeekLock), nil).Once()
	r := newTestReceiver(t, broker)

	st, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.NoError(t, err)
	assert.Equal(t, 10, st.Description().MaxDeliveryCount)
	broker.AssertNumberOfCalls(t, "CreateSubscription", 1)
	broker.AssertNumberOfCalls(t, "GetSubscription", 2)
}

func TestCreateSubscriptionPropagatesControlPlaneFailure(t *testing.T) {
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(nil, Transient(errors.New("unavailable")))
	r := newTestReceiver(t, broker)

	_, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	broker.AssertNumberOfCalls(t, "GetSubscription", fastPolicy().MaxAttempts)
	assert.Empty(t, r.Subscriptions())
}

func TestCreateSubscriptionConcurrentSameName(t *testing.T) {
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(nil, ErrNotFound).Once()
	broker.On("CreateSubscription", mock.Anything).Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(newScriptedClient(PeekLock), nil).Once()
	r := newTestReceiver(t, broker)

	var wg sync.WaitGroup
	states := make([]*SubscriptionState, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			states[i], errs[i] = r.CreateSubscription(context.Background(), ordersEndpoint())
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, states[0], states[1])
	assert.Equal(t, states[0].Snapshot().Filter, states[1].Snapshot().Filter)
	assert.Len(t, r.Subscriptions(), 1)
	broker.AssertExpectations(t)
}

func blockingCreate(broker *stubBroker, name string) (started, release chan struct{}) {
	started, release = make(chan struct{}), make(chan struct{})
	broker.On("GetSubscription", name).Return(nil, ErrNotFound).Once()
	broker.On("CreateSubscription", mock.MatchedBy(func(d SubscriptionDescription) bool { return d.Name == name })).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(&SubscriptionDescription{Name: name}, nil).Once()
	return started, release
}

func TestSlowCreateDoesNotBlockRegistry(t *testing.T) {
	broker := &stubBroker{}
	started, release := blockingCreate(broker, "payments")
	broker.On("NewReceiver", "payments", mock.Anything).Return(newScriptedClient(PeekLock), nil).Once()
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(newScriptedClient(PeekLock), nil).Once()
	r := newTestReceiver(t, broker)

	created := make(chan error, 1)
	go func() {
		_, err := r.CreateSubscription(context.Background(), NewEndpoint[Order]("payments", "orders-handler"))
		created <- err
	}()
	<-started

	unblocked := make(chan struct{})
	go func() {
		defer close(unblocked)
		assert.Empty(t, r.Subscriptions())
		assert.NoError(t, r.Healthy())
		assert.NoError(t, r.CancelSubscription(context.Background(), "payments"))
		_, err := r.CreateSubscription(context.Background(), ordersEndpoint())
		assert.NoError(t, err)
	}()
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("registry blocked by an in-flight create")
	}

	close(release)
	require.NoError(t, <-created)
	assert.Len(t, r.Subscriptions(), 2)
	broker.AssertExpectations(t)
}

func TestConcurrentCreateWaitsForInflight(t *testing.T) {
	broker := &stubBroker{}
	started, release := blockingCreate(broker, "orders")
	broker.On("NewReceiver", "orders", mock.Anything).Return(newScriptedClient(PeekLock), nil).Once()
	r := newTestReceiver(t, broker)

	first := make(chan *SubscriptionState, 1)
	go func() {
		st, err := r.CreateSubscription(context.Background(), ordersEndpoint())
		assert.NoError(t, err)
		first <- st
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.CreateSubscription(ctx, ordersEndpoint())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	second := make(chan *SubscriptionState, 1)
	go func() {
		st, err := r.CreateSubscription(context.Background(), NewEndpoint[Order]("ORDERS", "orders-handler"))
		assert.NoError(t, err)
		second <- st
	}()
	close(release)
	assert.Same(t, <-first, <-second)
	broker.AssertNumberOfCalls(t, "CreateSubscription", 1)
	broker.AssertNumberOfCalls(t, "NewReceiver", 1)
}

func TestCloseDuringCreateReleasesClient(t *testing.T) {
	client := newScriptedClient(PeekLock)
	broker := &stubBroker{}
	started, release := blockingCreate(broker, "orders")
	broker.On("NewReceiver", "orders", mock.Anything).Return(client, nil).Once()
	r := newTestReceiver(t, broker)

	created := make(chan error, 1)
	go func() {
		_, err := r.CreateSubscription(context.Background(), ordersEndpoint())
		created <- err
	}()
	<-started

	require.NoError(t, r.Close(context.Background()))
	close(release)
	assert.ErrorIs(t, <-created, ErrClosed)
	assert.EqualValues(t, 1, client.closes.Load())
	assert.Empty(t, r.Subscriptions())
}

func TestCreateSubscriptionRejectsInvalidEndpoint(t *testing.T) {
	r := newTestReceiver(t, &stubBroker{})
	_, err := r.CreateSubscription(context.Background(), EndpointDescriptor{SubscriptionName: "orders"})
	assert.Error(t, err)
}

func TestCancelUnknownSubscriptionIsNoop(t *testing.T) {
	broker := &stubBroker{}
	r := newTestReceiver(t, broker)

	require.NoError(t, r.CancelSubscription(context.Background(), "nope"))
	assert.Empty(t, broker.Calls)
}

func TestCancelSubscriptionDeletesAfterLoopCompletes(t *testing.T) {
	client := newScriptedClient(PeekLock)
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(client, nil).Once()
	broker.On("SubscriptionExists", "orders").Return(true, nil).Once()
	broker.On("DeleteSubscription", "orders").Return(nil).Once()
	r := newTestReceiver(t, broker)

	st, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.NoError(t, err)

	require.NoError(t, r.CancelSubscription(context.Background(), "ORDERS"))
	assert.True(t, st.Cancelled())
	assert.Equal(t, StatusCompleted, st.Status())
	assert.EqualValues(t, 1, client.closes.Load())
	_, ok := r.Subscription("orders")
	assert.False(t, ok)
	broker.AssertExpectations(t)
}

func TestCancelSubscriptionSkipsDeleteWhenGone(t *testing.T) {
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(newScriptedClient(PeekLock), nil).Once()
	broker.On("SubscriptionExists", "orders").Return(false, nil).Once()
	r := newTestReceiver(t, broker)

	_, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.NoError(t, err)
	require.NoError(t, r.CancelSubscription(context.Background(), "orders"))
	broker.AssertNotCalled(t, "DeleteSubscription", mock.Anything)
	assert.Empty(t, r.Subscriptions())
}

func TestCancelSubscriptionPropagatesDeleteFailure(t *testing.T) {
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(newScriptedClient(PeekLock), nil).Once()
	broker.On("SubscriptionExists", "orders").Return(true, nil).Once()
	broker.On("DeleteSubscription", "orders").Return(errors.New("forbidden")).Once()
	r := newTestReceiver(t, broker)

	_, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.NoError(t, err)
	err = r.CancelSubscription(context.Background(), "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
	// Still registered: removal only follows a successful delete.
	_, ok := r.Subscription("orders")
	assert.True(t, ok)
}

func TestCancelSubscriptionSwallowsCallerInterruption(t *testing.T) {
	client := newScriptedClient(PeekLock)
	gate := make(chan struct{})
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(client, nil).Once()
	broker.On("SubscriptionExists", "orders").Return(true, nil).Once()
	broker.On("DeleteSubscription", "orders").Return(nil).Once()
	r := newTestReceiver(t, broker)

	st, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.NoError(t, err)
	// Park the loop inside a receive so it cannot complete yet.
	client.hold(gate)
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.CancelSubscription(ctx, "orders"))
	assert.True(t, st.CancellationRequested())
	assert.False(t, st.Completed())

	close(gate)
	require.Eventually(t, func() bool { return len(r.Subscriptions()) == 0 }, waitFor, 5*time.Millisecond)
	broker.AssertExpectations(t)
}

func TestCancelSubscriptionDeletesAfterWaitTimeout(t *testing.T) {
	client := newScriptedClient(PeekLock)
	gate := make(chan struct{})
	defer close(gate)
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(client, nil).Once()
	broker.On("SubscriptionExists", "orders").Return(true, nil).Once()
	broker.On("DeleteSubscription", "orders").Return(nil).Once()
	r := newTestReceiver(t, broker, WithCancelWaitTimeout(20*time.Millisecond))

	st, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.NoError(t, err)
	client.hold(gate)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, r.CancelSubscription(context.Background(), "orders"))
	assert.False(t, st.Completed())
	broker.AssertExpectations(t)
}

func TestCreateSubscriptionUsesLocker(t *testing.T) {
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(newScriptedClient(PeekLock), nil).Once()
	locker := &recordingLocker{}
	r := newTestReceiver(t, broker, WithLocker(locker))

	_, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.NoError(t, err)
	assert.Equal(t, []string{"bus:subscription:orders"}, locker.locked)
	assert.Equal(t, 1, locker.unlocked)
}

func TestCreateSubscriptionLockFailure(t *testing.T) {
	broker := &stubBroker{}
	r := newTestReceiver(t, broker, WithLocker(&recordingLocker{err: errors.New("lock not acquired")}))

	_, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.Error(t, err)
	assert.Empty(t, broker.Calls)
}

func TestCloseStopsLoopsWithoutDeleting(t *testing.T) {
	client := newScriptedClient(PeekLock)
	broker := &stubBroker{}
	broker.On("GetSubscription", "orders").Return(&SubscriptionDescription{Name: "orders"}, nil).Once()
	broker.On("NewReceiver", "orders", mock.Anything).Return(client, nil).Once()
	r := newTestReceiver(t, broker)

	st, err := r.CreateSubscription(context.Background(), ordersEndpoint())
	require.NoError(t, err)

	require.NoError(t, r.Close(context.Background()))
	assert.True(t, st.Completed())
	assert.EqualValues(t, 1, client.closes.Load())
	broker.AssertNotCalled(t, "DeleteSubscription", mock.Anything)
	broker.AssertNotCalled(t, "Close")

	_, err = r.CreateSubscription(context.Background(), ordersEndpoint())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, r.Close(context.Background()))
}

type recordingLocker struct {
	mu       sync.Mutex
	locked   []string
	unlocked int
	err      error
}

func (l *recordingLocker) Lock(_ context.Context, key string) (Unlocker, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.locked = append(l.locked, key)
	l.mu.Unlock()
	return func(context.Context) error {
		l.mu.Lock()
		l.unlocked++
		l.mu.Unlock()
		return nil
	}, nil
}
