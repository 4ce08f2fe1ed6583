package bus

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const lockKeyPrefix = "bus:subscription:"

// Receiver is the subscription registry. It creates broker subscriptions,
// runs one receive loop per subscription and tears them down on request.
type Receiver struct {
	broker   Broker
	resolver HandlerResolver
	opts     options
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// mu guards structural changes to subscriptions. It is never held across
	// broker calls or while a message is processed.
	mu            sync.Mutex
	subscriptions []*SubscriptionState
	// creating holds one channel per lowercased name whose creation is in
	// flight. It is closed when that creation finishes.
	creating map[string]chan struct{}
	closed   bool
}

func NewReceiver(ctx context.Context, broker Broker, resolver HandlerResolver, opts ...Option) (*Receiver, error) {
	if broker == nil {
		return nil, stderrors.New("bus: broker required")
	}
	if resolver == nil {
		return nil, stderrors.New("bus: handler resolver required")
	}
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Receiver{
		broker:   broker,
		resolver: resolver,
		opts:     base,
		logger:   base.logger,
		ctx:      rctx,
		cancel:   cancel,
		creating: map[string]chan struct{}{},
	}, nil
}

// CreateSubscription ensures the broker-side subscription for endpoint
// exists, registers it and starts its receive loop. A name that is already
// registered returns the existing state without touching the broker.
// Concurrent calls for one name wait for the first to finish.
func (r *Receiver) CreateSubscription(ctx context.Context, endpoint EndpointDescriptor) (*SubscriptionState, error) {
	if err := endpoint.validate(); err != nil {
		return nil, err
	}
	name := endpoint.SubscriptionName
	key := strings.ToLower(name)

	r.mu.Lock()
	for {
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if existing := r.findLocked(name); existing != nil {
			r.mu.Unlock()
			if existing.CancellationRequested() {
				return nil, fmt.Errorf("bus: subscription %s is being cancelled", name)
			}
			r.logger.Debug("subscription already registered", zap.String("subscription", name))
			return existing, nil
		}
		inflight, ok := r.creating[key]
		if !ok {
			break
		}
		r.mu.Unlock()
		select {
		case <-inflight:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
	}
	done := make(chan struct{})
	r.creating[key] = done
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.creating, key)
		r.mu.Unlock()
		close(done)
	}()

	unlock, err := r.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.unlock(unlock, name)

	desc, err := r.ensureSubscription(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	attrs := endpoint.Attributes
	client, err := executeValue(ctx, r.opts.retryPolicy, func(ctx context.Context) (ReceiverClient, error) {
		return r.broker.NewReceiver(ctx, name, ReceiverOptions{Mode: attrs.ReceiveMode, PrefetchCount: attrs.PrefetchCount})
	})
	if err != nil {
		return nil, fmt.Errorf("bus: open receiver for %s: %w", name, err)
	}

	state := newSubscriptionState(endpoint, client, desc)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if err := state.closeClient(ctx); err != nil {
			r.logger.Warn("close receiver client failed", zap.String("subscription", name), zap.Error(err))
		}
		return nil, ErrClosed
	}
	r.subscriptions = append(r.subscriptions, state)
	loop := newReceiveLoop(r.ctx, state, r.resolver, r.opts)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		loop.run()
	}()
	r.mu.Unlock()

	r.logger.Info("subscription created",
		zap.String("subscription", name),
		zap.String("filter", endpoint.Filter().String()),
		zap.Stringer("attributes", attrs),
	)
	return state, nil
}

func (r *Receiver) ensureSubscription(ctx context.Context, endpoint EndpointDescriptor) (*SubscriptionDescription, error) {
	name := endpoint.SubscriptionName
	get := func(ctx context.Context) (*SubscriptionDescription, error) {
		return r.broker.GetSubscription(ctx, name)
	}

	desc, err := executeValue(ctx, r.opts.lookupPolicy, get)
	if err == nil {
		return desc, nil
	}
	if !stderrors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("bus: get subscription %s: %w", name, err)
	}

	want := r.describe(endpoint)
	desc, err = executeValue(ctx, r.opts.retryPolicy, func(ctx context.Context) (*SubscriptionDescription, error) {
		return r.broker.CreateSubscription(ctx, want)
	})
	if stderrors.Is(err, ErrAlreadyExists) {
		r.logger.Debug("subscription created concurrently, re-fetching", zap.String("subscription", name))
		desc, err = executeValue(ctx, r.opts.retryPolicy, get)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: create subscription %s: %w", name, err)
	}
	return desc, nil
}

func (r *Receiver) describe(endpoint EndpointDescriptor) SubscriptionDescription {
	attrs := endpoint.Attributes
	return SubscriptionDescription{
		Topic:                   r.opts.topic,
		Name:                    endpoint.SubscriptionName,
		Filter:                  endpoint.Filter(),
		LockDuration:            attrs.LockDuration,
		DefaultMessageTTL:       attrs.DefaultMessageTTL,
		EnableBatchedOperations: attrs.EnableBatchedOperations,
		DeadLetterOnExpiration:  attrs.DeadLetterOnExpiration,
	}
}

// CancelSubscription stops the named subscription's loop and deletes the
// broker-side subscription. Unknown names are a no-op. If ctx ends before
// the deletion finishes, CancelSubscription returns nil and the deletion
// continues in the background.
func (r *Receiver) CancelSubscription(ctx context.Context, name string) error {
	r.mu.Lock()
	state := r.findLocked(name)
	r.mu.Unlock()
	if state == nil {
		return nil
	}

	state.Cancel()
	r.logger.Info("subscription cancellation requested", zap.String("subscription", state.Name()))

	result := make(chan error, 1)
	waitCtx := context.WithoutCancel(ctx)
	go func() {
		result <- r.awaitAndDelete(waitCtx, state)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		r.logger.Warn("cancel interrupted, deletion continues in background",
			zap.String("subscription", state.Name()), zap.Error(ctx.Err()))
		return nil
	}
}

func (r *Receiver) awaitAndDelete(ctx context.Context, state *SubscriptionState) error {
	name := state.Name()
	timer := time.NewTimer(r.opts.cancelWaitTimeout)
	defer timer.Stop()
	select {
	case <-state.Done():
	case <-timer.C:
		r.logger.Warn("receive loop did not complete in time, deleting subscription anyway",
			zap.String("subscription", name), zap.Duration("timeout", r.opts.cancelWaitTimeout))
	}

	unlock, err := r.lock(ctx, name)
	if err != nil {
		return err
	}
	defer r.unlock(unlock, name)

	exists, err := executeValue(ctx, r.opts.retryPolicy, func(ctx context.Context) (bool, error) {
		return r.broker.SubscriptionExists(ctx, name)
	})
	if err != nil {
		return fmt.Errorf("bus: check subscription %s: %w", name, err)
	}
	if exists {
		err = r.opts.retryPolicy.Execute(ctx, func(ctx context.Context) error {
			return r.broker.DeleteSubscription(ctx, name)
		})
		if err != nil && !stderrors.Is(err, ErrNotFound) {
			return fmt.Errorf("bus: delete subscription %s: %w", name, err)
		}
	}

	r.mu.Lock()
	r.removeLocked(state)
	r.mu.Unlock()

	if err := state.closeClient(ctx); err != nil {
		r.logger.Warn("close receiver client failed", zap.String("subscription", name), zap.Error(err))
	}
	r.logger.Info("subscription deleted", zap.String("subscription", name))
	return nil
}

// Close stops every receive loop and closes the broker clients. Broker-side
// subscriptions are kept, and the broker itself is left open.
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	states := append([]*SubscriptionState(nil), r.subscriptions...)
	r.mu.Unlock()

	for _, st := range states {
		st.Cancel()
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("receiver close timed out waiting for loops", zap.Error(ctx.Err()))
	}

	var errs []error
	for _, st := range states {
		if err := st.closeClient(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bus: close %s: %w", st.Name(), err))
		}
	}

	r.mu.Lock()
	r.subscriptions = nil
	r.mu.Unlock()
	return stderrors.Join(errs...)
}

// State returns the live state for name, matched case-insensitively.
func (r *Receiver) State(name string) (*SubscriptionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.findLocked(name)
	return st, st != nil
}

func (r *Receiver) Subscription(name string) (SubscriptionStatus, bool) {
	st, ok := r.State(name)
	if !ok {
		return SubscriptionStatus{}, false
	}
	return st.Snapshot(), true
}

func (r *Receiver) Subscriptions() []SubscriptionStatus {
	r.mu.Lock()
	states := append([]*SubscriptionState(nil), r.subscriptions...)
	r.mu.Unlock()
	return lo.Map(states, func(st *SubscriptionState, _ int) SubscriptionStatus {
		return st.Snapshot()
	})
}

// Healthy returns an error naming every loop in StatusFailed.
func (r *Receiver) Healthy() error {
	r.mu.Lock()
	failed := lo.Filter(r.subscriptions, func(st *SubscriptionState, _ int) bool {
		return st.Status() == StatusFailed
	})
	r.mu.Unlock()
	if len(failed) == 0 {
		return nil
	}
	names := lo.Map(failed, func(st *SubscriptionState, _ int) string { return st.Name() })
	return fmt.Errorf("bus: receive loops failed: %s", strings.Join(names, ", "))
}

func (r *Receiver) findLocked(name string) *SubscriptionState {
	st, _ := lo.Find(r.subscriptions, func(st *SubscriptionState) bool {
		return strings.EqualFold(st.Name(), name)
	})
	return st
}

func (r *Receiver) removeLocked(state *SubscriptionState) {
	r.subscriptions = lo.Without(r.subscriptions, state)
}

func (r *Receiver) lock(ctx context.Context, name string) (Unlocker, error) {
	if r.opts.locker == nil {
		return nil, nil
	}
	unlock, err := r.opts.locker.Lock(ctx, lockKeyPrefix+strings.ToLower(name))
	if err != nil {
		return nil, fmt.Errorf("bus: lock subscription %s: %w", name, err)
	}
	return unlock, nil
}

func (r *Receiver) unlock(unlock Unlocker, name string) {
	if unlock == nil {
		return
	}
	if err := unlock(context.WithoutCancel(r.ctx)); err != nil {
		r.logger.Warn("unlock subscription failed", zap.String("subscription", name), zap.Error(err))
	}
}
