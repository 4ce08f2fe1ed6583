package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-servicebus/bus/internal/backoff"
)

// receiveLoop is the per-subscription state machine:
// Idle -> Receiving -> (Dispatching -> Settling) -> Receiving | Draining -> Completed.
type receiveLoop struct {
	state    *SubscriptionState
	ctx      context.Context
	resolver HandlerResolver
	opts     options
	logger   *zap.Logger
	guard    settlementGuard
}

func newReceiveLoop(ctx context.Context, state *SubscriptionState, resolver HandlerResolver, opts options) *receiveLoop {
	return &receiveLoop{
		state:    state,
		ctx:      ctx,
		resolver: resolver,
		opts:     opts,
		logger: opts.logger.With(
			zap.String("subscription", state.Name()),
			zap.String("declared_type", state.endpoint.HandlerType),
			zap.String("message_type", state.endpoint.MessageType),
		),
	}
}

func (l *receiveLoop) run() {
	defer l.state.markCompleted()

	d, err := l.bootstrap()
	if err != nil {
		l.fail(err)
		return
	}
	l.setStatus(StatusIdle)
	l.logger.Info("receive loop started", zap.Stringer("mode", l.state.client.Mode()))

	pause := l.state.endpoint.Attributes.PauseTimeIfErrorWasThrown
	lastAttemptWasError := false
	for !l.stopping() {
		if lastAttemptWasError {
			_ = l.sleep(pause)
			if l.stopping() {
				break
			}
		}
		lastAttemptWasError = !l.iterate(d)
	}

	l.setStatus(StatusDraining)
	l.logger.Info("receive loop draining")
	l.setStatus(StatusCompleted)
}

// bootstrap builds the dispatcher, retrying with backoff up to the
// configured cap.
func (l *receiveLoop) bootstrap() (*dispatcher, error) {
	bo := backoff.New(backoff.Config{
		Initial:    l.opts.bootstrapBackoff,
		Max:        30 * l.opts.bootstrapBackoff,
		Multiplier: 2,
		Jitter:     0.1,
	})
	var lastErr error
	for attempt := 1; attempt <= l.opts.bootstrapAttempts; attempt++ {
		d, err := newDispatcher(l.ctx, l.state.endpoint, l.resolver, l.opts.serializer)
		if err == nil {
			d.byContentType = l.opts.byContentType
			return d, nil
		}
		lastErr = err
		l.state.update(func(s *SubscriptionStats) { s.BootstrapFailures++ })
		l.logger.Warn("receive loop bootstrap failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == l.opts.bootstrapAttempts || l.stopping() {
			break
		}
		if err := l.sleep(bo.Next()); err != nil {
			break
		}
	}
	return nil, ErrBootstrap.Wrap(lastErr)
}

func (l *receiveLoop) fail(err error) {
	l.state.recordError(err)
	l.setStatus(StatusFailed)
	l.logger.Error("receive loop failed", zap.Error(err))
	if l.opts.hooks.OnLoopFailed != nil {
		l.opts.hooks.OnLoopFailed(l.ctx, l.state.Name(), err)
	}
}

// iterate performs one receive and, when a message arrives, dispatches and
// settles it. It reports whether the attempt completed without error.
func (l *receiveLoop) iterate(d *dispatcher) bool {
	l.setStatus(StatusReceiving)
	msg, err := executeValue(l.ctx, l.opts.retryPolicy, func(ctx context.Context) (BrokeredMessage, error) {
		return l.state.client.Receive(ctx, l.opts.receiveWait)
	})
	if err != nil {
		if l.ctx.Err() != nil {
			return true
		}
		l.state.update(func(s *SubscriptionStats) { s.ReceiveErrors++ })
		l.state.recordError(err)
		l.logger.Error("receive failed", zap.Error(err))
		if l.opts.hooks.OnReceiveError != nil {
			l.opts.hooks.OnReceiveError(l.ctx, l.state.Name(), err)
		}
		return false
	}
	if msg == nil {
		return true
	}
	defer msg.Close()

	if l.stopping() {
		l.releaseUnprocessed(msg)
		return true
	}
	return l.process(d, msg)
}

func (l *receiveLoop) process(d *dispatcher, msg BrokeredMessage) bool {
	endpoint := l.state.endpoint
	meta := metadataOf(endpoint, msg)
	logger := l.logger.With(zap.String("message_id", msg.ID()), zap.Int("delivery_count", msg.DeliveryCount()))

	l.state.touch(msg.ID())
	if l.opts.hooks.OnReceive != nil {
		l.opts.hooks.OnReceive(l.ctx, l.state.Name(), meta)
	}

	l.setStatus(StatusDispatching)
	logger.Debug("dispatching message")
	start := time.Now()
	handlerErr := d.dispatch(l.ctx, msg)
	if handlerErr == nil {
		l.state.update(func(s *SubscriptionStats) { s.Succeeded++ })
		if l.opts.hooks.OnSuccess != nil {
			l.opts.hooks.OnSuccess(l.ctx, l.state.Name(), meta, time.Since(start))
		}
	} else {
		l.state.update(func(s *SubscriptionStats) { s.Failed++ })
		logger.Error("handler failed", zap.Error(handlerErr))
		if l.opts.hooks.OnFailure != nil {
			l.opts.hooks.OnFailure(l.ctx, l.state.Name(), meta, handlerErr)
		}
	}

	if l.state.client.Mode() != PeekLock {
		return handlerErr == nil
	}

	l.setStatus(StatusSettling)
	action := decideSettlement(endpoint.Attributes, msg.DeliveryCount(), handlerErr)
	var (
		res SettleResult
		err error
	)
	switch action {
	case ActionAcknowledge:
		res, err = l.guard.acknowledge(l.ctx, msg)
	case ActionDeadLetter:
		res, err = l.guard.deadLetter(l.ctx, msg, handlerErr.Error())
	default:
		res, err = l.guard.release(l.ctx, msg)
	}
	l.recordSettlement(logger, meta, res, err)
	return handlerErr == nil && err == nil
}

// releaseUnprocessed hands back a message that arrived after cancellation
// was requested.
func (l *receiveLoop) releaseUnprocessed(msg BrokeredMessage) {
	if l.state.client.Mode() != PeekLock {
		l.logger.Warn("message received after cancellation dropped", zap.String("message_id", msg.ID()))
		return
	}
	res, err := l.guard.release(l.ctx, msg)
	l.recordSettlement(l.logger.With(zap.String("message_id", msg.ID())), metadataOf(l.state.endpoint, msg), res, err)
}

func (l *receiveLoop) recordSettlement(logger *zap.Logger, meta MessageMetadata, res SettleResult, err error) {
	l.state.update(func(s *SubscriptionStats) {
		switch {
		case err != nil || !res.Succeeded():
			s.SettlementFailures++
		case res.Action == ActionAcknowledge:
			s.Acknowledged++
		case res.Action == ActionRelease:
			s.Released++
		case res.Action == ActionDeadLetter:
			s.DeadLettered++
		}
	})
	switch {
	case err != nil:
		logger.Error("settlement failed", zap.Stringer("action", res.Action), zap.Error(err))
	case !res.Succeeded():
		logger.Warn("settlement not applied, message will be redelivered", zap.Stringer("action", res.Action), zap.Error(res.Cause))
	default:
		logger.Debug("message settled", zap.Stringer("action", res.Action))
	}
	if l.opts.hooks.OnSettle != nil {
		l.opts.hooks.OnSettle(l.ctx, l.state.Name(), meta, res)
	}
}

func (l *receiveLoop) stopping() bool {
	return l.state.CancellationRequested() || l.ctx.Err() != nil
}

// sleep waits for d, returning early when the subscription is cancelled or
// the receiver is closed. In-flight work keeps l.ctx and is not interrupted.
func (l *receiveLoop) sleep(d time.Duration) error {
	ctx, cancel := context.WithCancel(l.ctx)
	defer cancel()
	stop := context.AfterFunc(l.state.cancelCtx, cancel)
	defer stop()
	return backoff.Sleep(ctx, d)
}

func (l *receiveLoop) setStatus(st LoopStatus) {
	if !l.state.setStatus(st) {
		return
	}
	if l.opts.hooks.OnStatus != nil {
		l.opts.hooks.OnStatus(l.ctx, l.state.Name(), st)
	}
}
