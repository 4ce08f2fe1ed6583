package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/infigaming-com/go-servicebus/bus"
)

const instrumentationName = "github.com/infigaming-com/go-servicebus/bus"

const (
	attrSubscription = attribute.Key("subscription")
	attrMessageType  = attribute.Key("message_type")
	attrOutcome      = attribute.Key("outcome")
	attrAction       = attribute.Key("action")
	attrStatus       = attribute.Key("status")
)

// Recorder turns bus hook callbacks into metric recordings.
type Recorder struct {
	received      metric.Int64Counter
	handled       metric.Int64Counter
	handleTime    metric.Float64Histogram
	settled       metric.Int64Counter
	receiveErrors metric.Int64Counter
	loopFailures  metric.Int64Counter
	loops         metric.Int64UpDownCounter
	sent          metric.Int64Counter
	sendFailures  metric.Int64Counter
	sendTime      metric.Float64Histogram

	mu     sync.Mutex
	status map[string]bus.LoopStatus
}

// NewRecorder creates the instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{status: map[string]bus.LoopStatus{}}
	var err error
	if r.received, err = meter.Int64Counter("bus.messages.received",
		metric.WithDescription("Messages received from a subscription"), metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if r.handled, err = meter.Int64Counter("bus.messages.handled",
		metric.WithDescription("Handler invocations by outcome"), metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if r.handleTime, err = meter.Float64Histogram("bus.handler.duration",
		metric.WithDescription("Handler execution time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.settled, err = meter.Int64Counter("bus.messages.settled",
		metric.WithDescription("Settlement attempts by action and outcome"), metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if r.receiveErrors, err = meter.Int64Counter("bus.receive.errors",
		metric.WithDescription("Failed receive attempts"), metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if r.loopFailures, err = meter.Int64Counter("bus.loop.failures",
		metric.WithDescription("Receive loops that entered the failed state"), metric.WithUnit("{loop}")); err != nil {
		return nil, err
	}
	if r.loops, err = meter.Int64UpDownCounter("bus.loops",
		metric.WithDescription("Receive loops by current status"), metric.WithUnit("{loop}")); err != nil {
		return nil, err
	}
	if r.sent, err = meter.Int64Counter("bus.messages.sent",
		metric.WithDescription("Messages sent"), metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if r.sendFailures, err = meter.Int64Counter("bus.send.failures",
		metric.WithDescription("Send calls that failed"), metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if r.sendTime, err = meter.Float64Histogram("bus.send.duration",
		metric.WithDescription("Send latency including retries"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return r, nil
}

// Hooks returns bus hooks feeding the recorder. Combine with other hooks
// through bus.Hooks.Merge.
func (r *Recorder) Hooks() bus.Hooks {
	return bus.Hooks{
		OnReceive: func(ctx context.Context, sub string, meta bus.MessageMetadata) {
			r.received.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(sub), attrMessageType.String(meta.MessageType)))
		},
		OnSuccess: func(ctx context.Context, sub string, meta bus.MessageMetadata, elapsed time.Duration) {
			attrs := metric.WithAttributes(attrSubscription.String(sub), attrMessageType.String(meta.MessageType), attrOutcome.String("success"))
			r.handled.Add(ctx, 1, attrs)
			r.handleTime.Record(ctx, elapsed.Seconds(), attrs)
		},
		OnFailure: func(ctx context.Context, sub string, meta bus.MessageMetadata, _ error) {
			r.handled.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(sub), attrMessageType.String(meta.MessageType), attrOutcome.String("failure")))
		},
		OnSettle: func(ctx context.Context, sub string, _ bus.MessageMetadata, res bus.SettleResult) {
			r.settled.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(sub), attrAction.String(res.Action.String()), attrOutcome.String(res.Outcome.String())))
		},
		OnReceiveError: func(ctx context.Context, sub string, _ error) {
			r.receiveErrors.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(sub)))
		},
		OnStatus: r.onStatus,
		OnLoopFailed: func(ctx context.Context, sub string, _ error) {
			r.loopFailures.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(sub)))
		},
		OnSend: func(ctx context.Context, messageType string, res bus.SendResult) {
			attrs := metric.WithAttributes(attrMessageType.String(messageType))
			r.sent.Add(ctx, 1, attrs)
			r.sendTime.Record(ctx, res.Elapsed.Seconds(), attrs)
		},
		OnSendFail: func(ctx context.Context, messageType string, _ error) {
			r.sendFailures.Add(ctx, 1, metric.WithAttributes(attrMessageType.String(messageType)))
		},
	}
}

// onStatus moves the loop from its previous status bucket to the new one.
// Loops that complete leave the gauge.
func (r *Recorder) onStatus(ctx context.Context, sub string, status bus.LoopStatus) {
	r.mu.Lock()
	prev, seen := r.status[sub]
	if status == bus.StatusCompleted {
		delete(r.status, sub)
	} else {
		r.status[sub] = status
	}
	r.mu.Unlock()

	if seen {
		r.loops.Add(ctx, -1, metric.WithAttributes(attrSubscription.String(sub), attrStatus.String(prev.String())))
	}
	if status != bus.StatusCompleted {
		r.loops.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(sub), attrStatus.String(status.String())))
	}
}

// Hooks is a shortcut for NewRecorder(meter).Hooks().
func Hooks(meter metric.Meter) (bus.Hooks, error) {
	r, err := NewRecorder(meter)
	if err != nil {
		return bus.Hooks{}, err
	}
	return r.Hooks(), nil
}
