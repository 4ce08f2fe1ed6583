package bus

import (
	"context"
	"time"
)

// Hooks observe receiver and sender activity. All fields are optional and
// are called synchronously from the loop goroutine that triggered them.
type Hooks struct {
	OnReceive      func(ctx context.Context, subscription string, meta MessageMetadata)
	OnSuccess      func(ctx context.Context, subscription string, meta MessageMetadata, elapsed time.Duration)
	OnFailure      func(ctx context.Context, subscription string, meta MessageMetadata, err error)
	OnSettle       func(ctx context.Context, subscription string, meta MessageMetadata, result SettleResult)
	OnReceiveError func(ctx context.Context, subscription string, err error)
	OnStatus       func(ctx context.Context, subscription string, status LoopStatus)
	OnLoopFailed   func(ctx context.Context, subscription string, err error)
	OnSend         func(ctx context.Context, messageType string, result SendResult)
	OnSendFail     func(ctx context.Context, messageType string, err error)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnReceive: func(ctx context.Context, s string, m MessageMetadata) {
			call3(h.OnReceive, ctx, s, m)
			call3(other.OnReceive, ctx, s, m)
		},
		OnSuccess: func(ctx context.Context, s string, m MessageMetadata, d time.Duration) {
			if h.OnSuccess != nil {
				h.OnSuccess(ctx, s, m, d)
			}
			if other.OnSuccess != nil {
				other.OnSuccess(ctx, s, m, d)
			}
		},
		OnFailure: func(ctx context.Context, s string, m MessageMetadata, err error) {
			if h.OnFailure != nil {
				h.OnFailure(ctx, s, m, err)
			}
			if other.OnFailure != nil {
				other.OnFailure(ctx, s, m, err)
			}
		},
		OnSettle: func(ctx context.Context, s string, m MessageMetadata, r SettleResult) {
			if h.OnSettle != nil {
				h.OnSettle(ctx, s, m, r)
			}
			if other.OnSettle != nil {
				other.OnSettle(ctx, s, m, r)
			}
		},
		OnReceiveError: func(ctx context.Context, s string, err error) {
			call3(h.OnReceiveError, ctx, s, err)
			call3(other.OnReceiveError, ctx, s, err)
		},
		OnStatus: func(ctx context.Context, s string, st LoopStatus) {
			call3(h.OnStatus, ctx, s, st)
			call3(other.OnStatus, ctx, s, st)
		},
		OnLoopFailed: func(ctx context.Context, s string, err error) {
			call3(h.OnLoopFailed, ctx, s, err)
			call3(other.OnLoopFailed, ctx, s, err)
		},
		OnSend: func(ctx context.Context, t string, r SendResult) {
			call3(h.OnSend, ctx, t, r)
			call3(other.OnSend, ctx, t, r)
		},
		OnSendFail: func(ctx context.Context, t string, err error) {
			call3(h.OnSendFail, ctx, t, err)
			call3(other.OnSendFail, ctx, t, err)
		},
	}
}

func call3[A any](fn func(context.Context, string, A), ctx context.Context, s string, a A) {
	if fn != nil {
		fn(ctx, s, a)
	}
}
