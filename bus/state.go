package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type LoopStatus int32

const (
	StatusIdle LoopStatus = iota
	StatusReceiving
	StatusDispatching
	StatusSettling
	StatusDraining
	StatusCompleted
	// StatusFailed is terminal: the loop could not bootstrap within its restart budget.
	StatusFailed
)

func (s LoopStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusReceiving:
		return "receiving"
	case StatusDispatching:
		return "dispatching"
	case StatusSettling:
		return "settling"
	case StatusDraining:
		return "draining"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the loop has exited.
func (s LoopStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SubscriptionState is the runtime state of one subscription. It is owned by
// its receive loop; the cancellation routine only requests cancellation and
// waits on Done.
type SubscriptionState struct {
	endpoint     EndpointDescriptor
	client       ReceiverClient
	description  *SubscriptionDescription
	createdAt    time.Time
	cancelCtx    context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	completeOnce sync.Once
	closeOnce    sync.Once
	closeErr     error
	status       atomic.Int32

	mu          sync.RWMutex
	err         error
	lastMessage string
	lastActive  time.Time
	stats       SubscriptionStats
}

type SubscriptionStats struct {
	Received           int64
	Succeeded          int64
	Failed             int64
	Acknowledged       int64
	Released           int64
	DeadLettered       int64
	SettlementFailures int64
	ReceiveErrors      int64
	BootstrapFailures  int64
}

// SubscriptionStatus is a point-in-time snapshot of a SubscriptionState.
type SubscriptionStatus struct {
	Name                  string            `json:"name"`
	Topic                 string            `json:"topic"`
	HandlerType           string            `json:"handler_type"`
	MessageType           string            `json:"message_type"`
	Filter                string            `json:"filter"`
	ReceiveMode           string            `json:"receive_mode"`
	Status                string            `json:"status"`
	CancellationRequested bool              `json:"cancellation_requested"`
	Cancelled             bool              `json:"cancelled"`
	LastError             string            `json:"last_error,omitempty"`
	LastMessageID         string            `json:"last_message_id,omitempty"`
	LastActivity          time.Time         `json:"last_activity"`
	CreatedAt             time.Time         `json:"created_at"`
	Stats                 SubscriptionStats `json:"stats"`
}

func newSubscriptionState(endpoint EndpointDescriptor, client ReceiverClient, desc *SubscriptionDescription) *SubscriptionState {
	ctx, cancel := context.WithCancel(context.Background())
	return &SubscriptionState{
		endpoint:    endpoint,
		client:      client,
		description: desc,
		createdAt:   time.Now(),
		cancelCtx:   ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (s *SubscriptionState) Name() string { return s.endpoint.SubscriptionName }

func (s *SubscriptionState) Endpoint() EndpointDescriptor { return s.endpoint }

func (s *SubscriptionState) Description() *SubscriptionDescription {
	if s.description == nil {
		return nil
	}
	cp := *s.description
	return &cp
}

func (s *SubscriptionState) Status() LoopStatus { return LoopStatus(s.status.Load()) }

// Cancel requests cooperative cancellation. Work already started finishes.
func (s *SubscriptionState) Cancel() { s.cancel() }

func (s *SubscriptionState) CancellationRequested() bool { return s.cancelCtx.Err() != nil }

// Completed reports whether the receive loop has exited.
func (s *SubscriptionState) Completed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Cancelled is true iff cancellation was requested and the loop has exited.
func (s *SubscriptionState) Cancelled() bool {
	return s.CancellationRequested() && s.Completed()
}

// Done is closed when the receive loop exits, for any reason.
func (s *SubscriptionState) Done() <-chan struct{} { return s.done }

// Err returns the error that moved the loop into StatusFailed, if any.
func (s *SubscriptionState) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Status() != StatusFailed {
		return nil
	}
	return s.err
}

func (s *SubscriptionState) Stats() SubscriptionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *SubscriptionState) Snapshot() SubscriptionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SubscriptionStatus{
		Name:                  s.endpoint.SubscriptionName,
		HandlerType:           s.endpoint.HandlerType,
		MessageType:           s.endpoint.MessageType,
		Filter:                s.endpoint.Filter().String(),
		ReceiveMode:           s.endpoint.Attributes.ReceiveMode.String(),
		Status:                s.Status().String(),
		CancellationRequested: s.CancellationRequested(),
		Cancelled:             s.Cancelled(),
		LastMessageID:         s.lastMessage,
		LastActivity:          s.lastActive,
		CreatedAt:             s.createdAt,
		Stats:                 s.stats,
	}
	if s.description != nil {
		st.Topic = s.description.Topic
	}
	if s.err != nil {
		st.LastError = s.err.Error()
	}
	return st
}

func (s *SubscriptionState) setStatus(st LoopStatus) bool {
	return LoopStatus(s.status.Swap(int32(st))) != st
}

func (s *SubscriptionState) markCompleted() {
	s.completeOnce.Do(func() {
		if s.Status() != StatusFailed {
			s.status.Store(int32(StatusCompleted))
		}
		close(s.done)
	})
}

// closeClient closes the broker client once; later calls return the first result.
func (s *SubscriptionState) closeClient(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close(ctx)
	})
	return s.closeErr
}

func (s *SubscriptionState) recordError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *SubscriptionState) update(fn func(*SubscriptionStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *SubscriptionState) touch(messageID string) {
	s.mu.Lock()
	s.stats.Received++
	s.lastMessage = messageID
	s.lastActive = time.Now()
	s.mu.Unlock()
}
