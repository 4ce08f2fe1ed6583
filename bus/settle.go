package bus

import (
	"context"
)

type SettleAction int

const (
	ActionAcknowledge SettleAction = iota
	ActionRelease
	ActionDeadLetter
)

func (a SettleAction) String() string {
	switch a {
	case ActionAcknowledge:
		return "acknowledge"
	case ActionRelease:
		return "release"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

type SettleOutcome int

const (
	OutcomeSettled SettleOutcome = iota
	// OutcomeFailedRecoverable: the lock was lost or the broker connection
	// failed. The message will be redelivered; nothing to compensate.
	OutcomeFailedRecoverable
)

func (o SettleOutcome) String() string {
	if o == OutcomeSettled {
		return "settled"
	}
	return "failed_recoverable"
}

// SettleResult reports one settlement attempt. Cause holds the swallowed
// broker error for a recoverable failure.
type SettleResult struct {
	Action  SettleAction
	Outcome SettleOutcome
	Cause   error
}

func (r SettleResult) Succeeded() bool { return r.Outcome == OutcomeSettled }

const deadLetterDescription = "max retries exceeded"

// settlementGuard performs the three terminal broker operations. Lock-lost
// and generic messaging errors are absorbed into the result; anything else
// is returned.
type settlementGuard struct{}

func (settlementGuard) acknowledge(ctx context.Context, msg BrokeredMessage) (SettleResult, error) {
	return settle(ActionAcknowledge, msg.Ack(ctx))
}

func (settlementGuard) release(ctx context.Context, msg BrokeredMessage) (SettleResult, error) {
	return settle(ActionRelease, msg.Release(ctx))
}

func (settlementGuard) deadLetter(ctx context.Context, msg BrokeredMessage, reason string) (SettleResult, error) {
	return settle(ActionDeadLetter, msg.DeadLetter(ctx, reason, deadLetterDescription))
}

func settle(action SettleAction, err error) (SettleResult, error) {
	res := SettleResult{Action: action, Outcome: OutcomeSettled}
	if err == nil {
		return res, nil
	}
	if isSettlementRecoverable(err) {
		res.Outcome = OutcomeFailedRecoverable
		res.Cause = err
		return res, nil
	}
	return res, err
}

// decideSettlement picks the terminal action for a dispatched message.
func decideSettlement(attrs AttributeData, deliveryCount int, handlerErr error) SettleAction {
	if handlerErr == nil {
		return ActionAcknowledge
	}
	if deliveryCount >= attrs.MaxRetries {
		if attrs.DeadLetterAfterMaxRetries {
			return ActionDeadLetter
		}
		return ActionAcknowledge
	}
	return ActionRelease
}
