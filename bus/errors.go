package bus

import (
	stderrors "errors"

	"github.com/infigaming-com/go-servicebus/errors"
)

const (
	ErrCodeNotFound int64 = 20000 + iota
	ErrCodeAlreadyExists
	ErrCodeLockLost
	ErrCodeMessaging
	ErrCodeTransient
	ErrCodeSendTimeout
	ErrCodeBootstrap
	ErrCodeHandler
	ErrCodeClosed
)

var (
	// ErrNotFound reports a missing messaging entity. Expected during existence checks.
	ErrNotFound = errors.NewError(ErrCodeNotFound, "bus: messaging entity not found", nil)
	// ErrAlreadyExists reports a lost creation race. Resolved by re-fetching.
	ErrAlreadyExists = errors.NewError(ErrCodeAlreadyExists, "bus: messaging entity already exists", nil)
	// ErrLockLost reports that the message lock expired before settlement.
	ErrLockLost = errors.NewError(ErrCodeLockLost, "bus: message lock lost", nil)
	// ErrMessaging is a generic broker failure: connection lost or entity removed.
	ErrMessaging = errors.NewError(ErrCodeMessaging, "bus: messaging failure", nil)
	// ErrTransient marks an error the retry policy may retry.
	ErrTransient = errors.NewError(ErrCodeTransient, "bus: transient failure", nil)

	ErrSendTimeout = errors.NewError(ErrCodeSendTimeout, "bus: send timed out", nil)
	ErrBootstrap   = errors.NewError(ErrCodeBootstrap, "bus: receive loop bootstrap failed", nil)
	ErrHandler     = errors.NewError(ErrCodeHandler, "bus: handler failed", nil)
	ErrClosed      = errors.NewError(ErrCodeClosed, "bus: receiver closed", nil)
)

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return ErrTransient.Wrap(err)
}

// IsTransient is the default transient-error classification.
func IsTransient(err error) bool {
	return stderrors.Is(err, ErrTransient)
}

func isSettlementRecoverable(err error) bool {
	return stderrors.Is(err, ErrLockLost) || stderrors.Is(err, ErrMessaging)
}
