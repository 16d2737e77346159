package channel

import "errors"

// Channel errors. Callers match them with errors.Is; the returned error
// carries the channel id and the offending values.
var (
	// ErrCapacity: capacity outside the configured bounds, or balances that
	// do not add up to the channel capacity.
	ErrCapacity = errors.New("capacity error")

	// ErrState: the operation is not valid in the channel's current state.
	ErrState = errors.New("invalid channel state")

	// ErrInsufficientBalance: a payment exceeds the local balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrSequence: an incoming state is not newer than the current one.
	ErrSequence = errors.New("sequence error")

	// ErrSignature: a counterparty signature failed verification, or the
	// signature needed to complete a transaction is missing.
	ErrSignature = errors.New("signature error")

	// ErrBroadcast: the broadcast collaborator rejected a transaction.
	ErrBroadcast = errors.New("broadcast error")

	// ErrNotFound: unknown channel id.
	ErrNotFound = errors.New("channel not found")

	// ErrInvalidAmount: zero-value payment.
	ErrInvalidAmount = errors.New("payment amount must be positive")
)
