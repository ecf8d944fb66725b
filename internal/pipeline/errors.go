package pipeline

import "errors"

var (
	// ErrRunNotFound is returned for unknown run identifiers.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned when creating a run whose id is taken.
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidTransition is returned for backward or post-terminal state changes.
	ErrInvalidTransition = errors.New("invalid run state transition")
	// ErrLedgerLocked is returned when the ledger lock is not acquired in time.
	ErrLedgerLocked = errors.New("ledger lock not acquired")
	// ErrEndOfStream is returned by a Capturer once the account has no more items.
	ErrEndOfStream = errors.New("end of stream")
	// ErrQueueClosed is returned by Dequeue once the queue is closed and drained.
	ErrQueueClosed = errors.New("queue closed")
)
