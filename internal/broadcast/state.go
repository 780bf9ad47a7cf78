package broadcast

import (
	"errors"
	"fmt"

	"github.com/ligun0805/hashsend/internal/funding"
	"github.com/ligun0805/hashsend/internal/ledger"
)

// State is a step of the broadcast pipeline.
type State int

const (
	PendingReconcile State = iota
	PendingFund
	Broadcasting
	WaitingReceipt
	PendingRefund
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case PendingReconcile:
		return "pending-reconcile"
	case PendingFund:
		return "pending-fund"
	case Broadcasting:
		return "broadcasting"
	case WaitingReceipt:
		return "waiting-receipt"
	case PendingRefund:
		return "pending-refund"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool { return s == Done || s == Failed }

var (
	ErrReconcile       = errors.New("reconciliation failed")
	ErrFunding         = funding.ErrFunding
	ErrBroadcast       = errors.New("broadcast failed")
	ErrReceipt         = errors.New("receipt wait failed")
	ErrStaleResult     = errors.New("result is stale for the current nonce state")
	ErrInvalidResult   = errors.New("invalid search result")
	ErrAlreadyConsumed = ledger.ErrAlreadyConsumed
)

// StepError is returned when the pipeline fails. State is the step that was
// running when it failed.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
