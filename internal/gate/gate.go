// Package gate is the confirmation step in front of every reviewer mutation.
// An action must be armed against a pending receipt and then confirmed, and
// only one confirmed action runs at a time.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"receiptflow/internal/receipts/models"
)

// State is the gate position.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateExecuting:
		return "executing"
	default:
		return "idle"
	}
}

// Kind is the mutation a pending action will perform.
type Kind string

const (
	KindApprove Kind = "approve"
	KindReject  Kind = "reject"
)

// ParseKind accepts "approve" or "reject".
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindApprove, KindReject:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// PendingAction exists only between arming and resolution.
type PendingAction struct {
	Kind   Kind
	Target models.Receipt
}

var (
	ErrBusy       = errors.New("an action is already executing")
	ErrNotArmed   = errors.New("no action is armed")
	ErrNotPending = errors.New("receipt is not pending")
)

// Exec performs the confirmed action.
type Exec func(ctx context.Context, action PendingAction) error

// Gate is safe for concurrent use. The zero value is an idle gate.
type Gate struct {
	mu      sync.Mutex
	state   State
	pending *PendingAction
}

func New() *Gate {
	return &Gate{}
}

// Arm selects an action. Arming while armed replaces the pending action;
// arming while executing is refused, not queued.
func (g *Gate) Arm(kind Kind, target models.Receipt) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateExecuting {
		return ErrBusy
	}
	if !target.IsPending() {
		return ErrNotPending
	}
	g.state = StateArmed
	g.pending = &PendingAction{Kind: kind, Target: target}
	return nil
}

// Cancel drops an armed action. It does nothing while idle or executing.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateArmed {
		g.state = StateIdle
		g.pending = nil
	}
}

// Confirm runs exec for the armed action and returns the gate to idle when it
// finishes, including when exec panics. It returns exec's error.
func (g *Gate) Confirm(ctx context.Context, exec Exec) error {
	g.mu.Lock()
	switch g.state {
	case StateExecuting:
		g.mu.Unlock()
		return ErrBusy
	case StateIdle:
		g.mu.Unlock()
		return ErrNotArmed
	}
	action := *g.pending
	g.state = StateExecuting
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.state = StateIdle
		g.pending = nil
		g.mu.Unlock()
	}()
	return exec(ctx, action)
}

// Execute runs a one-step action for callers without a dialog. The gate goes
// from idle to executing under a single lock, so an action armed by a dialog
// is never replaced: Execute reports ErrBusy while the gate is armed or
// executing. The action is not visible through Pending.
func (g *Gate) Execute(ctx context.Context, kind Kind, target models.Receipt, exec Exec) error {
	g.mu.Lock()
	if g.state != StateIdle {
		g.mu.Unlock()
		return ErrBusy
	}
	if !target.IsPending() {
		g.mu.Unlock()
		return ErrNotPending
	}
	g.state = StateExecuting
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.state = StateIdle
		g.mu.Unlock()
	}()
	return exec(ctx, PendingAction{Kind: kind, Target: target})
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns a copy of the armed action, or of the confirmed one while
// it executes, or nil.
func (g *Gate) Pending() *PendingAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil
	}
	p := *g.pending
	return &p
}
