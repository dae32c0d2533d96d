// Package store provides the durable record of workflows and steps. The
// store is the single mutable authority: every state transition is
// persisted before the engine acts on it, and terminal workflows are
// immutable.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
)

var (
	// ErrNotFound is returned for unknown workflow ids.
	ErrNotFound = errors.New("workflow not found")
	// ErrTerminal is returned when a mutation targets a COMPLETED or
	// FAILED workflow.
	ErrTerminal = errors.New("workflow is terminal")
	// ErrInvalidTransition is returned for state changes outside the
	// lifecycle graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrLeaseHeld is returned when another engine instance holds the
	// workflow's lease.
	ErrLeaseHeld = errors.New("workflow lease held by another owner")
)

// Update carries the optional fields of a state transition. Nil fields are
// left untouched.
type Update struct {
	CurrentStep      *string
	AttemptCount     *int
	ErrorCode        *string
	StallReason      *string
	Result           *models.WorkflowResult
	PendingTxHash    *guard.TxHash
	LastReconciledAt *time.Time
}

// Filter selects workflows for List.
type Filter struct {
	State   *models.WorkflowState
	Type    *guard.WorkflowType
	Signer  *guard.SignerAddress
	Page    int
	PerPage int
}

// WorkflowStore is the persistence contract. All mutations are durable
// before they return.
type WorkflowStore interface {
	Create(ctx context.Context, w *models.Workflow) error
	Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	// UpdateState applies a lifecycle transition plus the given field
	// updates atomically. Returns ErrTerminal for terminal workflows and
	// ErrInvalidTransition for moves outside the lifecycle graph.
	UpdateState(ctx context.Context, id uuid.UUID, newState models.WorkflowState, upd Update) error
	ListByState(ctx context.Context, state models.WorkflowState) ([]*models.Workflow, error)
	List(ctx context.Context, f Filter) ([]*models.Workflow, int64, error)
	// ListStuck returns non-terminal workflows untouched since olderThan.
	ListStuck(ctx context.Context, olderThan time.Time) ([]*models.Workflow, error)

	CountActive(ctx context.Context) (int, error)
	CountActiveByType(ctx context.Context, t guard.WorkflowType) (int, error)
	CountActiveBySigner(ctx context.Context, s guard.SignerAddress) (int, error)

	// SaveStep upserts a step record; the savepoint that makes step
	// execution crash-safe.
	SaveStep(ctx context.Context, s *models.Step) error
	GetSteps(ctx context.Context, workflowID uuid.UUID) ([]*models.Step, error)

	// StampReconciled records a reconciliation timestamp. Terminal
	// workflows return ErrTerminal.
	StampReconciled(ctx context.Context, id uuid.UUID, ts time.Time) error

	// ClaimRunnable leases up to limit runnable workflows (CREATED, or
	// RUNNING with an expired lease) to owner, FIFO by creation time. Two
	// engine instances never receive the same workflow.
	ClaimRunnable(ctx context.Context, owner string, leaseTTL time.Duration, limit int) ([]*models.Workflow, error)
	ExtendLease(ctx context.Context, id uuid.UUID, owner string, leaseTTL time.Duration) error
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
}

// validTransition is the workflow lifecycle graph. RUNNING→RUNNING covers
// step advancement.
func validTransition(from, to models.WorkflowState) bool {
	switch from {
	case models.WorkflowCreated:
		return to == models.WorkflowRunning
	case models.WorkflowRunning:
		return to == models.WorkflowRunning || to == models.WorkflowStalled ||
			to == models.WorkflowCompleted || to == models.WorkflowFailed
	case models.WorkflowStalled:
		return to == models.WorkflowRunning
	}
	return false
}
