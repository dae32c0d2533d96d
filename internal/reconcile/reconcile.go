// Package reconcile implements the chain-state check that precedes every
// irreversible action. A transaction is only submitted after a fresh
// reconciliation confirmed that no earlier submission for the same workflow
// is still live on chain.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/chaoschain/gateway/internal/chain"
	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
	"github.com/chaoschain/gateway/internal/nonce"
	"github.com/chaoschain/gateway/internal/store"
)

// Decision is the reconciler's verdict on a workflow's in-flight
// transaction.
type Decision string

const (
	// DecisionProceed means no live prior submission exists; submitting is
	// safe.
	DecisionProceed Decision = "PROCEED"
	// DecisionAlreadyConfirmed means a prior submission was mined
	// successfully. The workflow completes with that receipt instead of
	// submitting again.
	DecisionAlreadyConfirmed Decision = "ALREADY_CONFIRMED"
	// DecisionReverted means a prior submission was mined and reverted.
	DecisionReverted Decision = "REVERTED"
	// DecisionAwait means a prior submission may still be in flight.
	// Submitting now could double-spend the intent; the workflow must keep
	// waiting.
	DecisionAwait Decision = "AWAIT"
	// DecisionDropped means the submitted hash stayed unknown past the
	// not-found window. The workflow stalls for operator inspection; truth
	// is unknown and resubmitting blindly could double-submit.
	DecisionDropped Decision = "DROPPED"
	// DecisionNonceGap means no hash is recorded but the signer's pending
	// nonce runs ahead of its confirmed nonce: some transaction is in
	// flight. Submitting now could double-spend the intent; wait for the
	// nonces to converge.
	DecisionNonceGap Decision = "NONCE_GAP"
)

// Outcome carries the decision plus the receipt when one exists.
// PendingTxHash is the hash the decision was made against; it can differ
// from the workflow's durable record when the hash was recovered from the
// in-memory pending slot.
type Outcome struct {
	Decision      Decision
	Receipt       *chain.Receipt
	PendingTxHash guard.TxHash
	CheckedAt     time.Time
}

// PendingLookup exposes the in-memory signer → pending-transaction mapping.
// It recovers a broadcast hash whose durable write was lost; it is never
// consulted as chain truth.
type PendingLookup interface {
	Pending(addr guard.SignerAddress) (*nonce.PendingSlot, bool)
}

// Reconciler checks chain truth for a workflow and stamps the check on the
// durable record.
type Reconciler struct {
	adapter chain.Adapter
	store   store.WorkflowStore
	pending PendingLookup
	logger  *slog.Logger

	// notFoundWindow is how long a submitted hash may stay invisible before
	// it is considered dropped from the mempool.
	notFoundWindow time.Duration
	now            func() time.Time
}

// New creates a Reconciler. pending may be nil when no in-memory slot
// exists, e.g. in read-only tooling.
func New(adapter chain.Adapter, st store.WorkflowStore, pending PendingLookup, logger *slog.Logger, notFoundWindow time.Duration) *Reconciler {
	return &Reconciler{
		adapter:        adapter,
		store:          st,
		pending:        pending,
		logger:         logger,
		notFoundWindow: notFoundWindow,
		now:            time.Now,
	}
}

// Check probes the chain for the workflow's pending transaction and stamps
// last_reconciled_at on success. Errors are raw adapter errors; the caller
// classifies them.
func (r *Reconciler) Check(ctx context.Context, w *models.Workflow) (*Outcome, error) {
	checkedAt := r.now()

	hash := w.PendingTxHash
	if hash == "" && r.pending != nil {
		// A broadcast whose durable hash write was lost leaves its trace in
		// the signer's pending slot.
		if slot, ok := r.pending.Pending(w.SignerAddress); ok && slot.WorkflowID == w.ID {
			hash = slot.TxHash
			r.logger.Warn("recovered unpersisted pending transaction",
				"workflow_id", w.ID,
				"pending_tx", string(hash),
			)
		}
	}

	if hash == "" {
		gap, err := r.nonceGap(ctx, w.SignerAddress)
		if err != nil {
			return nil, err
		}
		if err := r.store.StampReconciled(ctx, w.ID, checkedAt); err != nil {
			return nil, err
		}
		if gap {
			return &Outcome{Decision: DecisionNonceGap, CheckedAt: checkedAt}, nil
		}
		return &Outcome{Decision: DecisionProceed, CheckedAt: checkedAt}, nil
	}

	status, err := r.adapter.TransactionStatus(ctx, hash)
	if err != nil {
		return nil, err
	}

	out := &Outcome{PendingTxHash: hash, CheckedAt: checkedAt}
	switch status {
	case chain.StatusConfirmed, chain.StatusReverted:
		// The hash is mined; fetch the full receipt. The short timeout only
		// covers the RPC round trips.
		receipt, err := r.adapter.WaitReceipt(ctx, hash, 10*time.Second)
		if err != nil {
			return nil, err
		}
		out.Receipt = receipt
		if status == chain.StatusConfirmed {
			out.Decision = DecisionAlreadyConfirmed
		} else {
			out.Decision = DecisionReverted
		}
	case chain.StatusPending:
		out.Decision = DecisionAwait
	case chain.StatusNotFound:
		out.Decision = r.decideNotFound(ctx, w, hash, checkedAt)
	default:
		out.Decision = DecisionAwait
	}

	if err := r.store.StampReconciled(ctx, w.ID, checkedAt); err != nil {
		return nil, err
	}

	r.logger.Debug("reconciliation check",
		"workflow_id", w.ID,
		"pending_tx", string(hash),
		"decision", string(out.Decision),
	)
	return out, nil
}

// nonceGap reports whether the signer has a transaction in the pending pool
// that the confirmed nonce does not yet account for.
func (r *Reconciler) nonceGap(ctx context.Context, addr guard.SignerAddress) (bool, error) {
	confirmed, err := r.adapter.NonceAt(ctx, addr)
	if err != nil {
		return false, err
	}
	pending, err := r.adapter.PendingNonceAt(ctx, addr)
	if err != nil {
		return false, err
	}
	return pending > confirmed, nil
}

// decideNotFound resolves an unknown hash. Within the not-found window the
// transaction may still be propagating, so the workflow waits. After the
// window it is treated as dropped.
func (r *Reconciler) decideNotFound(ctx context.Context, w *models.Workflow, hash guard.TxHash, checkedAt time.Time) Decision {
	submittedAt := r.submittedAt(ctx, w)
	if checkedAt.Sub(submittedAt) < r.notFoundWindow {
		return DecisionAwait
	}
	r.logger.Warn("pending transaction dropped from mempool",
		"workflow_id", w.ID,
		"pending_tx", string(hash),
		"submitted_at", submittedAt,
	)
	return DecisionDropped
}

// submittedAt recovers when the pending hash was broadcast from the durable
// step record, falling back to the workflow's update time.
func (r *Reconciler) submittedAt(ctx context.Context, w *models.Workflow) time.Time {
	steps, err := r.store.GetSteps(ctx, w.ID)
	if err == nil {
		for _, st := range steps {
			if st.Name == "SubmitTx" && st.CompletedAt != nil {
				return *st.CompletedAt
			}
		}
	}
	return w.UpdatedAt
}
