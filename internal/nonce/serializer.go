// Package nonce enforces the one-in-flight-transaction-per-signer
// invariant. A signer's nonce stream is totally ordered; two concurrent
// submissions from the same address would race for the same nonce, so the
// serializer admits exactly one holder at a time and everyone else waits.
package nonce

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaoschain/gateway/internal/guard"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
)

// PendingSlot records the single outstanding on-chain transaction for a
// signer.
type PendingSlot struct {
	WorkflowID  uuid.UUID
	TxHash      guard.TxHash
	SubmittedAt time.Time
}

// ErrSignerBusy is returned when another workflow already holds the signer.
// Callers back off and retry; they never parallelize.
var ErrSignerBusy = gerrors.New(gerrors.KindTransient, gerrors.CodeSignerSerialization,
	"signer already has a transaction in flight")

type slot struct {
	holder  uuid.UUID
	pending *PendingSlot
}

// Serializer is the in-memory signer → pending mapping. It is
// process-local: cross-instance exclusion comes from the store's workflow
// leases, so two engines never drive workflows for the same signer
// concurrently in the first place.
type Serializer struct {
	mu    sync.Mutex
	slots map[guard.SignerAddress]*slot
}

// NewSerializer creates an empty serializer.
func NewSerializer() *Serializer {
	return &Serializer{slots: make(map[guard.SignerAddress]*slot)}
}

// Acquire claims the signer for a workflow. Returns ErrSignerBusy when
// another workflow holds it or an unresolved transaction occupies the slot,
// and an invariant violation on reentrant acquisition by the same workflow.
// A workflow resuming its own in-flight transaction reattaches to the slot.
func (s *Serializer) Acquire(addr guard.SignerAddress, workflowID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.slots[addr]; ok {
		if cur.holder == workflowID {
			return guard.NewInvariantViolation(gerrors.CodeSignerSerialization,
				"workflow %s re-acquired signer %s", workflowID, addr)
		}
		if cur.holder == uuid.Nil && cur.pending != nil && cur.pending.WorkflowID == workflowID {
			cur.holder = workflowID
			return nil
		}
		return ErrSignerBusy
	}
	s.slots[addr] = &slot{holder: workflowID}
	return nil
}

// Release drops the workflow's hold on the signer. When a transaction is
// still unresolved the pending record survives the release and keeps the
// signer occupied until ClearPending; a slot with no pending transaction is
// freed outright. Releasing a slot held by a different workflow is a no-op.
func (s *Serializer) Release(addr guard.SignerAddress, workflowID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.slots[addr]
	if !ok || cur.holder != workflowID {
		return
	}
	if cur.pending != nil {
		cur.holder = uuid.Nil
		return
	}
	delete(s.slots, addr)
}

// ClearPending resolves the in-flight transaction recorded for workflowID.
// Called when a receipt or reconciliation settles the transaction's fate.
func (s *Serializer) ClearPending(addr guard.SignerAddress, workflowID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.slots[addr]
	if !ok || cur.pending == nil || cur.pending.WorkflowID != workflowID {
		return
	}
	cur.pending = nil
	if cur.holder == uuid.Nil {
		delete(s.slots, addr)
	}
}

// SetPending records the in-flight transaction for the holding workflow.
func (s *Serializer) SetPending(addr guard.SignerAddress, workflowID uuid.UUID, txHash guard.TxHash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.slots[addr]; ok && cur.holder == workflowID {
		cur.pending = &PendingSlot{WorkflowID: workflowID, TxHash: txHash, SubmittedAt: time.Now()}
	}
}

// Pending returns the in-flight slot for addr, if any.
func (s *Serializer) Pending(addr guard.SignerAddress) (*PendingSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.slots[addr]
	if !ok || cur.pending == nil {
		return nil, false
	}
	p := *cur.pending
	return &p, true
}

// Held reports whether any workflow currently holds addr.
func (s *Serializer) Held(addr guard.SignerAddress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[addr]
	return ok
}
