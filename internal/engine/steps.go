package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chaoschain/gateway/internal/chain"
	"github.com/chaoschain/gateway/internal/evidence"
	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
	"github.com/chaoschain/gateway/internal/reconcile"
	"github.com/chaoschain/gateway/internal/store"
)

// Step names. These are persisted in step records; renaming one breaks
// crash recovery for in-flight workflows.
const (
	StepBuildEvidence   = "BuildEvidence"
	StepArchiveEvidence = "ArchiveEvidence"
	StepComputeRoot     = "ComputeRoot"
	StepReconcile       = "Reconcile"
	StepSubmitTx        = "SubmitTx"
	StepAwaitReceipt    = "AwaitReceipt"
	StepRecordResult    = "RecordResult"
)

// stepTable returns the fixed step sequence for a workflow type.
func stepTable(t guard.WorkflowType) []StepDescriptor {
	switch t {
	case guard.TypeWorkSubmission:
		return []StepDescriptor{
			{Name: StepBuildEvidence, Run: stepBuildEvidence},
			{Name: StepArchiveEvidence, Run: stepArchiveEvidence},
			{Name: StepComputeRoot, Run: stepComputeRoot},
			{Name: StepReconcile, Run: stepReconcile, NeedsSigner: true},
			{Name: StepSubmitTx, Run: stepSubmitTx, NeedsSigner: true},
			{Name: StepAwaitReceipt, Run: stepAwaitReceipt, NeedsSigner: true},
			{Name: StepRecordResult, Run: stepRecordResult},
		}
	case guard.TypeScoreSubmission, guard.TypeCloseEpoch:
		return []StepDescriptor{
			{Name: StepReconcile, Run: stepReconcile, NeedsSigner: true},
			{Name: StepSubmitTx, Run: stepSubmitTx, NeedsSigner: true},
			{Name: StepAwaitReceipt, Run: stepAwaitReceipt, NeedsSigner: true},
			{Name: StepRecordResult, Run: stepRecordResult},
		}
	}
	return nil
}

// run is the in-memory state of one workflow execution. It is rebuilt from
// persisted step outputs after a crash; everything not recoverable from
// outputs must be recomputable from the workflow input.
type run struct {
	e *Engine
	w *models.Workflow

	work  *models.WorkSubmissionInput
	score *models.ScoreSubmissionInput
	close *models.CloseEpochInput

	pkg          *models.EvidencePackage
	storageTxID  guard.StorageTxID
	evidenceRoot string
	txHash       guard.TxHash
	receipt      *chain.Receipt

	// txSent marks that this execution broadcast a transaction. Signer
	// slots are only released across retry sleeps while it is false.
	txSent bool
	// skipToRecord is set when reconciliation found the pending transaction
	// already confirmed: SubmitTx and AwaitReceipt are skipped.
	skipToRecord bool
	// skipSubmit is set when reconciliation found the pending transaction
	// still in flight: SubmitTx is skipped and AwaitReceipt adopts the
	// existing hash.
	skipSubmit bool

	// pendingOutput is the output blob the runtime persists with the step's
	// SUCCEEDED record.
	pendingOutput json.RawMessage
}

// Persisted step outputs. Enough to rebuild run state after a crash.
type buildOutput struct {
	ContentHash  string `json:"contentHash"`
	MessageCount int    `json:"messageCount"`
}

type archiveOutput struct {
	StorageTxID string `json:"storageTxId"`
}

type rootOutput struct {
	Root string `json:"root"`
}

type submitOutput struct {
	TxHash string `json:"txHash"`
}

type receiptOutput struct {
	TxHash      string `json:"txHash"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
}

func newRun(e *Engine, w *models.Workflow) (*run, error) {
	r := &run{e: e, w: w}
	var err error
	switch w.Type {
	case guard.TypeWorkSubmission:
		r.work = &models.WorkSubmissionInput{}
		err = json.Unmarshal(w.Input, r.work)
	case guard.TypeScoreSubmission:
		r.score = &models.ScoreSubmissionInput{}
		err = json.Unmarshal(w.Input, r.score)
	case guard.TypeCloseEpoch:
		r.close = &models.CloseEpochInput{}
		err = json.Unmarshal(w.Input, r.close)
	default:
		err = guard.AssertFrozenWorkflowType(w.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow input: %w", err)
	}
	return r, nil
}

// rehydrate restores run state from the outputs of already-succeeded steps.
func (r *run) rehydrate(steps []*models.Step) {
	for _, st := range steps {
		if st.State != models.StepSucceeded || len(st.Output) == 0 {
			continue
		}
		switch st.Name {
		case StepArchiveEvidence:
			var out archiveOutput
			if json.Unmarshal(st.Output, &out) == nil {
				r.storageTxID = guard.StorageTxID(out.StorageTxID)
			}
		case StepComputeRoot:
			var out rootOutput
			if json.Unmarshal(st.Output, &out) == nil {
				r.evidenceRoot = out.Root
			}
		case StepSubmitTx:
			var out submitOutput
			if json.Unmarshal(st.Output, &out) == nil && out.TxHash != "" {
				r.txHash = guard.TxHash(out.TxHash)
				r.txSent = true
			}
		case StepAwaitReceipt:
			var out receiptOutput
			if json.Unmarshal(st.Output, &out) == nil {
				r.receipt = &chain.Receipt{
					TxHash:      guard.TxHash(out.TxHash),
					Status:      chain.Status(out.Status),
					BlockNumber: out.BlockNumber,
				}
			}
		}
	}
}

// ensureEvidence rebuilds the evidence package when it is not in memory.
// Both build paths are deterministic, so a rebuild after crash produces the
// same bytes and the same content hash: conversation frames carry message
// timestamps, and the inline-content frame is stamped with the workflow's
// creation time rather than the clock.
func (r *run) ensureEvidence(ctx context.Context) error {
	if r.pkg != nil {
		return nil
	}
	in := r.work
	var (
		pkg *models.EvidencePackage
		err error
	)
	if in.ConversationID != "" {
		pkg, err = r.e.builder.BuildFromConversation(ctx,
			guard.ConversationID(in.ConversationID), in.StudioAddress, in.Epoch, in.AgentAddress)
	} else {
		pkg, err = r.e.builder.BuildFromContent(in.Content, r.w.CreatedAt, in.StudioAddress, in.Epoch, in.AgentAddress)
	}
	if err != nil {
		return err
	}
	r.pkg = pkg
	return nil
}

func stepBuildEvidence(ctx context.Context, r *run) error {
	guard.EvidenceOnly()
	if err := r.ensureEvidence(ctx); err != nil {
		return err
	}
	return r.setOutput(buildOutput{
		ContentHash:  r.pkg.ContentHash,
		MessageCount: r.pkg.Header.MessageCount,
	})
}

// stepArchiveEvidence uploads the package. Archival is idempotent by
// content hash, so a re-run after a crash or stall never duplicates the
// object.
func stepArchiveEvidence(ctx context.Context, r *run) error {
	if r.storageTxID != "" {
		return nil
	}
	if err := r.ensureEvidence(ctx); err != nil {
		return err
	}
	id, err := r.e.archive.Put(ctx, r.pkg)
	if err != nil {
		return err
	}
	r.storageTxID = id
	return r.setOutput(archiveOutput{StorageTxID: string(id)})
}

func stepComputeRoot(ctx context.Context, r *run) error {
	if r.evidenceRoot != "" {
		return nil
	}
	if err := r.ensureEvidence(ctx); err != nil {
		return err
	}
	r.evidenceRoot = evidence.ComputeRoot(r.pkg)
	return r.setOutput(rootOutput{Root: r.evidenceRoot})
}

// stepReconcile asks the chain what happened to any prior submission before
// the workflow is allowed near SubmitTx.
func stepReconcile(ctx context.Context, r *run) error {
	guard.AssertNoOffchainInference()
	out, err := r.e.reconciler.Check(ctx, r.w)
	if err != nil {
		return err
	}
	r.e.metrics.ReconciliationRan(string(out.Decision))
	r.w.LastReconciledAt = &out.CheckedAt

	switch out.Decision {
	case reconcile.DecisionProceed:
		return nil
	case reconcile.DecisionAlreadyConfirmed:
		// The intent already landed. Adopt the receipt and skip straight to
		// recording.
		r.receipt = out.Receipt
		r.txHash = out.Receipt.TxHash
		r.skipToRecord = true
		r.e.serializer.ClearPending(r.w.SignerAddress, r.w.ID)
		r.e.metrics.TxConfirmed(r.w.Type)
		return nil
	case reconcile.DecisionReverted:
		r.e.serializer.ClearPending(r.w.SignerAddress, r.w.ID)
		r.e.metrics.TxReverted(r.w.Type)
		return chain.NewError(chain.ErrKindReverted, out.Receipt.RevertReason, nil)
	case reconcile.DecisionAwait:
		// Still in flight; do not submit again, just wait for the receipt.
		// The hash may have been recovered from the signer's pending slot,
		// in which case the durable record catches up here.
		r.txHash = out.PendingTxHash
		r.txSent = true
		r.skipSubmit = true
		if r.w.PendingTxHash == "" && out.PendingTxHash != "" {
			hash := out.PendingTxHash
			if err := r.e.store.UpdateState(ctx, r.w.ID, models.WorkflowRunning, store.Update{
				PendingTxHash: &hash,
			}); err != nil {
				return gerrors.Transient("PENDING_HASH_PERSIST", err)
			}
			r.w.PendingTxHash = hash
		}
		return nil
	case reconcile.DecisionDropped:
		r.e.metrics.TxNotFound(r.w.Type)
		return chain.NewError(chain.ErrKindNotFound, "pending transaction dropped", nil)
	case reconcile.DecisionNonceGap:
		// Some transaction is in flight with no recorded hash. Retry until
		// the nonces converge; submitting now could double-spend the intent.
		return gerrors.Transient("NONCE_GAP",
			fmt.Errorf("signer %s has an in-flight transaction with no recorded hash", r.w.SignerAddress))
	}
	return guard.NewInvariantViolation("RECONCILE_DECISION", "unknown decision %q", out.Decision)
}

func stepSubmitTx(ctx context.Context, r *run) error {
	guard.AssertNoBatching()
	if r.skipToRecord || r.skipSubmit {
		return nil
	}
	if r.txSent && r.txHash != "" {
		// An earlier attempt already broadcast; only the durable hash write
		// is missing. Retry the write, never the broadcast.
		return r.persistSubmittedHash(ctx)
	}
	if err := guard.AssertReconciliationPerformed(r.w.LastReconciledAt, StepSubmitTx, r.e.cfg.ReconcileStaleness); err != nil {
		return err
	}

	call, err := r.buildCall()
	if err != nil {
		return err
	}
	handle, ok := r.e.registry.Get(r.w.SignerAddress)
	if !ok {
		return gerrors.ErrSignerNotFound.WithWorkflow(r.w.ID, StepSubmitTx)
	}

	hash, err := r.e.adapter.Submit(ctx, handle, call)
	if err != nil {
		return err
	}
	r.txHash = hash
	r.txSent = true
	r.e.serializer.SetPending(r.w.SignerAddress, r.w.ID, hash)
	r.e.metrics.TxSubmitted(r.w.Type)

	// Persist the hash before anything else can go wrong; reconciliation
	// after a crash depends on it.
	return r.persistSubmittedHash(ctx)
}

// persistSubmittedHash makes the broadcast hash durable. Failures come back
// retryable so the loop re-enters stepSubmitTx, which short-circuits on
// txSent and retries only this write.
func (r *run) persistSubmittedHash(ctx context.Context) error {
	hash := r.txHash
	if err := r.e.store.UpdateState(ctx, r.w.ID, models.WorkflowRunning, store.Update{
		PendingTxHash: &hash,
	}); err != nil {
		return gerrors.Transient("PENDING_HASH_PERSIST", err)
	}
	r.w.PendingTxHash = hash
	return r.setOutput(submitOutput{TxHash: string(hash)})
}

func stepAwaitReceipt(ctx context.Context, r *run) error {
	if r.skipToRecord {
		return nil
	}
	hash := r.txHash
	if hash == "" {
		hash = r.w.PendingTxHash
	}
	if hash == "" {
		return guard.NewInvariantViolation("AWAIT_WITHOUT_TX", "no transaction hash to await")
	}

	receipt, err := r.e.adapter.WaitReceipt(ctx, hash, r.e.cfg.ReceiptTimeout)
	if err != nil {
		return err
	}
	switch receipt.Status {
	case chain.StatusConfirmed:
		r.receipt = receipt
		r.e.serializer.ClearPending(r.w.SignerAddress, r.w.ID)
		r.e.metrics.TxConfirmed(r.w.Type)
	case chain.StatusReverted:
		r.e.serializer.ClearPending(r.w.SignerAddress, r.w.ID)
		r.e.metrics.TxReverted(r.w.Type)
		return chain.NewError(chain.ErrKindReverted, receipt.RevertReason, nil)
	default:
		r.e.metrics.TxNotFound(r.w.Type)
		return chain.NewError(chain.ErrKindNotFound, "no receipt within window", nil)
	}
	return r.setOutput(receiptOutput{
		TxHash:      string(receipt.TxHash),
		Status:      string(receipt.Status),
		BlockNumber: receipt.BlockNumber,
	})
}

func stepRecordResult(ctx context.Context, r *run) error {
	guard.OrchestrationOnly()
	if r.receipt == nil {
		return guard.NewInvariantViolation("RESULT_WITHOUT_RECEIPT", "recording result with no receipt")
	}
	r.w.Result = &models.WorkflowResult{
		TxHash:      r.receipt.TxHash,
		BlockNumber: r.receipt.BlockNumber,
	}
	if r.w.Type == guard.TypeWorkSubmission {
		r.w.Result.EvidenceRoot = r.evidenceRoot
		r.w.Result.StorageTxID = r.storageTxID
	}
	return nil
}

// buildCall encodes the on-chain call for the workflow type.
func (r *run) buildCall() (chain.Call, error) {
	switch r.w.Type {
	case guard.TypeWorkSubmission:
		return chain.SubmitWorkCall(r.work.StudioAddress, r.work.AgentAddress, r.work.Epoch, r.evidenceRoot)
	case guard.TypeScoreSubmission:
		return chain.SubmitScoreCall(r.score.StudioAddress, r.score.WorkerAddress, r.score.Epoch, r.score.Score)
	case guard.TypeCloseEpoch:
		return chain.CloseEpochCall(r.close.StudioAddress, r.close.Epoch)
	}
	return chain.Call{}, guard.AssertFrozenWorkflowType(r.w.Type)
}

// setOutput stages an output blob for the step's SUCCEEDED record.
func (r *run) setOutput(out any) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	r.pendingOutput = b
	return nil
}
