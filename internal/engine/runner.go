package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chaoschain/gateway/internal/models"
	"github.com/chaoschain/gateway/internal/pkg/logging"
	"github.com/chaoschain/gateway/internal/store"
)

// runWorkflow drives one leased workflow through its step table until it
// completes, stalls, or fails. Every transition is persisted before the
// next step runs.
func (e *Engine) runWorkflow(ctx context.Context, w *models.Workflow) {
	logger := e.logger.With("workflow_id", w.ID, "type", string(w.Type))
	defer func() { _ = e.store.ReleaseLease(ctx, w.ID, e.instanceID) }()

	if w.State == models.WorkflowCreated {
		if err := e.store.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{}); err != nil {
			logger.Error("failed to start workflow", logging.Err(err))
			return
		}
		w.State = models.WorkflowRunning
		e.metrics.WorkflowStarted(w.Type)
	}

	r, err := newRun(e, w)
	if err != nil {
		logger.Error("workflow input is undecodable", logging.Err(err))
		e.failWorkflow(ctx, r2fail{w: w}, "INVALID_INPUT", err)
		return
	}

	table := stepTable(w.Type)
	records := e.loadStepRecords(ctx, w)
	r.rehydrate(recordsList(records))

	signerHeld := false
	defer func() {
		if signerHeld {
			e.serializer.Release(w.SignerAddress, w.ID)
		}
	}()

	i := firstPendingIndex(table, records)
	if i >= len(table) {
		// Crash landed between the last step's savepoint and the terminal
		// write. Re-enter through Reconcile so the receipt comes from chain
		// truth, or straight to RecordResult when it was rehydrated.
		if r.receipt != nil {
			i = indexOf(table, StepRecordResult)
		} else {
			i = indexOf(table, StepReconcile)
		}
	}
	attempt := 0
	if rec, ok := records[table[i].Name]; ok {
		attempt = rec.Attempt
	}

	for i < len(table) {
		sd := table[i]

		// Steps made moot by reconciliation are recorded as succeeded and
		// skipped.
		if (r.skipToRecord && sd.Name != StepRecordResult) ||
			(r.skipSubmit && sd.Name == StepSubmitTx) {
			e.persistStep(ctx, logger, w, sd.Name, models.StepSucceeded, attempt, "", nil)
			i, attempt = e.advance(table, records, i)
			continue
		}

		if sd.NeedsSigner && !signerHeld {
			if err := e.serializer.Acquire(w.SignerAddress, w.ID); err != nil {
				attempt++
				if !e.handleRetry(ctx, logger, r, w, sd.Name, attempt, err) {
					return
				}
				continue
			}
			signerHeld = true
		}

		attempt++
		started := time.Now()
		e.persistStep(ctx, logger, w, sd.Name, models.StepRunning, attempt, "", nil)
		e.persistCurrentStep(ctx, logger, w, sd.Name, attempt)
		e.metrics.StepStarted(w.Type, sd.Name)
		_ = e.store.ExtendLease(ctx, w.ID, e.instanceID, e.cfg.LeaseTTL)

		timeout := sd.Timeout
		if timeout <= 0 {
			timeout = e.cfg.StepTimeout
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		runErr := sd.Run(stepCtx, r)
		cancel()

		if runErr == nil {
			out := r.pendingOutput
			r.pendingOutput = nil
			e.persistStep(ctx, logger, w, sd.Name, models.StepSucceeded, attempt, "", out)
			e.metrics.StepCompleted(w.Type, sd.Name, time.Since(started))
			i, attempt = e.advance(table, records, i)
			continue
		}

		if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
			e.metrics.StepTimedOut(w.Type, sd.Name)
			e.stallWorkflow(ctx, logger, w, sd.Name, attempt, "STEP_TIMEOUT", runErr)
			return
		}
		if ctx.Err() != nil {
			// Shutdown mid-step. Leave the record RUNNING; the lease expires
			// and another instance resumes from the last savepoint.
			logger.Info("execution interrupted by shutdown", "step", sd.Name)
			return
		}

		d := classify(runErr, e.cfg.RPCOutageStalls)
		switch d.Kind {
		case DispositionRetry:
			if !e.handleRetry(ctx, logger, r, w, sd.Name, attempt, runErr) {
				return
			}
			// Stale or missing reconciliation re-enters through a fresh
			// Reconcile pass, not a blind resubmit.
			if d.Code == "RECONCILIATION_STALE" || d.Code == "RECONCILIATION_MISSING" {
				if ri := indexOf(table, StepReconcile); ri >= 0 {
					i = ri
					attempt = 0
				}
			}
		case DispositionStall:
			e.stallWorkflow(ctx, logger, w, sd.Name, attempt, d.Code, runErr)
			return
		case DispositionFail:
			e.failWorkflow(ctx, r2fail{w: w, step: sd.Name, attempt: attempt}, d.Code, runErr)
			return
		}

		// Retry path falls through here; the signer slot was dropped if no
		// transaction went out, so re-entry reacquires it.
		if !r.txSent && signerHeld {
			signerHeld = false
		}
	}

	e.completeWorkflow(ctx, logger, r, w)
}

// handleRetry persists the RETRYING record and sleeps the backoff. Returns
// false when the workflow stalled (retries exhausted) or the engine is
// shutting down.
func (e *Engine) handleRetry(ctx context.Context, logger *slog.Logger, r *run, w *models.Workflow, stepName string, attempt int, cause error) bool {
	if e.retry.Exhausted(attempt) {
		e.stallWorkflow(ctx, logger, w, stepName, attempt, StallRetryExhausted, cause)
		return false
	}

	e.persistStep(ctx, logger, w, stepName, models.StepRetrying, attempt, cause.Error(), nil)
	e.metrics.StepRetried(w.Type, stepName)
	logger.Warn("step retrying",
		"step", stepName,
		"attempt", attempt,
		logging.Err(cause),
	)

	// Never hold the signer slot through a sleep unless a transaction is
	// already in flight.
	if !r.txSent && e.serializer.Held(w.SignerAddress) {
		e.serializer.Release(w.SignerAddress, w.ID)
	}

	_ = e.store.ExtendLease(ctx, w.ID, e.instanceID, e.cfg.LeaseTTL)
	if err := e.sleep(ctx, e.retry.Backoff(attempt)); err != nil {
		return false
	}
	return true
}

func (e *Engine) completeWorkflow(ctx context.Context, logger *slog.Logger, r *run, w *models.Workflow) {
	if r.w.Result == nil {
		logger.Error("completion reached with no result; stalling for inspection")
		e.stallWorkflow(ctx, logger, w, StepRecordResult, w.AttemptCount, "MISSING_RESULT", nil)
		return
	}
	if err := e.store.UpdateState(ctx, w.ID, models.WorkflowCompleted, store.Update{
		Result: r.w.Result,
	}); err != nil {
		logger.Error("failed to persist completion", logging.Err(err))
		return
	}
	e.metrics.WorkflowCompleted(w.Type, time.Since(w.CreatedAt))
	logger.Info("workflow completed",
		"tx_hash", string(r.w.Result.TxHash),
		"block", r.w.Result.BlockNumber,
	)
}

func (e *Engine) stallWorkflow(ctx context.Context, logger *slog.Logger, w *models.Workflow, stepName string, attempt int, reason string, cause error) {
	e.persistStep(ctx, logger, w, stepName, models.StepStalled, attempt, errString(cause), nil)
	if err := e.store.UpdateState(ctx, w.ID, models.WorkflowStalled, store.Update{
		StallReason: &reason,
	}); err != nil {
		logger.Error("failed to persist stall", logging.Err(err), "reason", reason)
		return
	}
	e.metrics.WorkflowStalled(w.Type, reason)
	logger.Warn("workflow stalled",
		"step", stepName,
		"reason", reason,
		logging.Err(cause),
	)
}

// r2fail bundles failure context; failWorkflow is also reachable before a
// run exists.
type r2fail struct {
	w       *models.Workflow
	step    string
	attempt int
}

func (e *Engine) failWorkflow(ctx context.Context, f r2fail, code string, cause error) {
	logger := e.logger.With("workflow_id", f.w.ID, "type", string(f.w.Type))
	if f.step != "" {
		e.persistStep(ctx, logger, f.w, f.step, models.StepFailed, f.attempt, errString(cause), nil)
	}
	if err := e.store.UpdateState(ctx, f.w.ID, models.WorkflowFailed, store.Update{
		ErrorCode: &code,
	}); err != nil {
		logger.Error("failed to persist failure", logging.Err(err), "code", code)
		return
	}
	e.metrics.WorkflowFailed(f.w.Type, code)
	logger.Error("workflow failed",
		"step", f.step,
		"error_code", code,
		logging.Err(cause),
	)
}

// persistStep writes a step record; persistence failures are logged, not
// fatal, because the step outcome itself already happened.
func (e *Engine) persistStep(ctx context.Context, logger *slog.Logger, w *models.Workflow, name string, state models.StepState, attempt int, lastErr string, output []byte) {
	now := time.Now()
	st := &models.Step{
		WorkflowID: w.ID,
		Name:       name,
		State:      state,
		Attempt:    attempt,
		LastError:  lastErr,
		Output:     output,
	}
	switch state {
	case models.StepRunning:
		st.StartedAt = &now
	case models.StepSucceeded, models.StepFailed, models.StepStalled:
		st.CompletedAt = &now
	}
	if err := e.store.SaveStep(ctx, st); err != nil {
		logger.Error("failed to persist step record", "step", name, logging.Err(err))
	}
}

func (e *Engine) persistCurrentStep(ctx context.Context, logger *slog.Logger, w *models.Workflow, name string, attempt int) {
	if err := e.store.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{
		CurrentStep:  &name,
		AttemptCount: &attempt,
	}); err != nil {
		logger.Error("failed to persist current step", "step", name, logging.Err(err))
		return
	}
	w.CurrentStep = name
	w.AttemptCount = attempt
}

func (e *Engine) loadStepRecords(ctx context.Context, w *models.Workflow) map[string]*models.Step {
	records := make(map[string]*models.Step)
	steps, err := e.store.GetSteps(ctx, w.ID)
	if err != nil {
		e.logger.Warn("failed to load step records", "workflow_id", w.ID, logging.Err(err))
		return records
	}
	for _, st := range steps {
		records[st.Name] = st
	}
	return records
}

func recordsList(records map[string]*models.Step) []*models.Step {
	list := make([]*models.Step, 0, len(records))
	for _, st := range records {
		list = append(list, st)
	}
	return list
}

// advance moves to the next step, seeding its attempt counter from any
// prior record so resumed workflows keep counting where they left off.
func (e *Engine) advance(table []StepDescriptor, records map[string]*models.Step, i int) (int, int) {
	next := i + 1
	attempt := 0
	if next < len(table) {
		if rec, ok := records[table[next].Name]; ok {
			attempt = rec.Attempt
		}
	}
	return next, attempt
}

// firstPendingIndex finds the resume point: the first step without a
// SUCCEEDED record.
func firstPendingIndex(table []StepDescriptor, records map[string]*models.Step) int {
	for i, sd := range table {
		if rec, ok := records[sd.Name]; !ok || rec.State != models.StepSucceeded {
			return i
		}
	}
	return len(table)
}

func indexOf(table []StepDescriptor, name string) int {
	for i, sd := range table {
		if sd.Name == name {
			return i
		}
	}
	return -1
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
