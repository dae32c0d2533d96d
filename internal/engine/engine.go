// Package engine drives workflows from admission to a terminal state: a
// worker pool over leased workflows, a step runtime with retry/stall/fail
// dispositions, and a periodic reconciliation sweep.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/chaoschain/gateway/internal/chain"
	"github.com/chaoschain/gateway/internal/config"
	"github.com/chaoschain/gateway/internal/evidence"
	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/metrics"
	"github.com/chaoschain/gateway/internal/models"
	"github.com/chaoschain/gateway/internal/nonce"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
	"github.com/chaoschain/gateway/internal/pkg/logging"
	"github.com/chaoschain/gateway/internal/pkg/ulid"
	"github.com/chaoschain/gateway/internal/reconcile"
	"github.com/chaoschain/gateway/internal/signer"
	"github.com/chaoschain/gateway/internal/store"
)

// claimInterval is how often idle workers poll for runnable workflows.
const claimInterval = time.Second

// Options wires the engine's collaborators.
type Options struct {
	Config     config.EngineConfig
	Store      store.WorkflowStore
	Registry   signer.Registry
	Serializer *nonce.Serializer
	Adapter    chain.Adapter
	Reconciler *reconcile.Reconciler
	Builder    *evidence.Builder
	Archive    evidence.Archive
	Metrics    metrics.Sink
	Logger     *slog.Logger
}

// Engine is the workflow orchestrator. One Engine instance may run
// alongside others against the same store; workflow leases partition the
// queue.
type Engine struct {
	cfg        config.EngineConfig
	store      store.WorkflowStore
	registry   signer.Registry
	serializer *nonce.Serializer
	adapter    chain.Adapter
	reconciler *reconcile.Reconciler
	builder    *evidence.Builder
	archive    evidence.Archive
	metrics    metrics.Sink
	logger     *slog.Logger
	validate   *validator.Validate

	instanceID string
	retry      RetryPolicy

	stop chan struct{}
	wg   sync.WaitGroup
	sem  chan struct{}

	// sleep is replaceable in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Engine. Call Start to begin processing.
func New(opts Options) *Engine {
	retry := RetryPolicy{
		MaxAttempts: opts.Config.RetryMaxAttempts,
		Initial:     opts.Config.RetryInitial,
		Multiplier:  2,
		Cap:         opts.Config.RetryCap,
		Jitter:      0.2,
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	workers := opts.Config.Workers
	if workers <= 0 {
		workers = 8
	}

	e := &Engine{
		cfg:        opts.Config,
		store:      opts.Store,
		registry:   opts.Registry,
		serializer: opts.Serializer,
		adapter:    opts.Adapter,
		reconciler: opts.Reconciler,
		builder:    opts.Builder,
		archive:    opts.Archive,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		validate:   validator.New(),
		instanceID: "engine-" + ulid.New(),
		retry:      retry,
		stop:       make(chan struct{}),
		sem:        make(chan struct{}, workers),
	}
	e.sleep = e.interruptibleSleep
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	return e
}

// SubmitRequest is a caller's workflow submission.
type SubmitRequest struct {
	Type          string          `json:"type"`
	SignerAddress string          `json:"signerAddress"`
	Input         json.RawMessage `json:"input"`
}

// Submit admits a workflow: frozen-type check, signer validation, input
// validation, concurrency quotas, then a durable CREATED record. Admission
// failures never create a workflow.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*models.Workflow, error) {
	t := guard.WorkflowType(req.Type)
	if err := guard.AssertFrozenWorkflowType(t); err != nil {
		e.metrics.AdmissionRejected(gerrors.CodeFrozenTypeViolation)
		return nil, gerrors.ErrFrozenTypeViolation
	}

	addr, err := guard.NewSignerAddress(req.SignerAddress)
	if err != nil {
		e.metrics.AdmissionRejected("INVALID_SIGNER")
		return nil, gerrors.New(gerrors.KindAdmission, "INVALID_SIGNER", "invalid signer address %q", req.SignerAddress)
	}
	if !e.registry.IsAvailable(addr) {
		e.metrics.AdmissionRejected(gerrors.CodeSignerNotFound)
		return nil, gerrors.ErrSignerNotFound
	}

	input, err := e.validateInput(t, req.Input)
	if err != nil {
		e.metrics.AdmissionRejected("INVALID_INPUT")
		return nil, err
	}

	if err := e.checkQuota(ctx, t, addr); err != nil {
		return nil, err
	}

	w := &models.Workflow{
		Type:          t,
		SignerAddress: addr,
		Input:         input,
		State:         models.WorkflowCreated,
	}
	if err := e.store.Create(ctx, w); err != nil {
		return nil, gerrors.Storage(err)
	}

	e.metrics.WorkflowCreated(t)
	e.logger.Info("workflow admitted",
		"workflow_id", w.ID,
		"type", string(t),
		"signer", string(addr),
	)
	return w, nil
}

// validateInput parses and validates the type-specific payload, returning
// the canonical bytes to persist.
func (e *Engine) validateInput(t guard.WorkflowType, raw json.RawMessage) (json.RawMessage, error) {
	invalid := func(err error) error {
		return gerrors.New(gerrors.KindAdmission, "INVALID_INPUT", "invalid input: %v", err)
	}

	var payload any
	switch t {
	case guard.TypeWorkSubmission:
		in := &models.WorkSubmissionInput{}
		if err := json.Unmarshal(raw, in); err != nil {
			return nil, invalid(err)
		}
		if in.ConversationID == "" && len(in.Content) == 0 {
			return nil, gerrors.New(gerrors.KindAdmission, "INVALID_INPUT",
				"work submission needs a conversation id or inline content")
		}
		payload = in
	case guard.TypeScoreSubmission:
		in := &models.ScoreSubmissionInput{}
		if err := json.Unmarshal(raw, in); err != nil {
			return nil, invalid(err)
		}
		payload = in
	case guard.TypeCloseEpoch:
		in := &models.CloseEpochInput{}
		if err := json.Unmarshal(raw, in); err != nil {
			return nil, invalid(err)
		}
		payload = in
	}
	if err := e.validate.Struct(payload); err != nil {
		return nil, invalid(err)
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, invalid(err)
	}
	return canonical, nil
}

func (e *Engine) checkQuota(ctx context.Context, t guard.WorkflowType, addr guard.SignerAddress) error {
	if e.cfg.MaxWorkflowsTotal > 0 {
		n, err := e.store.CountActive(ctx)
		if err != nil {
			return gerrors.Storage(err)
		}
		if n >= e.cfg.MaxWorkflowsTotal {
			e.metrics.AdmissionRejected(gerrors.CodeQuotaExceeded)
			return gerrors.ErrQuotaExceeded
		}
	}
	if limit := e.cfg.MaxFor(t); limit > 0 {
		n, err := e.store.CountActiveByType(ctx, t)
		if err != nil {
			return gerrors.Storage(err)
		}
		if n >= limit {
			e.metrics.AdmissionRejected(gerrors.CodeQuotaExceeded)
			return gerrors.ErrQuotaExceeded
		}
	}
	if limit := e.cfg.MaxPerSigner; limit > 0 {
		n, err := e.store.CountActiveBySigner(ctx, addr)
		if err != nil {
			return gerrors.Storage(err)
		}
		if n >= limit {
			e.metrics.AdmissionRejected(gerrors.CodeQuotaExceeded)
			return gerrors.ErrQuotaExceeded
		}
	}
	return nil
}

// Get returns a workflow by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	w, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, gerrors.ErrWorkflowNotFound
		}
		return nil, gerrors.Storage(err)
	}
	return w, nil
}

// Steps returns a workflow's step records.
func (e *Engine) Steps(ctx context.Context, id uuid.UUID) ([]*models.Step, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	steps, err := e.store.GetSteps(ctx, id)
	if err != nil {
		return nil, gerrors.Storage(err)
	}
	return steps, nil
}

// List returns a filtered page of workflows.
func (e *Engine) List(ctx context.Context, f store.Filter) ([]*models.Workflow, int64, error) {
	list, total, err := e.store.List(ctx, f)
	if err != nil {
		return nil, 0, gerrors.Storage(err)
	}
	return list, total, nil
}

// Resume moves a STALLED workflow back to RUNNING after a fresh
// reconciliation. Resuming a RUNNING workflow is a no-op; resuming a
// terminal one is an error.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	w, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch w.State {
	case models.WorkflowRunning, models.WorkflowCreated:
		return w, nil
	case models.WorkflowCompleted, models.WorkflowFailed:
		return nil, gerrors.New(gerrors.KindDomain, "NOT_RESUMABLE",
			"workflow is %s; terminal workflows cannot resume", w.State)
	}

	if _, err := e.reconciler.Check(ctx, w); err != nil {
		return nil, gerrors.Transient("RECONCILE_FAILED", err)
	}

	if err := e.resumeStalled(ctx, w); err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

func (e *Engine) resumeStalled(ctx context.Context, w *models.Workflow) error {
	clear := ""
	if err := e.store.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{
		StallReason: &clear,
	}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrTerminal) {
			// Lost a race with another resumer; already moving.
			return nil
		}
		return gerrors.Storage(err)
	}
	e.metrics.WorkflowResumed(w.Type)
	e.logger.Info("workflow resumed", "workflow_id", w.ID, "stall_reason", w.StallReason)
	return nil
}

// Start launches the claim and sweep loops.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.claimLoop(ctx)
	go e.sweepLoop(ctx)
	e.logger.Info("engine started",
		"instance_id", e.instanceID,
		"workers", cap(e.sem),
		"sweep_interval", e.cfg.ReconcileSweep,
	)
}

// Stop halts the loops and waits for in-flight workflows to park.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	e.logger.Info("engine stopped", "instance_id", e.instanceID)
}

func (e *Engine) claimLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.claimOnce(ctx)
		}
	}
}

// claimOnce leases as many runnable workflows as there are free workers
// and dispatches them.
func (e *Engine) claimOnce(ctx context.Context) {
	free := cap(e.sem) - len(e.sem)
	if free <= 0 {
		return
	}
	claimed, err := e.store.ClaimRunnable(ctx, e.instanceID, e.cfg.LeaseTTL, free)
	if err != nil {
		e.logger.Error("failed to claim workflows", logging.Err(err))
		return
	}
	for _, w := range claimed {
		select {
		case e.sem <- struct{}{}:
		default:
			// Worker freed between the count and here went to someone else's
			// claim; drop the lease and let the next tick pick it up.
			_ = e.store.ReleaseLease(ctx, w.ID, e.instanceID)
			continue
		}
		e.wg.Add(1)
		go func(w *models.Workflow) {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			e.runWorkflow(ctx, w)
		}(w)
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.ReconcileSweep
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce reconciles stalled workflows and resumes the ones whose stall
// was operational. Stalls that need a human (unknown reverts, dropped
// transactions) stay parked until an explicit resume.
func (e *Engine) sweepOnce(ctx context.Context) {
	stalled, err := e.store.ListByState(ctx, models.WorkflowStalled)
	if err != nil {
		e.logger.Error("sweep failed to list stalled workflows", logging.Err(err))
		return
	}
	for _, w := range stalled {
		if w.PendingTxHash != "" {
			out, err := e.reconciler.Check(ctx, w)
			if err != nil {
				e.logger.Warn("sweep reconciliation failed", "workflow_id", w.ID, logging.Err(err))
				continue
			}
			e.metrics.ReconciliationRan(string(out.Decision))
			if out.Decision == reconcile.DecisionAlreadyConfirmed {
				// Chain truth says the work landed; resume so the runtime can
				// record the result.
				_ = e.resumeStalled(ctx, w)
				continue
			}
		}
		if autoResumable(w.StallReason) {
			_ = e.resumeStalled(ctx, w)
		}
	}

	e.sweepStuck(ctx)
}

// sweepStuck surfaces non-terminal workflows nothing has touched for far
// longer than any lease. They are claimable, so usually a dead instance's
// leftovers the claim loop will pick up; the sweep reconciles the ones with
// an in-flight transaction so the next claim starts from chain truth, and
// warns so an operator can look at the rest.
func (e *Engine) sweepStuck(ctx context.Context) {
	window := 10 * e.cfg.LeaseTTL
	if window <= 0 {
		window = 5 * time.Minute
	}
	stuck, err := e.store.ListStuck(ctx, time.Now().Add(-window))
	if err != nil {
		e.logger.Error("sweep failed to list stuck workflows", logging.Err(err))
		return
	}
	for _, w := range stuck {
		if w.State == models.WorkflowStalled {
			continue
		}
		e.logger.Warn("workflow stuck without progress",
			"workflow_id", w.ID,
			"state", string(w.State),
			"current_step", w.CurrentStep,
			"updated_at", w.UpdatedAt,
		)
		if w.PendingTxHash != "" {
			if out, err := e.reconciler.Check(ctx, w); err == nil {
				e.metrics.ReconciliationRan(string(out.Decision))
			}
		}
	}
}

// autoResumable reports whether the sweep may resume a stall without an
// operator.
func autoResumable(reason string) bool {
	switch reason {
	case gerrors.CodeStorageUnavailable, StallRetryExhausted, StallRPCOutage, "STEP_TIMEOUT":
		return true
	}
	return false
}

func (e *Engine) interruptibleSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return errors.New("engine stopping")
	}
}
