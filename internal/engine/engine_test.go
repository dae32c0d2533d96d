package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoschain/gateway/internal/chain"
	"github.com/chaoschain/gateway/internal/config"
	"github.com/chaoschain/gateway/internal/conversation"
	"github.com/chaoschain/gateway/internal/evidence"
	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/metrics"
	"github.com/chaoschain/gateway/internal/models"
	"github.com/chaoschain/gateway/internal/nonce"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
	"github.com/chaoschain/gateway/internal/reconcile"
	"github.com/chaoschain/gateway/internal/signer"
	"github.com/chaoschain/gateway/internal/store"
)

// Anvil's first two dev accounts.
const (
	devKey0  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddr0 = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

	studioAddr = "0x1100000000000000000000000000000000000000"
	agentAddr  = "0x2200000000000000000000000000000000000000"
	workerAddr = "0x3300000000000000000000000000000000000000"
)

type fixture struct {
	engine  *Engine
	adapter *chain.FakeAdapter
	archive *evidence.MemoryArchive
	fetcher *conversation.MemoryFetcher
	stored  *store.MemoryStore
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		Workers:            2,
		StepTimeout:        5 * time.Second,
		RetryMaxAttempts:   5,
		RetryInitial:       time.Millisecond,
		RetryCap:           5 * time.Millisecond,
		ReconcileStaleness: 60 * time.Second,
		ReconcileSweep:     30 * time.Second,
		TxNotFoundWindow:   2 * time.Minute,
		ReceiptTimeout:     time.Second,
		LeaseTTL:           30 * time.Second,
	}
}

func newFixture(t *testing.T, cfg config.EngineConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemoryStore()
	adapter := chain.NewFakeAdapter()
	archive := evidence.NewMemoryArchive()
	fetcher := conversation.NewMemoryFetcher()
	serializer := nonce.NewSerializer()
	registry, err := signer.NewInMemoryRegistryFromHexKeys([]string{devKey0})
	require.NoError(t, err)

	e := New(Options{
		Config:     cfg,
		Store:      st,
		Registry:   registry,
		Serializer: serializer,
		Adapter:    adapter,
		Reconciler: reconcile.New(adapter, st, serializer, logger, cfg.TxNotFoundWindow),
		Builder:    evidence.NewBuilder(fetcher),
		Archive:    archive,
		Metrics:    metrics.Nop{},
		Logger:     logger,
	})
	// Skip real backoff sleeps.
	e.sleep = func(context.Context, time.Duration) error { return nil }

	return &fixture{engine: e, adapter: adapter, archive: archive, fetcher: fetcher, stored: st}
}

// drive runs one workflow to its next parked state, the way a claim-loop
// worker would.
func (f *fixture) drive(t *testing.T, id uuid.UUID) *models.Workflow {
	t.Helper()
	ctx := context.Background()
	w, err := f.stored.Get(ctx, id)
	require.NoError(t, err)
	f.engine.runWorkflow(ctx, w)
	got, err := f.stored.Get(ctx, id)
	require.NoError(t, err)
	return got
}

func submitWork(t *testing.T, f *fixture, convID string) *models.Workflow {
	t.Helper()
	input, err := json.Marshal(models.WorkSubmissionInput{
		StudioAddress:  studioAddr,
		Epoch:          7,
		AgentAddress:   agentAddr,
		ConversationID: convID,
	})
	require.NoError(t, err)
	w, err := f.engine.Submit(context.Background(), SubmitRequest{
		Type:          string(guard.TypeWorkSubmission),
		SignerAddress: devAddr0,
		Input:         input,
	})
	require.NoError(t, err)
	return w
}

func submitClose(t *testing.T, f *fixture) *models.Workflow {
	t.Helper()
	input, err := json.Marshal(models.CloseEpochInput{StudioAddress: studioAddr, Epoch: 7})
	require.NoError(t, err)
	w, err := f.engine.Submit(context.Background(), SubmitRequest{
		Type:          string(guard.TypeCloseEpoch),
		SignerAddress: devAddr0,
		Input:         input,
	})
	require.NoError(t, err)
	return w
}

func seedConversation(f *fixture, id string) {
	base := time.Now().Add(-time.Hour)
	f.fetcher.Put(guard.ConversationID(id), []models.Message{
		{ID: "m1", Timestamp: base, Content: []byte("first observation")},
		{ID: "m2", Timestamp: base.Add(time.Minute), Content: []byte("second observation")},
	})
}

// Happy-path work submission: evidence is built and archived, the
// transaction confirms, and the result carries root, storage id, and
// receipt fields.
func TestWorkSubmissionHappyPath(t *testing.T) {
	f := newFixture(t, testConfig())
	seedConversation(f, "conv-1")

	w := submitWork(t, f, "conv-1")
	got := f.drive(t, w.ID)

	assert.Equal(t, models.WorkflowCompleted, got.State)
	require.NotNil(t, got.Result)
	assert.NotEmpty(t, got.Result.TxHash)
	assert.NotZero(t, got.Result.BlockNumber)
	assert.NotEmpty(t, got.Result.EvidenceRoot)
	assert.NotEmpty(t, got.Result.StorageTxID)

	assert.Equal(t, 1, f.adapter.SubmitCount())
	assert.Equal(t, 1, f.archive.Count())

	call, ok := f.adapter.LastSubmit()
	require.True(t, ok)
	assert.NotEmpty(t, call.Data, "calldata was encoded")

	steps, err := f.engine.Steps(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 7, "all work submission steps recorded")
	for _, st := range steps {
		assert.Equal(t, models.StepSucceeded, st.State, st.Name)
	}
}

// Storage outage: the workflow stalls with STORAGE_UNAVAILABLE, never
// fails, and finishes after the sweep resumes it. Exactly one on-chain
// submission happens.
func TestStorageOutageStallsThenResumes(t *testing.T) {
	f := newFixture(t, testConfig())
	seedConversation(f, "conv-2")
	// A single archive failure is enough: storage errors stall immediately,
	// truth is unknown.
	f.archive.FailNext(1)

	w := submitWork(t, f, "conv-2")
	got := f.drive(t, w.ID)

	assert.Equal(t, models.WorkflowStalled, got.State)
	assert.Equal(t, gerrors.CodeStorageUnavailable, got.StallReason)
	assert.Equal(t, 0, f.adapter.SubmitCount(), "no submission before evidence is durable")

	// Sweep resumes operational stalls.
	f.engine.sweepOnce(context.Background())
	got, err := f.stored.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, got.State)

	got = f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowCompleted, got.State)
	assert.Equal(t, 1, f.adapter.SubmitCount(), "exactly one submission end to end")
	assert.Equal(t, 1, f.archive.Count())
}

// Stale reconciliation before submit: the violation is caught, the step
// retries through a fresh reconciliation, and the workflow completes with a
// single submission.
func TestStaleReconciliationForcesFreshCheck(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	w := submitClose(t, f)
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{}))

	// Pretend a reconciliation happened 61 seconds ago and its step already
	// succeeded, as if the worker died right before SubmitTx.
	stale := time.Now().Add(-61 * time.Second)
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{
		LastReconciledAt: &stale,
	}))
	done := stale
	require.NoError(t, f.stored.SaveStep(ctx, &models.Step{
		WorkflowID:  w.ID,
		Name:        StepReconcile,
		State:       models.StepSucceeded,
		Attempt:     1,
		CompletedAt: &done,
	}))

	got := f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowCompleted, got.State)
	assert.Equal(t, 1, f.adapter.SubmitCount())
	require.NotNil(t, got.LastReconciledAt)
	assert.True(t, got.LastReconciledAt.After(stale), "a fresh reconciliation replaced the stale one")
}

// Two workflows for the same signer: the serializer admits one at a time;
// the loser waits in RETRYING instead of racing the nonce. Both finish.
func TestSameSignerSerializes(t *testing.T) {
	cfg := testConfig()
	// The loser polls the signer slot; give it real (tiny) sleeps and a
	// budget that outlasts the winner by a wide margin.
	cfg.RetryMaxAttempts = 200
	cfg.RetryInitial = time.Millisecond
	cfg.RetryCap = 2 * time.Millisecond
	f := newFixture(t, cfg)
	f.engine.sleep = f.engine.interruptibleSleep

	a := submitClose(t, f)
	b := submitClose(t, f)

	doneA := make(chan *models.Workflow, 1)
	doneB := make(chan *models.Workflow, 1)
	go func() { doneA <- f.drive(t, a.ID) }()
	go func() { doneB <- f.drive(t, b.ID) }()

	gotA, gotB := <-doneA, <-doneB
	assert.Equal(t, models.WorkflowCompleted, gotA.State)
	assert.Equal(t, models.WorkflowCompleted, gotB.State)
	assert.Equal(t, 2, f.adapter.SubmitCount())
}

// Revert with a reason: terminal FAILED, the reason is the error code, and
// nothing retries a doomed transaction.
func TestRevertWithReasonFailsTerminally(t *testing.T) {
	f := newFixture(t, testConfig())
	seedConversation(f, "conv-5")
	f.adapter.RevertNext("work already exists")

	w := submitWork(t, f, "conv-5")
	got := f.drive(t, w.ID)

	assert.Equal(t, models.WorkflowFailed, got.State)
	assert.Equal(t, "work already exists", got.ErrorCode)
	assert.Equal(t, 1, f.adapter.SubmitCount(), "no retry after a revert")

	// Terminal means terminal: even a resume attempt is rejected.
	_, err := f.engine.Resume(context.Background(), w.ID)
	require.Error(t, err)
}

// Restart recovery: the process died after broadcasting. On the next run
// the persisted hash is recovered, the receipt is found confirmed, and no
// second submission goes out.
func TestRestartRecoveryAfterSubmit(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	w := submitClose(t, f)
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{}))

	// State as persisted by the crashed instance: Reconcile and SubmitTx
	// succeeded, the hash is durable, the chain confirmed it meanwhile.
	hash := guard.TxHash("0x1122334455667788990011223344556677889900112233445566778899001122")
	f.adapter.Confirm(hash)
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{
		PendingTxHash: &hash,
	}))
	now := time.Now()
	require.NoError(t, f.stored.SaveStep(ctx, &models.Step{
		WorkflowID: w.ID, Name: StepReconcile, State: models.StepSucceeded, Attempt: 1, CompletedAt: &now,
	}))
	out, err := json.Marshal(submitOutput{TxHash: string(hash)})
	require.NoError(t, err)
	require.NoError(t, f.stored.SaveStep(ctx, &models.Step{
		WorkflowID: w.ID, Name: StepSubmitTx, State: models.StepSucceeded, Attempt: 1, Output: out, CompletedAt: &now,
	}))

	got := f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowCompleted, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, hash, got.Result.TxHash)
	assert.Equal(t, 0, f.adapter.SubmitCount(), "recovery never re-broadcasts")
}

// Reconciliation finding the pending tx confirmed short-circuits to
// RecordResult even when no step records survived.
func TestReconcileShortCircuitsConfirmedTx(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	w := submitClose(t, f)
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{}))

	hash := guard.TxHash("0xaa22334455667788990011223344556677889900112233445566778899001122")
	f.adapter.Confirm(hash)
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{
		PendingTxHash: &hash,
	}))

	got := f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowCompleted, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, hash, got.Result.TxHash)
	assert.Equal(t, 0, f.adapter.SubmitCount())
}

func TestAdmissionRejectsUnknownType(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.engine.Submit(context.Background(), SubmitRequest{
		Type:          "MintBadge",
		SignerAddress: devAddr0,
		Input:         []byte(`{}`),
	})
	require.ErrorIs(t, err, gerrors.ErrFrozenTypeViolation)
}

func TestAdmissionRejectsUnknownSigner(t *testing.T) {
	f := newFixture(t, testConfig())
	input, _ := json.Marshal(models.CloseEpochInput{StudioAddress: studioAddr, Epoch: 1})
	_, err := f.engine.Submit(context.Background(), SubmitRequest{
		Type:          string(guard.TypeCloseEpoch),
		SignerAddress: "0x4400000000000000000000000000000000000000",
		Input:         input,
	})
	require.ErrorIs(t, err, gerrors.ErrSignerNotFound)
}

func TestAdmissionRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, testConfig())

	// Studio address is not an address.
	input, _ := json.Marshal(models.CloseEpochInput{StudioAddress: "not-an-address", Epoch: 1})
	_, err := f.engine.Submit(context.Background(), SubmitRequest{
		Type:          string(guard.TypeCloseEpoch),
		SignerAddress: devAddr0,
		Input:         input,
	})
	require.Error(t, err)
	ge, ok := gerrors.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, gerrors.KindAdmission, ge.Kind)

	// Work submission with neither conversation nor content.
	input, _ = json.Marshal(models.WorkSubmissionInput{StudioAddress: studioAddr, Epoch: 1, AgentAddress: agentAddr})
	_, err = f.engine.Submit(context.Background(), SubmitRequest{
		Type:          string(guard.TypeWorkSubmission),
		SignerAddress: devAddr0,
		Input:         input,
	})
	require.Error(t, err)
}

func TestAdmissionEnforcesQuota(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkflowsTotal = 1
	f := newFixture(t, cfg)

	submitClose(t, f)
	input, _ := json.Marshal(models.CloseEpochInput{StudioAddress: studioAddr, Epoch: 2})
	_, err := f.engine.Submit(context.Background(), SubmitRequest{
		Type:          string(guard.TypeCloseEpoch),
		SignerAddress: devAddr0,
		Input:         input,
	})
	require.ErrorIs(t, err, gerrors.ErrQuotaExceeded)
}

func TestAdmissionEnforcesPerTypeQuota(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerType = map[string]int{string(guard.TypeCloseEpoch): 1}
	f := newFixture(t, cfg)

	submitClose(t, f)
	input, _ := json.Marshal(models.CloseEpochInput{StudioAddress: studioAddr, Epoch: 2})
	_, err := f.engine.Submit(context.Background(), SubmitRequest{
		Type:          string(guard.TypeCloseEpoch),
		SignerAddress: devAddr0,
		Input:         input,
	})
	require.ErrorIs(t, err, gerrors.ErrQuotaExceeded)

	// Other types are unaffected.
	seedConversation(f, "conv-q")
	submitWork(t, f, "conv-q")
}

func TestResumeIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	w := submitClose(t, f)

	// Resuming a non-stalled workflow is a no-op.
	got, err := f.engine.Resume(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCreated, got.State)

	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{}))
	reason := StallRetryExhausted
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowStalled, store.Update{
		StallReason: &reason,
	}))

	got, err = f.engine.Resume(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, got.State)
	assert.Empty(t, got.StallReason)

	// Second resume finds it already running.
	got, err = f.engine.Resume(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, got.State)
}

func TestResumeUnknownWorkflow(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.engine.Resume(context.Background(), uuid.New())
	require.ErrorIs(t, err, gerrors.ErrWorkflowNotFound)
}

// Transient RPC failures retry within the step and still finish in one
// logical submission.
func TestTransientSubmitErrorRetries(t *testing.T) {
	f := newFixture(t, testConfig())
	f.adapter.FailSubmit(
		chain.NewError(chain.ErrKindTransient, "connection reset", nil),
		chain.NewError(chain.ErrKindTransient, "rpc 503", nil),
	)

	w := submitClose(t, f)
	got := f.drive(t, w.ID)

	assert.Equal(t, models.WorkflowCompleted, got.State)
	assert.Equal(t, 1, f.adapter.SubmitCount(), "failed broadcasts never reached the chain")
}

// Retry exhaustion parks the workflow in STALLED, and the sweep brings it
// back once the outage clears.
func TestRetryExhaustionStalls(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMaxAttempts = 2
	f := newFixture(t, cfg)
	f.adapter.FailSubmit(
		chain.NewError(chain.ErrKindTransient, "down", nil),
		chain.NewError(chain.ErrKindTransient, "down", nil),
	)

	w := submitClose(t, f)
	got := f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowStalled, got.State)
	assert.Equal(t, StallRetryExhausted, got.StallReason)

	f.engine.sweepOnce(context.Background())
	got = f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowCompleted, got.State)
	assert.Equal(t, 1, f.adapter.SubmitCount())
}

// Score submission runs the short table: no evidence steps, straight to
// reconcile and submit.
func TestScoreSubmissionHappyPath(t *testing.T) {
	f := newFixture(t, testConfig())

	input, err := json.Marshal(models.ScoreSubmissionInput{
		StudioAddress: studioAddr,
		Epoch:         7,
		WorkerAddress: workerAddr,
		Score:         88,
	})
	require.NoError(t, err)
	w, err := f.engine.Submit(context.Background(), SubmitRequest{
		Type:          string(guard.TypeScoreSubmission),
		SignerAddress: devAddr0,
		Input:         input,
	})
	require.NoError(t, err)

	got := f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowCompleted, got.State)
	require.NotNil(t, got.Result)
	assert.Empty(t, got.Result.EvidenceRoot, "score submissions carry no evidence")
	assert.Empty(t, got.Result.StorageTxID)

	steps, err := f.engine.Steps(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 4)
}

// The broadcast goes out but the durable hash write right after it fails.
// The retry must persist the held hash, never sign and broadcast again.
func TestSubmitPersistFailureNeverRebroadcasts(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	w := submitClose(t, f)
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{}))
	now := time.Now()
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{
		LastReconciledAt: &now,
	}))
	got, err := f.stored.Get(ctx, w.ID)
	require.NoError(t, err)

	r, err := newRun(f.engine, got)
	require.NoError(t, err)
	require.NoError(t, f.engine.serializer.Acquire(got.SignerAddress, got.ID))

	f.stored.FailNext(1)
	err = stepSubmitTx(ctx, r)
	require.Error(t, err)
	ge, ok := gerrors.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, gerrors.KindTransient, ge.Kind, "persist failure is retryable, not fatal")
	assert.Equal(t, 1, f.adapter.SubmitCount())

	require.NoError(t, stepSubmitTx(ctx, r))
	assert.Equal(t, 1, f.adapter.SubmitCount(), "retry writes the hash, never re-signs")

	got, err = f.stored.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, r.txHash, got.PendingTxHash)
}

// A crash window where the broadcast happened but the hash never reached the
// store: the signer's pending slot still knows it, reconciliation recovers
// the hash and finds the receipt. No second submission.
func TestLostHashRecoveredFromPendingSlot(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	w := submitClose(t, f)
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{}))
	got, err := f.stored.Get(ctx, w.ID)
	require.NoError(t, err)

	hash := guard.TxHash("0xcc22334455667788990011223344556677889900112233445566778899001122")
	require.NoError(t, f.engine.serializer.Acquire(got.SignerAddress, got.ID))
	f.engine.serializer.SetPending(got.SignerAddress, got.ID, hash)
	f.engine.serializer.Release(got.SignerAddress, got.ID)
	f.adapter.Confirm(hash)

	final := f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowCompleted, final.State)
	require.NotNil(t, final.Result)
	assert.Equal(t, hash, final.Result.TxHash)
	assert.Equal(t, 0, f.adapter.SubmitCount())

	// The slot freed once the transaction's fate was settled.
	_, held := f.engine.serializer.Pending(got.SignerAddress)
	assert.False(t, held)
}

// A nonce gap with no recorded hash means some transaction is in flight;
// nothing is submitted until the nonces converge.
func TestNonceGapBlocksSubmission(t *testing.T) {
	f := newFixture(t, testConfig())
	addr := guard.SignerAddress(devAddr0)
	f.adapter.SetPendingGap(addr, 1)

	w := submitClose(t, f)
	got := f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowStalled, got.State)
	assert.Equal(t, StallRetryExhausted, got.StallReason)
	assert.Equal(t, 0, f.adapter.SubmitCount(), "no submission over a nonce gap")

	f.adapter.SetPendingGap(addr, 0)
	f.engine.sweepOnce(context.Background())
	got = f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowCompleted, got.State)
	assert.Equal(t, 1, f.adapter.SubmitCount())
}

func TestAdmissionEnforcesPerSignerQuota(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerSigner = 1
	f := newFixture(t, cfg)

	submitClose(t, f)
	input, _ := json.Marshal(models.CloseEpochInput{StudioAddress: studioAddr, Epoch: 2})
	_, err := f.engine.Submit(context.Background(), SubmitRequest{
		Type:          string(guard.TypeCloseEpoch),
		SignerAddress: devAddr0,
		Input:         input,
	})
	require.ErrorIs(t, err, gerrors.ErrQuotaExceeded)
}

// The sweep reconciles workflows nothing has touched for far longer than a
// lease, so the next claim starts from chain truth.
func TestSweepReconcilesStuckWorkflows(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseTTL = time.Nanosecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	w := submitClose(t, f)
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{}))
	hash := guard.TxHash("0xdd22334455667788990011223344556677889900112233445566778899001122")
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{
		PendingTxHash: &hash,
	}))
	f.adapter.Confirm(hash)

	time.Sleep(2 * time.Millisecond)
	f.engine.sweepOnce(ctx)

	got, err := f.stored.Get(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastReconciledAt, "stuck workflow was reconciled by the sweep")
}

// Revert without a reason stalls for inspection instead of failing.
func TestUnknownRevertStalls(t *testing.T) {
	f := newFixture(t, testConfig())
	w := submitClose(t, f)

	hash := guard.TxHash("0xbb22334455667788990011223344556677889900112233445566778899001122")
	ctx := context.Background()
	require.NoError(t, f.stored.UpdateState(ctx, w.ID, models.WorkflowRunning, store.Update{
		PendingTxHash: &hash,
	}))
	f.adapter.SetStatus(hash, chain.StatusReverted)

	got := f.drive(t, w.ID)
	assert.Equal(t, models.WorkflowStalled, got.State)
	assert.Equal(t, StallUnknownRevert, got.StallReason)
}
