package engine

import (
	"context"
	"errors"
	"time"

	"github.com/chaoschain/gateway/internal/chain"
	"github.com/chaoschain/gateway/internal/guard"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
)

// DispositionKind decides how the step runtime reacts to a failed attempt.
type DispositionKind string

const (
	// DispositionRetry re-enters the step after a backoff sleep.
	DispositionRetry DispositionKind = "RETRY"
	// DispositionStall parks the workflow in STALLED for a sweep or
	// operator to resume.
	DispositionStall DispositionKind = "STALL"
	// DispositionFail terminates the workflow as FAILED.
	DispositionFail DispositionKind = "FAIL"
)

// Disposition is a classified failure: what to do and the code to record.
type Disposition struct {
	Kind DispositionKind
	// Code becomes the workflow's errorCode (FAIL) or stallReason (STALL).
	Code string
}

// Stall reasons not covered by the error-code vocabulary.
const (
	StallRetryExhausted = "RETRY_EXHAUSTED"
	StallUnknownRevert  = "UNKNOWN_REVERT"
	StallRPCOutage      = "RPC_OUTAGE"
	StallAwaitingChain  = "AWAITING_CHAIN"
)

// stepFunc executes one attempt of a step against the shared run state.
type stepFunc func(ctx context.Context, r *run) error

// StepDescriptor statically describes one step of a workflow type.
// The per-type tables are fixed at compile time; there is no dynamic step
// registration.
type StepDescriptor struct {
	Name    string
	Run     stepFunc
	Timeout time.Duration // 0 means the engine default
	// NeedsSigner marks steps that must hold the signer's serialization
	// slot while they run.
	NeedsSigner bool
}

// classify maps a step error to a disposition per the error taxonomy.
//
// Storage failures always stall: the upload may have landed, and only
// reconciliation can tell. Transient I/O retries. Reverts with a reason fail
// terminally; reverts without one stall for inspection. Recoverable guard
// failures (stale reconciliation, signer contention) retry; any other
// invariant violation fails.
func classify(err error, rpcOutageStalls bool) Disposition {
	if ge, ok := gerrors.AsGatewayError(err); ok {
		switch ge.Kind {
		case gerrors.KindStorage:
			return Disposition{Kind: DispositionStall, Code: gerrors.CodeStorageUnavailable}
		case gerrors.KindTransient:
			return Disposition{Kind: DispositionRetry, Code: ge.Code}
		case gerrors.KindDomain:
			return Disposition{Kind: DispositionFail, Code: ge.Code}
		case gerrors.KindInvariant:
			return Disposition{Kind: DispositionFail, Code: ge.Code}
		}
	}

	var iv *guard.InvariantViolation
	if errors.As(err, &iv) {
		switch iv.Invariant {
		case "RECONCILIATION_MISSING", "RECONCILIATION_STALE", "SIGNER_SERIALIZATION":
			// Recoverable: re-enter the step, which reconciles or waits its
			// turn on the signer slot.
			return Disposition{Kind: DispositionRetry, Code: iv.Invariant}
		}
		return Disposition{Kind: DispositionFail, Code: iv.Invariant}
	}

	switch chain.ClassifyError(err) {
	case chain.ErrKindReverted:
		reason := chain.RevertReason(err)
		if reason == "" {
			return Disposition{Kind: DispositionStall, Code: StallUnknownRevert}
		}
		return Disposition{Kind: DispositionFail, Code: reason}
	case chain.ErrKindFatal:
		return Disposition{Kind: DispositionFail, Code: "CHAIN_FATAL"}
	case chain.ErrKindNonceConflict:
		// Another transaction took the nonce. Retry; the Reconcile step
		// discovers what actually landed.
		return Disposition{Kind: DispositionRetry, Code: "NONCE_CONFLICT"}
	case chain.ErrKindNotFound:
		return Disposition{Kind: DispositionStall, Code: gerrors.CodeTxNotFound}
	}

	if rpcOutageStalls {
		return Disposition{Kind: DispositionStall, Code: StallRPCOutage}
	}
	return Disposition{Kind: DispositionRetry, Code: "TRANSIENT"}
}
