package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chaoschain/gateway/internal/chain"
	"github.com/chaoschain/gateway/internal/guard"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
)

func TestBackoffGrowthAndCap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Initial: time.Second, Multiplier: 2, Cap: 30 * time.Second}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 30*time.Second, p.Backoff(10), "capped")
	assert.Equal(t, time.Second, p.Backoff(0), "attempt floor is 1")
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 1; attempt <= 5; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, p.Cap)
		}
	}
	// Attempt 1 jitters around 1s within +/-20%.
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestClassifyDispositions(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{
			name: "storage stalls",
			err:  gerrors.Storage(errors.New("s3 503")),
			want: Disposition{Kind: DispositionStall, Code: gerrors.CodeStorageUnavailable},
		},
		{
			name: "transient retries",
			err:  gerrors.Transient("CONVERSATION_FETCH", errors.New("timeout")),
			want: Disposition{Kind: DispositionRetry, Code: "CONVERSATION_FETCH"},
		},
		{
			name: "signer contention retries",
			err:  gerrors.New(gerrors.KindTransient, gerrors.CodeSignerSerialization, "busy"),
			want: Disposition{Kind: DispositionRetry, Code: gerrors.CodeSignerSerialization},
		},
		{
			name: "stale reconciliation retries",
			err:  guard.NewInvariantViolation("RECONCILIATION_STALE", "too old"),
			want: Disposition{Kind: DispositionRetry, Code: "RECONCILIATION_STALE"},
		},
		{
			name: "other invariant violations fail",
			err:  guard.NewInvariantViolation("RESULT_WITHOUT_RECEIPT", "bug"),
			want: Disposition{Kind: DispositionFail, Code: "RESULT_WITHOUT_RECEIPT"},
		},
		{
			name: "revert with reason fails with the reason",
			err:  chain.NewError(chain.ErrKindReverted, "work already exists", nil),
			want: Disposition{Kind: DispositionFail, Code: "work already exists"},
		},
		{
			name: "revert without reason stalls",
			err:  chain.NewError(chain.ErrKindReverted, "", nil),
			want: Disposition{Kind: DispositionStall, Code: StallUnknownRevert},
		},
		{
			name: "nonce conflict retries",
			err:  chain.NewError(chain.ErrKindNonceConflict, "nonce too low", nil),
			want: Disposition{Kind: DispositionRetry, Code: "NONCE_CONFLICT"},
		},
		{
			name: "chain not found stalls",
			err:  chain.NewError(chain.ErrKindNotFound, "dropped", nil),
			want: Disposition{Kind: DispositionStall, Code: gerrors.CodeTxNotFound},
		},
		{
			name: "fatal chain errors fail",
			err:  chain.NewError(chain.ErrKindFatal, "insufficient funds", nil),
			want: Disposition{Kind: DispositionFail, Code: "CHAIN_FATAL"},
		},
		{
			name: "unknown errors retry by default",
			err:  errors.New("something odd"),
			want: Disposition{Kind: DispositionRetry, Code: "TRANSIENT"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err, false))
		})
	}
}

func TestClassifyRPCOutageStallsWhenConfigured(t *testing.T) {
	err := errors.New("connection refused")
	assert.Equal(t, DispositionRetry, classify(err, false).Kind)
	assert.Equal(t, Disposition{Kind: DispositionStall, Code: StallRPCOutage}, classify(err, true))
}
