package chain

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nonce too low", errors.New("nonce too low"), ErrKindNonceConflict},
		{"already known", errors.New("already known"), ErrKindNonceConflict},
		{"underpriced replacement", errors.New("replacement transaction underpriced"), ErrKindNonceConflict},
		{"revert", errors.New("execution reverted: work already exists"), ErrKindReverted},
		{"not found", errors.New("not found"), ErrKindNotFound},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), ErrKindFatal},
		{"invalid sender", errors.New("invalid sender"), ErrKindFatal},
		{"rpc 503", errors.New("503 Service Unavailable"), ErrKindTransient},
		{"deadline", context.DeadlineExceeded, ErrKindTransient},
		{"unknown", errors.New("something odd"), ErrKindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestClassifyErrorHonorsWrappedKind(t *testing.T) {
	inner := NewError(ErrKindReverted, "work already exists", errors.New("execution reverted"))
	assert.Equal(t, ErrKindReverted, ClassifyError(inner))
}

func TestRevertReason(t *testing.T) {
	assert.Equal(t, "work already exists",
		RevertReason(errors.New(`execution reverted: "work already exists"`)))
	assert.Equal(t, "epoch closed",
		RevertReason(errors.New("execution reverted: epoch closed")))
	assert.Equal(t, "", RevertReason(errors.New("connection refused")))
	assert.Equal(t, "custom reason",
		RevertReason(NewError(ErrKindReverted, "custom reason", nil)))
}

func TestCallEncoding(t *testing.T) {
	studioAddr := "0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead"
	agentAddr := "0xbeefbeefbeefbeefbeefbeefbeefbeefbeefbeef"
	root := "0x5555555555555555555555555555555555555555555555555555555555555555"

	work, err := SubmitWorkCall(studioAddr, agentAddr, 7, root)
	require.NoError(t, err)
	assert.Equal(t, studioAddr, strings.ToLower(work.To.Hex()))
	// selector + 3 words
	assert.Len(t, work.Data, 4+3*32)

	score, err := SubmitScoreCall(studioAddr, agentAddr, 7, 42)
	require.NoError(t, err)
	assert.Len(t, score.Data, 4+3*32)

	closeCall, err := CloseEpochCall(studioAddr, 7)
	require.NoError(t, err)
	assert.Len(t, closeCall.Data, 4+1*32)

	// Different methods get different selectors.
	assert.NotEqual(t, work.Data[:4], score.Data[:4])
	assert.NotEqual(t, work.Data[:4], closeCall.Data[:4])
}
