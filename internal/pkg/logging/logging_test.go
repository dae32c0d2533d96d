package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoschain/gateway/internal/guard"
)

func TestErrGroupShape(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")

	cause := guard.NewInvariantViolation("RECONCILIATION_STALE", "too old")
	logger.Error("step failed", Err(cause))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	group, ok := rec["error"].(map[string]any)
	require.True(t, ok, "error is a group")
	assert.Equal(t, "*guard.InvariantViolation", group["name"])
	assert.Contains(t, group["message"], "RECONCILIATION_STALE")
	assert.Contains(t, group["stack"], "logging.TestErrGroupShape")
}

func TestErrNilIsEmpty(t *testing.T) {
	attr := Err(nil)
	assert.True(t, attr.Equal(Err(nil)))

	var buf bytes.Buffer
	logger := New(&buf, "info")
	logger.Info("fine", Err(nil))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	_, ok := rec["error"]
	assert.False(t, ok)
}

func TestLevelParsing(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown", Err(errors.New("boom")))
	assert.NotZero(t, buf.Len())
}
