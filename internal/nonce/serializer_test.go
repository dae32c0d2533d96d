package nonce

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoschain/gateway/internal/guard"
)

func testAddr(t *testing.T) guard.SignerAddress {
	t.Helper()
	addr, err := guard.NewSignerAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01")
	require.NoError(t, err)
	return addr
}

func TestAcquireRelease(t *testing.T) {
	s := NewSerializer()
	addr := testAddr(t)
	wfA, wfB := uuid.New(), uuid.New()

	require.NoError(t, s.Acquire(addr, wfA))
	assert.True(t, s.Held(addr))

	err := s.Acquire(addr, wfB)
	require.ErrorIs(t, err, ErrSignerBusy)

	// Release by a non-holder does not free the slot.
	s.Release(addr, wfB)
	assert.True(t, s.Held(addr))

	s.Release(addr, wfA)
	assert.False(t, s.Held(addr))
	require.NoError(t, s.Acquire(addr, wfB))
}

func TestReentrantAcquireIsInvariantViolation(t *testing.T) {
	s := NewSerializer()
	addr := testAddr(t)
	wf := uuid.New()

	require.NoError(t, s.Acquire(addr, wf))
	err := s.Acquire(addr, wf)
	require.Error(t, err)
	var iv *guard.InvariantViolation
	assert.True(t, errors.As(err, &iv))
	assert.NotErrorIs(t, err, ErrSignerBusy)
}

func TestPendingSlot(t *testing.T) {
	s := NewSerializer()
	addr := testAddr(t)
	wf := uuid.New()
	hash, err := guard.NewTxHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	require.NoError(t, err)

	_, ok := s.Pending(addr)
	assert.False(t, ok)

	require.NoError(t, s.Acquire(addr, wf))
	s.SetPending(addr, wf, hash)

	p, ok := s.Pending(addr)
	require.True(t, ok)
	assert.Equal(t, wf, p.WorkflowID)
	assert.Equal(t, hash, p.TxHash)
	assert.False(t, p.SubmittedAt.IsZero())

	s.ClearPending(addr, wf)
	_, ok = s.Pending(addr)
	assert.False(t, ok)

	s.Release(addr, wf)
	assert.False(t, s.Held(addr))
}

// An unresolved transaction keeps the signer occupied across a release; the
// slot only frees once the transaction's fate is settled.
func TestPendingSurvivesRelease(t *testing.T) {
	s := NewSerializer()
	addr := testAddr(t)
	wfA, wfB := uuid.New(), uuid.New()
	hash, err := guard.NewTxHash("0x2222222222222222222222222222222222222222222222222222222222222222")
	require.NoError(t, err)

	require.NoError(t, s.Acquire(addr, wfA))
	s.SetPending(addr, wfA, hash)
	s.Release(addr, wfA)

	p, ok := s.Pending(addr)
	require.True(t, ok)
	assert.Equal(t, hash, p.TxHash)

	// Other workflows stay locked out while the transaction is unresolved.
	require.ErrorIs(t, s.Acquire(addr, wfB), ErrSignerBusy)

	// The owner reattaches to its own in-flight transaction on resume.
	require.NoError(t, s.Acquire(addr, wfA))
	s.ClearPending(addr, wfA)
	s.Release(addr, wfA)

	require.NoError(t, s.Acquire(addr, wfB))
}

// At no moment can two workflows hold the same signer, regardless of
// interleaving.
func TestSingleHolderUnderContention(t *testing.T) {
	s := NewSerializer()
	addr := testAddr(t)

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	holders := 0
	maxHolders := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wf := uuid.New()
			for {
				if err := s.Acquire(addr, wf); err != nil {
					continue
				}
				mu.Lock()
				holders++
				if holders > maxHolders {
					maxHolders = holders
				}
				holders--
				mu.Unlock()
				s.Release(addr, wf)
				return
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxHolders)
	assert.False(t, s.Held(addr))
}
