package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/signer"
)

// FakeAdapter is a scriptable in-memory Adapter for tests and local
// development. Submissions confirm immediately unless a failure or revert
// is queued.
type FakeAdapter struct {
	mu       sync.Mutex
	seq      int
	receipts map[guard.TxHash]*Receipt
	nonces   map[guard.SignerAddress]uint64

	submitErrs  []error
	revertNext  string
	blockNum    uint64
	pendingGaps map[guard.SignerAddress]uint64

	submits []Call
}

// NewFakeAdapter creates an empty fake chain.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		receipts:    make(map[guard.TxHash]*Receipt),
		nonces:      make(map[guard.SignerAddress]uint64),
		pendingGaps: make(map[guard.SignerAddress]uint64),
		blockNum:    100,
	}
}

// SetPendingGap makes addr's pending nonce run n ahead of its confirmed
// nonce, as if a transaction were sitting in the pending pool.
func (f *FakeAdapter) SetPendingGap(addr guard.SignerAddress, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingGaps[addr] = n
}

// FailSubmit queues errors returned by the next Submit calls, in order.
func (f *FakeAdapter) FailSubmit(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// RevertNext makes the next submission mine as REVERTED with the given
// reason.
func (f *FakeAdapter) RevertNext(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertNext = reason
}

// SetStatus overrides the stored receipt status for a hash.
func (f *FakeAdapter) SetStatus(hash guard.TxHash, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		r.Status = status
		return
	}
	f.receipts[hash] = &Receipt{TxHash: hash, Status: status}
}

// Confirm marks a hash as mined successfully, minting a receipt if none
// exists.
func (f *FakeAdapter) Confirm(hash guard.TxHash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockNum++
	f.receipts[hash] = &Receipt{TxHash: hash, Status: StatusConfirmed, BlockNumber: f.blockNum}
}

// SubmitCount reports how many submissions reached the chain.
func (f *FakeAdapter) SubmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

// LastSubmit returns the most recent submitted call.
func (f *FakeAdapter) LastSubmit() (Call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submits) == 0 {
		return Call{}, false
	}
	return f.submits[len(f.submits)-1], true
}

func (f *FakeAdapter) Submit(_ context.Context, h *signer.Handle, call Call) (guard.TxHash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}

	f.seq++
	f.submits = append(f.submits, call)
	f.nonces[h.Address()]++

	sum := sha256.Sum256(fmt.Appendf(nil, "%s-%d", h.Address(), f.seq))
	hash := guard.TxHash("0x" + hex.EncodeToString(sum[:]))

	f.blockNum++
	receipt := &Receipt{TxHash: hash, Status: StatusConfirmed, BlockNumber: f.blockNum}
	if f.revertNext != "" {
		receipt.Status = StatusReverted
		receipt.RevertReason = f.revertNext
		f.revertNext = ""
	}
	f.receipts[hash] = receipt
	return hash, nil
}

func (f *FakeAdapter) WaitReceipt(_ context.Context, txHash guard.TxHash, _ time.Duration) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[txHash]; ok && r.Status != StatusPending && r.Status != StatusNotFound {
		cp := *r
		return &cp, nil
	}
	return &Receipt{TxHash: txHash, Status: StatusNotFound}, nil
}

func (f *FakeAdapter) TransactionStatus(_ context.Context, txHash guard.TxHash) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[txHash]; ok {
		return r.Status, nil
	}
	return StatusNotFound, nil
}

func (f *FakeAdapter) NonceAt(_ context.Context, addr guard.SignerAddress) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[addr], nil
}

func (f *FakeAdapter) PendingNonceAt(_ context.Context, addr guard.SignerAddress) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[addr] + f.pendingGaps[addr], nil
}
