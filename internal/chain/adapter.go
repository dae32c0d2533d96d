// Package chain provides the adapter for submitting transactions and
// polling receipts. The adapter classifies failures; it never retries.
// Retry, stall, and fail decisions belong to the step runtime.
package chain

import (
	"context"
	"errors"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/signer"
)

// Call describes a contract invocation. Calldata is prepared by the caller;
// the adapter does not interpret it.
type Call struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 means estimate
}

// Status is the coarse transaction status used by reconciliation.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusReverted  Status = "REVERTED"
	StatusNotFound  Status = "NOT_FOUND"
	StatusPending   Status = "PENDING"
)

// Receipt is the chain's verdict on a transaction. Receipts are the only
// authority on transaction outcomes.
type Receipt struct {
	TxHash       guard.TxHash
	Status       Status
	BlockNumber  uint64
	RevertReason string
	Logs         []Log
}

// Log is a minimal, opaque event record from a receipt.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Adapter submits transactions and reads chain truth.
type Adapter interface {
	// Submit signs and broadcasts a transaction for the handle's address.
	Submit(ctx context.Context, h *signer.Handle, call Call) (guard.TxHash, error)
	// WaitReceipt polls until the transaction is mined, reverted, or the
	// timeout elapses. A nil error with Status NOT_FOUND means the chain
	// never saw the hash within the window.
	WaitReceipt(ctx context.Context, txHash guard.TxHash, timeout time.Duration) (*Receipt, error)
	// TransactionStatus is a single non-blocking status probe.
	TransactionStatus(ctx context.Context, txHash guard.TxHash) (Status, error)
	// NonceAt returns the confirmed nonce for addr.
	NonceAt(ctx context.Context, addr guard.SignerAddress) (uint64, error)
	// PendingNonceAt returns the pending-pool nonce for addr.
	PendingNonceAt(ctx context.Context, addr guard.SignerAddress) (uint64, error)
}

// ErrorKind classifies adapter failures for the step runtime.
type ErrorKind string

const (
	// ErrKindTransient covers timeouts, connection resets, and RPC 5xx.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindNonceConflict means another transaction took the nonce.
	ErrKindNonceConflict ErrorKind = "nonce_conflict"
	// ErrKindReverted means the chain executed and rejected the call.
	ErrKindReverted ErrorKind = "reverted"
	// ErrKindNotFound means the node does not know the hash.
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindFatal covers malformed requests that can never succeed.
	ErrKindFatal ErrorKind = "fatal"
)

// Error wraps an RPC failure with its classification.
type Error struct {
	Kind   ErrorKind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return "chain: " + string(e.Kind) + ": " + e.cause.Error()
	}
	return "chain: " + string(e.Kind) + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates a classified chain error.
func NewError(kind ErrorKind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// ClassifyError maps a raw RPC error into an ErrorKind. Unknown errors are
// treated as transient: the chain's receipt, not the RPC transport, is the
// authority on outcomes.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrKindTransient
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return ErrKindNonceConflict
	case strings.Contains(msg, "execution reverted"):
		return ErrKindReverted
	case strings.Contains(msg, "not found"):
		return ErrKindNotFound
	case strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "exceeds block gas limit"),
		strings.Contains(msg, "insufficient funds"):
		return ErrKindFatal
	}
	return ErrKindTransient
}

// RevertReason extracts the revert reason from an RPC error message, when
// the node included one. Reasons pass through as strings; the gateway never
// interprets them.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	msg := err.Error()
	const marker = "execution reverted"
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return ""
	}
	reason := strings.TrimLeft(msg[idx+len(marker):], ": ")
	return strings.Trim(reason, "\"")
}
