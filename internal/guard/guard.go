// Package guard provides the branded identifier types and invariant
// assertions the rest of the gateway is built on. Identifiers are opaque:
// the validating constructor is the only way to make one, and nothing in
// the engine ever parses their contents.
package guard

import (
	"fmt"
	"strings"
	"time"
)

// InvariantViolation is returned when an internal invariant is broken.
// These are bugs, not operational conditions; the engine surfaces them as
// FAILED workflows and logs them at error level.
type InvariantViolation struct {
	Invariant string
	Details   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation [%s]: %s", e.Invariant, e.Details)
}

// NewInvariantViolation creates an InvariantViolation error.
func NewInvariantViolation(invariant, format string, args ...any) *InvariantViolation {
	return &InvariantViolation{
		Invariant: invariant,
		Details:   fmt.Sprintf(format, args...),
	}
}

// SignerAddress is a lowercased 0x-prefixed 20-byte hex address.
type SignerAddress string

// TxHash is a 0x-prefixed 32-byte hex transaction hash.
type TxHash string

// StorageTxID identifies an archived evidence package in content-addressed
// storage. Opaque; never parsed.
type StorageTxID string

// ConversationID identifies an agent conversation. Opaque; never parsed.
type ConversationID string

// MessageID identifies a single message within a conversation. Opaque.
type MessageID string

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// NewSignerAddress validates and lowercases a 0x-prefixed hex address.
func NewSignerAddress(s string) (SignerAddress, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") || len(s) != 42 || !isHex(s[2:]) {
		return "", NewInvariantViolation("SIGNER_ADDRESS_FORMAT", "not a 20-byte hex address: %q", s)
	}
	return SignerAddress(s), nil
}

// NewTxHash validates a 0x-prefixed 32-byte hex hash.
func NewTxHash(s string) (TxHash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") || len(s) != 66 || !isHex(s[2:]) {
		return "", NewInvariantViolation("TX_HASH_FORMAT", "not a 32-byte hex hash: %q", s)
	}
	return TxHash(s), nil
}

// NewStorageTxID wraps a non-empty storage transaction identifier.
func NewStorageTxID(s string) (StorageTxID, error) {
	if strings.TrimSpace(s) == "" {
		return "", NewInvariantViolation("STORAGE_TX_ID_EMPTY", "storage tx id must be non-empty")
	}
	return StorageTxID(s), nil
}

// NewConversationID wraps a non-empty conversation identifier.
func NewConversationID(s string) (ConversationID, error) {
	if strings.TrimSpace(s) == "" {
		return "", NewInvariantViolation("CONVERSATION_ID_EMPTY", "conversation id must be non-empty")
	}
	return ConversationID(s), nil
}

// NewMessageID wraps a non-empty message identifier.
func NewMessageID(s string) (MessageID, error) {
	if strings.TrimSpace(s) == "" {
		return "", NewInvariantViolation("MESSAGE_ID_EMPTY", "message id must be non-empty")
	}
	return MessageID(s), nil
}

// WorkflowType is one of the three frozen workflow types. The set is closed
// at compile time; adding a type is a code change, not a runtime operation.
type WorkflowType string

const (
	TypeWorkSubmission  WorkflowType = "WorkSubmission"
	TypeScoreSubmission WorkflowType = "ScoreSubmission"
	TypeCloseEpoch      WorkflowType = "CloseEpoch"
)

// FrozenWorkflowTypes lists every admissible workflow type.
var FrozenWorkflowTypes = []WorkflowType{TypeWorkSubmission, TypeScoreSubmission, TypeCloseEpoch}

// AssertFrozenWorkflowType fails if t is outside the frozen set.
func AssertFrozenWorkflowType(t WorkflowType) error {
	switch t {
	case TypeWorkSubmission, TypeScoreSubmission, TypeCloseEpoch:
		return nil
	}
	return NewInvariantViolation("FROZEN_TYPE_VIOLATION", "unknown workflow type %q", t)
}

// AssertReconciliationPerformed fails unless a reconciliation happened at
// most staleness ago. Called before every irreversible on-chain action.
func AssertReconciliationPerformed(ts *time.Time, action string, staleness time.Duration) error {
	if ts == nil || ts.IsZero() {
		return NewInvariantViolation("RECONCILIATION_MISSING",
			"action %q attempted without prior reconciliation", action)
	}
	if age := time.Since(*ts); age > staleness {
		return NewInvariantViolation("RECONCILIATION_STALE",
			"action %q attempted with reconciliation %s old (limit %s)", action, age.Round(time.Millisecond), staleness)
	}
	return nil
}

// Documentation markers. They compile to nothing; their call sites mark the
// places where a scope decision was made on purpose.

// OrchestrationOnly marks code that must never grow business logic.
func OrchestrationOnly() {}

// EvidenceOnly marks code that must never inspect evidence content.
func EvidenceOnly() {}

// AssertNoFastPath marks a site where a speculative shortcut was rejected.
func AssertNoFastPath() {}

// AssertNoBatching marks a site where transaction batching was rejected.
func AssertNoBatching() {}

// AssertNoOffchainInference marks a site where chain state must come from
// reconciliation, not local bookkeeping.
func AssertNoOffchainInference() {}
