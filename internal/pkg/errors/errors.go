// Package errors provides the gateway error taxonomy. Errors are classified
// by kind, not by concrete type: the kind decides whether a step retries,
// stalls the workflow, or fails it.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind groups errors by how the engine must react to them.
type Kind string

const (
	// KindAdmission errors reject a workflow before it is created.
	KindAdmission Kind = "admission"
	// KindInvariant errors are internal bugs surfaced as FAILED workflows.
	KindInvariant Kind = "invariant"
	// KindTransient errors are retried locally within a step.
	KindTransient Kind = "transient"
	// KindStorage errors stall the workflow; truth is unknown until
	// reconciliation decides.
	KindStorage Kind = "storage"
	// KindChain errors come from receipts: reverts, not-found windows.
	KindChain Kind = "chain"
	// KindDomain errors are on-chain precondition failures; terminal.
	KindDomain Kind = "domain"
)

// Stable error codes.
const (
	CodeFrozenTypeViolation   = "FROZEN_TYPE_VIOLATION"
	CodeSignerNotFound        = "SIGNER_NOT_FOUND"
	CodeQuotaExceeded         = "QUOTA_EXCEEDED"
	CodeReconciliationMissing = "RECONCILIATION_MISSING"
	CodeReconciliationStale   = "RECONCILIATION_STALE"
	CodeSignerSerialization   = "SIGNER_SERIALIZATION"
	CodeStorageUnavailable    = "STORAGE_UNAVAILABLE"
	CodeTxNotFound            = "TX_NOT_FOUND"
	CodeWorkflowNotFound      = "WORKFLOW_NOT_FOUND"
	CodeRateLimited           = "RATE_LIMITED"
)

// GatewayError is the user-visible error surface of the gateway.
type GatewayError struct {
	Kind       Kind      `json:"kind"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	WorkflowID uuid.UUID `json:"workflowId,omitempty"`
	StepName   string    `json:"stepName,omitempty"`
	Retryable  bool      `json:"retryable"`
	cause      error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *GatewayError) Unwrap() error { return e.cause }

// WithWorkflow returns a copy annotated with workflow context.
func (e *GatewayError) WithWorkflow(id uuid.UUID, step string) *GatewayError {
	dup := *e
	dup.WorkflowID = id
	dup.StepName = step
	return &dup
}

// WithCause returns a copy wrapping the underlying error.
func (e *GatewayError) WithCause(cause error) *GatewayError {
	dup := *e
	dup.cause = cause
	return &dup
}

// HTTPStatus maps the error to an HTTP status for the API surface.
func (e *GatewayError) HTTPStatus() int {
	switch e.Code {
	case CodeWorkflowNotFound:
		return http.StatusNotFound
	case CodeQuotaExceeded, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeFrozenTypeViolation, CodeSignerNotFound:
		return http.StatusUnprocessableEntity
	}
	switch e.Kind {
	case KindAdmission:
		return http.StatusBadRequest
	case KindTransient, KindStorage:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// New creates a GatewayError.
func New(kind Kind, code, format string, args ...any) *GatewayError {
	return &GatewayError{
		Kind:      kind,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind == KindTransient,
	}
}

// Admission errors. Workflows are never created when these fire.
var (
	ErrFrozenTypeViolation = &GatewayError{Kind: KindAdmission, Code: CodeFrozenTypeViolation,
		Message: "workflow type is outside the frozen set"}
	ErrSignerNotFound = &GatewayError{Kind: KindAdmission, Code: CodeSignerNotFound,
		Message: "signer address is not registered"}
	ErrQuotaExceeded = &GatewayError{Kind: KindAdmission, Code: CodeQuotaExceeded,
		Message: "workflow concurrency quota exceeded"}
)

// ErrRateLimited is returned when a client exceeds the request budget.
var ErrRateLimited = &GatewayError{Kind: KindAdmission, Code: CodeRateLimited,
	Message: "rate limit exceeded", Retryable: true}

// ErrWorkflowNotFound is returned by queries for unknown workflow ids.
var ErrWorkflowNotFound = &GatewayError{Kind: KindDomain, Code: CodeWorkflowNotFound,
	Message: "workflow not found"}

// Transient wraps err as a retryable I/O failure.
func Transient(code string, err error) *GatewayError {
	return &GatewayError{Kind: KindTransient, Code: code, Message: "transient failure",
		Retryable: true, cause: err}
}

// Storage wraps err as an operational storage failure. Storage errors stall,
// never fail: the upload may have landed.
func Storage(err error) *GatewayError {
	return &GatewayError{Kind: KindStorage, Code: CodeStorageUnavailable,
		Message: "evidence storage unavailable", cause: err}
}

// Domain creates a terminal domain rejection carrying a revert reason.
func Domain(reason string) *GatewayError {
	return &GatewayError{Kind: KindDomain, Code: reason, Message: "rejected on-chain: " + reason}
}

// AsGatewayError converts err to a *GatewayError when possible.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
