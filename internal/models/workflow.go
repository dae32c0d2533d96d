// Package models defines the persistent data model for workflows, steps,
// and evidence packages.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/chaoschain/gateway/internal/guard"
)

// WorkflowState is the workflow lifecycle state.
type WorkflowState string

const (
	WorkflowCreated   WorkflowState = "CREATED"
	WorkflowRunning   WorkflowState = "RUNNING"
	WorkflowStalled   WorkflowState = "STALLED"
	WorkflowCompleted WorkflowState = "COMPLETED"
	WorkflowFailed    WorkflowState = "FAILED"
)

// Terminal reports whether the state is a sink. Terminal workflows are
// immutable; the store rejects every further mutation.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// StepState is the per-step lifecycle state.
type StepState string

const (
	StepPending   StepState = "PENDING"
	StepRunning   StepState = "RUNNING"
	StepSucceeded StepState = "SUCCEEDED"
	StepRetrying  StepState = "RETRYING"
	StepStalled   StepState = "STALLED"
	StepFailed    StepState = "FAILED"
)

// WorkflowResult is recorded when a workflow completes.
type WorkflowResult struct {
	TxHash       guard.TxHash      `json:"txHash"`
	BlockNumber  uint64            `json:"blockNumber"`
	EvidenceRoot string            `json:"evidenceRoot,omitempty"`
	StorageTxID  guard.StorageTxID `json:"storageTxId,omitempty"`
}

// Workflow is a durable, typed sequence of steps that eventually reaches a
// terminal state.
type Workflow struct {
	ID               uuid.UUID           `json:"id"`
	Type             guard.WorkflowType  `json:"type"`
	SignerAddress    guard.SignerAddress `json:"signerAddress"`
	Input            json.RawMessage     `json:"input"`
	State            WorkflowState       `json:"state"`
	CurrentStep      string              `json:"currentStep,omitempty"`
	AttemptCount     int                 `json:"attemptCount"`
	ErrorCode        string              `json:"errorCode,omitempty"`
	StallReason      string              `json:"stallReason,omitempty"`
	Result           *WorkflowResult     `json:"result,omitempty"`
	PendingTxHash    guard.TxHash        `json:"pendingTxHash,omitempty"`
	LastReconciledAt *time.Time          `json:"lastReconciledAt,omitempty"`
	LeasedBy         string              `json:"-"`
	LeaseExpiresAt   *time.Time          `json:"-"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Step is one unit of work within a workflow. Identity is
// (WorkflowID, Name); steps form a linear per-type sequence fixed at
// compile time.
type Step struct {
	WorkflowID  uuid.UUID       `json:"workflowId"`
	Name        string          `json:"name"`
	State       StepState       `json:"state"`
	Attempt     int             `json:"attempt"`
	LastError   string          `json:"lastError,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// WorkSubmissionInput is the payload for WorkSubmission workflows.
type WorkSubmissionInput struct {
	StudioAddress  string `json:"studioAddress" validate:"required,eth_addr"`
	Epoch          uint64 `json:"epoch"`
	AgentAddress   string `json:"agentAddress" validate:"required,eth_addr"`
	ConversationID string `json:"conversationId,omitempty"`
	// Content carries a single-frame evidence payload when no conversation
	// transcript exists. Base64 on the wire.
	Content []byte `json:"content,omitempty"`
}

// ScoreSubmissionInput is the payload for ScoreSubmission workflows.
type ScoreSubmissionInput struct {
	StudioAddress string `json:"studioAddress" validate:"required,eth_addr"`
	Epoch         uint64 `json:"epoch"`
	WorkerAddress string `json:"workerAddress" validate:"required,eth_addr"`
	Score         uint64 `json:"score" validate:"lte=100"`
}

// CloseEpochInput is the payload for CloseEpoch workflows.
type CloseEpochInput struct {
	StudioAddress string `json:"studioAddress" validate:"required,eth_addr"`
	Epoch         uint64 `json:"epoch"`
}
