package models

import (
	"time"

	"github.com/chaoschain/gateway/internal/guard"
)

// EvidenceVersion is the header version stamped into every package.
const EvidenceVersion = "1.0.0"

// EvidenceHeader describes an evidence package. Serialized as JSON inside
// the package binary layout.
type EvidenceHeader struct {
	Version        string    `json:"version"`
	StudioAddress  string    `json:"studioAddress"`
	Epoch          uint64    `json:"epoch"`
	AgentAddress   string    `json:"agentAddress"`
	ConversationID string    `json:"conversationId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	MessageCount   int       `json:"messageCount"`
}

// EvidencePackage is an archival bundle of opaque communication content
// with integrity metadata. Built in memory, archived once, never mutated.
// The gateway never inspects ContentBytes.
type EvidencePackage struct {
	Header EvidenceHeader
	// ContentHash is "0x" + hex SHA-256 over ContentBytes.
	ContentHash string
	// ContentBytes is the opaque concatenation of
	// [timestamp:u64 BE][len:u32 BE][content] frames.
	ContentBytes []byte
}

// Message is one opaque conversation message. Content is never parsed.
type Message struct {
	ID        guard.MessageID
	Timestamp time.Time
	Content   []byte
}
