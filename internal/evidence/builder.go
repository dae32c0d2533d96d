// Package evidence builds, serializes, and archives evidence packages.
// Content stays opaque end to end: the builder frames bytes, hashes them,
// and commits to them on-chain via a short root, without ever looking
// inside.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/chaoschain/gateway/internal/conversation"
	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
)

// Builder assembles evidence packages from conversation transcripts or raw
// content.
type Builder struct {
	fetcher conversation.Fetcher
	now     func() time.Time
}

// NewBuilder creates a Builder over a transcript fetcher.
func NewBuilder(fetcher conversation.Fetcher) *Builder {
	return &Builder{fetcher: fetcher, now: time.Now}
}

// BuildFromConversation fetches the transcript and assembles a package.
// Messages are ordered by the lexicographic order of the SHA-256 of their
// content before framing, so any permutation of the same transcript hashes
// identically.
func (b *Builder) BuildFromConversation(ctx context.Context, convID guard.ConversationID, studio string, epoch uint64, agent string) (*models.EvidencePackage, error) {
	guard.EvidenceOnly()

	msgs, err := b.fetcher.Fetch(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation %s: %w", convID, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("conversation %s has no messages", convID)
	}

	sorted := make([]models.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool {
		hi := sha256.Sum256(sorted[i].Content)
		hj := sha256.Sum256(sorted[j].Content)
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	var content bytes.Buffer
	for _, m := range sorted {
		writeFrame(&content, uint64(m.Timestamp.UnixMilli()), m.Content)
	}

	return b.finish(content.Bytes(), studio, epoch, agent, string(convID), len(sorted)), nil
}

// BuildFromContent assembles a single-frame package from raw bytes. The
// frame timestamp comes from the caller, not the clock: rebuilding the
// package after a crash must frame identical bytes and land on the same
// content hash.
func (b *Builder) BuildFromContent(content []byte, at time.Time, studio string, epoch uint64, agent string) (*models.EvidencePackage, error) {
	guard.EvidenceOnly()

	if len(content) == 0 {
		return nil, fmt.Errorf("evidence content must be non-empty")
	}
	var framed bytes.Buffer
	writeFrame(&framed, uint64(at.UnixMilli()), content)
	return b.finish(framed.Bytes(), studio, epoch, agent, "", 1), nil
}

func (b *Builder) finish(contentBytes []byte, studio string, epoch uint64, agent, convID string, msgCount int) *models.EvidencePackage {
	sum := sha256.Sum256(contentBytes)
	return &models.EvidencePackage{
		Header: models.EvidenceHeader{
			Version:        models.EvidenceVersion,
			StudioAddress:  studio,
			Epoch:          epoch,
			AgentAddress:   agent,
			ConversationID: convID,
			Timestamp:      b.now().UTC(),
			MessageCount:   msgCount,
		},
		ContentHash:  "0x" + hex.EncodeToString(sum[:]),
		ContentBytes: contentBytes,
	}
}

// writeFrame appends one [timestamp:u64 BE][len:u32 BE][content] frame.
func writeFrame(buf *bytes.Buffer, tsMillis uint64, content []byte) {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], tsMillis)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(content)))
	buf.Write(hdr[:])
	buf.Write(content)
}

// Serialize produces the package binary layout:
// [headerLen:u32 BE][headerJSON UTF-8][contentHash UTF-8][contentBytes].
func Serialize(pkg *models.EvidencePackage) ([]byte, error) {
	headerJSON, err := json.Marshal(pkg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize evidence header: %w", err)
	}

	var out bytes.Buffer
	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(headerJSON)))
	out.Write(hdrLen[:])
	out.Write(headerJSON)
	out.WriteString(pkg.ContentHash)
	out.Write(pkg.ContentBytes)
	return out.Bytes(), nil
}

// ComputeRoot derives the on-chain evidence root:
// "0x" + hex(SHA-256(studioAddress ‖ epoch-decimal ‖ agentAddress ‖ contentHash)).
// Pure in (studio, epoch, agent, contentHash).
func ComputeRoot(pkg *models.EvidencePackage) string {
	h := sha256.New()
	h.Write([]byte(pkg.Header.StudioAddress))
	h.Write([]byte(strconv.FormatUint(pkg.Header.Epoch, 10)))
	h.Write([]byte(pkg.Header.AgentAddress))
	h.Write([]byte(pkg.ContentHash))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
