package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoschain/gateway/internal/conversation"
	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
)

const (
	testStudio = "0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead"
	testAgent  = "0xbeefbeefbeefbeefbeefbeefbeefbeefbeefbeef"
)

func testMessages(contents ...string) []models.Message {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]models.Message, 0, len(contents))
	for i, c := range contents {
		id, _ := guard.NewMessageID("MSG-" + c)
		msgs = append(msgs, models.Message{
			ID:        id,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Content:   []byte(c),
		})
	}
	return msgs
}

func buildPackage(t *testing.T, contents ...string) *models.EvidencePackage {
	t.Helper()
	fetcher := conversation.NewMemoryFetcher()
	convID, err := guard.NewConversationID("CONV-1")
	require.NoError(t, err)
	fetcher.Put(convID, testMessages(contents...))

	pkg, err := NewBuilder(fetcher).BuildFromConversation(context.Background(), convID, testStudio, 7, testAgent)
	require.NoError(t, err)
	return pkg
}

func TestHashDeterminismUnderPermutation(t *testing.T) {
	a := buildPackage(t, "alpha", "beta", "gamma")
	b := buildPackage(t, "gamma", "alpha", "beta")
	c := buildPackage(t, "beta", "gamma", "alpha")

	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, a.ContentHash, c.ContentHash)
	assert.Equal(t, a.ContentBytes, b.ContentBytes)
}

func TestFrameLayout(t *testing.T) {
	pkg := buildPackage(t, "alpha", "beta")

	// Messages sorted by SHA-256 of content: determine expected order.
	ha := sha256.Sum256([]byte("alpha"))
	hb := sha256.Sum256([]byte("beta"))
	first, second := "alpha", "beta"
	if string(hb[:]) < string(ha[:]) {
		first, second = "beta", "alpha"
	}

	buf := pkg.ContentBytes
	for _, want := range []string{first, second} {
		require.GreaterOrEqual(t, len(buf), 12)
		ts := binary.BigEndian.Uint64(buf[0:8])
		length := binary.BigEndian.Uint32(buf[8:12])
		assert.NotZero(t, ts)
		require.Equal(t, uint32(len(want)), length)
		assert.Equal(t, want, string(buf[12:12+length]))
		buf = buf[12+length:]
	}
	assert.Empty(t, buf)

	sum := sha256.Sum256(pkg.ContentBytes)
	assert.Equal(t, "0x"+hex.EncodeToString(sum[:]), pkg.ContentHash)
}

func TestSerializeLayout(t *testing.T) {
	pkg := buildPackage(t, "alpha")
	data, err := Serialize(pkg)
	require.NoError(t, err)

	hdrLen := binary.BigEndian.Uint32(data[0:4])
	var hdr models.EvidenceHeader
	require.NoError(t, json.Unmarshal(data[4:4+hdrLen], &hdr))
	assert.Equal(t, models.EvidenceVersion, hdr.Version)
	assert.Equal(t, testStudio, hdr.StudioAddress)
	assert.Equal(t, uint64(7), hdr.Epoch)
	assert.Equal(t, testAgent, hdr.AgentAddress)
	assert.Equal(t, "CONV-1", hdr.ConversationID)
	assert.Equal(t, 1, hdr.MessageCount)

	rest := data[4+hdrLen:]
	// contentHash is "0x" + 64 hex chars.
	assert.Equal(t, pkg.ContentHash, string(rest[:66]))
	assert.Equal(t, pkg.ContentBytes, rest[66:])
}

func TestComputeRoot(t *testing.T) {
	pkg := buildPackage(t, "alpha", "beta")

	h := sha256.New()
	h.Write([]byte(testStudio))
	h.Write([]byte("7"))
	h.Write([]byte(testAgent))
	h.Write([]byte(pkg.ContentHash))
	want := "0x" + hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, want, ComputeRoot(pkg))
	// Pure function: same inputs, same root.
	assert.Equal(t, ComputeRoot(pkg), ComputeRoot(pkg))
}

func TestBuildFromContent(t *testing.T) {
	b := NewBuilder(conversation.NewMemoryFetcher())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pkg, err := b.BuildFromContent([]byte("payload"), at, testStudio, 3, testAgent)
	require.NoError(t, err)
	assert.Equal(t, 1, pkg.Header.MessageCount)
	assert.Empty(t, pkg.Header.ConversationID)

	_, err = b.BuildFromContent(nil, at, testStudio, 3, testAgent)
	assert.Error(t, err)
}

// Rebuilding from the same content and timestamp, even much later, frames
// identical bytes: a package rebuilt after a crash commits to the same hash
// as the one already archived.
func TestBuildFromContentDeterministic(t *testing.T) {
	b := NewBuilder(conversation.NewMemoryFetcher())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := b.BuildFromContent([]byte("payload"), at, testStudio, 3, testAgent)
	require.NoError(t, err)

	b.now = func() time.Time { return at.Add(48 * time.Hour) }
	second, err := b.BuildFromContent([]byte("payload"), at, testStudio, 3, testAgent)
	require.NoError(t, err)

	assert.Equal(t, first.ContentBytes, second.ContentBytes)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, ComputeRoot(first), ComputeRoot(second))
}

func TestMemoryArchiveIdempotency(t *testing.T) {
	ctx := context.Background()
	arch := NewMemoryArchive()
	pkg := buildPackage(t, "alpha", "beta")

	id1, err := arch.Put(ctx, pkg)
	require.NoError(t, err)

	exists, err := arch.Exists(ctx, pkg.ContentHash)
	require.NoError(t, err)
	assert.True(t, exists)

	// Re-archiving yields an equivalent (not necessarily identical) id and
	// the same root.
	id2, err := arch.Put(ctx, pkg)
	require.NoError(t, err)
	assert.NotEmpty(t, id2)
	assert.Equal(t, ComputeRoot(pkg), ComputeRoot(pkg))
	_ = id1
}

func TestMemoryArchiveOutage(t *testing.T) {
	ctx := context.Background()
	arch := NewMemoryArchive()
	arch.FailNext(2)
	pkg := buildPackage(t, "alpha")

	_, err := arch.Put(ctx, pkg)
	require.Error(t, err)
	ge, ok := gerrors.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, gerrors.CodeStorageUnavailable, ge.Code)
	assert.Equal(t, gerrors.KindStorage, ge.Kind)

	_, err = arch.Put(ctx, pkg)
	require.Error(t, err)

	_, err = arch.Put(ctx, pkg)
	assert.NoError(t, err)
}
