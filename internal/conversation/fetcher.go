// Package conversation fetches opaque message transcripts from the agent
// gateway. Message content is never parsed here or anywhere downstream.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
)

// Fetcher returns the message list for a conversation.
type Fetcher interface {
	Fetch(ctx context.Context, id guard.ConversationID) ([]models.Message, error)
}

// HTTPFetcher talks to the agent gateway's transcript endpoint.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher against baseURL.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type wireMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Content   []byte    `json:"content"`
}

// Fetch retrieves the transcript. Transport failures are transient; the
// step runtime retries them.
func (f *HTTPFetcher) Fetch(ctx context.Context, id guard.ConversationID) ([]models.Message, error) {
	endpoint := fmt.Sprintf("%s/v1/conversations/%s/messages", f.baseURL, url.PathEscape(string(id)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build transcript request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, gerrors.Transient("CONVERSATION_FETCH", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, gerrors.Transient("CONVERSATION_FETCH",
				fmt.Errorf("transcript endpoint returned %d", resp.StatusCode))
		}
		return nil, fmt.Errorf("conversation %s: transcript endpoint returned %d", id, resp.StatusCode)
	}

	var wire []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}

	out := make([]models.Message, 0, len(wire))
	for _, m := range wire {
		msgID, err := guard.NewMessageID(m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Message{ID: msgID, Timestamp: m.Timestamp, Content: m.Content})
	}
	return out, nil
}

// MemoryFetcher serves transcripts from memory; used in tests and the dev
// profile.
type MemoryFetcher struct {
	transcripts map[guard.ConversationID][]models.Message
}

// NewMemoryFetcher creates an empty fetcher.
func NewMemoryFetcher() *MemoryFetcher {
	return &MemoryFetcher{transcripts: make(map[guard.ConversationID][]models.Message)}
}

// Put stores a transcript.
func (f *MemoryFetcher) Put(id guard.ConversationID, msgs []models.Message) {
	f.transcripts[id] = msgs
}

// Fetch returns the stored transcript.
func (f *MemoryFetcher) Fetch(_ context.Context, id guard.ConversationID) ([]models.Message, error) {
	msgs, ok := f.transcripts[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: transcript not found", id)
	}
	return msgs, nil
}
