package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/structaAI/scribe-ai/internal/store"
)

// ClientConfig contains summarization service configuration.
type ClientConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Validate checks client configuration.
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// HTTPClient calls a JSON summarization endpoint with the ordered
// transcript and expects a structured summary back.
type HTTPClient struct {
	config ClientConfig
	http   *http.Client
}

// NewHTTPClient creates a summarization client.
func NewHTTPClient(config ClientConfig) (*HTTPClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid summarization config: %w", err)
	}
	return &HTTPClient{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}, nil
}

type summarizeRequest struct {
	Model      string            `json:"model,omitempty"`
	Transcript []transcriptEntry `json:"transcript"`
}

type transcriptEntry struct {
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text"`
}

// Summarize posts the transcript and decodes the structured summary.
func (c *HTTPClient) Summarize(ctx context.Context, segments []*store.SegmentRecord) (*Result, error) {
	entries := make([]transcriptEntry, 0, len(segments))
	for _, seg := range segments {
		entries = append(entries, transcriptEntry{
			Speaker: seg.SpeakerTag,
			Text:    seg.Text,
		})
	}

	body, err := json.Marshal(summarizeRequest{
		Model:      c.config.Model,
		Transcript: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("summarization request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("summarization service returned %d: %s", resp.StatusCode, payload)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	if result.Overview == "" {
		return nil, fmt.Errorf("summarization service returned empty overview")
	}

	return &result, nil
}
