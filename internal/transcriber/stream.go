package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"github.com/structaAI/scribe-ai/internal/store"
)

// ClientConfig contains streaming transcription service configuration.
type ClientConfig struct {
	URL      string
	APIKey   string
	Model    string
	Language string
}

// Validate checks client configuration.
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key cannot be empty")
	}
	return nil
}

// Client streams chunk audio to a deepgram-style websocket transcription
// endpoint: raw linear16 PCM in, JSON result events out. One connection per
// chunk keeps retries isolated and the worker serial.
type Client struct {
	config ClientConfig
}

// NewClient creates a streaming transcription client.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transcription config: %w", err)
	}
	if config.Model == "" {
		config.Model = "nova-3"
	}
	return &Client{config: config}, nil
}

type streamResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Speaker int `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Transcribe streams one chunk and returns its final event. Partial results
// arriving before the final are forwarded through emit.
func (c *Client) Transcribe(ctx context.Context, chunk *store.ChunkRecord, emit EmitFunc) (*Event, error) {
	endpoint, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	q := endpoint.Query()
	q.Set("model", c.config.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", chunk.SampleRate))
	q.Set("channels", fmt.Sprintf("%d", chunk.Channels))
	q.Set("diarize", "true")
	if c.config.Language != "" {
		q.Set("language", c.config.Language)
	}
	endpoint.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.config.APIKey)

	conn, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("failed to dial transcription service: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageBinary, chunk.Payload); err != nil {
		return nil, fmt.Errorf("failed to send audio: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		return nil, fmt.Errorf("failed to finalize stream: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read result: %w", err)
		}

		var resp streamResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}

		alt := resp.Channel.Alternatives[0]
		event := Event{
			Text:       strings.TrimSpace(alt.Transcript),
			SpeakerTag: speakerTag(alt.Words),
			Confidence: alt.Confidence,
			Final:      resp.IsFinal || resp.SpeechFinal,
		}

		if event.Final {
			return &event, nil
		}
		if event.Text != "" {
			emit(event)
		}
	}
}

// speakerTag maps the first word's diarization label to a stable tag. When
// the service returns no diarization, the session reads as a single unnamed
// speaker.
func speakerTag(words []struct {
	Speaker int `json:"speaker"`
}) string {
	if len(words) == 0 {
		return ""
	}
	return fmt.Sprintf("speaker_%d", words[0].Speaker)
}
