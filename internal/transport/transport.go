package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/structaAI/scribe-ai/internal/audio"
	"github.com/structaAI/scribe-ai/internal/backoff"
	"github.com/structaAI/scribe-ai/internal/protocol"
)

// ErrReconnectExhausted is returned once the bounded reconnection window is
// spent without re-establishing the channel. The session cannot recover
// past this point.
var ErrReconnectExhausted = errors.New("reconnection window exhausted")

// ErrNotConnected is returned for sends and reads before Connect succeeds.
var ErrNotConnected = errors.New("transport channel is not connected")

// TokenFunc supplies a fresh credential for dialing. Called again on every
// reconnect attempt so an expired credential is renewed rather than replayed.
type TokenFunc func(ctx context.Context) (string, error)

// Config contains transport client configuration.
type Config struct {
	// URL is the gateway stream endpoint, e.g. ws://host:port/v1/stream.
	URL       string
	SessionID uuid.UUID
	Token     TokenFunc
	Reconnect backoff.Policy
}

// Validate checks transport configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if c.SessionID == uuid.Nil {
		return fmt.Errorf("session id cannot be nil")
	}
	if c.Token == nil {
		return fmt.Errorf("token source cannot be nil")
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("invalid reconnect policy: %w", err)
	}
	return nil
}

// Client is a persistent bidirectional channel to the ingestion gateway over
// a single websocket connection. It satisfies the sequencer's Channel
// interface: binary frames both ways, credential renewal on reconnect, and
// the gateway's resume point surfaced from every (re)connect handshake.
type Client struct {
	config Config
	logger *slog.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex
}

// NewClient creates a transport client for one session.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	return &Client{config: config, logger: logger}, nil
}

// Connect dials the gateway and performs the resume handshake. The first
// frame from the gateway is always a resume-point control frame carrying the
// highest sequence it has durably accepted.
func (c *Client) Connect(ctx context.Context) (uint64, error) {
	return c.dial(ctx)
}

// Reconnect re-dials under the bounded reconnection window, renewing the
// credential before each attempt. Returns ErrReconnectExhausted once the
// window is spent.
func (c *Client) Reconnect(ctx context.Context) (uint64, error) {
	retry := backoff.New(c.config.Reconnect)

	for {
		if err := retry.Wait(ctx); err != nil {
			if errors.Is(err, backoff.ErrExhausted) {
				return 0, fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, retry.Attempts())
			}
			return 0, err
		}

		resumeAfter, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("Reconnect attempt failed",
				slog.String("session_id", c.config.SessionID.String()),
				slog.Int("attempt", retry.Attempts()),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.logger.Info("Transport channel re-established",
			slog.String("session_id", c.config.SessionID.String()),
			slog.Int("attempt", retry.Attempts()),
			slog.Uint64("resume_after", resumeAfter),
		)
		return resumeAfter, nil
	}
}

func (c *Client) dial(ctx context.Context) (uint64, error) {
	token, err := c.config.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to obtain credential: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, c.config.URL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return 0, fmt.Errorf("failed to dial gateway: %w", err)
	}
	conn.SetReadLimit(protocol.MaxPayloadSize + protocol.ChunkHeaderSize)

	resumeAfter, err := c.readResumePoint(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "bad resume handshake")
		return 0, err
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "superseded")
	}
	c.conn = conn
	c.connMu.Unlock()

	return resumeAfter, nil
}

func (c *Client) readResumePoint(ctx context.Context, conn *websocket.Conn) (uint64, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read resume handshake: %w", err)
	}
	if typ != websocket.MessageBinary {
		return 0, fmt.Errorf("unexpected handshake message type: %v", typ)
	}

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse resume handshake: %w", err)
	}
	if frame.Type != protocol.FrameTypeControl ||
		frame.Control.ControlType != protocol.ControlResumePoint {
		return 0, fmt.Errorf("expected resume-point frame, got %v", frame.Type)
	}

	return frame.Control.Sequence, nil
}

// SendChunk delivers one sequenced chunk frame.
func (c *Client) SendChunk(ctx context.Context, chunk *audio.Chunk) error {
	data, err := protocol.EncodeChunk(&protocol.ChunkFrame{
		SessionID:   chunk.SessionID,
		Sequence:    chunk.Sequence,
		SampleRate:  uint32(chunk.SampleRate),
		Channels:    uint16(chunk.Channels),
		StartedAtMs: chunk.StartedAtMs,
		EndedAtMs:   chunk.EndedAtMs,
		Payload:     chunk.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode chunk %d: %w", chunk.Sequence, err)
	}
	return c.write(ctx, data)
}

// SendControl delivers a lifecycle control signal.
func (c *Client) SendControl(ctx context.Context, controlType uint8) error {
	data, err := protocol.EncodeControl(&protocol.ControlFrame{
		ControlType: controlType,
		SessionID:   c.config.SessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode control frame: %w", err)
	}
	return c.write(ctx, data)
}

func (c *Client) write(ctx context.Context, data []byte) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageBinary, data)
}

// Recv reads and parses the next frame from the gateway.
func (c *Client) Recv(ctx context.Context) (*protocol.Frame, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected message type: %v", typ)
	}

	return protocol.ParseFrame(data)
}

func (c *Client) current() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "client closed")
	c.conn = nil
	return err
}
