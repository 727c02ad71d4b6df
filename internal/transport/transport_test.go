package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/structaAI/scribe-ai/internal/audio"
	"github.com/structaAI/scribe-ai/internal/backoff"
	"github.com/structaAI/scribe-ai/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 3, Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
}

// testGateway is a minimal in-process gateway endpoint: it performs the
// resume handshake and acknowledges every chunk frame it receives.
type testGateway struct {
	server      *httptest.Server
	resumeAfter atomic.Uint64
	accepts     atomic.Int64
	rejectDials atomic.Int64

	mu     sync.Mutex
	tokens []string
	chunks []*protocol.ChunkFrame
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	g := &testGateway{}
	g.resumeAfter.Store(protocol.NoResumePoint)

	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.rejectDials.Load() > 0 {
			g.rejectDials.Add(-1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		g.mu.Lock()
		g.tokens = append(g.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		g.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		g.accepts.Add(1)

		ctx := r.Context()

		handshake, err := protocol.EncodeControl(&protocol.ControlFrame{
			ControlType: protocol.ControlResumePoint,
			Sequence:    g.resumeAfter.Load(),
		})
		if err != nil {
			t.Errorf("Failed to encode handshake: %v", err)
			return
		}
		if err := conn.Write(ctx, websocket.MessageBinary, handshake); err != nil {
			return
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			frame, err := protocol.ParseFrame(data)
			if err != nil {
				t.Errorf("Gateway received unparseable frame: %v", err)
				return
			}
			if frame.Type != protocol.FrameTypeChunk {
				continue
			}

			g.mu.Lock()
			g.chunks = append(g.chunks, frame.Chunk)
			g.mu.Unlock()
			g.resumeAfter.Store(frame.Chunk.Sequence)

			ack, err := protocol.EncodeControl(&protocol.ControlFrame{
				ControlType: protocol.ControlChunkAccepted,
				SessionID:   frame.Chunk.SessionID,
				Sequence:    frame.Chunk.Sequence,
			})
			if err != nil {
				t.Errorf("Failed to encode ack: %v", err)
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, ack); err != nil {
				return
			}
		}
	}))
	t.Cleanup(g.server.Close)

	return g
}

func (g *testGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *testGateway) seenTokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.tokens...)
}

func (g *testGateway) receivedChunks() []*protocol.ChunkFrame {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*protocol.ChunkFrame(nil), g.chunks...)
}

func staticToken(token string) TokenFunc {
	return func(ctx context.Context) (string, error) { return token, nil }
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"empty url", Config{SessionID: uuid.New(), Token: staticToken("t"), Reconnect: testPolicy()}},
		{"nil session id", Config{URL: "ws://x", Token: staticToken("t"), Reconnect: testPolicy()}},
		{"nil token source", Config{URL: "ws://x", SessionID: uuid.New(), Reconnect: testPolicy()}},
		{"bad reconnect policy", Config{URL: "ws://x", SessionID: uuid.New(), Token: staticToken("t")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.config, testLogger()); err == nil {
				t.Error("Expected config validation error, got nil")
			}
		})
	}
}

func TestConnectPerformsResumeHandshake(t *testing.T) {
	gateway := newTestGateway(t)

	client, err := NewClient(Config{
		URL:       gateway.url(),
		SessionID: uuid.New(),
		Token:     staticToken("tok-1"),
		Reconnect: testPolicy(),
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	resumeAfter, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if resumeAfter != protocol.NoResumePoint {
		t.Errorf("Expected fresh session resume point, got %d", resumeAfter)
	}

	tokens := gateway.seenTokens()
	if len(tokens) != 1 || tokens[0] != "tok-1" {
		t.Errorf("Expected credential tok-1 on dial, got %v", tokens)
	}
}

func TestChunkRoundTripWithAck(t *testing.T) {
	gateway := newTestGateway(t)
	sessionID := uuid.New()

	client, err := NewClient(Config{
		URL:       gateway.url(),
		SessionID: sessionID,
		Token:     staticToken("tok-1"),
		Reconnect: testPolicy(),
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	chunk := &audio.Chunk{
		SessionID:   sessionID,
		Sequence:    7,
		Payload:     []byte{0x01, 0x02, 0x03, 0x04},
		SampleRate:  16000,
		Channels:    1,
		StartedAtMs: 7000,
		EndedAtMs:   8000,
	}
	if err := client.SendChunk(ctx, chunk); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}

	frame, err := client.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if frame.Type != protocol.FrameTypeControl ||
		frame.Control.ControlType != protocol.ControlChunkAccepted {
		t.Fatalf("Expected chunk ack, got %+v", frame)
	}
	if frame.Control.Sequence != 7 {
		t.Errorf("Expected ack of sequence 7, got %d", frame.Control.Sequence)
	}

	received := gateway.receivedChunks()
	if len(received) != 1 || received[0].Sequence != 7 {
		t.Fatalf("Expected gateway to receive chunk 7, got %v", received)
	}
	if received[0].StartedAtMs != 7000 || received[0].EndedAtMs != 8000 {
		t.Errorf("Expected capture range preserved, got [%d,%d)",
			received[0].StartedAtMs, received[0].EndedAtMs)
	}
}

func TestReconnectRenewsCredentialAndResumes(t *testing.T) {
	gateway := newTestGateway(t)
	sessionID := uuid.New()

	var tokenCalls atomic.Int64
	client, err := NewClient(Config{
		URL:       gateway.url(),
		SessionID: sessionID,
		Token: func(ctx context.Context) (string, error) {
			n := tokenCalls.Add(1)
			if n == 1 {
				return "tok-1", nil
			}
			return "tok-renewed", nil
		},
		Reconnect: testPolicy(),
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.SendChunk(ctx, &audio.Chunk{
		SessionID: sessionID, Sequence: 0, Payload: []byte{0x01},
		SampleRate: 16000, Channels: 1, StartedAtMs: 0, EndedAtMs: 1000,
	}); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if _, err := client.Recv(ctx); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}

	// First reconnect attempt is refused, forcing a second backoff round.
	gateway.rejectDials.Store(1)

	resumeAfter, err := client.Reconnect(ctx)
	if err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if resumeAfter != 0 {
		t.Errorf("Expected resume after sequence 0, got %d", resumeAfter)
	}

	tokens := gateway.seenTokens()
	if tokens[len(tokens)-1] != "tok-renewed" {
		t.Errorf("Expected renewed credential on reconnect, got %v", tokens)
	}
}

func TestReconnectExhaustsBoundedWindow(t *testing.T) {
	gateway := newTestGateway(t)
	gateway.rejectDials.Store(100)

	client, err := NewClient(Config{
		URL:       gateway.url(),
		SessionID: uuid.New(),
		Token:     staticToken("tok-1"),
		Reconnect: backoff.Policy{MaxAttempts: 2, Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Reconnect(ctx); !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("Expected ErrReconnectExhausted, got %v", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	client, err := NewClient(Config{
		URL:       "ws://localhost:1",
		SessionID: uuid.New(),
		Token:     staticToken("tok-1"),
		Reconnect: testPolicy(),
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := client.SendControl(context.Background(), protocol.ControlPause); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if _, err := client.Recv(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}
