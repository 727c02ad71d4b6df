package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/structaAI/scribe-ai/internal/auth"
	"github.com/structaAI/scribe-ai/internal/protocol"
	"github.com/structaAI/scribe-ai/internal/session"
	"github.com/structaAI/scribe-ai/internal/store"
)

// HandleStream accepts one websocket ingest connection. The credential in
// the Authorization header names the session; the first frame sent is
// always the resume point so the client knows exactly where to pick up.
func (g *Gateway) HandleStream(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authorize(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrTokenExpired) {
			w.Header().Set("X-Scribe-Reason", protocol.ReasonAuthExpired)
		}
		http.Error(w, err.Error(), status)
		return
	}

	rt, err := g.lookup(claims.SessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	switch rt.machine.Status() {
	case session.StatusRecording, session.StatusPaused, session.StatusReconnecting:
	default:
		http.Error(w, "session does not accept audio in "+string(rt.machine.Status()),
			http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("Websocket accept failed",
			slog.String("session_id", claims.SessionID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	conn.SetReadLimit(protocol.MaxPayloadSize + protocol.ChunkHeaderSize)

	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()

	g.serveConn(r.Context(), rt, conn, claims)
}

func (g *Gateway) authorize(r *http.Request) (auth.Claims, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return auth.Claims{}, auth.ErrTokenInvalid
	}
	return g.authority.Verify(token)
}

// serveConn attaches the connection to the session runtime, performs the
// resume handshake and runs the read loop until the connection drops.
func (g *Gateway) serveConn(ctx context.Context, rt *runtime, conn *websocket.Conn, claims auth.Claims) {
	sessionID := claims.SessionID

	rt.mu.Lock()
	previous := rt.conn
	rt.conn = conn
	rt.tokenExpiresAt = claims.ExpiresAt
	rt.mu.Unlock()
	if previous != nil {
		previous.Close(websocket.StatusNormalClosure, "superseded")
	}

	if err := g.sendResumePoint(ctx, rt, sessionID); err != nil {
		g.logger.Warn("Resume handshake failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
		g.detach(rt, conn)
		conn.Close(websocket.StatusInternalError, "resume handshake failed")
		return
	}

	if rt.machine.Status() == session.StatusReconnecting {
		if err := rt.machine.Transition(session.StatusRecording); err != nil {
			g.logger.Error("Failed to resume reconnecting session",
				slog.String("session_id", sessionID.String()),
				slog.String("error", err.Error()),
			)
			g.detach(rt, conn)
			conn.Close(websocket.StatusInternalError, "cannot resume")
			return
		}
		rt.mu.Lock()
		rt.reconnectingSince = time.Time{}
		rt.mu.Unlock()
		g.metrics.RecordReconnect()
	}

	g.logger.Info("Stream connection established",
		slog.String("session_id", sessionID.String()),
		slog.String("user_id", claims.UserID),
	)

	g.readLoop(ctx, rt, conn, sessionID)

	if !g.detach(rt, conn) {
		// A newer connection took over; this one ends quietly.
		return
	}
	g.connectionLost(rt, sessionID)
}

// sendResumePoint tells the client the highest durably accepted sequence,
// or NoResumePoint when nothing has been accepted yet. It also primes the
// in-memory ingestion cursor from the durable store.
func (g *Gateway) sendResumePoint(ctx context.Context, rt *runtime, sessionID uuid.UUID) error {
	highest, any, err := g.store.HighestChunkSeq(ctx, sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if any && (!rt.hasAccepted || highest > rt.highestAccepted) {
		rt.highestAccepted = highest
		rt.hasAccepted = true
	}
	seq := protocol.NoResumePoint
	if rt.hasAccepted {
		seq = rt.highestAccepted
	}
	rt.lastRefresh = time.Now()
	rt.sinceRefresh = 0
	rt.mu.Unlock()

	rt.sendControl(ctx, &protocol.ControlFrame{
		ControlType: protocol.ControlResumePoint,
		SessionID:   sessionID,
		Sequence:    seq,
	}, g.logger)
	return nil
}

func (g *Gateway) readLoop(ctx context.Context, rt *runtime, conn *websocket.Conn, sessionID uuid.UUID) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			g.logger.Warn("Ignoring non-binary message",
				slog.String("session_id", sessionID.String()),
			)
			continue
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			g.logger.Warn("Dropping malformed frame",
				slog.String("session_id", sessionID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch frame.Type {
		case protocol.FrameTypeChunk:
			if !g.handleChunk(ctx, rt, sessionID, frame.Chunk) {
				return
			}
		case protocol.FrameTypeControl:
			g.handleControl(rt, frame.Control)
		default:
			g.logger.Warn("Ignoring unexpected frame type",
				slog.String("session_id", sessionID.String()),
				slog.Int("type", int(frame.Type)),
			)
		}
	}
}

// handleChunk validates, deduplicates and durably accepts one chunk frame.
// Returns false when the connection must be closed (expired credential or a
// chunk naming a session the credential is not scoped to).
func (g *Gateway) handleChunk(ctx context.Context, rt *runtime, sessionID uuid.UUID, chunk *protocol.ChunkFrame) bool {
	if chunk.SessionID != sessionID {
		g.logger.Warn("Rejecting chunk for a foreign session",
			slog.String("session_id", sessionID.String()),
			slog.String("chunk_session_id", chunk.SessionID.String()),
			slog.Uint64("sequence", chunk.Sequence),
		)
		g.metrics.RecordChunkRejected(protocol.ReasonSessionScope)
		g.reject(ctx, rt, chunk, protocol.ReasonSessionScope)
		rt.mu.Lock()
		conn := rt.conn
		rt.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusPolicyViolation, "credential scope violation")
		}
		return false
	}

	status := rt.machine.Status()
	if status.IsTerminal() || status == session.StatusProcessing {
		g.reject(ctx, rt, chunk, protocol.ReasonSessionTerminal)
		return true
	}

	rt.mu.Lock()
	expired := time.Now().After(rt.tokenExpiresAt)
	rt.mu.Unlock()
	if expired {
		g.reject(ctx, rt, chunk, protocol.ReasonAuthExpired)
		rt.mu.Lock()
		conn := rt.conn
		rt.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusPolicyViolation, "credential expired")
		}
		return false
	}

	if int(chunk.SampleRate) != g.config.SampleRate || int(chunk.Channels) != g.config.Channels {
		g.logger.Warn("Rejecting chunk with unexpected audio parameters",
			slog.String("session_id", chunk.SessionID.String()),
			slog.Uint64("sequence", chunk.Sequence),
			slog.Int("sample_rate", int(chunk.SampleRate)),
			slog.Int("channels", int(chunk.Channels)),
		)
		g.metrics.RecordChunkRejected(protocol.ReasonBadFormat)
		g.reject(ctx, rt, chunk, protocol.ReasonBadFormat)
		return true
	}

	rt.mu.Lock()
	var expected uint64
	if rt.hasAccepted {
		expected = rt.highestAccepted + 1
	}
	duplicate := rt.hasAccepted && chunk.Sequence <= rt.highestAccepted
	rt.mu.Unlock()

	if duplicate {
		// Already durable; re-delivery after a reconnect is expected.
		g.metrics.RecordChunkDuplicate()
		g.ack(ctx, rt, chunk)
		return true
	}

	if chunk.Sequence > expected {
		g.logger.Warn("Rejecting out-of-order chunk",
			slog.String("session_id", chunk.SessionID.String()),
			slog.Uint64("sequence", chunk.Sequence),
			slog.Uint64("expected", expected),
		)
		g.metrics.RecordChunkRejected(protocol.ReasonSequenceGap)
		g.reject(ctx, rt, chunk, protocol.ReasonSequenceGap)
		return true
	}

	inserted, err := g.queue.Append(ctx, &store.ChunkRecord{
		SessionID:   chunk.SessionID,
		Sequence:    chunk.Sequence,
		SampleRate:  int(chunk.SampleRate),
		Channels:    int(chunk.Channels),
		StartedAtMs: chunk.StartedAtMs,
		EndedAtMs:   chunk.EndedAtMs,
		Payload:     chunk.Payload,
		ReceivedAt:  time.Now(),
	})
	if err != nil {
		g.logger.Error("Failed to enqueue chunk",
			slog.String("session_id", chunk.SessionID.String()),
			slog.Uint64("sequence", chunk.Sequence),
			slog.String("error", err.Error()),
		)
		// No ack: the client re-delivers after reconnect.
		return true
	}

	rt.mu.Lock()
	rt.highestAccepted = chunk.Sequence
	rt.hasAccepted = true
	rt.sinceRefresh++
	refresh := rt.sinceRefresh >= g.config.ResumeEveryChunks ||
		time.Since(rt.lastRefresh) >= g.config.ResumeEveryInterval
	if refresh {
		rt.sinceRefresh = 0
		rt.lastRefresh = time.Now()
	}
	rt.mu.Unlock()

	if inserted {
		duration := float64(chunk.EndedAtMs-chunk.StartedAtMs) / 1000.0
		g.metrics.RecordChunkAccepted(len(chunk.Payload), duration)
	} else {
		g.metrics.RecordChunkDuplicate()
	}
	g.ack(ctx, rt, chunk)

	if refresh {
		rt.sendControl(ctx, &protocol.ControlFrame{
			ControlType: protocol.ControlResumePoint,
			SessionID:   chunk.SessionID,
			Sequence:    chunk.Sequence,
		}, g.logger)
	}
	return true
}

func (g *Gateway) handleControl(rt *runtime, control *protocol.ControlFrame) {
	var err error
	switch control.ControlType {
	case protocol.ControlPause:
		err = rt.machine.Transition(session.StatusPaused)
	case protocol.ControlResume:
		err = rt.machine.Transition(session.StatusRecording)
	case protocol.ControlStop:
		// The client keeps delivering buffered chunks after stop; the
		// transition to processing waits for the connection to close.
		rt.mu.Lock()
		rt.draining = true
		rt.mu.Unlock()
	default:
		g.logger.Warn("Ignoring unexpected control frame",
			slog.String("session_id", control.SessionID.String()),
			slog.String("control", protocol.ControlTypeString(control.ControlType)),
		)
	}
	if err != nil {
		g.logger.Warn("Control transition rejected",
			slog.String("session_id", control.SessionID.String()),
			slog.String("control", protocol.ControlTypeString(control.ControlType)),
			slog.String("error", err.Error()),
		)
	}
}

// connectionLost decides what a dropped connection means: a draining
// session moves to processing and its queue closes; a live session waits in
// reconnecting for the client to come back.
func (g *Gateway) connectionLost(rt *runtime, sessionID uuid.UUID) {
	rt.mu.Lock()
	draining := rt.draining
	rt.mu.Unlock()

	status := rt.machine.Status()
	switch {
	case draining && (status == session.StatusRecording || status == session.StatusPaused):
		if err := rt.machine.Transition(session.StatusProcessing); err != nil {
			g.logger.Error("Failed to move drained session to processing",
				slog.String("session_id", sessionID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		g.queue.Close(sessionID)

	case status == session.StatusRecording || status == session.StatusPaused:
		if err := rt.machine.Transition(session.StatusReconnecting); err != nil {
			g.logger.Error("Failed to move session to reconnecting",
				slog.String("session_id", sessionID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		rt.mu.Lock()
		rt.reconnectingSince = time.Now()
		rt.mu.Unlock()
	}
}

// detach clears the runtime's connection if it is still the given one.
// Returns false when a newer connection superseded it.
func (g *Gateway) detach(rt *runtime, conn *websocket.Conn) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.conn != conn {
		return false
	}
	rt.conn = nil
	return true
}

func (g *Gateway) ack(ctx context.Context, rt *runtime, chunk *protocol.ChunkFrame) {
	rt.sendControl(ctx, &protocol.ControlFrame{
		ControlType: protocol.ControlChunkAccepted,
		SessionID:   chunk.SessionID,
		Sequence:    chunk.Sequence,
	}, g.logger)
}

func (g *Gateway) reject(ctx context.Context, rt *runtime, chunk *protocol.ChunkFrame, reason string) {
	rt.sendControl(ctx, &protocol.ControlFrame{
		ControlType: protocol.ControlChunkRejected,
		SessionID:   chunk.SessionID,
		Sequence:    chunk.Sequence,
		Reason:      reason,
	}, g.logger)
}
