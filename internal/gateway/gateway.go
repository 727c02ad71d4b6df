package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/structaAI/scribe-ai/internal/auth"
	"github.com/structaAI/scribe-ai/internal/metrics"
	"github.com/structaAI/scribe-ai/internal/protocol"
	"github.com/structaAI/scribe-ai/internal/queue"
	"github.com/structaAI/scribe-ai/internal/session"
	"github.com/structaAI/scribe-ai/internal/store"
	"github.com/structaAI/scribe-ai/internal/summarizer"
	"github.com/structaAI/scribe-ai/internal/transcriber"
)

// ErrTooManySessions is returned when starting a session would exceed the
// configured active session limit.
var ErrTooManySessions = errors.New("active session limit reached")

// ErrSessionNotFound is returned for operations on an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// sweepTick is how often the reconnecting sweep and gauge refresh run.
const sweepTick = 1 * time.Second

// Config contains gateway configuration.
type Config struct {
	// MaxSessions bounds concurrently active (non-terminal) sessions.
	MaxSessions int

	// SampleRate and Channels are the accepted audio parameters; chunk
	// frames declaring anything else are rejected.
	SampleRate int
	Channels   int

	// ResumeEveryChunks and ResumeEveryInterval control how often a live
	// connection receives a refreshed resume-point frame in addition to
	// per-chunk acknowledgements.
	ResumeEveryChunks   int
	ResumeEveryInterval time.Duration

	// SweepWindow is how long a session may stay in reconnecting before
	// the sweep fails it.
	SweepWindow time.Duration
}

// Validate checks gateway configuration.
func (c *Config) Validate() error {
	if c.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.SampleRate < 1 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels < 1 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.ResumeEveryChunks < 1 {
		return fmt.Errorf("resume cadence must be at least 1 chunk, got %d", c.ResumeEveryChunks)
	}
	if c.ResumeEveryInterval <= 0 {
		return fmt.Errorf("resume interval must be positive, got %v", c.ResumeEveryInterval)
	}
	if c.SweepWindow <= 0 {
		return fmt.Errorf("sweep window must be positive, got %v", c.SweepWindow)
	}
	return nil
}

// runtime is the in-memory state of one active session: its lifecycle
// machine, the currently attached connection (nil while disconnected) and
// the ingestion cursor.
type runtime struct {
	machine *session.Machine

	mu              sync.Mutex
	conn            *websocket.Conn
	highestAccepted uint64
	hasAccepted     bool
	tokenExpiresAt  time.Time

	sinceRefresh      int
	lastRefresh       time.Time
	draining          bool
	reconnectingSince time.Time

	writeMu sync.Mutex
}

// Gateway is the ingestion authority: it owns session lifecycles, accepts
// sequenced chunk frames over websocket connections, validates and durably
// enqueues them, and drives post-session transcription drain and
// summarization.
type Gateway struct {
	config     Config
	authority  *auth.Authority
	store      *store.Store
	queue      *queue.Queue
	supervisor *transcriber.Supervisor
	summarizer *summarizer.Worker
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*runtime

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a gateway and wires the transcription supervisor callbacks.
func New(config Config, authority *auth.Authority, st *store.Store, q *queue.Queue,
	sup *transcriber.Supervisor, sum *summarizer.Worker, m *metrics.Metrics,
	logger *slog.Logger) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:     config,
		authority:  authority,
		store:      st,
		queue:      q,
		supervisor: sup,
		summarizer: sum,
		metrics:    m,
		logger:     logger,
		sessions:   make(map[uuid.UUID]*runtime),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	sup.OnPartial(g.forwardTranscript)
	sup.OnFail(g.failSession)
	sup.OnDrained(g.sessionDrained)

	go g.sweepLoop()

	return g, nil
}

// Shutdown stops the sweep loop and all transcription workers.
func (g *Gateway) Shutdown() {
	g.cancel()
	<-g.done
	g.supervisor.Shutdown()
}

// StartSession creates a new session in the idle state and returns it with
// its credential. The client must request capture permission next.
func (g *Gateway) StartSession(ctx context.Context, userID string, source session.Source) (*session.Session, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("user id cannot be empty")
	}
	if !source.IsValid() {
		return nil, "", fmt.Errorf("unknown capture source %q", source)
	}
	if g.activeCount() >= g.config.MaxSessions {
		return nil, "", ErrTooManySessions
	}

	sess := session.New(userID, source)
	if err := g.store.CreateSession(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("failed to persist session: %w", err)
	}

	g.register(sess)
	g.metrics.RecordSessionStarted()

	token := g.authority.Issue(sess.ID, sess.UserID)

	g.logger.Info("Session started",
		slog.String("session_id", sess.ID.String()),
		slog.String("user_id", userID),
		slog.String("source", string(source)),
	)
	return sess, token, nil
}

// RequestPermission moves the session into the permission state while the
// client prompts for capture access.
func (g *Gateway) RequestPermission(sessionID uuid.UUID) error {
	rt, err := g.lookup(sessionID)
	if err != nil {
		return err
	}
	return rt.machine.Transition(session.StatusPermission)
}

// GrantPermission records that capture access was granted: the session
// enters recording and its transcription worker starts.
func (g *Gateway) GrantPermission(sessionID uuid.UUID) error {
	rt, err := g.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := rt.machine.Transition(session.StatusRecording); err != nil {
		return err
	}
	return g.supervisor.Start(g.ctx, sessionID)
}

// DenyPermission records that capture access was denied. The session fails
// terminally; there is no audio to keep.
func (g *Gateway) DenyPermission(sessionID uuid.UUID) error {
	rt, err := g.lookup(sessionID)
	if err != nil {
		return err
	}
	return rt.machine.Fail(session.ErrorPermissionDenied)
}

// RenewCredential issues a fresh credential for an active session, used by
// clients whose token would expire during a long recording.
func (g *Gateway) RenewCredential(sessionID uuid.UUID) (string, error) {
	rt, err := g.lookup(sessionID)
	if err != nil {
		return "", err
	}
	if rt.machine.Status().IsTerminal() {
		return "", fmt.Errorf("session %s is terminal", sessionID)
	}
	return g.authority.Issue(sessionID, rt.machine.Session().UserID), nil
}

// SessionStatus returns the current lifecycle status of an active session.
func (g *Gateway) SessionStatus(sessionID uuid.UUID) (session.Status, error) {
	rt, err := g.lookup(sessionID)
	if err != nil {
		return "", err
	}
	return rt.machine.Status(), nil
}

// ActiveSessions returns the number of in-memory (non-terminal) sessions.
func (g *Gateway) ActiveSessions() int {
	return g.activeCount()
}

// Recover rebuilds runtimes for sessions interrupted by a restart. Sessions
// caught recording, paused or already reconnecting wait in reconnecting for
// their client to come back, with the sweep window restarting now; sessions
// caught processing resume draining toward a summary.
func (g *Gateway) Recover(ctx context.Context) error {
	for _, status := range []session.Status{
		session.StatusRecording, session.StatusPaused, session.StatusReconnecting,
	} {
		sessions, err := g.store.SessionsInStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to load %s sessions: %w", status, err)
		}
		for _, sess := range sessions {
			rt := g.register(sess)
			if err := rt.machine.Transition(session.StatusReconnecting); err != nil {
				return err
			}
			rt.mu.Lock()
			rt.reconnectingSince = time.Now()
			rt.mu.Unlock()
			if err := g.supervisor.Start(g.ctx, sess.ID); err != nil {
				return err
			}
		}
	}

	processing, err := g.store.SessionsInStatus(ctx, session.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to load processing sessions: %w", err)
	}
	for _, sess := range processing {
		g.register(sess)
		g.queue.Close(sess.ID)
		if err := g.supervisor.Start(g.ctx, sess.ID); err != nil {
			return err
		}
	}

	g.logger.Info("Session recovery finished",
		slog.Int("active_sessions", g.activeCount()),
	)
	return nil
}

// register builds the runtime and lifecycle hooks for a session.
func (g *Gateway) register(sess *session.Session) *runtime {
	rt := &runtime{
		machine:     session.NewMachine(sess, g.logger),
		lastRefresh: time.Now(),
	}
	rt.machine.OnTransition(g.transitionHook(rt))

	g.mu.Lock()
	g.sessions[sess.ID] = rt
	g.mu.Unlock()
	return rt
}

// transitionHook persists every committed transition, mirrors it to the
// connected client and performs terminal cleanup. It runs under the machine
// lock and never calls back into the machine.
func (g *Gateway) transitionHook(rt *runtime) session.TransitionFunc {
	return func(sess *session.Session, tr session.Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := g.store.UpdateSessionStatus(ctx, sess); err != nil {
			g.logger.Error("Failed to persist session transition",
				slog.String("session_id", sess.ID.String()),
				slog.String("to", string(tr.To)),
				slog.String("error", err.Error()),
			)
		}

		reason := string(tr.To)
		if tr.ErrorKind != session.ErrorNone {
			reason = string(tr.ErrorKind)
		}
		// The frame goes out off the machine lock: a slow client must not
		// stall Status() callers for this session.
		frame := &protocol.ControlFrame{
			ControlType: protocol.ControlStateChanged,
			SessionID:   sess.ID,
			Reason:      reason,
		}
		go func() {
			sendCtx, sendCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer sendCancel()
			rt.sendControl(sendCtx, frame, g.logger)
		}()

		if tr.To.IsTerminal() {
			g.metrics.RecordSessionFinished(string(tr.To), sess.Duration.Seconds())
			g.queue.Close(sess.ID)
			g.queue.Forget(sess.ID)
			g.supervisor.Stop(sess.ID)
			g.mu.Lock()
			delete(g.sessions, sess.ID)
			g.mu.Unlock()
		}
	}
}

// failSession is the supervisor's retry exhaustion callback.
func (g *Gateway) failSession(sessionID uuid.UUID, kind session.ErrorKind) {
	rt, err := g.lookup(sessionID)
	if err != nil {
		return
	}
	if err := rt.machine.Fail(kind); err != nil {
		g.logger.Error("Failed to fail session",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// sessionDrained fires when a session's transcription queue is closed and
// fully transcribed. For sessions in processing this is the summarization
// trigger and the road to completed.
func (g *Gateway) sessionDrained(sessionID uuid.UUID) {
	rt, err := g.lookup(sessionID)
	if err != nil {
		return
	}
	if rt.machine.Status() != session.StatusProcessing {
		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, 2*time.Minute)
	defer cancel()

	if _, err := g.summarizer.Summarize(ctx, sessionID); err != nil {
		g.logger.Error("Summarization failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
		rt.machine.Fail(session.ErrorSummarizationFailure)
		return
	}

	if err := rt.machine.Transition(session.StatusCompleted); err != nil {
		g.logger.Error("Failed to complete session",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// forwardTranscript pushes a live partial or final event to the session's
// connected client. Events for a disconnected session are dropped; the
// durable transcript is rebuilt from segments on demand.
func (g *Gateway) forwardTranscript(sessionID uuid.UUID, seq uint64, event transcriber.Event) {
	rt, err := g.lookup(sessionID)
	if err != nil {
		return
	}

	data, err := protocol.EncodeTranscript(&protocol.TranscriptFrame{
		SessionID:  sessionID,
		Sequence:   seq,
		Confidence: float32(event.Confidence),
		Final:      event.Final,
		SpeakerTag: event.SpeakerTag,
		Text:       event.Text,
	})
	if err != nil {
		g.logger.Error("Failed to encode transcript frame",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.write(ctx, data)
}

func (g *Gateway) lookup(sessionID uuid.UUID) (*runtime, error) {
	g.mu.RLock()
	rt, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return rt, nil
}

func (g *Gateway) activeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// sweepLoop periodically fails sessions stuck in reconnecting past the
// bounded window and refreshes the session and queue gauges.
func (g *Gateway) sweepLoop() {
	defer close(g.done)

	ticker := time.NewTicker(sweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.sweepExpired(time.Now())
			g.refreshGauges()
		}
	}
}

// sweepExpired fails every session that has been reconnecting longer than
// the sweep window.
func (g *Gateway) sweepExpired(now time.Time) {
	type expired struct {
		id uuid.UUID
		rt *runtime
	}

	g.mu.RLock()
	candidates := make([]expired, 0, len(g.sessions))
	for id, rt := range g.sessions {
		candidates = append(candidates, expired{id: id, rt: rt})
	}
	g.mu.RUnlock()

	var stale []expired
	for _, c := range candidates {
		if c.rt.machine.Status() != session.StatusReconnecting {
			continue
		}
		c.rt.mu.Lock()
		since := c.rt.reconnectingSince
		c.rt.mu.Unlock()
		if !since.IsZero() && now.Sub(since) > g.config.SweepWindow {
			stale = append(stale, c)
		}
	}

	for _, e := range stale {
		g.logger.Warn("Reconnection window expired",
			slog.String("session_id", e.id.String()),
			slog.Duration("window", g.config.SweepWindow),
		)
		if err := e.rt.machine.Fail(session.ErrorReconnectExhausted); err != nil {
			g.logger.Error("Failed to expire session",
				slog.String("session_id", e.id.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// refreshGauges updates the per-status session gauge and the aggregate
// queue depth.
func (g *Gateway) refreshGauges() {
	ctx, cancel := context.WithTimeout(g.ctx, 5*time.Second)
	defer cancel()

	counts, err := g.store.CountsByStatus(ctx)
	if err != nil {
		g.logger.Warn("Failed to count sessions", slog.String("error", err.Error()))
		return
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	g.metrics.SetSessionsByStatus(byStatus)

	depth := 0
	g.mu.RLock()
	ids := make([]uuid.UUID, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	for _, id := range ids {
		d, err := g.queue.Depth(ctx, id)
		if err != nil {
			continue
		}
		depth += d
	}
	g.metrics.SetQueueDepth(depth)
}

// sendControl encodes and writes a control frame to the attached
// connection, if any.
func (rt *runtime) sendControl(ctx context.Context, frame *protocol.ControlFrame, logger *slog.Logger) {
	data, err := protocol.EncodeControl(frame)
	if err != nil {
		logger.Error("Failed to encode control frame",
			slog.String("session_id", frame.SessionID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	rt.write(ctx, data)
}

// write delivers one frame to the attached connection. A nil connection or
// write failure is not an error here: the read loop notices the broken
// connection and moves the session to reconnecting.
func (rt *runtime) write(ctx context.Context, data []byte) {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return
	}

	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	conn.Write(ctx, websocket.MessageBinary, data)
}
