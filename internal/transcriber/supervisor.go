package transcriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/structaAI/scribe-ai/internal/metrics"
	"github.com/structaAI/scribe-ai/internal/queue"
	"github.com/structaAI/scribe-ai/internal/session"
	"github.com/structaAI/scribe-ai/internal/store"
)

// PartialHandler forwards a live event for a session to its connected
// client.
type PartialHandler func(sessionID uuid.UUID, seq uint64, event Event)

// FailHandler reports a session whose transcription retry budget is spent.
type FailHandler func(sessionID uuid.UUID, kind session.ErrorKind)

// DrainedHandler reports a session whose queue is closed and fully
// transcribed.
type DrainedHandler func(sessionID uuid.UUID)

// Supervisor runs one transcription worker per active session. Workers are
// strictly serial within a session and fully parallel across sessions; one
// session exhausting its retries never affects the others.
type Supervisor struct {
	config  WorkerConfig
	queue   *queue.Queue
	store   *store.Store
	client  StreamClient
	metrics *metrics.Metrics
	logger  *slog.Logger

	onPartial PartialHandler
	onFail    FailHandler
	onDrained DrainedHandler

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor creates a worker supervisor.
func NewSupervisor(config WorkerConfig, q *queue.Queue, st *store.Store,
	client StreamClient, m *metrics.Metrics, logger *slog.Logger) (*Supervisor, error) {
	if err := config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	return &Supervisor{
		config:  config,
		queue:   q,
		store:   st,
		client:  client,
		metrics: m,
		logger:  logger,
		running: make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// OnPartial registers the live event forwarding handler.
func (s *Supervisor) OnPartial(fn PartialHandler) { s.onPartial = fn }

// OnFail registers the retry exhaustion handler.
func (s *Supervisor) OnFail(fn FailHandler) { s.onFail = fn }

// OnDrained registers the drain completion handler.
func (s *Supervisor) OnDrained(fn DrainedHandler) { s.onDrained = fn }

// Start launches a worker for the session if one is not already running.
func (s *Supervisor) Start(ctx context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	if _, ok := s.running[sessionID]; ok {
		s.mu.Unlock()
		return nil
	}

	worker, err := NewWorker(sessionID, s.config, s.queue, s.store, s.client, s.metrics, s.logger)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	worker.OnPartial(func(seq uint64, event Event) {
		if s.onPartial != nil {
			s.onPartial(sessionID, seq, event)
		}
	})
	worker.OnFail(func(kind session.ErrorKind) {
		if s.onFail != nil {
			s.onFail(sessionID, kind)
		}
	})

	workerCtx, cancel := context.WithCancel(ctx)
	s.running[sessionID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, sessionID)
			s.mu.Unlock()
			cancel()
		}()

		err := worker.Run(workerCtx)
		switch {
		case err == nil:
			if s.onDrained != nil {
				s.onDrained(sessionID)
			}
		case workerCtx.Err() != nil:
			// Shutdown or explicit stop; the session is not failed.
		default:
			s.logger.Error("Transcription worker stopped",
				slog.String("session_id", sessionID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	return nil
}

// Stop cancels the session's worker if one is running.
func (s *Supervisor) Stop(sessionID uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.running[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running returns the number of active workers.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown cancels all workers and waits for them to exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
