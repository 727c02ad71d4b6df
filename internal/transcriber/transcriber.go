package transcriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/structaAI/scribe-ai/internal/backoff"
	"github.com/structaAI/scribe-ai/internal/metrics"
	"github.com/structaAI/scribe-ai/internal/queue"
	"github.com/structaAI/scribe-ai/internal/session"
	"github.com/structaAI/scribe-ai/internal/store"
)

// Event is one transcription result for a chunk: a stream of partials
// followed by exactly one final.
type Event struct {
	Text       string
	SpeakerTag string
	Confidence float64
	Final      bool
}

// EmitFunc receives partial events while a chunk is being transcribed.
type EmitFunc func(event Event)

// StreamClient streams one chunk of audio to the transcription service.
// Implementations must be safe for concurrent use across sessions.
type StreamClient interface {
	// Transcribe sends the chunk's audio, forwards partial events through
	// emit, and returns the final event for the chunk.
	Transcribe(ctx context.Context, chunk *store.ChunkRecord, emit EmitFunc) (*Event, error)
}

// PartialFunc forwards a live partial or final event to the session's
// connected client.
type PartialFunc func(seq uint64, event Event)

// FailFunc reports that the session's retry budget is exhausted.
type FailFunc func(kind session.ErrorKind)

// WorkerConfig contains per-session worker configuration.
type WorkerConfig struct {
	Retry backoff.Policy
}

// Worker transcribes one session's chunks serially in sequence order,
// resuming from the durable checkpoint. Chunks of distinct sessions are
// handled by distinct workers in parallel.
type Worker struct {
	sessionID uuid.UUID
	config    WorkerConfig
	queue     *queue.Queue
	store     *store.Store
	client    StreamClient
	metrics   *metrics.Metrics
	logger    *slog.Logger

	onPartial PartialFunc
	onFail    FailFunc
}

// NewWorker creates a worker for one session.
func NewWorker(sessionID uuid.UUID, config WorkerConfig, q *queue.Queue, st *store.Store,
	client StreamClient, m *metrics.Metrics, logger *slog.Logger) (*Worker, error) {
	if err := config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	return &Worker{
		sessionID: sessionID,
		config:    config,
		queue:     q,
		store:     st,
		client:    client,
		metrics:   m,
		logger:    logger,
	}, nil
}

// OnPartial registers the live event forwarding hook.
func (w *Worker) OnPartial(fn PartialFunc) { w.onPartial = fn }

// OnFail registers the retry exhaustion hook.
func (w *Worker) OnFail(fn FailFunc) { w.onFail = fn }

// Run consumes the session queue until it is closed and drained, the
// context ends, or the retry budget for a chunk is exhausted. Safe to
// restart after a crash: it resumes from the checkpoint and re-persisting
// an already transcribed sequence is a no-op.
func (w *Worker) Run(ctx context.Context) error {
	seq := uint64(0)
	if checkpoint, ok, err := w.store.GetCheckpoint(ctx, w.sessionID); err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	} else if ok {
		seq = checkpoint + 1
	}

	w.logger.Info("Transcription worker started",
		slog.String("session_id", w.sessionID.String()),
		slog.Uint64("from_sequence", seq),
	)

	for {
		chunk, err := w.queue.Next(ctx, w.sessionID, seq)
		if errors.Is(err, queue.ErrClosed) {
			w.logger.Info("Transcription worker drained",
				slog.String("session_id", w.sessionID.String()),
				slog.Uint64("next_sequence", seq),
			)
			return nil
		}
		if err != nil {
			return err
		}

		if err := w.transcribeChunk(ctx, chunk); err != nil {
			return err
		}
		seq++
	}
}

// transcribeChunk retries one chunk under the bounded policy. The
// checkpoint advances only after the segment is durably persisted, so a
// crash between transcription and persistence re-processes the chunk.
func (w *Worker) transcribeChunk(ctx context.Context, chunk *store.ChunkRecord) error {
	retry := backoff.New(w.config.Retry)

	for {
		started := time.Now()
		final, err := w.client.Transcribe(ctx, chunk, func(event Event) {
			if w.onPartial != nil {
				w.onPartial(chunk.Sequence, event)
			}
		})
		if err == nil {
			return w.finalize(ctx, chunk, final, time.Since(started))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.logger.Warn("Transcription attempt failed",
			slog.String("session_id", w.sessionID.String()),
			slog.Uint64("sequence", chunk.Sequence),
			slog.Int("attempt", retry.Attempts()),
			slog.String("error", err.Error()),
		)

		if werr := retry.Wait(ctx); werr != nil {
			if errors.Is(werr, backoff.ErrExhausted) {
				w.metrics.RecordTranscriptionFailure()
				if w.onFail != nil {
					w.onFail(session.ErrorTranscriptionFailure)
				}
				return fmt.Errorf("transcription of chunk %d: %w", chunk.Sequence, werr)
			}
			return werr
		}
		w.metrics.RecordTranscriptionRetry()
	}
}

func (w *Worker) finalize(ctx context.Context, chunk *store.ChunkRecord, final *Event, elapsed time.Duration) error {
	if final == nil {
		return fmt.Errorf("transcription of chunk %d returned no final event", chunk.Sequence)
	}

	if err := w.store.AppendSegment(ctx, &store.SegmentRecord{
		SessionID:  chunk.SessionID,
		Sequence:   chunk.Sequence,
		Text:       final.Text,
		SpeakerTag: final.SpeakerTag,
		Confidence: final.Confidence,
		CreatedAt:  time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to persist segment %d: %w", chunk.Sequence, err)
	}

	if err := w.store.UpsertCheckpoint(ctx, chunk.SessionID, chunk.Sequence); err != nil {
		return fmt.Errorf("failed to advance checkpoint to %d: %w", chunk.Sequence, err)
	}

	w.metrics.RecordSegmentFinalized(elapsed.Seconds())
	w.metrics.RecordCheckpointAdvance()

	if w.onPartial != nil {
		w.onPartial(chunk.Sequence, *final)
	}

	w.logger.Debug("Segment finalized",
		slog.String("session_id", w.sessionID.String()),
		slog.Uint64("sequence", chunk.Sequence),
		slog.Int("text_len", len(final.Text)),
	)
	return nil
}
