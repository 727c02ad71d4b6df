// Package summarizer produces the single post-session summary from the
// finalized transcript, with bounded retry and idempotent persistence.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/structaAI/scribe-ai/internal/backoff"
	"github.com/structaAI/scribe-ai/internal/metrics"
	"github.com/structaAI/scribe-ai/internal/store"
)

// Result is a structured session summary.
type Result struct {
	Overview    string   `json:"overview"`
	KeyPoints   []string `json:"keyPoints"`
	ActionItems []string `json:"actionItems"`
	Decisions   []string `json:"decisions"`
}

// Client generates a summary from an ordered transcript.
type Client interface {
	Summarize(ctx context.Context, segments []*store.SegmentRecord) (*Result, error)
}

// WorkerConfig contains summarization worker configuration.
type WorkerConfig struct {
	Retry backoff.Policy
}

// Worker runs summarization for sessions whose transcription has drained.
// Summarize is idempotent: a session that already has a summary is a no-op,
// so a duplicate trigger or a crash-restart never produces a second
// summary.
type Worker struct {
	config  WorkerConfig
	store   *store.Store
	client  Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWorker creates a summarization worker.
func NewWorker(config WorkerConfig, st *store.Store, client Client,
	m *metrics.Metrics, logger *slog.Logger) (*Worker, error) {
	if err := config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	return &Worker{
		config:  config,
		store:   st,
		client:  client,
		metrics: m,
		logger:  logger,
	}, nil
}

// Summarize generates and persists the session summary, retrying under the
// bounded policy. Returns the stored summary, whether pre-existing or newly
// created.
func (w *Worker) Summarize(ctx context.Context, sessionID uuid.UUID) (*store.SummaryRecord, error) {
	if existing, err := w.store.GetSummary(ctx, sessionID); err == nil {
		w.logger.Info("Summary already exists, skipping",
			slog.String("session_id", sessionID.String()),
		)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	segments, err := w.store.SegmentsForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	result, err := w.summarizeWithRetry(ctx, sessionID, segments)
	if err != nil {
		return nil, err
	}

	record := &store.SummaryRecord{
		SessionID:   sessionID,
		Overview:    result.Overview,
		KeyPoints:   result.KeyPoints,
		ActionItems: result.ActionItems,
		Decisions:   result.Decisions,
		CreatedAt:   time.Now(),
	}

	inserted, err := w.store.InsertSummaryOnce(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to persist summary: %w", err)
	}
	if !inserted {
		// A concurrent trigger won the race; its summary is the one.
		return w.store.GetSummary(ctx, sessionID)
	}

	w.metrics.RecordSummaryCreated()
	w.logger.Info("Summary created",
		slog.String("session_id", sessionID.String()),
		slog.Int("segments", len(segments)),
		slog.Int("key_points", len(record.KeyPoints)),
	)
	return record, nil
}

func (w *Worker) summarizeWithRetry(ctx context.Context, sessionID uuid.UUID,
	segments []*store.SegmentRecord) (*Result, error) {
	retry := backoff.New(w.config.Retry)

	for {
		result, err := w.client.Summarize(ctx, segments)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		w.logger.Warn("Summarization attempt failed",
			slog.String("session_id", sessionID.String()),
			slog.Int("attempt", retry.Attempts()),
			slog.String("error", err.Error()),
		)

		if werr := retry.Wait(ctx); werr != nil {
			if errors.Is(werr, backoff.ErrExhausted) {
				w.metrics.RecordSummarizationFailure()
				return nil, fmt.Errorf("summarization: %w", werr)
			}
			return nil, werr
		}
		w.metrics.RecordSummarizationRetry()
	}
}
