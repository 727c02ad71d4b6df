// Package queue exposes durably accepted chunks as a per-session ordered
// queue with at-least-once consumption driven by the transcription
// checkpoint.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/structaAI/scribe-ai/internal/store"
)

// ErrClosed is returned to consumers once the session queue is closed and
// fully drained.
var ErrClosed = errors.New("session queue closed")

// pollInterval backstops the in-process notification for chunks appended by
// another process (recovery after restart).
const pollInterval = 500 * time.Millisecond

// Queue is a thin ordering layer over the durable chunk table. Appends are
// writes to the store plus an in-process wakeup; consumption is strictly
// sequential per session, so a chunk is re-delivered after a crash until the
// checkpoint moves past it.
type Queue struct {
	store  *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	wakes  map[uuid.UUID]chan struct{}
	closed map[uuid.UUID]bool
}

// New creates a queue over the given store.
func New(st *store.Store, logger *slog.Logger) *Queue {
	return &Queue{
		store:  st,
		logger: logger,
		wakes:  make(map[uuid.UUID]chan struct{}),
		closed: make(map[uuid.UUID]bool),
	}
}

// Append durably enqueues an accepted chunk. Duplicate sequences are
// ignored; the bool reports whether the chunk was newly enqueued.
func (q *Queue) Append(ctx context.Context, chunk *store.ChunkRecord) (bool, error) {
	inserted, err := q.store.InsertChunk(ctx, chunk)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue chunk %d: %w", chunk.Sequence, err)
	}
	if inserted {
		q.signal(chunk.SessionID)
	}
	return inserted, nil
}

// Next blocks until the chunk with exactly the given sequence is available,
// the queue for the session is closed and drained past it, or the context
// ends. The gateway only accepts contiguous sequences, so waiting for seq
// never skips a durably accepted chunk.
func (q *Queue) Next(ctx context.Context, sessionID uuid.UUID, seq uint64) (*store.ChunkRecord, error) {
	for {
		chunk, ok, err := q.TryNext(ctx, sessionID, seq)
		if err != nil {
			return nil, err
		}
		if ok {
			return chunk, nil
		}

		if q.isClosed(sessionID) {
			// Closed sessions get one final read to avoid racing a
			// just-appended tail chunk.
			chunk, ok, err := q.TryNext(ctx, sessionID, seq)
			if err != nil {
				return nil, err
			}
			if ok {
				return chunk, nil
			}
			return nil, ErrClosed
		}

		select {
		case <-q.wake(sessionID):
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryNext returns the chunk with the given sequence if it is durably
// enqueued, without blocking.
func (q *Queue) TryNext(ctx context.Context, sessionID uuid.UUID, seq uint64) (*store.ChunkRecord, bool, error) {
	chunks, err := q.store.ChunksFrom(ctx, sessionID, seq, 1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read queue: %w", err)
	}
	if len(chunks) == 0 || chunks[0].Sequence != seq {
		return nil, false, nil
	}
	return chunks[0], true, nil
}

// Depth returns the number of enqueued chunks not yet covered by the
// transcription checkpoint.
func (q *Queue) Depth(ctx context.Context, sessionID uuid.UUID) (int, error) {
	highest, any, err := q.store.HighestChunkSeq(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !any {
		return 0, nil
	}

	checkpoint, has, err := q.store.GetCheckpoint(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !has {
		return int(highest) + 1, nil
	}
	if checkpoint >= highest {
		return 0, nil
	}
	return int(highest - checkpoint), nil
}

// Close marks the session queue as complete: no further appends are
// expected and a consumer waiting past the tail unblocks with ErrClosed.
func (q *Queue) Close(sessionID uuid.UUID) {
	q.mu.Lock()
	q.closed[sessionID] = true
	q.mu.Unlock()
	q.signal(sessionID)
}

// Forget releases in-process state for a finished session.
func (q *Queue) Forget(sessionID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.wakes, sessionID)
	delete(q.closed, sessionID)
}

func (q *Queue) isClosed(sessionID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed[sessionID]
}

func (q *Queue) wake(sessionID uuid.UUID) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.wakes[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wakes[sessionID] = ch
	}
	return ch
}

func (q *Queue) signal(sessionID uuid.UUID) {
	q.mu.Lock()
	ch, ok := q.wakes[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wakes[sessionID] = ch
	}
	q.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}
