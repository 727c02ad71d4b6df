package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/structaAI/scribe-ai/internal/audio"
)

// Sentinel errors for buffer admission.
var (
	// ErrBufferFull is the capture-side backpressure signal. It is not a
	// terminal error; production must suspend until an acknowledgement
	// frees capacity.
	ErrBufferFull   = errors.New("unacknowledged chunk buffer is full")
	ErrBufferClosed = errors.New("chunk buffer is closed")
)

// DeliveryState tracks a buffered chunk through its delivery lifecycle.
// Acknowledged chunks are evicted immediately, so only pending and sent are
// ever observable.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateSent
)

type entry struct {
	chunk *audio.Chunk
	state DeliveryState
}

// Buffer is the bounded in-memory queue of un-acknowledged chunks, indexed
// by sequence. Once full, Add blocks the producer instead of dropping data;
// this is the primary defense against unbounded memory growth over
// multi-hour sessions. Acknowledgement of sequence S evicts every buffered
// chunk with sequence <= S.
type Buffer struct {
	capacity int
	entries  []entry // Ascending sequence order
	tokens   chan struct{}
	wake     chan struct{}
	closed   bool
	mu       sync.Mutex
}

// NewBuffer creates a bounded chunk buffer.
func NewBuffer(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("buffer capacity must be at least 1, got %d", capacity)
	}
	return &Buffer{
		capacity: capacity,
		tokens:   make(chan struct{}, capacity),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Add appends a chunk, blocking while the buffer is at capacity. Returns
// once the chunk is admitted or the context is cancelled.
func (b *Buffer) Add(ctx context.Context, chunk *audio.Chunk) error {
	select {
	case b.tokens <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.admit(chunk)
}

// TryAdd appends a chunk without blocking, returning ErrBufferFull when at
// capacity so the caller can surface the backpressure signal upward.
func (b *Buffer) TryAdd(chunk *audio.Chunk) error {
	select {
	case b.tokens <- struct{}{}:
	default:
		return ErrBufferFull
	}
	return b.admit(chunk)
}

func (b *Buffer) admit(chunk *audio.Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		<-b.tokens
		return ErrBufferClosed
	}

	if n := len(b.entries); n > 0 && chunk.Sequence <= b.entries[n-1].chunk.Sequence {
		<-b.tokens
		return fmt.Errorf("sequence %d is not greater than buffered tail %d",
			chunk.Sequence, b.entries[n-1].chunk.Sequence)
	}

	b.entries = append(b.entries, entry{chunk: chunk, state: StatePending})
	b.signal()
	return nil
}

// Ack evicts every chunk with sequence <= seq, freeing producer capacity.
// Returns the number of chunks evicted.
func (b *Buffer) Ack(seq uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for len(b.entries) > 0 && b.entries[0].chunk.Sequence <= seq {
		b.entries = b.entries[1:]
		evicted++
	}
	for i := 0; i < evicted; i++ {
		<-b.tokens
	}
	if evicted > 0 {
		// A drain waiter may be watching for the buffer to empty out.
		b.signal()
	}
	return evicted
}

// NextPending returns the lowest-sequence chunk not yet sent, or nil.
func (b *Buffer) NextPending() *audio.Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		if b.entries[i].state == StatePending {
			return b.entries[i].chunk
		}
	}
	return nil
}

// MarkSent records that the chunk with the given sequence is in flight.
func (b *Buffer) MarkSent(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		if b.entries[i].chunk.Sequence == seq {
			b.entries[i].state = StateSent
			return
		}
	}
}

// Rewind returns every buffered chunk with sequence > afterSeq to pending
// and evicts those <= afterSeq. Used after reconnect: the gateway reports
// the highest sequence it durably accepted, and delivery resumes exactly
// after that point. Chunks are never renumbered.
func (b *Buffer) Rewind(afterSeq uint64) {
	b.Ack(afterSeq)
	b.ResetPending()
}

// ResetPending returns every buffered chunk to pending without evicting
// anything. Used when the gateway reports no accepted chunk at all.
func (b *Buffer) ResetPending() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		b.entries[i].state = StatePending
	}
	b.signal()
}

// Len returns the number of buffered (un-acknowledged) chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Capacity returns the configured bound.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Drained reports whether the buffer is closed for production and every
// admitted chunk has been acknowledged.
func (b *Buffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && len(b.entries) == 0
}

// Wake returns a channel signaled whenever new pending work appears.
func (b *Buffer) Wake() <-chan struct{} {
	return b.wake
}

// Close rejects further admissions. Buffered chunks remain readable so an
// in-progress drain can finish.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.signal()
}

// signal is called with the lock held.
func (b *Buffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
