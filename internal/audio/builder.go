package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BuilderConfig contains configuration for chunk assembly.
type BuilderConfig struct {
	SessionID      uuid.UUID
	SampleRate     int
	Channels       int
	MaxDuration    time.Duration // Upper bound per chunk, <= 30s
	BytesPerSample int           // 2 for 16-bit PCM
}

// Builder packages raw capture slices into bounded, sequenced chunks. A
// chunk is emitted once the accumulated slice reaches MaxDuration, or
// earlier when Flush is called (pause/stop). Sequence numbers start at 0 and
// are assigned exactly once, never reused on retry.
type Builder struct {
	config BuilderConfig

	nextSequence uint64
	pending      []byte
	pendingStart int64 // capture start of the pending slice, unix ms

	// Statistics
	chunksBuilt   uint64
	bytesAccepted uint64

	mu sync.Mutex
}

// BuilderStats represents builder statistics for monitoring.
type BuilderStats struct {
	NextSequence  uint64 `json:"next_sequence"`
	ChunksBuilt   uint64 `json:"chunks_built"`
	BytesAccepted uint64 `json:"bytes_accepted"`
	PendingBytes  int    `json:"pending_bytes"`
}

// NewBuilder creates a chunk builder for one session.
func NewBuilder(config BuilderConfig) (*Builder, error) {
	if config.SessionID == uuid.Nil {
		return nil, fmt.Errorf("session id cannot be nil")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.Channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", config.Channels)
	}
	if config.MaxDuration <= 0 || config.MaxDuration > 30*time.Second {
		return nil, fmt.Errorf("max chunk duration must be in (0, 30s], got %v", config.MaxDuration)
	}
	if config.BytesPerSample == 0 {
		config.BytesPerSample = 2
	}

	return &Builder{config: config}, nil
}

// Append adds a raw capture slice that started at capturedAtMs. It returns
// the chunks completed by this slice (zero or more; a long slice can close
// more than one duration window).
func (b *Builder) Append(data []byte, capturedAtMs int64) []*Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) == 0 {
		return nil
	}

	if len(b.pending) == 0 {
		b.pendingStart = capturedAtMs
	}
	b.pending = append(b.pending, data...)
	b.bytesAccepted += uint64(len(data))

	maxBytes := b.maxChunkBytes()
	var chunks []*Chunk
	for len(b.pending) >= maxBytes {
		chunks = append(chunks, b.cut(maxBytes))
	}
	return chunks
}

// Flush emits the pending partial chunk, if any. Called on pause and stop so
// no captured audio is held back.
func (b *Builder) Flush() *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	return b.cut(len(b.pending))
}

// cut emits the first n pending bytes as a chunk. Caller holds the lock.
func (b *Builder) cut(n int) *Chunk {
	payload := make([]byte, n)
	copy(payload, b.pending)
	b.pending = b.pending[n:]

	startMs := b.pendingStart
	endMs := startMs + b.bytesToMs(n)
	b.pendingStart = endMs

	chunk := &Chunk{
		SessionID:   b.config.SessionID,
		Sequence:    b.nextSequence,
		Payload:     payload,
		SampleRate:  b.config.SampleRate,
		Channels:    b.config.Channels,
		StartedAtMs: startMs,
		EndedAtMs:   endMs,
	}

	b.nextSequence++
	b.chunksBuilt++

	return chunk
}

// HasPending reports whether a partial chunk is being accumulated.
func (b *Builder) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// GetStats returns current builder statistics.
func (b *Builder) GetStats() BuilderStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BuilderStats{
		NextSequence:  b.nextSequence,
		ChunksBuilt:   b.chunksBuilt,
		BytesAccepted: b.bytesAccepted,
		PendingBytes:  len(b.pending),
	}
}

func (b *Builder) maxChunkBytes() int {
	bytesPerSecond := b.config.SampleRate * b.config.Channels * b.config.BytesPerSample
	return int(b.config.MaxDuration.Seconds() * float64(bytesPerSecond))
}

func (b *Builder) bytesToMs(n int) int64 {
	bytesPerSecond := b.config.SampleRate * b.config.Channels * b.config.BytesPerSample
	return int64(n) * 1000 / int64(bytesPerSecond)
}
