package audio

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Chunk is one bounded, sequenced slice of captured audio. A chunk is a
// value: it is never mutated after creation, only its delivery state tracked
// by the sequencer changes. Sequence identity is stable across retries and
// is the dedup key downstream.
type Chunk struct {
	SessionID   uuid.UUID
	Sequence    uint64
	Payload     []byte
	SampleRate  int
	Channels    int
	StartedAtMs int64
	EndedAtMs   int64
}

// Duration returns the declared capture duration of the chunk.
func (c *Chunk) Duration() time.Duration {
	return time.Duration(c.EndedAtMs-c.StartedAtMs) * time.Millisecond
}

// Validate checks the chunk invariants.
func (c *Chunk) Validate() error {
	if c.SessionID == uuid.Nil {
		return fmt.Errorf("session id cannot be nil")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", c.Channels)
	}
	if c.EndedAtMs < c.StartedAtMs {
		return fmt.Errorf("invalid capture range: [%d, %d)", c.StartedAtMs, c.EndedAtMs)
	}
	if len(c.Payload) == 0 {
		return fmt.Errorf("payload cannot be empty")
	}
	return nil
}

// String returns a human-readable representation of the chunk.
func (c *Chunk) String() string {
	return fmt.Sprintf("Chunk{Session:%s, Seq:%d, Range:[%d,%d), PayloadLen:%d}",
		c.SessionID, c.Sequence, c.StartedAtMs, c.EndedAtMs, len(c.Payload))
}
