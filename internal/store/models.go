package store

import (
	"time"

	"github.com/google/uuid"
)

// ChunkRecord is one durably accepted audio chunk. The (SessionID, Sequence)
// pair is the dedup key: re-delivery of an accepted sequence never creates a
// second row.
type ChunkRecord struct {
	SessionID   uuid.UUID
	Sequence    uint64
	SampleRate  int
	Channels    int
	StartedAtMs int64
	EndedAtMs   int64
	Payload     []byte
	ReceivedAt  time.Time
}

// SegmentRecord is one finalized transcript segment, keyed by the chunk
// sequence it was produced from.
type SegmentRecord struct {
	SessionID  uuid.UUID
	Sequence   uint64
	Text       string
	SpeakerTag string
	Confidence float64
	CreatedAt  time.Time
}

// SummaryRecord is the single post-session summary. One row per session.
type SummaryRecord struct {
	SessionID   uuid.UUID
	Overview    string
	KeyPoints   []string
	ActionItems []string
	Decisions   []string
	CreatedAt   time.Time
}
