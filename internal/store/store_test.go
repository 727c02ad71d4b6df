package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/structaAI/scribe-ai/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "scribe.sqlite"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestSession(t *testing.T, s *Store) *session.Session {
	t.Helper()

	sess := session.New("user-1", session.SourceMicrophone)
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func testChunkRecord(sessionID uuid.UUID, seq uint64) *ChunkRecord {
	return &ChunkRecord{
		SessionID:   sessionID,
		Sequence:    seq,
		SampleRate:  16000,
		Channels:    1,
		StartedAtMs: int64(seq) * 1000,
		EndedAtMs:   int64(seq+1) * 1000,
		Payload:     []byte{0x01, 0x02},
		ReceivedAt:  time.Now(),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s)

	loaded, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if loaded.UserID != "user-1" {
		t.Errorf("Expected user-1, got %q", loaded.UserID)
	}
	if loaded.Status != session.StatusIdle {
		t.Errorf("Expected idle status, got %s", loaded.Status)
	}
	if loaded.Source != session.SourceMicrophone {
		t.Errorf("Expected microphone source, got %s", loaded.Source)
	}

	if _, err := s.GetSession(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestUpdateSessionStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s)
	endedAt := time.Now()
	sess.Status = session.StatusFailed
	sess.LastError = session.ErrorReconnectExhausted
	sess.EndedAt = &endedAt
	sess.Duration = 42 * time.Second

	if err := s.UpdateSessionStatus(ctx, sess); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}

	loaded, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if loaded.Status != session.StatusFailed {
		t.Errorf("Expected failed status, got %s", loaded.Status)
	}
	if loaded.LastError != session.ErrorReconnectExhausted {
		t.Errorf("Expected reconnect_exhausted error, got %q", loaded.LastError)
	}
	if loaded.EndedAt == nil {
		t.Error("Expected ended timestamp to be set")
	}
	if loaded.Duration != 42*time.Second {
		t.Errorf("Expected 42s duration, got %v", loaded.Duration)
	}

	unknown := session.New("user-2", session.SourceSharedTab)
	if err := s.UpdateSessionStatus(ctx, unknown); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestSessionsInStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := createTestSession(t, s)
	b := createTestSession(t, s)

	a.Status = session.StatusReconnecting
	if err := s.UpdateSessionStatus(ctx, a); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}

	reconnecting, err := s.SessionsInStatus(ctx, session.StatusReconnecting)
	if err != nil {
		t.Fatalf("SessionsInStatus failed: %v", err)
	}
	if len(reconnecting) != 1 || reconnecting[0].ID != a.ID {
		t.Errorf("Expected only session %s reconnecting, got %v", a.ID, reconnecting)
	}

	counts, err := s.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountsByStatus failed: %v", err)
	}
	if counts[session.StatusIdle] != 1 || counts[session.StatusReconnecting] != 1 {
		t.Errorf("Unexpected status counts: %v", counts)
	}
	_ = b
}

func TestInsertChunkDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s)

	inserted, err := s.InsertChunk(ctx, testChunkRecord(sess.ID, 0))
	if err != nil {
		t.Fatalf("InsertChunk failed: %v", err)
	}
	if !inserted {
		t.Error("Expected first insert to report inserted")
	}

	// Duplicate delivery of an accepted sequence is a silent no-op.
	inserted, err = s.InsertChunk(ctx, testChunkRecord(sess.ID, 0))
	if err != nil {
		t.Fatalf("Duplicate InsertChunk failed: %v", err)
	}
	if inserted {
		t.Error("Expected duplicate insert to report not inserted")
	}

	chunks, err := s.ChunksFrom(ctx, sess.ID, 0, 10)
	if err != nil {
		t.Fatalf("ChunksFrom failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Expected exactly 1 stored chunk, got %d", len(chunks))
	}
}

func TestHighestChunkSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s)

	if _, ok, err := s.HighestChunkSeq(ctx, sess.ID); err != nil || ok {
		t.Fatalf("Expected no highest seq on empty session, got ok=%t err=%v", ok, err)
	}

	for seq := uint64(0); seq < 3; seq++ {
		if _, err := s.InsertChunk(ctx, testChunkRecord(sess.ID, seq)); err != nil {
			t.Fatalf("InsertChunk %d failed: %v", seq, err)
		}
	}

	seq, ok, err := s.HighestChunkSeq(ctx, sess.ID)
	if err != nil {
		t.Fatalf("HighestChunkSeq failed: %v", err)
	}
	if !ok || seq != 2 {
		t.Errorf("Expected highest seq 2, got %d (ok=%t)", seq, ok)
	}
}

func TestChunksFromOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s)
	for _, seq := range []uint64{2, 0, 1, 3} {
		if _, err := s.InsertChunk(ctx, testChunkRecord(sess.ID, seq)); err != nil {
			t.Fatalf("InsertChunk %d failed: %v", seq, err)
		}
	}

	chunks, err := s.ChunksFrom(ctx, sess.ID, 1, 2)
	if err != nil {
		t.Fatalf("ChunksFrom failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Sequence != 1 || chunks[1].Sequence != 2 {
		t.Errorf("Expected sequences [1 2], got [%d %d]", chunks[0].Sequence, chunks[1].Sequence)
	}
}

func TestAppendSegmentIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s)
	seg := &SegmentRecord{
		SessionID:  sess.ID,
		Sequence:   0,
		Text:       "hello world",
		SpeakerTag: "speaker_0",
		Confidence: 0.95,
		CreatedAt:  time.Now(),
	}

	if err := s.AppendSegment(ctx, seg); err != nil {
		t.Fatalf("AppendSegment failed: %v", err)
	}

	// Worker restart replays the same sequence; the first text wins.
	replay := *seg
	replay.Text = "hello world again"
	if err := s.AppendSegment(ctx, &replay); err != nil {
		t.Fatalf("Replayed AppendSegment failed: %v", err)
	}

	segments, err := s.SegmentsForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SegmentsForSession failed: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	if segments[0].Text != "hello world" {
		t.Errorf("Expected original text preserved, got %q", segments[0].Text)
	}
}

func TestCheckpointAdvancesMonotonically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s)

	if _, ok, err := s.GetCheckpoint(ctx, sess.ID); err != nil || ok {
		t.Fatalf("Expected no checkpoint before transcription, got ok=%t err=%v", ok, err)
	}

	if err := s.UpsertCheckpoint(ctx, sess.ID, 5); err != nil {
		t.Fatalf("UpsertCheckpoint failed: %v", err)
	}
	if err := s.UpsertCheckpoint(ctx, sess.ID, 3); err != nil {
		t.Fatalf("Stale UpsertCheckpoint failed: %v", err)
	}

	seq, ok, err := s.GetCheckpoint(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if !ok || seq != 5 {
		t.Errorf("Expected checkpoint pinned at 5, got %d (ok=%t)", seq, ok)
	}

	if err := s.UpsertCheckpoint(ctx, sess.ID, 7); err != nil {
		t.Fatalf("UpsertCheckpoint failed: %v", err)
	}
	if seq, _, _ := s.GetCheckpoint(ctx, sess.ID); seq != 7 {
		t.Errorf("Expected checkpoint advanced to 7, got %d", seq)
	}
}

func TestSummaryInsertedExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := createTestSession(t, s)

	if _, err := s.GetSummary(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound before summarization, got %v", err)
	}

	sum := &SummaryRecord{
		SessionID:   sess.ID,
		Overview:    "Weekly sync covering the release plan.",
		KeyPoints:   []string{"release slips one week"},
		ActionItems: []string{"update the changelog"},
		Decisions:   []string{"ship without the importer"},
		CreatedAt:   time.Now(),
	}

	inserted, err := s.InsertSummaryOnce(ctx, sum)
	if err != nil {
		t.Fatalf("InsertSummaryOnce failed: %v", err)
	}
	if !inserted {
		t.Error("Expected first summary insert to report inserted")
	}

	// A re-triggered summarization must not produce a second summary.
	retrigger := *sum
	retrigger.Overview = "a different overview"
	inserted, err = s.InsertSummaryOnce(ctx, &retrigger)
	if err != nil {
		t.Fatalf("Second InsertSummaryOnce failed: %v", err)
	}
	if inserted {
		t.Error("Expected second summary insert to be a no-op")
	}

	loaded, err := s.GetSummary(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if loaded.Overview != sum.Overview {
		t.Errorf("Expected original overview preserved, got %q", loaded.Overview)
	}
	if len(loaded.KeyPoints) != 1 || loaded.KeyPoints[0] != "release slips one week" {
		t.Errorf("Unexpected key points: %v", loaded.KeyPoints)
	}
}
