package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/structaAI/scribe-ai/internal/session"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		started_at_ms INTEGER NOT NULL,
		ended_at_ms INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chunks (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		sample_rate INTEGER NOT NULL,
		channels INTEGER NOT NULL,
		started_at_ms INTEGER NOT NULL,
		ended_at_ms INTEGER NOT NULL,
		payload BLOB NOT NULL,
		received_at_ms INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS segments (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		text TEXT NOT NULL,
		speaker_tag TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS summaries (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id),
		overview TEXT NOT NULL,
		key_points TEXT NOT NULL,
		action_items TEXT NOT NULL,
		decisions TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);
`

// Store is the durable persistence layer: sessions, accepted chunks,
// finalized transcript segments, transcription checkpoints and summaries,
// backed by a single SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database with WAL enabled.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Serial access keeps SQLITE_BUSY out of the write path.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession persists a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, source, status, last_error, started_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID.String(), sess.UserID, string(sess.Source), string(sess.Status),
		string(sess.LastError), sess.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSessionStatus records a state transition.
func (s *Store) UpdateSessionStatus(ctx context.Context, sess *session.Session) error {
	var endedAt sql.NullInt64
	if sess.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: sess.EndedAt.UnixMilli(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, last_error = ?, ended_at_ms = ?, duration_ms = ?
		WHERE id = ?
	`, string(sess.Status), string(sess.LastError), endedAt,
		sess.Duration.Milliseconds(), sess.ID.String())
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, source, status, last_error, started_at_ms, ended_at_ms, duration_ms
		FROM sessions
		WHERE id = ?
	`, id.String())
	return scanSession(row)
}

// ListSessions returns all sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, source, status, last_error, started_at_ms, ended_at_ms, duration_ms
		FROM sessions
		ORDER BY started_at_ms DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionsInStatus returns sessions currently in the given status, used by
// recovery and the reconnecting sweep.
func (s *Store) SessionsInStatus(ctx context.Context, status session.Status) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, source, status, last_error, started_at_ms, ended_at_ms, duration_ms
		FROM sessions
		WHERE status = ?
		ORDER BY started_at_ms ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CountsByStatus returns the number of sessions per lifecycle status.
func (s *Store) CountsByStatus(ctx context.Context) (map[session.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[session.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[session.Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var id, source, status, lastError string
	var startedAtMs, durationMs int64
	var endedAtMs sql.NullInt64

	if err := row.Scan(&id, &sess.UserID, &source, &status, &lastError,
		&startedAtMs, &endedAtMs, &durationMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	sess.ID = parsed
	sess.Source = session.Source(source)
	sess.Status = session.Status(status)
	sess.LastError = session.ErrorKind(lastError)
	sess.StartedAt = time.UnixMilli(startedAtMs)
	sess.Duration = time.Duration(durationMs) * time.Millisecond
	if endedAtMs.Valid {
		t := time.UnixMilli(endedAtMs.Int64)
		sess.EndedAt = &t
	}

	return &sess, nil
}

// InsertChunk durably records an accepted chunk. Returns false without
// error when the (session, sequence) pair already exists, which makes
// duplicate delivery a no-op.
func (s *Store) InsertChunk(ctx context.Context, c *ChunkRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chunks
			(session_id, seq, sample_rate, channels, started_at_ms, ended_at_ms, payload, received_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.SessionID.String(), c.Sequence, c.SampleRate, c.Channels,
		c.StartedAtMs, c.EndedAtMs, c.Payload, c.ReceivedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert chunk: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert chunk: %w", err)
	}
	return n > 0, nil
}

// HighestChunkSeq returns the highest durably accepted sequence for the
// session, and false when no chunk has been accepted yet.
func (s *Store) HighestChunkSeq(ctx context.Context, sessionID uuid.UUID) (uint64, bool, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM chunks WHERE session_id = ?
	`, sessionID.String()).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("query highest chunk seq: %w", err)
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return uint64(seq.Int64), true, nil
}

// ChunksFrom returns up to limit chunks with sequence >= fromSeq, in
// ascending sequence order.
func (s *Store) ChunksFrom(ctx context.Context, sessionID uuid.UUID, fromSeq uint64, limit int) ([]*ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, sample_rate, channels, started_at_ms, ended_at_ms, payload, received_at_ms
		FROM chunks
		WHERE session_id = ? AND seq >= ?
		ORDER BY seq ASC
		LIMIT ?
	`, sessionID.String(), fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		var id string
		var receivedAtMs int64
		if err := rows.Scan(&id, &c.Sequence, &c.SampleRate, &c.Channels,
			&c.StartedAtMs, &c.EndedAtMs, &c.Payload, &receivedAtMs); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse chunk session id: %w", err)
		}
		c.SessionID = parsed
		c.ReceivedAt = time.UnixMilli(receivedAtMs)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// AppendSegment persists one finalized transcript segment. Idempotent on
// (session, sequence): re-transcribing a chunk after a worker restart never
// duplicates its segment.
func (s *Store) AppendSegment(ctx context.Context, seg *SegmentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO segments (session_id, seq, text, speaker_tag, confidence, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, seg.SessionID.String(), seg.Sequence, seg.Text, seg.SpeakerTag,
		seg.Confidence, seg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// SegmentsForSession returns all finalized segments in sequence order.
func (s *Store) SegmentsForSession(ctx context.Context, sessionID uuid.UUID) ([]*SegmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, text, speaker_tag, confidence, created_at_ms
		FROM segments
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []*SegmentRecord
	for rows.Next() {
		var seg SegmentRecord
		var id string
		var createdAtMs int64
		if err := rows.Scan(&id, &seg.Sequence, &seg.Text, &seg.SpeakerTag,
			&seg.Confidence, &createdAtMs); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse segment session id: %w", err)
		}
		seg.SessionID = parsed
		seg.CreatedAt = time.UnixMilli(createdAtMs)
		segments = append(segments, &seg)
	}
	return segments, rows.Err()
}

// UpsertCheckpoint advances the transcription checkpoint. The checkpoint
// only moves forward: a stale write below the stored sequence is ignored.
func (s *Store) UpsertCheckpoint(ctx context.Context, sessionID uuid.UUID, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, seq, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			seq = excluded.seq,
			updated_at_ms = excluded.updated_at_ms
		WHERE excluded.seq > checkpoints.seq
	`, sessionID.String(), seq, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the last transcribed sequence for the session, and
// false when transcription has not started.
func (s *Store) GetCheckpoint(ctx context.Context, sessionID uuid.UUID) (uint64, bool, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM checkpoints WHERE session_id = ?
	`, sessionID.String()).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query checkpoint: %w", err)
	}
	return seq, true, nil
}

// InsertSummaryOnce persists the session summary unless one already exists.
// Returns false when a summary was already stored, making the summarization
// trigger idempotent.
func (s *Store) InsertSummaryOnce(ctx context.Context, sum *SummaryRecord) (bool, error) {
	keyPoints, err := json.Marshal(sum.KeyPoints)
	if err != nil {
		return false, fmt.Errorf("marshal key points: %w", err)
	}
	actionItems, err := json.Marshal(sum.ActionItems)
	if err != nil {
		return false, fmt.Errorf("marshal action items: %w", err)
	}
	decisions, err := json.Marshal(sum.Decisions)
	if err != nil {
		return false, fmt.Errorf("marshal decisions: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO summaries (session_id, overview, key_points, action_items, decisions, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sum.SessionID.String(), sum.Overview, string(keyPoints), string(actionItems),
		string(decisions), sum.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert summary: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert summary: %w", err)
	}
	return n > 0, nil
}

// GetSummary loads the session summary.
func (s *Store) GetSummary(ctx context.Context, sessionID uuid.UUID) (*SummaryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, overview, key_points, action_items, decisions, created_at_ms
		FROM summaries
		WHERE session_id = ?
	`, sessionID.String())

	var sum SummaryRecord
	var id, keyPoints, actionItems, decisions string
	var createdAtMs int64
	if err := row.Scan(&id, &sum.Overview, &keyPoints, &actionItems, &decisions, &createdAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan summary: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse summary session id: %w", err)
	}
	sum.SessionID = parsed
	sum.CreatedAt = time.UnixMilli(createdAtMs)
	if err := json.Unmarshal([]byte(keyPoints), &sum.KeyPoints); err != nil {
		return nil, fmt.Errorf("unmarshal key points: %w", err)
	}
	if err := json.Unmarshal([]byte(actionItems), &sum.ActionItems); err != nil {
		return nil, fmt.Errorf("unmarshal action items: %w", err)
	}
	if err := json.Unmarshal([]byte(decisions), &sum.Decisions); err != nil {
		return nil, fmt.Errorf("unmarshal decisions: %w", err)
	}

	return &sum, nil
}
