// Package store persists sessions, segments, and change logs in SQLite.
//
// DESIGN: SQLite (modernc.org/sqlite, pure Go) is the single source of
// truth for run state. Every cursor advance is one transaction that writes
// the segment output AND moves the session cursor, so a crash between the
// two is impossible and a resumed run continues exactly where the last
// committed segment left off.
//
// Currently only the SQLite store is implemented. For multi-instance
// deployments, lift the Store methods into an interface backed by Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Session statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Segment statuses. A failed segment under the skip-and-continue policy
// still carries its input as output so later stages see a full list.
const (
	SegmentPending    = "pending"
	SegmentProcessing = "processing"
	SegmentDone       = "done"
	SegmentFailed     = "failed"
)

// Session is one rewriting run over one input text.
type Session struct {
	ID           string
	OriginalText string
	Mode         string
	// StageConfigs is the JSON snapshot of the per-stage model settings
	// taken at submission. Operator edits after submission never affect
	// a run already in flight.
	StageConfigs string
	Status       string
	Progress     float64

	// Cursor: next (stage, segment) to process. Both zero-based.
	StageIndex   int
	SegmentIndex int

	// FailedSegmentIndex is the segment that caused a failed status, or
	// -1 when not applicable.
	FailedSegmentIndex int
	FailureReason      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Segment is one unit of text within one stage of a session.
type Segment struct {
	SessionID  string
	Stage      string
	Index      int
	InputText  string
	OutputText sql.NullString
	Status     string
	IsTitle    bool
	SoftFail   bool
	UpdatedAt  time.Time
}

// ChangeLog records one before/after rewrite with its unified diff.
// Rows are append-only.
type ChangeLog struct {
	ID           int64
	SessionID    string
	Stage        string
	SegmentIndex int
	Before       string
	After        string
	Diff         string
	CreatedAt    time.Time
}

// Stats aggregates run counts for the status command.
type Stats struct {
	Sessions   map[string]int // status -> count
	Segments   int
	ChangeLogs int
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                   TEXT PRIMARY KEY,
	original_text        TEXT NOT NULL,
	mode                 TEXT NOT NULL,
	stage_configs        TEXT NOT NULL,
	status               TEXT NOT NULL,
	progress             REAL NOT NULL DEFAULT 0,
	stage_index          INTEGER NOT NULL DEFAULT 0,
	segment_index        INTEGER NOT NULL DEFAULT 0,
	failed_segment_index INTEGER NOT NULL DEFAULT -1,
	failure_reason       TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMP NOT NULL,
	updated_at           TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	stage       TEXT NOT NULL,
	seg_index   INTEGER NOT NULL,
	input_text  TEXT NOT NULL,
	output_text TEXT,
	status      TEXT NOT NULL DEFAULT 'pending',
	is_title    INTEGER NOT NULL DEFAULT 0,
	soft_fail   INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, stage, seg_index)
);

CREATE TABLE IF NOT EXISTS change_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	stage         TEXT NOT NULL,
	segment_index INTEGER NOT NULL,
	before_text   TEXT NOT NULL,
	after_text    TEXT NOT NULL,
	diff          TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_change_logs_session ON change_logs(session_id);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at '%s': %w", path, err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent session workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts the session and its first-stage segments in one
// transaction. The session starts queued with the cursor at (0, 0).
func (s *Store) CreateSession(ctx context.Context, sess *Session, stage string, inputs []Segment) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, original_text, mode, stage_configs, status,
			progress, stage_index, segment_index, failed_segment_index,
			failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, -1, '', ?, ?)`,
		sess.ID, sess.OriginalText, sess.Mode, sess.StageConfigs,
		StatusQueued, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	if err := insertSegments(ctx, tx, sess.ID, stage, inputs, now); err != nil {
		return err
	}

	return tx.Commit()
}

// InsertStageSegments records the input segments for a subsequent stage
// (the previous stage's outputs).
func (s *Store) InsertStageSegments(ctx context.Context, sessionID, stage string, inputs []Segment) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertSegments(ctx, tx, sessionID, stage, inputs, now); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSegments(ctx context.Context, tx *sql.Tx, sessionID, stage string, inputs []Segment, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO segments (session_id, stage, seg_index, input_text,
			status, is_title, soft_fail, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, 0, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare segment insert: %w", err)
	}
	defer stmt.Close()

	for i, seg := range inputs {
		if _, err := stmt.ExecContext(ctx, sessionID, stage, i, seg.InputText, seg.IsTitle, now); err != nil {
			return fmt.Errorf("failed to insert segment %d: %w", i, err)
		}
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, original_text, mode, stage_configs, status, progress,
			stage_index, segment_index, failed_segment_index, failure_reason,
			created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.OriginalText, &sess.Mode, &sess.StageConfigs,
		&sess.Status, &sess.Progress, &sess.StageIndex, &sess.SegmentIndex,
		&sess.FailedSegmentIndex, &sess.FailureReason,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session '%s' not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session '%s': %w", id, err)
	}
	return &sess, nil
}

// UpdateSessionStatus transitions a session's status. failedIndex is the
// segment that caused a failure (-1 when not applicable), reason is stored
// verbatim for the operator.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status, reason string, failedIndex int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, failure_reason = ?, failed_segment_index = ?, updated_at = ?
		WHERE id = ?`,
		status, reason, failedIndex, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session '%s' status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session '%s' not found", id)
	}
	return nil
}

// AdvanceCursor atomically writes one segment's outcome and moves the
// session cursor past it. Output is write-once: a done segment is never
// rewritten.
func (s *Store) AdvanceCursor(ctx context.Context, sessionID, stage string, segIndex int, output string, segStatus string, softFail bool, nextStage, nextSegment int, progress float64) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE segments
		SET output_text = ?, status = ?, soft_fail = ?, updated_at = ?
		WHERE session_id = ? AND stage = ? AND seg_index = ? AND output_text IS NULL`,
		output, segStatus, softFail, now, sessionID, stage, segIndex)
	if err != nil {
		return fmt.Errorf("failed to write segment output: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("segment (%s, %s, %d) missing or already written", sessionID, stage, segIndex)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET stage_index = ?, segment_index = ?, progress = ?, updated_at = ?
		WHERE id = ?`,
		nextStage, nextSegment, progress, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to advance session cursor: %w", err)
	}

	return tx.Commit()
}

// MarkSegmentProcessing flags the segment a worker just picked up.
// Informational only; resume trusts the session cursor, not this flag.
func (s *Store) MarkSegmentProcessing(ctx context.Context, sessionID, stage string, segIndex int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE segments SET status = ?, updated_at = ?
		WHERE session_id = ? AND stage = ? AND seg_index = ? AND output_text IS NULL`,
		SegmentProcessing, time.Now().UTC(), sessionID, stage, segIndex)
	if err != nil {
		return fmt.Errorf("failed to mark segment processing: %w", err)
	}
	return nil
}

// ListSegments returns a session's segments for one stage, ordered by
// index.
func (s *Store) ListSegments(ctx context.Context, sessionID, stage string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, stage, seg_index, input_text, output_text,
			status, is_title, soft_fail, updated_at
		FROM segments
		WHERE session_id = ? AND stage = ?
		ORDER BY seg_index`, sessionID, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segs []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.SessionID, &seg.Stage, &seg.Index, &seg.InputText,
			&seg.OutputText, &seg.Status, &seg.IsTitle, &seg.SoftFail, &seg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// InsertChangeLog appends one immutable change record.
func (s *Store) InsertChangeLog(ctx context.Context, cl *ChangeLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_logs (session_id, stage, segment_index,
			before_text, after_text, diff, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cl.SessionID, cl.Stage, cl.SegmentIndex, cl.Before, cl.After, cl.Diff,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert change log: %w", err)
	}
	return nil
}

// ListChangeLogs returns a session's change records in creation order.
func (s *Store) ListChangeLogs(ctx context.Context, sessionID string) ([]ChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, stage, segment_index, before_text, after_text,
			diff, created_at
		FROM change_logs WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list change logs: %w", err)
	}
	defer rows.Close()

	var logs []ChangeLog
	for rows.Next() {
		var cl ChangeLog
		if err := rows.Scan(&cl.ID, &cl.SessionID, &cl.Stage, &cl.SegmentIndex,
			&cl.Before, &cl.After, &cl.Diff, &cl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change log: %w", err)
		}
		logs = append(logs, cl)
	}
	return logs, rows.Err()
}

// ListByStatus returns session ids with the given status, oldest first.
// Used at startup to find interrupted (processing) and waiting (queued)
// sessions.
func (s *Store) ListByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetSetting returns an operator override, or ("", false) when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting '%s': %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts an operator override.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write setting '%s': %w", key, err)
	}
	return nil
}

// GetStats aggregates counts for the status command.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Sessions: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan session count: %w", err)
		}
		stats.Sessions[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments`).Scan(&stats.Segments); err != nil {
		return nil, fmt.Errorf("failed to count segments: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_logs`).Scan(&stats.ChangeLogs); err != nil {
		return nil, fmt.Errorf("failed to count change logs: %w", err)
	}

	return stats, nil
}
