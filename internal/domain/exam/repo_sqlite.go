package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteTime keeps stored timestamps fixed-width so text order is time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS exams (
	id           TEXT PRIMARY KEY,
	exam_type    TEXT NOT NULL,
	patient_name TEXT NOT NULL,
	priority     TEXT NOT NULL DEFAULT 'routine',
	status       TEXT NOT NULL DEFAULT 'registered',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS status_history (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	exam_id    TEXT NOT NULL REFERENCES exams(id),
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL,
	notes      TEXT
);

CREATE INDEX IF NOT EXISTS idx_status_history_exam ON status_history(exam_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_status_history_principal ON status_history(created_by, created_at, seq);

CREATE TRIGGER IF NOT EXISTS status_history_no_update BEFORE UPDATE ON status_history
BEGIN SELECT RAISE(ABORT, 'status_history is append-only'); END;

CREATE TRIGGER IF NOT EXISTS status_history_no_delete BEFORE DELETE ON status_history
BEGIN SELECT RAISE(ABORT, 'status_history is append-only'); END;
`

// SQLiteStore is an embedded HistoryRepository for single-bench deployments.
// All access goes through one connection, which serializes appends.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (or creates) the database at path and applies the
// schema. ":memory:" gives a private in-memory store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", sqliteSchema} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("initialize sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{db: conn, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Append(ctx context.Context, e *StatusHistoryEntry, expected *Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr("begin append", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM exams WHERE id = ?`, e.ExamID.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return persistenceErr("append", fmt.Errorf("%w: %s", ErrNotFound, e.ExamID))
	}
	if err != nil {
		return persistenceErr("read exam status", err)
	}
	if expected != nil && Status(current) != *expected {
		return fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, *expected, current)
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	createdAt := s.now().UTC()
	stamp := createdAt.Format(sqliteTime)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO status_history (id, exam_id, status, created_at, created_by, notes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.ExamID.String(), string(e.Status), stamp, e.CreatedBy, nullString(e.Notes))
	if err != nil {
		return persistenceErr("insert status history", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return persistenceErr("insert status history", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE exams SET status = ?, updated_at = ? WHERE id = ?`,
		string(e.Status), stamp, e.ExamID.String()); err != nil {
		return persistenceErr("update exam status", err)
	}

	if err := tx.Commit(); err != nil {
		return persistenceErr("commit append", err)
	}
	e.Seq = seq
	e.CreatedAt = createdAt
	return nil
}

func (s *SQLiteStore) LatestN(ctx context.Context, examID uuid.UUID, n int) ([]*StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+historyCols+` FROM status_history
		WHERE exam_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`, examID.String(), n)
	if err != nil {
		return nil, persistenceErr("latest history", err)
	}
	return collectSQLiteEntries(rows, "latest history")
}

func (s *SQLiteStore) ListByExam(ctx context.Context, examID uuid.UUID) ([]*StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+historyCols+` FROM status_history
		WHERE exam_id = ? ORDER BY created_at, seq`, examID.String())
	if err != nil {
		return nil, persistenceErr("list history", err)
	}
	return collectSQLiteEntries(rows, "list history")
}

func (s *SQLiteStore) ListRecentByPrincipal(ctx context.Context, principal string, limit int) ([]*ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.seq, h.id, h.exam_id, h.status, h.created_at, h.created_by, h.notes,
			e.exam_type, e.patient_name, e.priority
		FROM status_history h
		JOIN exams e ON e.id = h.exam_id
		WHERE h.created_by = ?
		ORDER BY h.created_at DESC, h.seq DESC
		LIMIT ?`, principal, limit)
	if err != nil {
		return nil, persistenceErr("recent activity", err)
	}
	defer rows.Close()

	var out []*ActivityEntry
	for rows.Next() {
		var a ActivityEntry
		if err := scanSQLiteEntry(rows, &a.StatusHistoryEntry, &a.ExamType, &a.PatientName, &a.Priority); err != nil {
			return nil, persistenceErr("recent activity", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("recent activity", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetExam(ctx context.Context, id uuid.UUID) (*ExamSummary, error) {
	var sum ExamSummary
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, exam_type, patient_name, priority, status FROM exams WHERE id = ?`, id.String()).
		Scan(&sum.ID, &sum.ExamType, &sum.PatientName, &sum.Priority, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, persistenceErr("get exam", err)
	}
	sum.Status = Status(status)
	return &sum, nil
}

func collectSQLiteEntries(rows *sql.Rows, op string) ([]*StatusHistoryEntry, error) {
	defer rows.Close()
	var out []*StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		if err := scanSQLiteEntry(rows, &e); err != nil {
			return nil, persistenceErr(op, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr(op, err)
	}
	return out, nil
}

func scanSQLiteEntry(rows *sql.Rows, e *StatusHistoryEntry, extra ...interface{}) error {
	var status, createdAt string
	var notes sql.NullString
	dest := append([]interface{}{&e.Seq, &e.ID, &e.ExamID, &status, &createdAt, &e.CreatedBy, &notes}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	t, err := time.Parse(sqliteTime, createdAt)
	if err != nil {
		return fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	e.Status = Status(status)
	e.CreatedAt = t
	if notes.Valid {
		e.Notes = &notes.String
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var _ HistoryRepository = (*SQLiteStore)(nil)
