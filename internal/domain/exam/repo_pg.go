package exam

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labtrack/labtrack/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository {
	return &historyRepoPG{pool: pool}
}

func (r *historyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const historyCols = `seq, id, exam_id, status, created_at, created_by, notes`

func scanEntry(row pgx.Row) (*StatusHistoryEntry, error) {
	var e StatusHistoryEntry
	var status string
	if err := row.Scan(&e.Seq, &e.ID, &e.ExamID, &status, &e.CreatedAt, &e.CreatedBy, &e.Notes); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	return &e, nil
}

func (r *historyRepoPG) Append(ctx context.Context, e *StatusHistoryEntry, expected *Status) error {
	// Begin on a tx from context opens a savepoint.
	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return persistenceErr("begin append", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM exams WHERE id = $1 FOR UPDATE`, e.ExamID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return persistenceErr("append", fmt.Errorf("%w: %s", ErrNotFound, e.ExamID))
	}
	if err != nil {
		return persistenceErr("lock exam", err)
	}
	if expected != nil && Status(current) != *expected {
		return fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, *expected, current)
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO status_history (id, exam_id, status, created_by, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at`,
		e.ID, e.ExamID, string(e.Status), e.CreatedBy, e.Notes).Scan(&e.Seq, &e.CreatedAt)
	if err != nil {
		return persistenceErr("insert status history", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE exams SET status = $2, updated_at = $3 WHERE id = $1`,
		e.ExamID, string(e.Status), e.CreatedAt); err != nil {
		return persistenceErr("update exam status", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return persistenceErr("commit append", err)
	}
	return nil
}

func (r *historyRepoPG) LatestN(ctx context.Context, examID uuid.UUID, n int) ([]*StatusHistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+historyCols+` FROM status_history
		WHERE exam_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`, examID, n)
	if err != nil {
		return nil, persistenceErr("latest history", err)
	}
	return collectEntries(rows, "latest history")
}

func (r *historyRepoPG) ListByExam(ctx context.Context, examID uuid.UUID) ([]*StatusHistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+historyCols+` FROM status_history
		WHERE exam_id = $1 ORDER BY created_at, seq`, examID)
	if err != nil {
		return nil, persistenceErr("list history", err)
	}
	return collectEntries(rows, "list history")
}

func collectEntries(rows pgx.Rows, op string) ([]*StatusHistoryEntry, error) {
	defer rows.Close()
	var out []*StatusHistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, persistenceErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr(op, err)
	}
	return out, nil
}

func (r *historyRepoPG) ListRecentByPrincipal(ctx context.Context, principal string, limit int) ([]*ActivityEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT h.seq, h.id, h.exam_id, h.status, h.created_at, h.created_by, h.notes,
			e.exam_type, e.patient_name, e.priority
		FROM status_history h
		JOIN exams e ON e.id = h.exam_id
		WHERE h.created_by = $1
		ORDER BY h.created_at DESC, h.seq DESC
		LIMIT $2`, principal, limit)
	if err != nil {
		return nil, persistenceErr("recent activity", err)
	}
	defer rows.Close()

	var out []*ActivityEntry
	for rows.Next() {
		var a ActivityEntry
		var status string
		if err := rows.Scan(&a.Seq, &a.ID, &a.ExamID, &status, &a.CreatedAt, &a.CreatedBy, &a.Notes,
			&a.ExamType, &a.PatientName, &a.Priority); err != nil {
			return nil, persistenceErr("recent activity", err)
		}
		a.Status = Status(status)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("recent activity", err)
	}
	return out, nil
}

func (r *historyRepoPG) GetExam(ctx context.Context, id uuid.UUID) (*ExamSummary, error) {
	var s ExamSummary
	var status string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, exam_type, patient_name, priority, status FROM exams WHERE id = $1`, id).
		Scan(&s.ID, &s.ExamType, &s.PatientName, &s.Priority, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, persistenceErr("get exam", err)
	}
	s.Status = Status(status)
	return &s, nil
}
