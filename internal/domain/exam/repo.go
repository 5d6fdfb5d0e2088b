package exam

import (
	"context"

	"github.com/google/uuid"
)

// HistoryRepository is the status ledger. Append is the only mutating call
// and updates the exam's cached status in the same transaction.
type HistoryRepository interface {
	// Append inserts e and sets exams.status. When expected is non-nil and the
	// exam's current status differs, nothing is written and ErrStaleStatus is
	// returned.
	Append(ctx context.Context, e *StatusHistoryEntry, expected *Status) error
	LatestN(ctx context.Context, examID uuid.UUID, n int) ([]*StatusHistoryEntry, error)
	ListByExam(ctx context.Context, examID uuid.UUID) ([]*StatusHistoryEntry, error)
	ListRecentByPrincipal(ctx context.Context, principal string, limit int) ([]*ActivityEntry, error)
	GetExam(ctx context.Context, id uuid.UUID) (*ExamSummary, error)
}

// EventPublisher receives transition events. Failures never fail the append.
type EventPublisher interface {
	PublishTransition(ctx context.Context, ev TransitionEvent) error
}
