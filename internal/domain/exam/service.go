package exam

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UndoNote is recorded on every compensating entry written by undo.
const UndoNote = "state reverted to previous"

const (
	defaultActivityLimit = 20
	maxActivityLimit     = 100
)

type Service struct {
	history HistoryRepository
	pub     EventPublisher
	strict  bool
	log     zerolog.Logger
}

func NewService(history HistoryRepository) *Service {
	return &Service{history: history, log: zerolog.Nop()}
}

// SetPublisher attaches an optional EventPublisher to the service.
func (s *Service) SetPublisher(pub EventPublisher) {
	s.pub = pub
}

// SetStrict makes every append conditional on the exam still being in the
// status the caller saw. Off by default: two concurrent advances from the
// same status both succeed and both stay in the history.
func (s *Service) SetStrict(strict bool) {
	s.strict = strict
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.log = l.With().Str("component", "exam").Logger()
}

func (s *Service) GetNextStatus(current Status) (Status, bool) {
	return NextStatus(current)
}

func (s *Service) GetPreviousStatus(current Status) Status {
	return PreviousStatus(current)
}

// RecordTransition validates req against the stored status and appends it
// to the history. From, when set, is the status the caller saw. In strict
// mode the append only succeeds while the exam is still in From. Otherwise
// the only departure from the stored status that is accepted is a repeat of
// a step that a concurrent caller already recorded.
func (s *Service) RecordTransition(ctx context.Context, req TransitionRequest) (*StatusHistoryEntry, error) {
	principal := strings.TrimSpace(req.Principal)
	if principal == "" {
		return nil, ErrPrincipalRequired
	}

	exam, err := s.history.GetExam(ctx, req.ExamID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, persistenceErr("append", err)
		}
		return nil, err
	}
	from, err := s.resolveFrom(exam.Status, req.From, req.Status)
	if err != nil {
		return nil, err
	}

	var expected *Status
	if s.strict {
		expected = &from
	}

	entry := &StatusHistoryEntry{
		ExamID:    req.ExamID,
		Status:    req.Status,
		CreatedBy: principal,
		Notes:     notesPtr(req.Notes),
	}
	if err := s.history.Append(ctx, entry, expected); err != nil {
		s.log.Warn().Err(err).
			Str("exam_id", req.ExamID.String()).
			Str("status", string(req.Status)).
			Str("principal", principal).
			Msg("transition not recorded")
		return nil, err
	}

	s.log.Info().
		Str("exam_id", req.ExamID.String()).
		Str("from", string(from)).
		Str("status", string(entry.Status)).
		Str("principal", principal).
		Msg("transition recorded")

	s.publish(ctx, TransitionEvent{
		Type:      EventTransition,
		ExamID:    entry.ExamID,
		Status:    entry.Status,
		Previous:  from,
		Principal: principal,
		Notes:     req.Notes,
		At:        entry.CreatedAt,
	})
	return entry, nil
}

// resolveFrom returns the status a transition to `to` departs from.
func (s *Service) resolveFrom(stored, seen, to Status) (Status, error) {
	if seen == "" {
		seen = stored
	}
	if s.strict {
		return seen, ValidateTransition(seen, to)
	}
	err := ValidateTransition(stored, to)
	if err == nil {
		return stored, nil
	}
	// lost race: another caller already made the same move from seen
	if seen != stored && to == stored && ValidateTransition(seen, to) == nil {
		return seen, nil
	}
	return "", err
}

// Reject records the rejected status with notes carrying the reason code
// and the free-text note.
func (s *Service) Reject(ctx context.Context, examID uuid.UUID, reason RejectionReason, note, principal string, from Status) (*StatusHistoryEntry, error) {
	code, err := ParseRejectionReason(string(reason))
	if err != nil {
		return nil, err
	}
	return s.RecordTransition(ctx, TransitionRequest{
		ExamID:    examID,
		Status:    StatusRejected,
		From:      from,
		Principal: principal,
		Notes:     RejectionNotes(code, note),
	})
}

// UndoLastTransition re-appends the status recorded before the newest entry
// and returns it. The compensating entry is attributed to the principal of
// the entry being undone; requester is only logged.
func (s *Service) UndoLastTransition(ctx context.Context, examID uuid.UUID, requester string) (Status, error) {
	entries, err := s.history.LatestN(ctx, examID, 2)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		if _, err := s.history.GetExam(ctx, examID); err != nil {
			return "", err
		}
	}
	if len(entries) < 2 {
		return "", ErrNoPriorState
	}

	latest, previous := entries[0], entries[1]
	var expected *Status
	if s.strict {
		expected = &latest.Status
	}

	entry := &StatusHistoryEntry{
		ExamID:    examID,
		Status:    previous.Status,
		CreatedBy: latest.CreatedBy,
		Notes:     notesPtr(UndoNote),
	}
	if err := s.history.Append(ctx, entry, expected); err != nil {
		return "", fmt.Errorf("undo %s: %w", examID, err)
	}

	s.log.Info().
		Str("exam_id", examID.String()).
		Str("from", string(latest.Status)).
		Str("status", string(previous.Status)).
		Str("principal", latest.CreatedBy).
		Str("requester", requester).
		Msg("transition undone")

	s.publish(ctx, TransitionEvent{
		Type:      EventUndo,
		ExamID:    examID,
		Status:    previous.Status,
		Previous:  latest.Status,
		Principal: latest.CreatedBy,
		Notes:     UndoNote,
		At:        entry.CreatedAt,
	})
	return previous.Status, nil
}

func (s *Service) FetchCurrentStatus(ctx context.Context, examID uuid.UUID) (*ExamSummary, error) {
	return s.history.GetExam(ctx, examID)
}

// History returns an exam's full timeline, oldest first.
func (s *Service) History(ctx context.Context, examID uuid.UUID) ([]*StatusHistoryEntry, error) {
	entries, err := s.history.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := s.history.GetExam(ctx, examID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *Service) ListRecentActivity(ctx context.Context, principal string, limit int) ([]*ActivityEntry, error) {
	if strings.TrimSpace(principal) == "" {
		return nil, ErrPrincipalRequired
	}
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}
	return s.history.ListRecentByPrincipal(ctx, principal, limit)
}

func (s *Service) publish(ctx context.Context, ev TransitionEvent) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishTransition(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("exam_id", ev.ExamID.String()).Msg("publish transition event")
	}
}
