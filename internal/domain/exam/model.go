package exam

import (
	"time"

	"github.com/google/uuid"
)

// ExamSummary is the read model of an exam row. The engine never writes the
// descriptive fields.
type ExamSummary struct {
	ID          uuid.UUID `json:"id"`
	ExamType    string    `json:"exam_type"`
	PatientName string    `json:"patient_name"`
	Priority    string    `json:"priority"`
	Status      Status    `json:"status"`
}

// StatusHistoryEntry is one row of the append-only status ledger. Seq and
// CreatedAt are assigned by the store.
type StatusHistoryEntry struct {
	Seq       int64     `json:"seq"`
	ID        uuid.UUID `json:"id"`
	ExamID    uuid.UUID `json:"exam_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	Notes     *string   `json:"notes,omitempty"`
}

// ActivityEntry is a history entry joined with the exam it belongs to.
type ActivityEntry struct {
	StatusHistoryEntry
	ExamType    string `json:"exam_type"`
	PatientName string `json:"patient_name"`
	Priority    string `json:"priority"`
}

// TransitionRequest asks the service to record a new status. From is the
// status the caller saw; when empty the service reads it from the store.
type TransitionRequest struct {
	ExamID    uuid.UUID
	Status    Status
	From      Status
	Principal string
	Notes     string
}

const (
	EventTransition = "transition"
	EventUndo       = "undo"
)

// TransitionEvent is published after every successful append.
type TransitionEvent struct {
	Type      string    `json:"type"`
	ExamID    uuid.UUID `json:"exam_id"`
	Status    Status    `json:"status"`
	Previous  Status    `json:"previous,omitempty"`
	Principal string    `json:"principal"`
	Notes     string    `json:"notes,omitempty"`
	At        time.Time `json:"at"`
}

func notesPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
