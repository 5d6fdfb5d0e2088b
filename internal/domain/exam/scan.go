package exam

import (
	"context"
	"errors"
	"fmt"
)

type ScanState string

const (
	ScanIdle                 ScanState = "idle"
	ScanAwaitingDecode       ScanState = "awaiting-decode"
	ScanStatusFetched        ScanState = "status-fetched"
	ScanAwaitingConfirmation ScanState = "awaiting-confirmation"
	ScanTransitionApplied    ScanState = "transition-applied"
	ScanError                ScanState = "error"
)

// Action is what the operator confirms after a scan.
type Action string

const (
	ActionAdvance Action = "advance"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
)

var (
	ErrScanState     = errors.New("scan flow cannot take this step now")
	ErrUnknownAction = errors.New("unknown scan action")
)

// ConfirmOptions carries the optional parts of a confirmation. SeenStatus,
// when set, replaces the fetched status as the transition's starting point.
type ConfirmOptions struct {
	Reason     RejectionReason
	Note       string
	SeenStatus Status
}

// ScanFlow drives one QR scan from decode to an applied transition. It is
// not safe for concurrent use; each operator session owns its own flow.
type ScanFlow struct {
	svc     *Service
	state   ScanState
	text    string
	payload QRPayload
	exam    *ExamSummary
	next    *Status
	applied *StatusHistoryEntry
	err     error
}

func NewScanFlow(svc *Service) *ScanFlow {
	return &ScanFlow{svc: svc, state: ScanIdle}
}

func (f *ScanFlow) State() ScanState { return f.state }

// Scan starts a new flow with the scanned text, discarding any previous one.
func (f *ScanFlow) Scan(text string) {
	f.Reset()
	f.text = text
	f.state = ScanAwaitingDecode
}

// Resolve decodes the scanned text and fetches the exam's current status.
func (f *ScanFlow) Resolve(ctx context.Context) (*ExamSummary, error) {
	if f.state != ScanAwaitingDecode {
		return nil, fmt.Errorf("%w: resolve in state %s", ErrScanState, f.state)
	}

	p, err := DecodeQRPayload(f.text)
	if err != nil {
		return nil, f.fail(err)
	}
	id, err := p.ExamID()
	if err != nil {
		return nil, f.fail(err)
	}
	exam, err := f.svc.FetchCurrentStatus(ctx, id)
	if err != nil {
		return nil, f.fail(err)
	}

	f.payload = p
	f.exam = exam
	if next, ok := NextStatus(exam.Status); ok {
		f.next = &next
	}
	f.state = ScanStatusFetched
	return exam, nil
}

// Confirm applies the operator's action to the resolved exam.
func (f *ScanFlow) Confirm(ctx context.Context, action Action, principal string, opts ConfirmOptions) (*StatusHistoryEntry, error) {
	if f.state != ScanStatusFetched {
		return nil, fmt.Errorf("%w: confirm in state %s", ErrScanState, f.state)
	}
	f.state = ScanAwaitingConfirmation

	seen := f.exam.Status
	if opts.SeenStatus != "" {
		seen = opts.SeenStatus
	}

	var entry *StatusHistoryEntry
	var err error
	switch action {
	case ActionAdvance, ActionAccept:
		next, ok := NextStatus(seen)
		if !ok {
			return nil, f.fail(fmt.Errorf("%w: %s has no next status", ErrInvalidTransition, seen))
		}
		entry, err = f.svc.RecordTransition(ctx, TransitionRequest{
			ExamID:    f.exam.ID,
			Status:    next,
			From:      seen,
			Principal: principal,
		})
	case ActionReject:
		entry, err = f.svc.Reject(ctx, f.exam.ID, opts.Reason, opts.Note, principal, seen)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return nil, f.fail(err)
	}

	f.applied = entry
	f.exam.Status = entry.Status
	f.next = nil
	if next, ok := NextStatus(entry.Status); ok {
		f.next = &next
	}
	f.state = ScanTransitionApplied
	return entry, nil
}

// Reset returns the flow to idle.
func (f *ScanFlow) Reset() {
	*f = ScanFlow{svc: f.svc, state: ScanIdle}
}

// Err is the error that moved the flow into the error state.
func (f *ScanFlow) Err() error { return f.err }

// Message is the operator-facing text for Err, or "" when there is none.
func (f *ScanFlow) Message() string {
	if f.err == nil {
		return ""
	}
	return UserMessage(f.err)
}

func (f *ScanFlow) fail(err error) error {
	f.err = err
	f.state = ScanError
	return err
}

// ScanSnapshot is the serializable view of a flow.
type ScanSnapshot struct {
	State     ScanState           `json:"state"`
	Payload   *QRPayload          `json:"payload,omitempty"`
	Exam      *ExamSummary        `json:"exam,omitempty"`
	Display   *Display            `json:"display,omitempty"`
	NextState *Status             `json:"next_state"`
	Entry     *StatusHistoryEntry `json:"entry,omitempty"`
	Error     string              `json:"error,omitempty"`
	Message   string              `json:"message,omitempty"`
}

func (f *ScanFlow) Snapshot() ScanSnapshot {
	snap := ScanSnapshot{
		State:     f.state,
		Exam:      f.exam,
		NextState: f.next,
		Entry:     f.applied,
		Message:   f.Message(),
	}
	if f.exam != nil {
		p := f.payload
		d := DisplayFor(f.exam.Status)
		snap.Payload = &p
		snap.Display = &d
	}
	if f.err != nil {
		snap.Error = f.err.Error()
	}
	return snap
}

// UserMessage maps an engine error to the text shown to the operator.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedPayload):
		return "Invalid QR code. Please scan the label again."
	case errors.Is(err, ErrNotFound):
		return "Exam not found."
	case errors.Is(err, ErrStaleStatus):
		return "This exam was updated by someone else. Scan it again to see its current status."
	case errors.Is(err, ErrInvalidTransition):
		return "This exam cannot move to the requested status."
	case errors.Is(err, ErrNoPriorState):
		return "Nothing to undo."
	case errors.Is(err, ErrUnknownRejectionReason):
		return "Select a valid rejection reason."
	case errors.Is(err, ErrPrincipalRequired):
		return "You must be signed in to record a transition."
	case errors.Is(err, ErrPersistence):
		return "Could not reach the exam store. Please try again."
	default:
		return err.Error()
	}
}
