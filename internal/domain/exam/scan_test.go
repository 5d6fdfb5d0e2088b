package exam

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func labelFor(t *testing.T, repo *mockHistoryRepo, id uuid.UUID) string {
	t.Helper()
	exam, err := repo.GetExam(context.Background(), id)
	if err != nil {
		t.Fatalf("get exam: %v", err)
	}
	text, err := EncodeQRPayload(PayloadFor(exam))
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return text
}

func TestScanFlow_HappyPathAccept(t *testing.T) {
	svc, repo := newTestService()
	id := repo.addExam("collector-1", StatusRegistered, StatusCollected, StatusSentToLab)
	flow := NewScanFlow(svc)
	ctx := context.Background()

	if flow.State() != ScanIdle {
		t.Fatalf("expected idle, got %s", flow.State())
	}
	flow.Scan(labelFor(t, repo, id))
	if flow.State() != ScanAwaitingDecode {
		t.Fatalf("expected awaiting-decode, got %s", flow.State())
	}

	exam, err := flow.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if exam.Status != StatusSentToLab || flow.State() != ScanStatusFetched {
		t.Fatalf("expected status-fetched at sent_to_lab, got %s at %s", flow.State(), exam.Status)
	}
	snap := flow.Snapshot()
	if snap.NextState == nil || *snap.NextState != StatusInAnalysis {
		t.Fatalf("expected next state in_analysis, got %v", snap.NextState)
	}

	entry, err := flow.Confirm(ctx, ActionAccept, "tech-1", ConfirmOptions{})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if entry.Status != StatusInAnalysis || flow.State() != ScanTransitionApplied {
		t.Errorf("expected transition-applied with in_analysis, got %s / %s", flow.State(), entry.Status)
	}

	current, _ := svc.FetchCurrentStatus(ctx, id)
	if current.Status != StatusInAnalysis {
		t.Errorf("expected current status in_analysis, got %s", current.Status)
	}
	if flow.Message() != "" || flow.Err() != nil {
		t.Error("expected no error after success")
	}
}

func TestScanFlow_Reject(t *testing.T) {
	svc, repo := newTestService()
	id := repo.addExam("collector-1", StatusRegistered, StatusCollected, StatusSentToLab)
	flow := NewScanFlow(svc)
	ctx := context.Background()

	flow.Scan(labelFor(t, repo, id))
	if _, err := flow.Resolve(ctx); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	entry, err := flow.Confirm(ctx, ActionReject, "tech-1", ConfirmOptions{
		Reason: ReasonContaminatedSample, Note: "leaking tube",
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if entry.Status != StatusRejected || !strings.Contains(*entry.Notes, "leaking tube") {
		t.Errorf("unexpected entry %+v", entry)
	}
	if flow.Snapshot().NextState != nil {
		t.Error("expected no next state after rejection")
	}
}

func TestScanFlow_MalformedPayload(t *testing.T) {
	svc, _ := newTestService()
	flow := NewScanFlow(svc)

	flow.Scan("not json")
	_, err := flow.Resolve(context.Background())
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if flow.State() != ScanError {
		t.Errorf("expected error state, got %s", flow.State())
	}
	if !strings.Contains(flow.Message(), "QR") {
		t.Errorf("expected a scan-again message, got %q", flow.Message())
	}
}

func TestScanFlow_NonUUIDIDIsMalformed(t *testing.T) {
	svc, _ := newTestService()
	flow := NewScanFlow(svc)

	flow.Scan(`{"id":"E1","examType":"CBC","patientName":"Ana","priority":"routine"}`)
	if _, err := flow.Resolve(context.Background()); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestScanFlow_ExamNotFound(t *testing.T) {
	svc, _ := newTestService()
	flow := NewScanFlow(svc)

	text, _ := EncodeQRPayload(QRPayload{ID: uuid.NewString(), ExamType: "CBC", PatientName: "Ana", Priority: "routine"})
	flow.Scan(text)
	_, err := flow.Resolve(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrMalformedPayload) {
		t.Error("not found must be distinguishable from a bad scan")
	}
	if flow.Message() != "Exam not found." {
		t.Errorf("unexpected message %q", flow.Message())
	}
}

func TestScanFlow_AdvanceCompletedExam(t *testing.T) {
	svc, repo := newTestService()
	id := repo.addExam("tech-1", StatusRegistered, StatusCollected, StatusSentToLab,
		StatusInAnalysis, StatusResultsAvailable, StatusCompleted)
	flow := NewScanFlow(svc)
	ctx := context.Background()

	flow.Scan(labelFor(t, repo, id))
	if _, err := flow.Resolve(ctx); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if flow.Snapshot().NextState != nil {
		t.Error("expected no next state for completed exam")
	}
	if _, err := flow.Confirm(ctx, ActionAdvance, "tech-1", ConfirmOptions{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if flow.State() != ScanError {
		t.Errorf("expected error state, got %s", flow.State())
	}
}

func TestScanFlow_StaleSeenStatusInStrictMode(t *testing.T) {
	svc, repo := newTestService()
	svc.SetStrict(true)
	id := repo.addExam("collector-1", StatusRegistered, StatusCollected, StatusSentToLab)
	flow := NewScanFlow(svc)
	ctx := context.Background()

	flow.Scan(labelFor(t, repo, id))
	if _, err := flow.Resolve(ctx); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := flow.Confirm(ctx, ActionAdvance, "collector-2", ConfirmOptions{SeenStatus: StatusCollected})
	if !errors.Is(err, ErrStaleStatus) {
		t.Errorf("expected ErrStaleStatus, got %v", err)
	}
}

func TestScanFlow_SeenStatusCannotReopenCompletedExam(t *testing.T) {
	svc, repo := newTestService()
	id := repo.addExam("collector-1", StatusRegistered, StatusCollected, StatusSentToLab, StatusInAnalysis, StatusResultsAvailable, StatusCompleted)
	flow := NewScanFlow(svc)
	ctx := context.Background()

	flow.Scan(labelFor(t, repo, id))
	if _, err := flow.Resolve(ctx); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := flow.Confirm(ctx, ActionReject, "tech-1", ConfirmOptions{Reason: ReasonOther, SeenStatus: StatusCollected})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if got := repo.statuses(id); got[len(got)-1] != StatusCompleted {
		t.Errorf("expected exam to stay completed, history %v", got)
	}
}

func TestScanFlow_UnknownAction(t *testing.T) {
	svc, repo := newTestService()
	id := repo.addExam("collector-1", StatusRegistered)
	flow := NewScanFlow(svc)
	ctx := context.Background()

	flow.Scan(labelFor(t, repo, id))
	flow.Resolve(ctx)
	if _, err := flow.Confirm(ctx, "teleport", "tech-1", ConfirmOptions{}); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestScanFlow_OutOfOrderSteps(t *testing.T) {
	svc, _ := newTestService()
	flow := NewScanFlow(svc)
	ctx := context.Background()

	if _, err := flow.Resolve(ctx); !errors.Is(err, ErrScanState) {
		t.Errorf("expected ErrScanState resolving from idle, got %v", err)
	}
	if _, err := flow.Confirm(ctx, ActionAdvance, "tech-1", ConfirmOptions{}); !errors.Is(err, ErrScanState) {
		t.Errorf("expected ErrScanState confirming from idle, got %v", err)
	}
	if flow.State() != ScanIdle {
		t.Errorf("out-of-order calls must not change state, got %s", flow.State())
	}
}

func TestScanFlow_RestartAfterError(t *testing.T) {
	svc, repo := newTestService()
	id := repo.addExam("collector-1", StatusRegistered)
	flow := NewScanFlow(svc)
	ctx := context.Background()

	flow.Scan("garbage")
	flow.Resolve(ctx)
	if flow.State() != ScanError {
		t.Fatalf("expected error state, got %s", flow.State())
	}

	flow.Scan(labelFor(t, repo, id))
	if _, err := flow.Resolve(ctx); err != nil {
		t.Fatalf("resolve after restart: %v", err)
	}
	if flow.Err() != nil {
		t.Error("expected error cleared on restart")
	}

	flow.Reset()
	if flow.State() != ScanIdle || flow.Snapshot().Exam != nil {
		t.Error("expected Reset to clear the flow")
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNoPriorState, "Nothing to undo."},
		{persistenceErr("get exam", errors.New("connection refused")), "Could not reach the exam store. Please try again."},
		{persistenceErr("append", ErrNotFound), "Exam not found."},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
