package exam

import (
	"fmt"
	"strings"
)

// Status is one step of the exam lifecycle.
type Status string

const (
	StatusRegistered       Status = "registered"
	StatusCollected        Status = "collected"
	StatusSentToLab        Status = "sent_to_lab"
	StatusInAnalysis       Status = "in_analysis"
	StatusResultsAvailable Status = "results_available"
	StatusCompleted        Status = "completed"
	StatusRejected         Status = "rejected"
)

// workflow is the fixed forward order. rejected sits outside it.
var workflow = []Status{
	StatusRegistered,
	StatusCollected,
	StatusSentToLab,
	StatusInAnalysis,
	StatusResultsAvailable,
	StatusCompleted,
}

var position = func() map[Status]int {
	m := make(map[Status]int, len(workflow))
	for i, s := range workflow {
		m[s] = i
	}
	return m
}()

// ParseStatus trims s and reports whether it names a known status.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.TrimSpace(s))
	return st, st.Valid()
}

func (s Status) Valid() bool {
	if s == StatusRejected {
		return true
	}
	_, ok := position[s]
	return ok
}

// Terminal reports whether no forward transition exists from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

func (s Status) String() string {
	return string(s)
}

// NextStatus returns the status following s. The boolean is false for
// completed, rejected and unrecognized values.
func NextStatus(s Status) (Status, bool) {
	i, ok := position[s]
	if !ok || i+1 >= len(workflow) {
		return "", false
	}
	return workflow[i+1], true
}

// PreviousStatus returns the status preceding s. registered and rejected map
// to themselves and unrecognized values map to registered, so callers that
// disable a "back" control on an unchanged value keep working.
func PreviousStatus(s Status) Status {
	if s == StatusRejected {
		return s
	}
	i, ok := position[s]
	if !ok {
		return StatusRegistered
	}
	if i == 0 {
		return s
	}
	return workflow[i-1]
}

// PreviousTransition is PreviousStatus with an explicit signal: the boolean
// is false when s has no backward transition.
func PreviousTransition(s Status) (Status, bool) {
	i, ok := position[s]
	if !ok || i == 0 {
		return "", false
	}
	return workflow[i-1], true
}

// ValidateTransition checks that to is reachable from from in one step:
// either the next workflow status or a rejection of a non-terminal exam.
func ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if to == StatusRejected {
		if from.Valid() && !from.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: cannot reject an exam in status %q", ErrInvalidTransition, from)
	}
	if next, ok := NextStatus(from); ok && next == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Category groups statuses for presentation.
type Category string

const (
	CategoryNeutral    Category = "neutral"
	CategoryInProgress Category = "in-progress"
	CategorySuccess    Category = "success"
	CategoryDanger     Category = "danger"
)

type Display struct {
	Status   Status   `json:"status"`
	Label    string   `json:"label"`
	Category Category `json:"category"`
}

var displays = map[Status]Display{
	StatusRegistered:       {StatusRegistered, "Registered", CategoryNeutral},
	StatusCollected:        {StatusCollected, "Sample Collected", CategoryInProgress},
	StatusSentToLab:        {StatusSentToLab, "Sent to Lab", CategoryInProgress},
	StatusInAnalysis:       {StatusInAnalysis, "In Analysis", CategoryInProgress},
	StatusResultsAvailable: {StatusResultsAvailable, "Results Available", CategorySuccess},
	StatusCompleted:        {StatusCompleted, "Completed", CategorySuccess},
	StatusRejected:         {StatusRejected, "Rejected", CategoryDanger},
}

// DisplayFor returns the label and category for s. Unknown values are shown
// as-is in the neutral category.
func DisplayFor(s Status) Display {
	if d, ok := displays[s]; ok {
		return d
	}
	return Display{Status: s, Label: string(s), Category: CategoryNeutral}
}

// AllStatuses lists display rows in workflow order followed by rejected.
func AllStatuses() []Display {
	out := make([]Display, 0, len(workflow)+1)
	for _, s := range workflow {
		out = append(out, displays[s])
	}
	return append(out, displays[StatusRejected])
}
