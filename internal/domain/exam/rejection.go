package exam

import (
	"fmt"
	"strings"
)

type RejectionReason string

const (
	ReasonContaminatedSample RejectionReason = "CONTAMINATED_SAMPLE"
	ReasonInsufficientSample RejectionReason = "INSUFFICIENT_SAMPLE"
	ReasonHemolyzedSample    RejectionReason = "HEMOLYZED_SAMPLE"
	ReasonClottedSample      RejectionReason = "CLOTTED_SAMPLE"
	ReasonImproperLabeling   RejectionReason = "IMPROPER_LABELING"
	ReasonWrongContainer     RejectionReason = "WRONG_CONTAINER"
	ReasonSampleExpired      RejectionReason = "SAMPLE_EXPIRED"
	ReasonOther              RejectionReason = "OTHER"
)

type RejectionReasonInfo struct {
	Code  RejectionReason `json:"code"`
	Label string          `json:"label"`
}

var rejectionReasons = []RejectionReasonInfo{
	{ReasonContaminatedSample, "Contaminated sample"},
	{ReasonInsufficientSample, "Insufficient sample volume"},
	{ReasonHemolyzedSample, "Hemolyzed sample"},
	{ReasonClottedSample, "Clotted sample"},
	{ReasonImproperLabeling, "Improper labeling"},
	{ReasonWrongContainer, "Wrong container"},
	{ReasonSampleExpired, "Sample expired"},
	{ReasonOther, "Other"},
}

// RejectionReasons returns the selectable reasons in display order.
func RejectionReasons() []RejectionReasonInfo {
	out := make([]RejectionReasonInfo, len(rejectionReasons))
	copy(out, rejectionReasons)
	return out
}

func ParseRejectionReason(s string) (RejectionReason, error) {
	code := RejectionReason(strings.ToUpper(strings.TrimSpace(s)))
	for _, r := range rejectionReasons {
		if r.Code == code {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRejectionReason, s)
}

// RejectionNotes builds the history note for a rejection. The reason code is
// always present; the free-text note follows it when given.
func RejectionNotes(reason RejectionReason, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return fmt.Sprintf("rejected: %s", reason)
	}
	return fmt.Sprintf("rejected: %s - %s", reason, note)
}
