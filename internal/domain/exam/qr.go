package exam

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// QRPayload is the JSON document printed on an exam's QR label.
type QRPayload struct {
	ID          string `json:"id"`
	ExamType    string `json:"examType"`
	PatientName string `json:"patientName"`
	Priority    string `json:"priority"`
}

// PayloadFor builds the label payload for an exam.
func PayloadFor(s *ExamSummary) QRPayload {
	return QRPayload{
		ID:          s.ID.String(),
		ExamType:    s.ExamType,
		PatientName: s.PatientName,
		Priority:    s.Priority,
	}
}

// ExamID parses the payload id as an exam identifier.
func (p QRPayload) ExamID() (uuid.UUID, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return uuid.Nil, &MalformedPayloadError{Reason: fmt.Sprintf("id %q is not an exam identifier", p.ID)}
	}
	return id, nil
}

func (p QRPayload) validate() error {
	var missing, invalid []string
	for _, f := range []struct{ name, value string }{
		{"id", p.ID},
		{"examType", p.ExamType},
		{"patientName", p.PatientName},
		{"priority", p.Priority},
	} {
		switch {
		case strings.TrimSpace(f.value) == "":
			missing = append(missing, f.name)
		case !utf8.ValidString(f.value):
			invalid = append(invalid, f.name)
		}
	}
	if len(missing) > 0 {
		return &MalformedPayloadError{Reason: "missing " + strings.Join(missing, ", ")}
	}
	// json.Marshal would silently substitute U+FFFD
	if len(invalid) > 0 {
		return &MalformedPayloadError{Reason: "invalid UTF-8 in " + strings.Join(invalid, ", ")}
	}
	return nil
}

func EncodeQRPayload(p QRPayload) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode QR payload: %w", err)
	}
	return string(b), nil
}

// DecodeQRPayload parses scanned text. Any text that is not a JSON object
// with the four string fields set yields a *MalformedPayloadError.
func DecodeQRPayload(text string) (QRPayload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &fields); err != nil {
		return QRPayload{}, &MalformedPayloadError{Reason: "not a JSON object"}
	}
	if fields == nil {
		return QRPayload{}, &MalformedPayloadError{Reason: "not a JSON object"}
	}

	var p QRPayload
	for name, dst := range map[string]*string{
		"id":          &p.ID,
		"examType":    &p.ExamType,
		"patientName": &p.PatientName,
		"priority":    &p.Priority,
	} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return QRPayload{}, &MalformedPayloadError{Reason: fmt.Sprintf("field %s is not a string", name)}
		}
	}
	if err := p.validate(); err != nil {
		return QRPayload{}, err
	}
	return p, nil
}
