package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractLabID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if lid := extractLabID(c, "central"); lid != "central" {
		t.Errorf("expected central, got %s", lid)
	}
}

func TestExtractLabID_JWTClaimWins(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?lab_id=query_lab", nil)
	req.Header.Set(LabHeader, "header_lab")
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("jwt_lab_id", "claim_lab")

	if lid := extractLabID(c, "central"); lid != "claim_lab" {
		t.Errorf("expected claim_lab, got %s", lid)
	}
}

func TestExtractLabID_HeaderBeforeQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?lab_id=query_lab", nil)
	req.Header.Set(LabHeader, "header_lab")
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("jwt_lab_id", "")

	if lid := extractLabID(c, "central"); lid != "header_lab" {
		t.Errorf("expected header_lab, got %s", lid)
	}
}

func TestExtractLabID_Query(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?lab_id=query_lab", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if lid := extractLabID(c, "central"); lid != "query_lab" {
		t.Errorf("expected query_lab, got %s", lid)
	}
}

func TestLabIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"central", true},
		{"LAB_2", true},
		{"a", true},
		{"", false},
		{"lab-2", false},
		{"lab.2", false},
		{"lab 2", false},
		{"drop;table", false},
	}
	for _, tt := range tests {
		if got := labIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("labIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("central"); got != "lab_central" {
		t.Errorf("expected lab_central, got %s", got)
	}
}

func TestCreateLabSchema_InvalidID(t *testing.T) {
	for _, id := range []string{"lab-with-dash", "lab.dot", "la b", ""} {
		if err := CreateLabSchema(context.Background(), nil, id, ""); err == nil {
			t.Errorf("expected error for invalid lab ID %q", id)
		}
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx")
	}
	if LabFromContext(ctx) != "" {
		t.Error("expected empty lab")
	}
}

func TestContextAccessors_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, DBTxKey, "not-a-tx")
	ctx = context.WithValue(ctx, LabIDKey, 42)

	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn for wrong type")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx for wrong type")
	}
	if LabFromContext(ctx) != "" {
		t.Error("expected empty lab for wrong type")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil {
		t.Fatal("expected error when no connection in context")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}
