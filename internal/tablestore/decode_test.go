package tablestore

import (
	"errors"
	"testing"

	"github.com/maruel/corates/internal/models"
)

func TestDefaultSchema(t *testing.T) {
	s := DefaultSchema()
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	ts := s[models.TableChecklists]
	tests := []struct {
		name     string
		colType  ColumnType
		required bool
	}{
		{"id", ColumnString, true},
		{"review_id", ColumnString, true},
		{"reviewer_id", ColumnString, false},
		{"completed_at", ColumnNumber, false},
		{"type", ColumnString, false},
	}
	for _, tt := range tests {
		col, ok := ts.Column(tt.name)
		if !ok {
			t.Fatalf("missing column %s", tt.name)
		}
		if col.Type != tt.colType || col.Required != tt.required {
			t.Errorf("%s = %+v", tt.name, col)
		}
	}
	if col, _ := ts.Column("type"); col.Default != models.ChecklistTypeAMSTAR {
		t.Errorf("type default = %v", col.Default)
	}
	if col, _ := s[models.TableChecklistAnswers].Column("critical"); col.Type != ColumnBoolean {
		t.Errorf("critical = %+v", col)
	}
}

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		colType ColumnType
		want    any
		wantErr bool
	}{
		{"string passthrough", "x", ColumnString, "x", false},
		{"string from whole float", float64(42), ColumnString, "42", false},
		{"string from float", 3.5, ColumnString, "3.5", false},
		{"string from array", []any{[]any{true, false}}, ColumnString, "[[true,false]]", false},
		{"number from float", float64(7), ColumnNumber, int64(7), false},
		{"number from fraction", 1.5, ColumnNumber, 1.5, false},
		{"number from string", "123", ColumnNumber, int64(123), false},
		{"number from timestamp", "2024-01-02T03:04:05Z", ColumnNumber, int64(1704164645000), false},
		{"number from text", "abc", ColumnNumber, nil, true},
		{"bool from bool", true, ColumnBoolean, true, false},
		{"bool from t", "t", ColumnBoolean, true, false},
		{"bool from 0", float64(0), ColumnBoolean, false, false},
		{"bool from text", "maybe", ColumnBoolean, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceValue(tt.input, tt.colType)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CoerceValue() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CoerceValue() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestDecodeRow(t *testing.T) {
	s := DefaultSchema()
	t.Run("checklist defaults", func(t *testing.T) {
		row, err := DecodeRow(s[models.TableChecklists], map[string]any{
			"id":         "c1",
			"review_id":  "r1",
			"updated_at": "1700000000000",
		}, false)
		if err != nil {
			t.Fatal(err)
		}
		want := models.Checklist{ID: "c1", ReviewID: "r1", Type: "amstar", UpdatedAt: 1700000000000, SyncStatus: models.StatusSynced}
		if row != want {
			t.Errorf("row = %+v, want %+v", row, want)
		}
	})
	t.Run("answers normalized to text", func(t *testing.T) {
		row, err := DecodeRow(s[models.TableChecklistAnswers], map[string]any{
			"id":           "a1",
			"checklist_id": "c1",
			"question_key": "q1",
			"answers":      []any{[]any{false, true}},
			"critical":     "true",
		}, false)
		if err != nil {
			t.Fatal(err)
		}
		a := row.(models.ChecklistAnswer)
		if a.Answers != "[[false,true]]" || !a.Critical {
			t.Errorf("row = %+v", a)
		}
	})
	t.Run("member default role", func(t *testing.T) {
		row, err := DecodeRow(s[models.TableProjectMembers], map[string]any{"project_id": "p1", "user_id": "u1"}, false)
		if err != nil {
			t.Fatal(err)
		}
		if row.Key() != "p1::u1" || row.(models.ProjectMember).Role != models.RoleMember {
			t.Errorf("row = %+v", row)
		}
	})
	t.Run("unknown column", func(t *testing.T) {
		data := map[string]any{"id": "p1", "name": "P", "color": "red"}
		if _, err := DecodeRow(s[models.TableProjects], data, false); err != nil {
			t.Errorf("lenient: %v", err)
		}
		if _, err := DecodeRow(s[models.TableProjects], data, true); !errors.Is(err, models.ErrValidation) {
			t.Errorf("strict: %v", err)
		}
	})
	t.Run("missing required", func(t *testing.T) {
		_, err := DecodeRow(s[models.TableReviews], map[string]any{"id": "r1", "name": "R", "project_id": nil}, false)
		if !errors.Is(err, models.ErrValidation) {
			t.Errorf("DecodeRow() = %v", err)
		}
	})
	t.Run("keeps local status", func(t *testing.T) {
		row, err := DecodeRow(s[models.TableProjects], map[string]any{"id": "p1", "name": "P", "sync_status": "local-only"}, false)
		if err != nil {
			t.Fatal(err)
		}
		if row.Status() != models.StatusLocalOnly {
			t.Errorf("Status() = %q", row.Status())
		}
	})
}
