package cmd

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ficous/sage/internal/review"
)

func TestParseGradeArgs(t *testing.T) {
	t.Parallel()

	id := uuid.New()

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "valid", args: []string{id.String(), "easy"}, wantErr: false},
		{name: "empty card ID", args: []string{"", "easy"}, wantErr: true},
		{name: "malformed card ID", args: []string{"not-a-uuid", "easy"}, wantErr: true},
		{name: "unknown grade", args: []string{id.String(), "trivial"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cardID, grade, err := parseGradeArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseGradeArgs: %v", err)
			}
			if cardID != id {
				t.Errorf("cardID = %v, want %v", cardID, id)
			}
			if grade != review.GradeEasy {
				t.Errorf("grade = %v, want easy", grade)
			}
		})
	}
}
