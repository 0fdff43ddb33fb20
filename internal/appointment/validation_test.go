package appointment

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateApplicant(t *testing.T) {
	tests := []struct {
		name    string
		in      Applicant
		wantErr string
	}{
		{name: "complete", in: Applicant{FullName: "Asha", Phone: "98", NationalID: "X1"}},
		{name: "missing phone", in: Applicant{FullName: "Asha", NationalID: "X1"}, wantErr: "phone is required"},
		{name: "whitespace name", in: Applicant{FullName: " \t", Phone: "98", NationalID: "X1"}, wantErr: "full_name must not be blank"},
		{name: "bad email", in: Applicant{FullName: "Asha", Phone: "98", NationalID: "X1", Email: "x@"}, wantErr: "email must be an email address"},
		{name: "long phone", in: Applicant{FullName: "Asha", Phone: strings.Repeat("9", 33), NationalID: "X1"}, wantErr: "phone is too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateApplicant(tt.in)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateApplicantPatch(t *testing.T) {
	if err := validateApplicantPatch(Patch{"reason": "", "track": "Track 1"}); err != nil {
		t.Errorf("fields without rules: %v", err)
	}
	if err := validateApplicantPatch(Patch{"email": ""}); err != nil {
		t.Errorf("clearing email: %v", err)
	}
	err := validateApplicantPatch(Patch{"full_name": "  ", "phone": ""})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "full_name must not be blank") || !strings.Contains(msg, "phone is required") {
		t.Errorf("err = %v", err)
	}
}
