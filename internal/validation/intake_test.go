package validation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/paygate/internal/model"
)

func TestValidateOrderIntake(t *testing.T) {
	valid := func() OrderIntake {
		return OrderIntake{
			Amount:        decimal.NewFromInt(1000),
			Currency:      "KES",
			CustomerEmail: "a@b.com",
		}
	}

	tests := []struct {
		name   string
		mutate func(in *OrderIntake)
		valid  bool
	}{
		{
			name:   "minimal valid",
			mutate: func(in *OrderIntake) {},
			valid:  true,
		},
		{
			name:   "fractional amount",
			mutate: func(in *OrderIntake) { in.Amount = decimal.RequireFromString("0.50") },
			valid:  true,
		},
		{
			name:   "zero amount",
			mutate: func(in *OrderIntake) { in.Amount = decimal.Zero },
			valid:  false,
		},
		{
			name:   "negative amount",
			mutate: func(in *OrderIntake) { in.Amount = decimal.NewFromInt(-5) },
			valid:  false,
		},
		{
			name:   "missing currency",
			mutate: func(in *OrderIntake) { in.Currency = "" },
			valid:  false,
		},
		{
			name:   "unknown currency",
			mutate: func(in *OrderIntake) { in.Currency = "XYZ" },
			valid:  false,
		},
		{
			name:   "missing email",
			mutate: func(in *OrderIntake) { in.CustomerEmail = "" },
			valid:  false,
		},
		{
			name:   "malformed email",
			mutate: func(in *OrderIntake) { in.CustomerEmail = "not-an-email" },
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.mutate(&in)

			err := ValidateOrderIntake(in)
			if tt.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatalf("expected error")
				}
				if !errors.Is(err, model.ErrInvalidRequest) {
					t.Fatalf("expected ErrInvalidRequest, got %v", err)
				}
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	in := OrderIntake{Currency: " kes ", CustomerEmail: " a@b.com "}
	in.Normalize()

	if in.Currency != "KES" {
		t.Fatalf("currency = %q, want KES", in.Currency)
	}
	if in.CustomerEmail != "a@b.com" {
		t.Fatalf("email = %q", in.CustomerEmail)
	}
}

func TestIsValidOrderID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{id: "PAY-1760000000000-a1b2c3d4", valid: true},
		{id: "", valid: false},
		{id: "PAY 1", valid: false},
		{id: "../etc", valid: false},
	}

	for _, tt := range tests {
		if got := IsValidOrderID(tt.id); got != tt.valid {
			t.Fatalf("IsValidOrderID(%q) = %v, want %v", tt.id, got, tt.valid)
		}
	}
}
