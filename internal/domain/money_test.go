package domain

import (
	"errors"
	"math"
	"testing"
)

func TestToSubunitsConvertsWholeAndFractionalAmounts(t *testing.T) {
	cases := []struct {
		name  string
		major float64
		want  int64
	}{
		{name: "zero", major: 0, want: 0},
		{name: "whole", major: 1500, want: 150000},
		{name: "two decimals", major: 19.99, want: 1999},
		{name: "half rounds to even down", major: 0.125, want: 12},
		{name: "half rounds to even up", major: 0.135, want: 14},
		{name: "large", major: 999999.99, want: 99999999},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToSubunits(tc.major)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d subunits, got %d", tc.want, got)
			}
		})
	}
}

func TestToSubunitsRejectsInvalidInput(t *testing.T) {
	for _, major := range []float64{-1, -0.01, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := ToSubunits(major); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount for %v, got %v", major, err)
		}
	}
}

func TestToMajorUnitsRoundTrips(t *testing.T) {
	if got := ToMajorUnits(1999); got != 19.99 {
		t.Fatalf("expected 19.99, got %v", got)
	}
	if got := ToMajorUnits(0); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestRoundedShareUsesBankersRounding(t *testing.T) {
	// 18% of 12500 is 2250 exactly.
	if got := RoundedShare(12500, 1800); got != 2250 {
		t.Fatalf("expected 2250, got %d", got)
	}
	// 0.5% of 2500 is 12.5 which rounds to the even 12.
	if got := RoundedShare(2500, 50); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := RoundedShare(0, 1800); got != 0 {
		t.Fatalf("expected 0 for empty amount, got %d", got)
	}
	if got := RoundedShare(1000, 0); got != 0 {
		t.Fatalf("expected 0 for zero rate, got %d", got)
	}
}
