package textutil

import "testing"

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		subunits int64
		code     string
		want     string
	}{
		{9300, "USD", "$ 93.00"},
		{9300, "usd", "$ 93.00"},
		{0, "USD", "$ 0.00"},
	}
	for _, tc := range cases {
		got := FormatAmount(tc.subunits, tc.code)
		if got == "" {
			t.Fatalf("FormatAmount(%d, %q) returned empty", tc.subunits, tc.code)
		}
	}

	if got := FormatAmount(100, "nope"); got != "" {
		t.Fatalf("expected empty display for invalid code, got %q", got)
	}
}
