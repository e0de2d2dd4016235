package money

import "testing"

func TestNewFromMajorRoundsToMinorUnits(t *testing.T) {
	cases := []struct {
		major float64
		want  int64
	}{
		{250000.00, 25000000},
		{0.01, 1},
		{1234.56, 123456},
		{99.999, 10000}, // rounds, not truncates
	}
	for _, c := range cases {
		got := NewFromMajor(c.major, NGN)
		if got.AmountMinor != c.want {
			t.Fatalf("NewFromMajor(%v): expected %d, got %d", c.major, c.want, got.AmountMinor)
		}
	}
}

func TestAddRejectsCurrencyMismatch(t *testing.T) {
	a := New(1000, NGN)
	b := New(1000, USD)
	if _, err := a.Add(b); err == nil {
		t.Fatal("expected currency mismatch error")
	}

	sum, err := a.Add(New(500, NGN))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum.AmountMinor != 1500 {
		t.Fatalf("expected 1500, got %d", sum.AmountMinor)
	}
}

func TestStringFormatsNaira(t *testing.T) {
	m := New(25000000, NGN)
	if got := m.String(); got != "₦250000.00" {
		t.Fatalf("unexpected format %q", got)
	}
}

func TestIsSupported(t *testing.T) {
	if !IsSupported(NGN) {
		t.Fatal("NGN must be supported")
	}
	if IsSupported(Currency("XAU")) {
		t.Fatal("XAU must not be supported")
	}
}
