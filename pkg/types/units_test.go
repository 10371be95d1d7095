package types

import (
	"math/big"
	"testing"
)

func bigInt(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad int %q", s)
	}
	return v
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
	}{
		{"zero", "0", 18, "0.0"},
		{"one ether", "1000000000000000000", 18, "1.0"},
		{"fraction", "1500000000000000000", 18, "1.5"},
		{"smallest unit", "1", 18, "0.000000000000000001"},
		{"gwei", "20000000000", 9, "20.0"},
		{"gwei fraction", "1500000000", 9, "1.5"},
		{"large", "123456789000000000000000", 18, "123456.789"},
		{"negative", "-2500000000000000000", 18, "-2.5"},
		{"no decimals", "42", 0, "42.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatUnits(bigInt(t, tt.amount), tt.decimals); got != tt.want {
				t.Errorf("FormatUnits(%s, %d) = %q, want %q", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatUnits_Nil(t *testing.T) {
	if got := FormatUnits(nil, 18); got != "0.0" {
		t.Errorf("FormatUnits(nil) = %q, want 0.0", got)
	}
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		value    string
		decimals int
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"1.5", 18, "1500000000000000000"},
		{".5", 9, "500000000"},
		{"0.000000000000000001", 18, "1"},
		{"-2", 9, "-2000000000"},
	}
	for _, tt := range tests {
		got, err := ParseUnits(tt.value, tt.decimals)
		if err != nil {
			t.Fatalf("ParseUnits(%q) error: %v", tt.value, err)
		}
		if got.String() != tt.want {
			t.Errorf("ParseUnits(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}

	for _, bad := range []string{"", "abc", "1.0000000001"} {
		if _, err := ParseUnits(bad, 9); err == nil {
			t.Errorf("ParseUnits(%q) should fail", bad)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "999999999999999999", "1000000000000000001"} {
		amount := bigInt(t, s)
		back, err := ParseUnits(FormatUnits(amount, 18), 18)
		if err != nil {
			t.Fatalf("ParseUnits error: %v", err)
		}
		if back.Cmp(amount) != 0 {
			t.Errorf("round trip %s -> %s", s, back)
		}
	}
}
