package money

import (
	"testing"

	"github.com/tornbuddy/buddy-engine/internal/model"
)

func TestParseCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want model.Cents
	}{
		{"1000", 100000},
		{"1k", 100000},
		{"1K", 100000},
		{"12.34", 1234},
		{"1.5k", 150000},
		{"2.5M", 250000000},
		{"1b", 100000000000},
		{"1t", 100000000000000},
		{"1,250,000", 125000000},
		{"$5,000", 500000},
		{" 7 ", 700},
		{".5", 50},
		{"12.345", 1235},
		{"-3", -300},
		{"", 0},
		{"abc", 0},
		{"1kk", 0},
		{"1.", 0},
		{"k", 0},
		{"1x", 0},
	}
	for _, tt := range tests {
		if got := ParseCurrency(tt.in); got != tt.want {
			t.Errorf("ParseCurrency(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestValidCurrency(t *testing.T) {
	for _, in := range []string{"0", "$0.00", "0k", "1.5k", "-3"} {
		if !ValidCurrency(in) {
			t.Errorf("ValidCurrency(%q) = false, want true", in)
		}
	}
	for _, in := range []string{"", "abc", "1kk", "1."} {
		if ValidCurrency(in) {
			t.Errorf("ValidCurrency(%q) = true, want false", in)
		}
	}
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"7", 7},
		{"1k", 1000},
		{"1.5k", 1500},
		{"2.5", 2},
		{"1,000", 1000},
		{"", 0},
		{"seven", 0},
	}
	for _, tt := range tests {
		if got := ParseCount(tt.in); got != tt.want {
			t.Errorf("ParseCount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFromMajor(t *testing.T) {
	if got := FromMajor(5000); got != 500000 {
		t.Errorf("FromMajor(5000) = %d, want 500000", got)
	}
	if got := FromMajor(12.34); got != 1234 {
		t.Errorf("FromMajor(12.34) = %d, want 1234", got)
	}
}

func TestFormatCurrency(t *testing.T) {
	tests := []struct {
		in   model.Cents
		want string
	}{
		{0, "$0"},
		{500000, "$5,000"},
		{500000000, "$5,000,000"},
		{1234, "$12.34"},
		{105, "$1.05"},
		{-250, "-$2.50"},
		{99, "$0.99"},
	}
	for _, tt := range tests {
		if got := FormatCurrency(tt.in); got != tt.want {
			t.Errorf("FormatCurrency(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatShort(t *testing.T) {
	if got := FormatShort(150000000); got != "1.5M" {
		t.Errorf("FormatShort = %q, want 1.5M", got)
	}
	if got := FormatShort(50000); got != "500" {
		t.Errorf("FormatShort = %q, want 500", got)
	}
}
