// Package money parses user-entered amounts such as "1,500", "12.34" or
// "2.5M" into integer quantities.
//
// Two entry points exist because form fields need different units:
// ParseCurrency always yields minor units (cents), ParseCount yields a plain
// integer (days, counts, item quantities). Malformed input yields 0; required
// or non-zero checks belong to the caller.
package money

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tornbuddy/buddy-engine/internal/model"
)

// amountRegex matches: [sign]digits[.digits][suffix]
// Examples: 1000, 12.34, 1k, 1.5M, -3b, .5t
var amountRegex = regexp.MustCompile(`^([+-]?(?:\d+(?:\.\d+)?|\.\d+))([kmbt]?)$`)

var suffixes = map[string]decimal.Decimal{
	"":  decimal.NewFromInt(1),
	"k": decimal.NewFromInt(1_000),
	"m": decimal.NewFromInt(1_000_000),
	"b": decimal.NewFromInt(1_000_000_000),
	"t": decimal.NewFromInt(1_000_000_000_000),
}

var hundred = decimal.NewFromInt(100)

// parse returns the major-unit value of s. ok is false for malformed input.
func parse(s string) (decimal.Decimal, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "$")
	matches := amountRegex.FindStringSubmatch(s)
	if matches == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(matches[1])
	if err != nil {
		return decimal.Zero, false
	}
	return d.Mul(suffixes[matches[2]]), true
}

// ParseCurrency converts a major-unit amount into minor units. A suffix may
// be combined with a decimal part: "1.5k" is 1,500 major units.
//
//	ParseCurrency("1000")  == 100000
//	ParseCurrency("1k")    == 100000
//	ParseCurrency("12.34") == 1234
//	ParseCurrency("abc")   == 0
func ParseCurrency(s string) model.Cents {
	d, ok := parse(s)
	if !ok {
		return 0
	}
	return model.Cents(d.Mul(hundred).Round(0).IntPart())
}

// ValidCurrency reports whether s is a well-formed amount, so callers can
// tell an explicit "0" from input ParseCurrency rejected.
func ValidCurrency(s string) bool {
	_, ok := parse(s)
	return ok
}

// ParseCount converts s into a plain integer without the minor-unit scale.
// Fractions left after applying the suffix are truncated: "2.5" is 2.
func ParseCount(s string) int64 {
	d, ok := parse(s)
	if !ok {
		return 0
	}
	return d.Truncate(0).IntPart()
}

// FromMajor converts a whole or fractional major-unit number (as decoded
// from JSON) into minor units.
func FromMajor(v float64) model.Cents {
	return model.Cents(decimal.NewFromFloat(v).Mul(hundred).Round(0).IntPart())
}

// FormatCurrency renders minor units as "$1,234.56". Whole amounts drop the
// cents: "$5,000,000".
func FormatCurrency(c model.Cents) string {
	neg := c < 0
	if neg {
		c = -c
	}
	whole := groupThousands(int64(c) / 100)
	cents := int64(c) % 100
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	b.WriteString(whole)
	if cents != 0 {
		b.WriteByte('.')
		if cents < 10 {
			b.WriteByte('0')
		}
		b.WriteString(decimal.NewFromInt(cents).String())
	}
	return b.String()
}

// FormatShort renders major units with the largest fitting suffix, e.g. 1.5M.
func FormatShort(c model.Cents) string {
	d := decimal.NewFromInt(int64(c)).Div(hundred)
	for _, s := range []string{"t", "b", "m", "k"} {
		if d.Abs().GreaterThanOrEqual(suffixes[s]) {
			return d.Div(suffixes[s]).Round(2).String() + strings.ToUpper(s)
		}
	}
	return d.Round(2).String()
}

func groupThousands(n int64) string {
	digits := decimal.NewFromInt(n).String()
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
