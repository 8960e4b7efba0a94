// Package normalize converts raw exchange export cells into canonical values.
// None of the converters fail: malformed input maps to a defined fallback.
package normalize

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DatetimeLayout is the exchange export order-time format (month/day/year, 24h).
const DatetimeLayout = "01/02/2006 15:04:05"

const (
	tokenMarket = "Market"
	tokenNone   = "--"
)

// Decimal converts v to a decimal. Absent values, the "Market" and "--"
// sentinels and anything unparsable yield zero.
func Decimal(v any) decimal.Decimal {
	switch x := v.(type) {
	case nil:
		return decimal.Zero
	case decimal.Decimal:
		return x
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero
		}
		return *x
	case float64:
		return decimal.NewFromFloat(x)
	case float32:
		return decimal.NewFromFloat32(x)
	case int:
		return decimal.NewFromInt(int64(x))
	case int32:
		return decimal.NewFromInt32(x)
	case int64:
		return decimal.NewFromInt(x)
	case string:
		return decimalFromString(x)
	default:
		return decimal.Zero
	}
}

func decimalFromString(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" || s == tokenMarket || s == tokenNone {
		return decimal.Zero
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}

	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero
	}
	if negative {
		return d.Neg()
	}
	return d
}

// Datetime parses an export timestamp. The result carries no zone
// information (UTC wall clock); use InZone to attach one.
func Datetime(s string) (time.Time, bool) {
	t, err := time.Parse(DatetimeLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// InZone reinterprets the wall clock of a naive time in loc.
func InZone(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// Boolean maps Y/N. Any other token is unknown and returns nil, which
// callers must keep distinct from false.
func Boolean(s string) *bool {
	var v bool
	switch strings.TrimSpace(s) {
	case "Y":
		v = true
	case "N":
		v = false
	default:
		return nil
	}
	return &v
}
