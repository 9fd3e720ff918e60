package telephony

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var maxMicros = decimal.NewFromInt(math.MaxInt64)

// ParseMicros converts a decimal amount ("0.0130", "-0.5", "12", "1e-5") to integer micro-units.
// Signs are dropped: carriers report charges as negative prices. Digits beyond the
// sixth decimal place are rounded half up. Amounts that do not fit in int64 micros
// are rejected as malformed.
func ParseMicros(s string) (int64, error) {
	return scaledMicros(s, 6)
}

// centsToMicros handles providers that report cost in cents (Retell).
func centsToMicros(s string) (int64, error) {
	return scaledMicros(s, 4)
}

func scaledMicros(s string, shift int32) (int64, error) {
	s = strings.TrimLeft(strings.TrimSpace(s), "+-")
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrMalformedPayload, s, err)
	}
	m := d.Abs().Shift(shift).Round(0)
	if m.GreaterThan(maxMicros) {
		return 0, fmt.Errorf("%w: amount %q out of range", ErrMalformedPayload, s)
	}
	return m.IntPart(), nil
}
