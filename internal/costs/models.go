package costs

import (
	"fmt"
	"time"
)

// Amounts are integer micro-units (1/1,000,000 of the currency unit) so that
// sums of converted amounts are exact and order-independent.

type Money struct {
	Micros   int64  `json:"micros"`
	Currency string `json:"currency"`
}

func (m Money) IsZero() bool { return m.Micros == 0 }

// String renders the amount with six decimals, e.g. "0.800000 USD".
func (m Money) String() string {
	return FormatMicros(m.Micros) + " " + m.Currency
}

func FormatMicros(micros int64) string {
	sign := ""
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	return fmt.Sprintf("%s%d.%06d", sign, micros/1_000_000, micros%1_000_000)
}

// ExchangeRate converts From into To: RateMicros units of To (in micros) per whole unit of From.
type ExchangeRate struct {
	ID            string     `json:"id"`
	From          string     `json:"from_currency"`
	To            string     `json:"to_currency"`
	RateMicros    int64      `json:"rate_micros"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Status        RateStatus `json:"status"`
}

type RateStatus string

const (
	RateStatusActive   RateStatus = "active"
	RateStatusInactive RateStatus = "inactive"
)

// EffectiveAt reports whether the rate applies at t: [EffectiveFrom, EffectiveTo).
func (r ExchangeRate) EffectiveAt(t time.Time) bool {
	if r.Status != RateStatusActive {
		return false
	}
	if t.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || t.Before(*r.EffectiveTo)
}
