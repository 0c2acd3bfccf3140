package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidDuration is returned when a non-positive duration is priced.
	ErrInvalidDuration = errors.New("billing: duration must be positive")

	// ErrNegativeRate is returned when a rate table contains a negative rate.
	ErrNegativeRate = errors.New("billing: rates must not be negative")
)

// Tier identifies which band of the rate table priced a duration.
type Tier string

const (
	TierMinute Tier = "minute"
	TierHour   Tier = "hour"
	TierDay    Tier = "day"
)

var (
	nanosPerMinute = decimal.NewFromInt(int64(time.Minute))
	nanosPerHour   = decimal.NewFromInt(int64(time.Hour))
	nanosPerDay    = decimal.NewFromInt(int64(24 * time.Hour))
)

// Rates is the session rate table.
type Rates struct {
	PerMinute Money
	PerHour   Money
	PerDay    Money
}

// DefaultRates returns the stock kiosk rate table.
func DefaultRates() Rates {
	return Rates{PerMinute: 5, PerHour: 250, PerDay: 1500}
}

// RateSchedule converts an elapsed duration into a charge.
//
// Durations under an hour are billed per minute, durations under a day per
// hour, and anything longer per day. The quantity of each unit is fractional
// and the product is rounded half-up to cents exactly once.
type RateSchedule struct {
	rates Rates
}

// NewRateSchedule validates rates and returns a schedule that uses them.
func NewRateSchedule(rates Rates) (*RateSchedule, error) {
	if rates.PerMinute < 0 || rates.PerHour < 0 || rates.PerDay < 0 {
		return nil, ErrNegativeRate
	}
	return &RateSchedule{rates: rates}, nil
}

// Rates returns the rate table in effect.
func (s *RateSchedule) Rates() Rates {
	return s.rates
}

// TierFor reports which tier prices d.
func (s *RateSchedule) TierFor(d time.Duration) Tier {
	switch {
	case d >= 24*time.Hour:
		return TierDay
	case d >= time.Hour:
		return TierHour
	default:
		return TierMinute
	}
}

// Compute returns the charge for a session of length d.
func (s *RateSchedule) Compute(d time.Duration) (Money, error) {
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidDuration, d)
	}

	var rate Money
	var unit decimal.Decimal
	switch s.TierFor(d) {
	case TierDay:
		rate, unit = s.rates.PerDay, nanosPerDay
	case TierHour:
		rate, unit = s.rates.PerHour, nanosPerHour
	default:
		rate, unit = s.rates.PerMinute, nanosPerMinute
	}

	// Multiply before dividing so the only inexact step is the final division.
	amount := decimal.NewFromInt(int64(d)).Mul(rate.Decimal()).Div(unit)
	return FromDecimal(amount)
}
