package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Money is an amount of currency in minor units (cents). Two decimal places
// are implied; all arithmetic on balances is integer arithmetic.
type Money int64

// Zero is the zero amount.
const Zero Money = 0

// ErrAmountOutOfRange is returned for amounts that do not fit in Money.
var ErrAmountOutOfRange = errors.New("billing: amount out of range")

var (
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// FromDecimal rounds d half-up to two decimal places and converts it to Money.
func FromDecimal(d decimal.Decimal) (Money, error) {
	cents := d.Round(2).Shift(2)
	if cents.GreaterThan(maxCents) || cents.LessThan(minCents) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, d)
	}
	return Money(cents.IntPart()), nil
}

// AddChecked returns m+n, or ErrAmountOutOfRange if the sum overflows.
func (m Money) AddChecked(n Money) (Money, error) {
	sum := m + n
	if (n > 0 && sum < m) || (n < 0 && sum > m) {
		return 0, fmt.Errorf("%w: %s + %s", ErrAmountOutOfRange, m, n)
	}
	return sum, nil
}

// ParseMoney parses a decimal string such as "2.50" or "15". More than two
// fractional digits are rejected rather than silently rounded.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("invalid amount %q: more than two decimal places", s)
	}
	m, err := FromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return m, nil
}

// Decimal returns m as a decimal value in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String renders m with exactly two decimal places.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// IsPositive reports whether m is greater than zero.
func (m Money) IsPositive() bool { return m > 0 }

// Neg returns -m.
func (m Money) Neg() Money { return -m }

// MarshalJSON encodes m as a JSON number with two decimal places.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
