package billing

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidPageCount is returned for print jobs with no pages.
	ErrInvalidPageCount = errors.New("billing: page count must be positive")

	// ErrUnknownColorMode is returned for a color mode with no configured rate.
	ErrUnknownColorMode = errors.New("billing: unknown color mode")
)

// ColorMode selects the per-page print rate.
type ColorMode string

const (
	ColorBlackWhite ColorMode = "black_white"
	ColorFull       ColorMode = "color"
)

// PrintRates holds the per-page price for each color mode.
type PrintRates struct {
	BlackWhite Money
	Color      Money
}

// DefaultPrintRates returns the stock per-page prices.
func DefaultPrintRates() PrintRates {
	return PrintRates{BlackWhite: 10, Color: 25}
}

// PerPage returns the per-page price for mode.
func (p PrintRates) PerPage(mode ColorMode) (Money, error) {
	switch mode {
	case ColorBlackWhite:
		return p.BlackWhite, nil
	case ColorFull:
		return p.Color, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownColorMode, mode)
	}
}

// Compute prices a print job.
func (p PrintRates) Compute(mode ColorMode, pages int) (Money, error) {
	if pages <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPageCount, pages)
	}
	perPage, err := p.PerPage(mode)
	if err != nil {
		return 0, err
	}
	if perPage > 0 && int64(pages) > math.MaxInt64/int64(perPage) {
		return 0, fmt.Errorf("%w: %d pages overflows the job price", ErrInvalidPageCount, pages)
	}
	return perPage * Money(pages), nil
}
