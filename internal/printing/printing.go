// Package printing bills print jobs against patron balances.
package printing

import (
	"context"
	"fmt"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidPageCount  = billing.ErrInvalidPageCount
	ErrUnknownColorMode  = billing.ErrUnknownColorMode
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

// Job is a print job submitted by the spooler.
type Job struct {
	PatronID  string            `json:"patron_id"`
	JobID     string            `json:"job_id"`
	Pages     int               `json:"pages"`
	ColorMode billing.ColorMode `json:"color_mode"`
}

// Charger is the ledger operation a print charge goes through.
type Charger interface {
	Settle(ctx context.Context, charge ledger.Charge) (*storage.Transaction, error)
}

// Adapter prices print jobs and debits them in full.
type Adapter struct {
	ledger Charger
	rates  billing.PrintRates
	logger zerolog.Logger
}

// NewAdapter creates a print billing adapter
func NewAdapter(ledger Charger, rates billing.PrintRates, logger zerolog.Logger) *Adapter {
	return &Adapter{
		ledger: ledger,
		rates:  rates,
		logger: logger.With().Str("component", "printing").Logger(),
	}
}

// Quote prices a job without charging it.
func (a *Adapter) Quote(job Job) (billing.Money, error) {
	return a.rates.Compute(job.ColorMode, job.Pages)
}

// ChargeForJob debits the job's price. A job id makes the charge idempotent,
// so a spooler retrying the same job is billed once. A job priced at zero is
// not recorded and returns a nil transaction.
func (a *Adapter) ChargeForJob(ctx context.Context, job Job) (*storage.Transaction, error) {
	amount, err := a.Quote(job)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, nil
	}

	charge := ledger.Charge{
		PatronID:    job.PatronID,
		Amount:      amount,
		Kind:        storage.KindPrintCharge,
		Description: fmt.Sprintf("Print %d page(s) %s", job.Pages, job.ColorMode),
	}
	if job.JobID != "" {
		charge.Reference = "print:" + job.JobID
	}

	txn, err := a.ledger.Settle(ctx, charge)
	if err != nil {
		a.logger.Info().Err(err).
			Str("patron_id", job.PatronID).
			Str("job_id", job.JobID).
			Str("amount", amount.String()).
			Msg("Print job not charged")
		return nil, err
	}
	return txn, nil
}
