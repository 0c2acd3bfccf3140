package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/config"
	"github.com/spf13/cobra"
)

var (
	quotePages int
	quoteColor bool
)

var quoteCmd = &cobra.Command{
	Use:   "quote [duration...]",
	Short: "Price session durations or a print job",
	Long: `Price one or more session durations with the configured rate table, or a
print job with --pages. Durations use Go syntax, for example 42m, 1h30m or 25h.`,
	Example: `  kcafe quote 42m 90m 25h
  kcafe quote --pages 4 --color`,
	RunE: runQuote,
}

func init() {
	quoteCmd.Flags().IntVar(&quotePages, "pages", 0, "Price a print job with this many pages")
	quoteCmd.Flags().BoolVar(&quoteColor, "color", false, "Price the print job in color")
	rootCmd.AddCommand(quoteCmd)
}

func runQuote(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	if quotePages != 0 {
		rates, err := cfg.Billing.PrintTable()
		if err != nil {
			return err
		}
		mode := billing.ColorBlackWhite
		if quoteColor {
			mode = billing.ColorFull
		}
		price, err := rates.Compute(mode, quotePages)
		if err != nil {
			return err
		}
		_, _ = cyan.Printf("Print job: %d page(s) %s\n", quotePages, mode)
		_, _ = green.Printf("  %s %s\n", price, cfg.Billing.Currency)
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("give at least one duration or --pages")
	}

	table, err := cfg.Billing.RateTable()
	if err != nil {
		return err
	}
	schedule, err := billing.NewRateSchedule(table)
	if err != nil {
		return err
	}

	_, _ = cyan.Printf("Rates: %s/min, %s/hour, %s/day (%s)\n",
		table.PerMinute, table.PerHour, table.PerDay, cfg.Billing.Currency)

	for _, arg := range args {
		d, err := time.ParseDuration(arg)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", arg, err)
		}
		price, err := schedule.Compute(d)
		if err != nil {
			_, _ = yellow.Fprintf(os.Stdout, "  %-10s %v\n", arg, err)
			continue
		}
		fmt.Fprintf(os.Stdout, "  %-10s ", arg)
		_, _ = green.Printf("%8s", price)
		_, _ = yellow.Printf("  (%s)\n", schedule.TierFor(d))
	}
	return nil
}
