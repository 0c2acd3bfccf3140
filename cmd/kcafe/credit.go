package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/spf13/cobra"
)

var creditNote string

var creditCmd = &cobra.Command{
	Use:     "credit <email> <amount>",
	Short:   "Add prepaid credit to a patron's balance",
	Example: `  kcafe credit ada@example.com 10.00 --note "cash at counter"`,
	Args:    cobra.ExactArgs(2),
	RunE:    runCredit,
}

func init() {
	creditCmd.Flags().StringVar(&creditNote, "note", "Counter top-up", "Transaction description")
	rootCmd.AddCommand(creditCmd)
}

func runCredit(cmd *cobra.Command, args []string) error {
	amount, err := billing.ParseMoney(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	patron, err := a.store.Patrons().GetByEmail(ctx, args[0])
	if err != nil {
		return fmt.Errorf("patron %s: %w", args[0], err)
	}

	txn, err := a.ledger.Credit(ctx, patron.ID, amount, storage.KindManualCredit, creditNote)
	if err != nil {
		return err
	}

	_, _ = color.New(color.FgGreen, color.Bold).Printf("Credited %s to %s\n", amount, patron.Email)
	fmt.Printf("  transaction: %s\n  balance:     %s %s\n", txn.ID, txn.BalanceAfter, a.cfg.Billing.Currency)
	return nil
}
