package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	patronName     string
	patronEmail    string
	patronPassword string
	historyLimit   int
)

var patronCmd = &cobra.Command{
	Use:   "patron",
	Short: "Manage patrons",
}

var patronAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a patron and open an empty account",
	Long: `Register a patron and open a zero-balance account. The password may be
given with --password or the KCAFE_PATRON_PASSWORD environment variable.`,
	RunE: runPatronAdd,
}

var patronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List patrons with their balances",
	RunE:  runPatronList,
}

var patronHistoryCmd = &cobra.Command{
	Use:   "history <email>",
	Short: "Show a patron's recent transactions",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatronHistory,
}

func init() {
	patronAddCmd.Flags().StringVar(&patronName, "name", "", "Patron name")
	patronAddCmd.Flags().StringVar(&patronEmail, "email", "", "Login email")
	patronAddCmd.Flags().StringVar(&patronPassword, "password", "", "Login password")
	_ = patronAddCmd.MarkFlagRequired("email")

	patronHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0, "Number of transactions to show")

	patronCmd.AddCommand(patronAddCmd, patronListCmd, patronHistoryCmd)
	rootCmd.AddCommand(patronCmd)
}

func runPatronAdd(cmd *cobra.Command, args []string) error {
	password := patronPassword
	if password == "" {
		password = os.Getenv("KCAFE_PATRON_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("a password is required (--password or KCAFE_PATRON_PASSWORD)")
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	patron, err := a.gate.Register(ctx, patronName, patronEmail, password)
	if err != nil {
		return err
	}
	if err := a.ledger.OpenAccount(ctx, patron.ID); err != nil {
		return err
	}

	_, _ = color.New(color.FgGreen, color.Bold).Printf("Registered %s\n", patron.Email)
	fmt.Printf("  id: %s\n", patron.ID)
	return nil
}

func runPatronList(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	patrons, err := a.store.Patrons().List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME\tBALANCE")
	for _, p := range patrons {
		balance := "-"
		if b, err := a.ledger.GetBalance(ctx, p.ID); err == nil {
			balance = b.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Email, p.Name, balance)
	}
	return w.Flush()
}

func runPatronHistory(cmd *cobra.Command, args []string) error {
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
	txns, err := a.ledger.History(ctx, patron.ID, historyLimit)
	if err != nil {
		return err
	}

	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tAMOUNT\tBALANCE\tDESCRIPTION")
	for _, t := range txns {
		amount := green.Sprint(t.Amount.String())
		if t.Amount < 0 {
			amount = red.Sprint(t.Amount.String())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.CreatedAt.Local().Format("2006-01-02 15:04"), t.Kind, amount, t.BalanceAfter, t.Description)
	}
	return w.Flush()
}
