package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Abandon and bill stale sessions once",
	Long: `Run a single stale-session sweep: every active session whose last
heartbeat is older than the heartbeat timeout is closed as abandoned and
billed up to its last heartbeat plus the timeout.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.Reconcile(context.Background(), a.engine.Now())
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Println("Session sweep complete")
	fmt.Printf("  scanned:        %d\n", result.Scanned)
	_, _ = yellow.Printf("  abandoned:      %d\n", result.Abandoned)
	fmt.Printf("  already closed: %d\n", result.AlreadyClosed)
	fmt.Printf("  skipped:        %d\n", result.Skipped)
	if result.Failed > 0 {
		_, _ = red.Printf("  failed:         %d\n", result.Failed)
		return fmt.Errorf("%d session(s) could not be closed", result.Failed)
	}
	return nil
}
