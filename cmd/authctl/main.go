package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"auth-service/internal/app"
)

var flagOperator string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authctl",
		Short:         "Operator tooling for the auth service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagOperator, "operator", "authctl", "operator id recorded in audit events")

	root.AddCommand(
		newMigrateCmd(),
		newSweepCmd(),
		newMaintenanceCmd(),
		newStatsCmd(),
		newLockCmd(),
		newUnlockCmd(),
		newLockStatusCmd(),
		newForceOfflineCmd(),
		newSessionsCmd(),
		newUserCmd(),
	)
	return root
}

// withRuntime wires the full service for one command and tears it down after.
func withRuntime(cmd *cobra.Command, fn func(rt *app.Runtime) error) error {
	rt, err := app.Build(cmd.Context(), app.Options{LoadDotEnv: true})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer rt.Close()
	return fn(rt)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
