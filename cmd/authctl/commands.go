package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"auth-service/internal/account"
	"auth-service/internal/app"
	"auth-service/internal/audit"
	"auth-service/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := app.OpenDatabase(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer database.Close()

			applied, err := db.RunMigrations(cmd.Context(), database)
			if err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark active tokens past their expiry as expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				n, err := rt.Maintenance.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int64{"expired_tokens": n})
			})
		},
	}
}

func newMaintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Sweep expired tokens and purge data past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				result, err := rt.Maintenance.Run(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show active token and login statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				stats, err := rt.Service.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func newLockCmd() *cobra.Command {
	var (
		reason   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lock <identity>",
		Short: "Lock an account; a zero duration locks until unlocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration < 0 {
				return fmt.Errorf("duration must not be negative")
			}
			return withRuntime(cmd, func(rt *app.Runtime) error {
				state, err := rt.Service.LockAccount(cmd.Context(), args[0], reason, flagOperator, duration)
				if err != nil {
					return err
				}
				return printJSON(cmd, state)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator_lock", "lock reason")
	cmd.Flags().DurationVar(&duration, "duration", 0, "lock duration, e.g. 2h")
	return cmd
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <identity>",
		Short: "Clear a lock and the failure counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				if err := rt.Service.UnlockAccount(cmd.Context(), args[0], flagOperator); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s unlocked\n", args[0])
				return nil
			})
		},
	}
}

func newLockStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock-status <identity>",
		Short: "Show the lockout state of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				state, err := rt.Service.LockStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, state)
			})
		},
	}
}

func newForceOfflineCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "force-offline <owner-id>",
		Short: "Revoke every active token of an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				n, err := rt.Service.ForceOffline(cmd.Context(), args[0], flagOperator, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"revoked": n})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "force_offline", "revocation reason")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <owner-id>",
		Short: "List active tokens of an owner, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				sessions, err := rt.Service.ActiveSessions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, sessions)
			})
		},
	}
}

func newUserCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}
	user.AddCommand(newUserCreateCmd(), newUserStatusCmd("disable", account.StatusDisabled), newUserStatusCmd("enable", account.StatusActive))
	return user
}

func newUserCreateCmd() *cobra.Command {
	var input account.NewOwner
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input.Username = strings.TrimSpace(input.Username)
			if input.Username == "" || input.Password == "" {
				return fmt.Errorf("--username and --password are required")
			}
			return withRuntime(cmd, func(rt *app.Runtime) error {
				owner, err := rt.Accounts.Create(cmd.Context(), input)
				if err != nil {
					return err
				}
				return printJSON(cmd, owner)
			})
		},
	}
	cmd.Flags().StringVar(&input.Username, "username", "", "login name")
	cmd.Flags().StringVar(&input.Email, "email", "", "email address")
	cmd.Flags().StringVar(&input.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&input.Password, "password", "", "initial password")
	cmd.Flags().StringSliceVar(&input.Roles, "role", []string{account.RoleUser}, "role to grant, repeatable")
	return cmd
}

// Disabling also takes the owner offline so existing tokens stop working.
func newUserStatusCmd(use string, status account.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <owner-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				ownerID := args[0]
				if err := rt.Accounts.SetStatus(cmd.Context(), ownerID, status); err != nil {
					return err
				}
				action := audit.ActionEnable
				if status == account.StatusDisabled {
					action = audit.ActionDisable
					if _, err := rt.Service.ForceOffline(cmd.Context(), ownerID, flagOperator, "account_disabled"); err != nil {
						return err
					}
				}
				rt.Service.RecordAdminEvent(cmd.Context(), audit.AdminEvent{
					Action:     action,
					OperatorID: flagOperator,
					Target:     ownerID,
				})
				fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", ownerID, use)
				return nil
			})
		},
	}
}
