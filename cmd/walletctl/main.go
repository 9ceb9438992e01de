package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/punchamoorthee/paywallet/internal/config"
	"github.com/punchamoorthee/paywallet/internal/service"
	"github.com/punchamoorthee/paywallet/internal/store"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "walletctl",
		Short:        "Operator tasks for the wallet ledger",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(setDisabledCmd("disable-account", true))
	rootCmd.AddCommand(setDisabledCmd("enable-account", false))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the configured backend without running migrations.
func openStore(ctx context.Context) (store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, store.Options{
		Driver:     cfg.StorageDriver,
		DBSource:   cfg.DBSource,
		SQLitePath: cfg.SQLitePath,
	})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			switch cfg.StorageDriver {
			case "postgres":
				pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
				if err != nil {
					return err
				}
				defer pg.Close()
				if err := store.ApplyMigrations(ctx, pg.Db); err != nil {
					return fmt.Errorf("migrations: %w", err)
				}
			case "sqlite":
				// The SQLite store creates its schema on open.
				s, err := store.NewSQLiteStore(cfg.SQLitePath)
				if err != nil {
					return err
				}
				s.Close()
			default:
				return fmt.Errorf("nothing to migrate for the %s driver", cfg.StorageDriver)
			}
			fmt.Printf("Schema is up to date (%s)\n", cfg.StorageDriver)
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check every balance against the ledger",
		Long: `Compare each account's balance with the sum of its received minus sent
ledger entries. Exits non-zero when any account disagrees or a user or
merchant account is overdrawn. Run it while no transfers are in flight.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			found, err := service.Reconcile(cmd.Context(), s)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(found); err != nil {
					return err
				}
			} else {
				for _, d := range found {
					fmt.Fprintln(cmd.OutOrStdout(), d)
				}
			}
			if len(found) > 0 {
				return fmt.Errorf("%d account(s) do not reconcile", len(found))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All accounts reconcile")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output discrepancies as JSON")
	return cmd
}

func setDisabledCmd(use string, disabled bool) *cobra.Command {
	verb := "Enable"
	if disabled {
		verb = "Disable"
	}
	return &cobra.Command{
		Use:   use + " [account-id]",
		Short: verb + " an account for sending and receiving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			s, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.SetAccountDisabled(cmd.Context(), id, disabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %d disabled=%t\n", id, disabled)
			return nil
		},
	}
}
