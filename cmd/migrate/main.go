package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ariefcatur/go-order-ledger/internal/config"
	"github.com/ariefcatur/go-order-ledger/internal/logging"
	"github.com/ariefcatur/go-order-ledger/internal/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	var dsn string
	rootCmd := &cobra.Command{Use: "migrate", SilenceUsage: true}
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", cfg.PostgresDSN, "postgres connection string")

	migrator := func() (postgres.Migrator, error) {
		logger, err := logging.New(cfg.LogLevel, "migrate")
		if err != nil {
			return postgres.Migrator{}, err
		}
		return postgres.Migrator{DSN: dsn, Log: logging.NewPrintfAdapter(logger)}, nil
	}

	rootCmd.AddCommand(
		upCommand(migrator),
		downCommand(migrator),
		versionCommand(migrator),
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func upCommand(migrator func() (postgres.Migrator, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := migrator()
			if err != nil {
				return err
			}
			if err := m.Up(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrated up")
			return nil
		},
	}
}

func downCommand(migrator func() (postgres.Migrator, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "down [steps]",
		Short: "roll back migrations (default 1 step)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("steps: %w", err)
				}
				steps = n
			}
			m, err := migrator()
			if err != nil {
				return err
			}
			if err := m.Down(steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d step(s)\n", steps)
			return nil
		},
	}
}

func versionCommand(migrator func() (postgres.Migrator, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := migrator()
			if err != nil {
				return err
			}
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
			return nil
		},
	}
}
