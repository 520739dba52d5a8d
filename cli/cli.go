// Package cli is the command line entry point of the task service.
//
//	task-service serve [--store mongo|memory]   run the HTTP/gRPC service and background workers
//	task-service reconcile                      run one reconciliation sweep and print the report
//	task-service hash-password [password]       print a bcrypt hash for ADMIN_PASSWORD_HASH
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"task-service/auth"
	"task-service/config"
	"task-service/logging"
	"task-service/service"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "task-service",
		Short:        "Task assignment and lifecycle service for the bike-service marketplace",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildReconcileCommand())
	rootCmd.AddCommand(buildHashPasswordCommand())
	return rootCmd
}

// setup loads configuration and installs the default logger.
func setup(storeOverride string) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if storeOverride != "" {
		cfg.Store = storeOverride
	}
	logger, closer, err := logging.NewLogger(cfg.Log.File, logging.ParseLevel(cfg.Log.Level))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

func buildReconcileCommand() *cobra.Command {
	var store string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over every mechanic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := setup(store)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx := cmd.Context()
			st, cleanup, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			svc, err := service.New(st, logger)
			if err != nil {
				return err
			}
			report, err := svc.Reconcile(ctx)
			if err != nil {
				return fmt.Errorf("reconciliation failed: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "Store backend: mongo or memory (overrides STORE)")
	return cmd
}

func buildHashPasswordCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash, reading the password from stdin when no argument is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

// ignoreCanceled treats shutdown via context cancellation as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
