// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

// offsyncctl is a developer tool for inspecting and driving the offline
// sync engine against a local device database: queue status, forced
// drains, diagnostics and recovery of permanently failed operations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mxh77/roadtrip-offline/offsync"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:     "offsyncctl",
	Short:   "Inspect and drive the roadtrip offline sync engine",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the global sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, engine *offsync.Engine) error {
			status, err := engine.GlobalStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Force one drain cycle of the pending-operation queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, engine *offsync.Engine) error {
			if err := engine.ForceGlobalSync(ctx); err != nil {
				return fmt.Errorf("force sync: %w", err)
			}
			status, err := engine.GlobalStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		})
	},
}

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Print a full diagnostic snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, engine *offsync.Engine) error {
			diag, err := engine.RunDiagnostic(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), diag)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the local queue, cache and metadata",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, err := cmd.Flags().GetBool("yes")
		if err != nil {
			return err
		}
		if !yes {
			return fmt.Errorf("refusing to wipe local data without --yes")
		}
		return withEngine(func(ctx context.Context, engine *offsync.Engine) error {
			if err := engine.ClearAllLocalData(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "local data cleared")
			return nil
		})
	},
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List permanently failed operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, engine *offsync.Engine) error {
			diag, err := engine.RunDiagnostic(ctx)
			if err != nil {
				return err
			}
			if len(diag.FailedOperations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no failed operations")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), diag.FailedOperations)
		})
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <operation-id>",
	Short: "Reopen a permanently failed operation and retry it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid operation id %q", args[0])
		}
		return withEngine(func(ctx context.Context, engine *offsync.Engine) error {
			if err := engine.RequeueFailed(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operation %d requeued\n", id)
			return nil
		})
	},
}

func withEngine(fn func(context.Context, *offsync.Engine) error) error {
	cfg, err := offsync.LoadConfig(configPath)
	if err != nil {
		return err
	}
	engine := offsync.NewEngine(cfg)
	defer engine.Close()
	return fn(context.Background(), engine)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "offsync.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	resetCmd.Flags().Bool("yes", false, "confirm the wipe")
	rootCmd.AddCommand(statusCmd, syncCmd, diagCmd, resetCmd, failedCmd, requeueCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
