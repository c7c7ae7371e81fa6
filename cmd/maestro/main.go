// Command maestro runs the multi-agent workflow engine, either as an HTTP
// control plane (serve) or as a one-shot headless run.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"maestro/internal/config"
	"maestro/internal/domain/run"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "maestro",
		Short:         "Multi-agent workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to maestro.yaml")
	root.AddCommand(serveCmd(&configPath), runCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.newServer().Run(ctx)
		},
	}
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <objective>",
		Short: "Execute a single objective headless and print the final status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			r := &run.Run{
				RunID:         uuid.NewString(),
				ThreadID:      uuid.NewString(),
				Objective:     strings.Join(args, " "),
				WorkspacePath: cfg.Workspace.Root,
				Status:        run.StatusRunning,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := a.store.Create(r); err != nil {
				return err
			}
			if err := a.cp.Put(ctx, r); err != nil {
				return err
			}

			status, err := a.launcher.Launch(ctx, r.RunID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s finished: %s\n", r.RunID, status)
			if status != run.StatusCompleted {
				return fmt.Errorf("run ended %s", status)
			}
			return nil
		},
	}
}
