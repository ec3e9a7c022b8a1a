// Package main provides the gateflow binary entry point.
// Gateflow advances work items through an ordered sequence of phases, each
// protected by a weighted quality gate scored by an external assessor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	// Register assessor providers via init()
	_ "github.com/flywheelhq/gateflow/assessor/providers"

	"github.com/flywheelhq/gateflow/config"
	"github.com/flywheelhq/gateflow/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "gateflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Staged workflow engine with weighted quality gates",
		Long: `Gateflow advances work items through an ordered sequence of phases.
Each phase is protected by a weighted quality gate: an external assessor
scores the work item against the phase's criteria, the weighted score is
compared against the phase thresholds, and the item passes, fails, or is
escalated for human review.

State lives in NATS JetStream (embedded by default); every transition,
evaluation, and override is recorded in an append-only audit trail.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		runCmd(),
		createCmd(),
		advanceCmd(),
		overrideCmd(),
		statusCmd(),
		historyCmd(),
		phasesCmd(),
		versionCmd(),
	)

	return cmd
}

func configureLogging(logLevel string) {
	level := slog.LevelWarn
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// withApp loads config, starts the app, runs fn, and shuts down.
func withApp(fn func(ctx context.Context, app *App) error) error {
	logger := slog.Default()

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app := NewApp(cfg, logger)
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Shutdown()

	return fn(ctx, app)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Long: `Starts the engine and blocks until SIGINT or SIGTERM. With embedded
NATS this keeps the store and audit trail available to other commands
pointed at the same server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				fmt.Printf("%s v%s ready (%d phases)\n", appName, Version, app.registry.Len())
				if app.embeddedServer != nil {
					fmt.Printf("NATS: %s\n", app.embeddedServer.ClientURL())
				}

				signalCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer cancel()

				if addr := app.cfg.Metrics.ListenAddr; addr != "" {
					app.ServeMetrics(signalCtx, addr)
					fmt.Printf("Metrics: http://%s/metrics\n", addr)
				}

				<-signalCtx.Done()

				fmt.Println("\nShutting down...")
				return nil
			})
		},
	}
}

func createCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "create <payload>",
		Short: "Create a work item in the first phase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				item, err := app.controller.CreateWorkItem(ctx, owner, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Printf("Created work item %s (phase %d)\n", item.ID, item.Phase)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func advanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <work-item-id>",
		Short: "Run one gate evaluation and apply the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				res, err := app.controller.Advance(ctx, args[0])
				if err != nil {
					return err
				}
				if res.Gate == nil {
					fmt.Printf("Work item %s is %s; nothing to do\n", res.Item.ID, res.Item.Status)
					return nil
				}
				fmt.Printf("Gate: score %.1f, decision %s", res.Gate.Score, res.Gate.Decision)
				if res.Gate.Degraded {
					fmt.Print(" (degraded)")
				}
				fmt.Printf("\nWork item: phase %d, status %s, attempts %d\n",
					res.Item.Phase, res.Item.Status, res.Item.Attempt)
				return nil
			})
		},
	}
}

func overrideCmd() *cobra.Command {
	var (
		actor  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "override <work-item-id> <pass|fail>",
		Short: "Resolve an escalated or stalled work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				item, err := app.controller.Override(ctx, args[0], workflow.Decision(args[1]), actor, reason)
				if err != nil {
					return err
				}
				fmt.Printf("Work item %s: phase %d, status %s\n", item.ID, item.Phase, item.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Reviewer user ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason for the override")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <work-item-id>",
		Short: "Show a work item's phase, status, and last gate result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				info, err := app.controller.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Work item: %s\n", info.Item.ID)
				fmt.Printf("Owner:     %s\n", info.Item.OwnerID)
				fmt.Printf("Phase:     %d\n", info.Item.Phase)
				fmt.Printf("Status:    %s\n", info.Item.Status)
				fmt.Printf("Attempts:  %d\n", info.Item.Attempt)
				if info.LastGateResult != nil {
					g := info.LastGateResult
					fmt.Printf("Last gate: phase %d attempt %d, score %.1f, decision %s\n",
						g.Phase, g.Attempt, g.Score, g.Decision)
				}
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <work-item-id>",
		Short: "Show a work item's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				entries, err := app.controller.GetHistory(ctx, args[0])
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Printf("%s  %-20s  actor=%s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Event, e.Actor)
					if len(e.Payload) > 0 {
						compact, err := compactJSON(e.Payload)
						if err == nil {
							fmt.Printf("  %s", compact)
						}
					}
					fmt.Println()
				}
				return nil
			})
		},
	}
}

func phasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "Show the phase catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				for _, p := range app.registry.Phases() {
					fmt.Printf("%d. %s (pass >= %.0f, escalate >= %.0f)\n",
						p.Ordinal, p.Name, p.PassThreshold, p.EscalateThreshold)
					for _, c := range p.Criteria {
						fmt.Printf("   - %s (weight %.1f): %s\n", c.ID, c.Weight, c.Prompt)
					}
				}
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func compactJSON(raw json.RawMessage) (string, error) {
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
