// Package main provides the stepflow binary entry point.
// Stepflow executes declarative tool plans with contract validation,
// checkpointed resumable state, and human approval gates.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/stepflow/executor"
	"github.com/c360studio/stepflow/plan"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stepflow"
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
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Deterministic plan execution engine",
		Long: `Stepflow executes declarative tool plans step by step.

Each step invokes a named tool under a contract (input/output schema,
timeout, failure policy). Progress is checkpointed before every
advance, so an interrupted plan resumes from its last committed step
instead of starting over. Steps can suspend for human approval and
every lifecycle event is published as a trace span.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&configPath, &logLevel))
	cmd.AddCommand(resumeCmd(&configPath, &logLevel))
	cmd.AddCommand(validateCmd(&configPath, &logLevel))
	cmd.AddCommand(approveCmd(&configPath, &logLevel))
	cmd.AddCommand(watchCmd(&configPath, &logLevel))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func runCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Execute a plan from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *logLevel, func(ctx context.Context, a *app) error {
				return a.submit(ctx, plan.NewFilePlanner(args[0]), false)
			})
		},
	}
}

func resumeCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <plan-file>",
		Short: "Resume a plan from its last committed checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *logLevel, func(ctx context.Context, a *app) error {
				return a.submit(ctx, plan.NewFilePlanner(args[0]), true)
			})
		},
	}
}

func validateCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a plan without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *logLevel, func(ctx context.Context, a *app) error {
				return a.validateFile(args[0])
			})
		},
	}
}

func approveCmd(configPath, logLevel *string) *cobra.Command {
	var (
		reject     bool
		resolvedBy string
	)

	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Resolve a pending approval request",
		Long: `Resolve a pending approval request by ID.

The decision is published over NATS and picked up by whichever
stepflow process holds the suspended plan. Requires a configured
NATS URL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *logLevel, func(ctx context.Context, a *app) error {
				return a.publishDecision(ctx, args[0], !reject, resolvedBy)
			})
		},
	}

	cmd.Flags().BoolVar(&reject, "reject", false, "Reject instead of approve")
	cmd.Flags().StringVar(&resolvedBy, "by", "cli", "Identity recorded as the resolver")
	return cmd
}

func watchCmd(configPath, logLevel *string) *cobra.Command {
	var plansDir string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a directory and execute plan files as they appear",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, *logLevel, func(ctx context.Context, a *app) error {
				dir := plansDir
				if dir == "" {
					dir = a.cfg.Runner.PlansDir
				}
				return a.watch(ctx, dir)
			})
		},
	}

	cmd.Flags().StringVar(&plansDir, "dir", "", "Plans directory (defaults to runner.plans_dir)")
	return cmd
}

// withApp wires the application, runs fn under a signal-aware context,
// and tears everything down.
func withApp(configPath, logLevel string, fn func(context.Context, *app) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

// printOutcome renders a terminal outcome for the CLI user.
func printOutcome(out *executor.Outcome) {
	fmt.Printf("Plan %s: %s\n", out.Plan.ID, out.Status)
	for _, res := range out.Results {
		mark := "✓"
		if !res.Success {
			mark = "✗"
		}
		fmt.Printf("  %s %s (%s, attempt %d)", mark, res.StepID, res.Tool, res.Attempt)
		if res.Error != "" {
			fmt.Printf(": %s", res.Error)
		}
		fmt.Println()
	}
	if out.FailedStep != "" {
		fmt.Printf("Failed at step: %s\n", out.FailedStep)
	}
}

// exitError converts non-success outcomes into a CLI error so the
// process exit code reflects the plan status.
func exitError(out *executor.Outcome) error {
	switch out.Status {
	case plan.StatusSucceeded:
		return nil
	case plan.StatusCancelled:
		return errors.New("plan cancelled")
	default:
		return fmt.Errorf("plan %s", out.Status)
	}
}
