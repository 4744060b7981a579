// Command flowctl is the CLI front-end for the workflow execution
// engine: run, resume, lint, and signal subcommands over pkg/app.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowctl/flowctl/pkg/app"
	"github.com/flowctl/flowctl/pkg/node"
	"github.com/flowctl/flowctl/pkg/signalfile"
	"github.com/flowctl/flowctl/pkg/worker"
)

func main() {
	// Hidden re-exec dispatch path: pkg/node.Execute() launches this very
	// binary with DispatchFlag as its first argument to run one worker in
	// isolation, instead of the normal cobra CLI.
	if len(os.Args) > 1 && os.Args[1] == node.DispatchFlag {
		os.Exit(node.Dispatch(worker.NewRegistry(), os.Args[2:]))
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:   "flowctl",
		Short: "flowctl - forking DAG workflow engine",
		Long: `flowctl runs a user-defined DAG of tasks, each an independent
subprocess forked from the engine process, under bounded parallelism with
retry/backoff, failure cascade, and checkpoint/resume.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initLogger(logLevel, logFormat)
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text, json")

	root.AddCommand(runCmd())
	root.AddCommand(resumeCmd())
	root.AddCommand(lintCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(abortCmd())
	root.AddCommand(pauseCmd())
	return root
}

func initLogger(level, format string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q: use debug, info, warn, or error", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q: use text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func runCmd() *cobra.Command {
	var (
		jsonFormat  bool
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Run a workflow from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Load(args[0], jsonFormat, interactive)
			if err != nil {
				return err
			}
			return runAndReport(cmd, a)
		},
	}
	cmd.Flags().BoolVar(&jsonFormat, "json", false, "parse the workflow file as JSON instead of list format")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "enable interactive context prompts on standard input")
	return cmd
}

func resumeCmd() *cobra.Command {
	var (
		jsonFormat  bool
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "resume <workflow-file>",
		Short: "Resume a workflow from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Resume(args[0], jsonFormat, interactive)
			if err != nil {
				return err
			}
			return runAndReport(cmd, a)
		},
	}
	cmd.Flags().BoolVar(&jsonFormat, "json", false, "parse the workflow file as JSON instead of list format")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "enable interactive context prompts on standard input")
	return cmd
}

func runAndReport(cmd *cobra.Command, a *app.App) error {
	ctx := signalContext(cmd.Context())
	failed, err := a.Run(ctx)
	if err != nil {
		return err
	}
	if failed != 0 {
		os.Exit(failed)
	}
	return nil
}

func lintCmd() *cobra.Command {
	var jsonFormat bool
	cmd := &cobra.Command{
		Use:   "lint <workflow-file>",
		Short: "Validate a workflow file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := app.Load(args[0], jsonFormat, false)
			if err != nil {
				return err
			}
			fmt.Printf("OK: workflow is valid (%d nodes)\n", a.Register.Len())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonFormat, "json", false, "parse the workflow file as JSON instead of list format")
	return cmd
}

func abortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <temp-dir> <app-name>",
		Short: "Request a running engine instance to abort",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return signalfile.New(args[0], args[1]).Emit(signalfile.Abort)
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <temp-dir> <app-name>",
		Short: "Emit the pause sentinel (the engine consumes it without pausing)",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return signalfile.New(args[0], args[1]).Emit(signalfile.Pause)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(_ *cobra.Command, _ []string) error {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Println("flowctl (build info unavailable)")
				return nil
			}
			version := info.Main.Version
			if version == "" || version == "(devel)" {
				version = "dev"
			}
			fmt.Printf("flowctl %s\n", version)
			fmt.Printf("  module: %s\n", info.Main.Path)
			fmt.Printf("  go:     %s\n", info.GoVersion)
			return nil
		},
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so a
// keyboard interrupt follows the same abort path as the file sentinel.
func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\n[flowctl] interrupted, cancelling run")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
