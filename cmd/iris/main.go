// Command iris runs the Iris personal assistant daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/irislabs/iris/internal/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "iris",
		Short: "Iris - personal assistant daemon",
		Long: `Iris is a personal assistant reachable over Matrix and a local
workspace API. It keeps tasks, goals, journal and reminders, runs
capabilities for the model, and reflects on the day every night.

Examples:
  iris serve
  iris serve --config ./iris.yaml
  iris reflect`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// .env is optional
			if err := godotenv.Load(); err == nil {
				slog.Debug("loaded .env file")
			}
			setupLogger(cmd)
		},
		RunE: runServe,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (JSON or YAML); defaults to $IRIS_CONFIG_PATH or environment variables")
	root.PersistentFlags().String("data", "", "data directory (overrides config)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the daemon (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "reflect",
			Short: "Run one reflection now and print it",
			RunE:  runReflect,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "iris %s (%s)\n", version, commit)
			},
		},
	)
	return root
}

func setupLogger(cmd *cobra.Command) {
	var level slog.Level
	name, _ := cmd.Flags().GetString("log-level")
	if err := level.UnmarshalText([]byte(name)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func loadConfig(cmd *cobra.Command) (*daemon.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("IRIS_CONFIG_PATH")
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dir, _ := cmd.Flags().GetString("data"); dir != "" {
		cfg.SetDataDir(dir)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	slog.Info("iris starting", "version", version, "data", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("daemon: %w", err)
	}
	slog.Info("iris stopped")
	return nil
}

func runReflect(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Delivery goes to the event stream only; the reflection is printed.
	cfg.Reflection.Destination = daemon.WorkspaceDestination

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	report, err := d.Reflect(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "REFLEXAO %s (%s)\n\n%s\n", report.Day, report.Duration, report.Summary)
	for _, e := range report.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", e)
	}
	return nil
}
