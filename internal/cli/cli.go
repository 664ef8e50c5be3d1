// ============================================================================
// Beaver-Runner CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running jobs locally or as an agent server
//
// Command Structure:
//   beaver-runner                  # Root command
//   ├── run <job.json>             # Run one job and exit
//   │   └── --log-path            # Directory for the job event log
//   ├── serve                      # HTTP API + gRPC health + metrics
//   ├── token                      # Mint an HS256 token for POST /jobs
//   │   ├── --subject
//   │   └── --ttl
//   ├── version                    # Display version information
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// Configuration:
//   YAML config file, then .env, then BEAVER_* environment variables.
//   A missing default config file is not an error; defaults are used.
//
// run Command:
//   1. Load config and job file
//   2. Start metrics server (if enabled)
//   3. Run the job until it finishes or SIGINT/SIGTERM stops it
//   4. Print a summary; exit non-zero when the job failed
//
//   Examples:
//     ./beaver-runner run job.json
//     ./beaver-runner run job.json --log-path /var/log/beaver
//
// serve Command:
//   Accepts one job at a time over HTTP. On SIGINT/SIGTERM the running job
//   is stopped and torn down before the process exits.
//
//   Examples:
//     ./beaver-runner serve -c configs/default.yaml
//     BEAVER_JWT_SECRET=s3cret ./beaver-runner token --ttl 1h
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-runner/internal/controller"
	"github.com/ChuLiYu/beaver-runner/internal/metrics"
	"github.com/ChuLiYu/beaver-runner/internal/server"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// ErrJobFailed is returned by run when the job result is failed.
var ErrJobFailed = errors.New("job failed")

type app struct {
	version    string
	configFile string
}

func BuildCLI(version string) *cobra.Command {
	a := &app{version: version}

	rootCmd := &cobra.Command{
		Use:   "beaver-runner",
		Short: "Beaver-Runner: a CI job execution agent",
		Long: `Beaver-Runner runs CI jobs with:
- shell and docker compose executors
- structured JSON event logs (file, HTTP push, Redis)
- finished / teardown_finished callbacks
- Prometheus metrics`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildServeCommand())
	rootCmd.AddCommand(a.buildTokenCommand())
	rootCmd.AddCommand(a.buildVersionCommand())

	return rootCmd
}

// load 讀取配置並安裝 slog handler
func (a *app) load(cmd *cobra.Command) (*Config, error) {
	cfg, err := loadConfig(a.configFile, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.SetDefault(newLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()))

	return cfg, nil
}

func (a *app) buildRunCommand() *cobra.Command {
	var logPath string

	cmd := &cobra.Command{
		Use:   "run <job.json>",
		Short: "Run a single job and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}
			if logPath != "" {
				cfg.Log.Dir = logPath
			}
			return runJob(cmd.Context(), cfg, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&logPath, "log-path", "", "directory for the job event log (overrides log.dir)")

	return cmd
}

func runJob(ctx context.Context, cfg *Config, jobFile string, out io.Writer) error {
	job, err := controller.LoadJobFile(jobFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	jobCfg, closeRedis := cfg.jobConfig(reg)
	defer closeRedis()

	ctrl, err := controller.New(job, jobCfg)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				slog.Warn("Metrics server error", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := ctrl.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Job %s %s in %s\n", report.JobID, report.Result, report.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "Event log: %s\n", report.LogPath)

	if report.Result == types.ResultFailed {
		return ErrJobFailed
	}
	return nil
}

func (a *app) buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent server and wait for jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			jobCfg, closeRedis := cfg.jobConfig(reg)
			defer closeRedis()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("Starting Beaver-Runner agent", "version", a.version, "addr", cfg.Server.Addr, "grpc_addr", cfg.Server.GRPCAddr)
			if cfg.Server.JWTSecret == "" {
				slog.Warn("server.jwt_secret is empty, POST /jobs is not authenticated")
			}

			s := server.New(cfg.serverConfig(a.version, jobCfg, reg))
			if err := s.ListenAndServe(ctx); err != nil {
				return err
			}

			slog.Info("Agent stopped. Goodbye!")
			return nil
		},
	}
}

func (a *app) buildTokenCommand() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a token accepted by the serve API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}

			token, err := server.IssueToken(cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "beaver-runner", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime, 0 for no expiry")

	return cmd
}

func (a *app) buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "beaver-runner %s\n", a.version)
		},
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute(version string) int {
	if err := BuildCLI(version).Execute(); err != nil {
		if !errors.Is(err, ErrJobFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}
