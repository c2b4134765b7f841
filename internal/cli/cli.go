// ============================================================================
// Falcon Worker CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line entrypoint, built on the Cobra framework
//
// Command Structure:
//   falcon-worker                  # Root command
//   ├── run                        # Start polling with the built-in workers
//   └── config                     # Print resolved per-worker settings
//
// Global Flags:
//   -c, --config string            Config file path (default: configs/worker.yaml)
//       --env-file string          .env file loaded before the environment (default: .env)
//
// Configuration:
//   See internal/config. Worker properties may be overridden per worker or
//   for all workers through YAML or FALCON_WORKER_* variables.
//
// run Command:
//   1. Load config and set up the slog logger
//   2. Start the metrics endpoint (if enabled)
//   3. Start the token cache and connect the transport (http or grpc)
//   4. Start the runner with the demo workers: echo, sleep, fail
//   5. Listen for SIGINT/SIGTERM and shut down within shutdown_grace
//
//   Examples:
//     ./falcon-worker run
//     ./falcon-worker run -c custom.yaml --workers echo,sleep
//
// config Command:
//   Shows what every demo worker would run with after overrides.
//
//   Examples:
//     FALCON_WORKER_ECHO_PAUSED=true ./falcon-worker config
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ChuLiYu/falcon-worker/internal/auth"
	"github.com/ChuLiYu/falcon-worker/internal/config"
	"github.com/ChuLiYu/falcon-worker/internal/metrics"
	"github.com/ChuLiYu/falcon-worker/internal/runner"
	"github.com/ChuLiYu/falcon-worker/internal/telemetry"
	"github.com/ChuLiYu/falcon-worker/internal/throttle"
	"github.com/ChuLiYu/falcon-worker/internal/worker"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "falcon-worker",
		Short: "Falcon Worker: polls a workflow server and executes tasks",
		Long: `Falcon Worker is a task worker process with:
- One poll timer per worker, re-armed even after failures
- Bounded per-worker execution pools and batch polling
- Token caching, throttled error logging and Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/worker.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start polling and executing tasks",
		Long:  "Start the built-in demo workers and poll the configured server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorkers(ctx, only)
		},
	}

	cmd.Flags().StringSliceVar(&only, "workers", nil, "only start these workers (default: all)")

	return cmd
}

func runWorkers(ctx context.Context, only []string) error {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	workers, err := selectWorkers(DemoWorkers(), only)
	if err != nil {
		return err
	}

	// Start Metrics
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
		go func() {
			logger.Info("starting metrics server", "addr", cfg.Metrics.Addr)
			if err := collector.StartServer(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	tokens := auth.NewTokenCache(auth.NewHTTPRefresher(cfg.TokenURL()), auth.Config{
		KeyID:           cfg.Auth.KeyID,
		KeySecret:       cfg.Auth.KeySecret,
		RefreshInterval: cfg.Auth.RefreshInterval,
		Logger:          logger,
		OnRefresh:       collector.RecordTokenRefresh,
	})
	if !tokens.Enabled() {
		logger.Info("no key id/secret configured, running without authentication")
	}
	tokens.Start(ctx)
	defer tokens.Stop()

	source, closeSource, err := newSource(cfg, tokens)
	if err != nil {
		return err
	}
	defer closeSource()

	r, err := runner.New(runner.Config{
		WorkerID:  cfg.WorkerID,
		Source:    source,
		Overrides: cfg.Overrides(),
		Throttle:  throttle.New(throttle.Config{}),
		Metrics:   collector,
		Logger:    logger,
	}, workers...)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	if err := r.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}
	logger.Info("worker started", "worker_id", r.WorkerID(), "transport", cfg.Server.Transport, "server", cfg.Server.URL)

	<-ctx.Done()
	logger.Info("received shutdown signal, stopping gracefully", "grace", cfg.ShutdownGrace)
	if !r.Shutdown(cfg.ShutdownGrace) {
		logger.Warn("shutdown grace elapsed, in-flight tasks were cancelled")
	}
	logger.Info("worker stopped")
	return nil
}

// newSource 依設定建立 HTTP 或 gRPC 傳輸
func newSource(cfg *config.Config, tokens worker.TokenProvider) (worker.TaskSource, func(), error) {
	switch cfg.Server.Transport {
	case config.TransportGRPC:
		conn, err := grpc.NewClient(cfg.Server.URL, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to server: %w", err)
		}
		return worker.NewGrpcTaskSource(conn, tokens), func() { conn.Close() }, nil
	default:
		client := &http.Client{Timeout: cfg.Server.Timeout}
		return worker.NewHTTPTaskSource(cfg.Server.URL, client, tokens), func() {}, nil
	}
}

func selectWorkers(all []worker.Worker, only []string) ([]worker.Worker, error) {
	if len(only) == 0 {
		return all, nil
	}
	byType := make(map[string]worker.Worker, len(all))
	for _, w := range all {
		byType[w.TaskType()] = w
	}
	selected := make([]worker.Worker, 0, len(only))
	for _, name := range only {
		w, ok := byType[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown worker %q", name)
		}
		selected = append(selected, w)
	}
	return selected, nil
}

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show resolved worker config",
		Long:  "Display the effective settings of every built-in worker after file and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, envFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showConfig(cmd.OutOrStdout(), cfg, DemoWorkers())
		},
	}
	return cmd
}

func showConfig(out io.Writer, cfg *config.Config, workers []worker.Worker) error {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Falcon Worker Configuration                     ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Server:")
	fmt.Fprintf(out, "  ├─ URL:        %s\n", cfg.Server.URL)
	fmt.Fprintf(out, "  ├─ Transport:  %s\n", cfg.Server.Transport)
	if cfg.Auth.KeyID != "" {
		fmt.Fprintf(out, "  └─ Auth:       key %s, refresh every %s\n", cfg.Auth.KeyID, cfg.Auth.RefreshInterval)
	} else {
		fmt.Fprintln(out, "  └─ Auth:       disabled")
	}
	fmt.Fprintln(out)

	overrides := cfg.Overrides()
	fmt.Fprintln(out, "⚙️  Workers:")
	for i, w := range workers {
		s := overrides.Resolve(w)
		branch := "├─"
		if i == len(workers)-1 {
			branch = "└─"
		}
		domain := s.Domain
		if domain == "" {
			domain = "-"
		}
		fmt.Fprintf(out, "  %s %-8s interval=%s threads=%d domain=%s paused=%t\n",
			branch, w.TaskType(), s.PollInterval, s.ThreadCount, domain, s.Paused)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on %s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)
	return nil
}
