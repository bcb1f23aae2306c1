// Command politefetch runs a bounded, per-domain-polite URL fetcher
// against a list of seed URLs. It exists to make the core module
// runnable end to end; the CLI surface itself is intentionally thin.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/afcarl/downpour/internal/config"
	"github.com/afcarl/downpour/internal/dispatcher"
	"github.com/afcarl/downpour/internal/observability"
	"github.com/afcarl/downpour/internal/queue"
	"github.com/afcarl/downpour/internal/request"
	"github.com/afcarl/downpour/internal/robots"
	"github.com/afcarl/downpour/internal/scheduler"
)

var (
	cfgFile string
	envFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "politefetch",
		Short: "politefetch — a bounded, per-domain-polite URL fetcher",
		Long: `politefetch dispatches a bounded pool of in-flight HTTP requests,
holding each domain to a minimum spacing between fetches and consulting
robots.txt before ever admitting a URL.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "optional .env file to load (for proxy env vars)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [url...]",
		Short: "fetch the given seed URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runFetch,
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.New(registry)
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, registry, logger)
	}

	store := buildStore(cfg, logger)
	oracle := robots.New(robots.Config{
		Enabled:  cfg.Robots.Enabled,
		AllowAll: cfg.Robots.AllowAll,
		Agent:    cfg.Dispatcher.Agent,
		TTL:      cfg.Robots.TTL,
		Timeout:  cfg.Robots.Timeout,
	}, logger, metrics)

	sched := scheduler.New(scheduler.Config{
		Dispatcher: dispatcher.Config{
			PoolSize:     cfg.Dispatcher.PoolSize,
			GrowPeriod:   cfg.Dispatcher.GrowPeriod,
			StopWhenDone: true,
			Agent:        cfg.Dispatcher.Agent,
		},
		Delay:    cfg.Scheduler.Delay,
		AliasPLD: cfg.Scheduler.AliasPLD,
	}, store, oracle.Allowed, logger, metrics)

	var succeeded, failed int
	for _, rawURL := range args {
		req, err := request.New(rawURL)
		if err != nil {
			logger.Warn("seed skipped", "url", rawURL, "error", err)
			continue
		}
		req.Timeout = cfg.Dispatcher.RequestTimeout
		req.RedirectLimit = cfg.Dispatcher.RedirectLimit
		req.OnSuccess = func(body []byte, f request.Fetcher) {
			succeeded++
			logger.Info("fetched", "url", req.URL.String(), "status", req.Status, "bytes", len(body), "cached", req.Cached)
		}
		req.OnError = func(err error, f request.Fetcher) {
			failed++
			logger.Warn("fetch failed", "url", req.URL.String(), "error", err)
		}
		if sched.Push(req) == 0 {
			logger.Warn("seed blocked by robots.txt", "url", rawURL)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		sched.Stop()
	}()

	start := time.Now()
	sched.Start(cmd.Context())
	<-sched.Done()
	elapsed := time.Since(start)

	inFlight, processed, remaining := sched.Stats()
	logger.Info("run complete",
		"elapsed", elapsed,
		"processed", processed,
		"succeeded", succeeded,
		"failed", failed,
		"in_flight", inFlight,
		"remaining", remaining,
	)
	return nil
}

func buildStore(cfg *config.Config, logger *slog.Logger) queue.Store {
	if cfg.Redis.Addr == "" {
		logger.Info("using in-memory queue store")
		return queue.NewMemStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info("using redis queue store", "addr", cfg.Redis.Addr)
	return queue.NewRedisStore(client)
}

func serveMetrics(addr, path string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := promHandler(path, reg)
	logger.Info("metrics server listening", "addr", addr, "path", path)
	if err := httpListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
