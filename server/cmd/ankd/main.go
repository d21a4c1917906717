package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/server/internal/aggregator"
	"github.com/ankaios-go/ankaios/server/internal/grpcapi"
	"github.com/ankaios-go/ankaios/server/internal/registry"
	"github.com/ankaios-go/ankaios/server/internal/startupstate"
	"github.com/ankaios-go/ankaios/server/internal/statemgr"
	"github.com/ankaios-go/ankaios/server/internal/statusfeed"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	grpcAddr     string
	statusAddr   string
	startupState string
	sharedSecret string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "ankd",
		Short: "ankd — the Ankaios server",
		Long: `ankd is the central component of the Ankaios workload orchestrator.
It accepts Control connections from agents and the CLI, owns the desired
and current state, and diffs state transitions into per-agent assignments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", envOrDefault("ANK_GRPC_ADDR", ":25551"), "Control service listen address")
	root.PersistentFlags().StringVar(&cfg.statusAddr, "status-addr", envOrDefault("ANK_STATUS_ADDR", ":25552"), "status-feed WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.startupState, "startup-state", envOrDefault("ANK_STARTUP_STATE", "./startup-state.yaml"), "path to the startup state YAML manifest")
	root.PersistentFlags().StringVar(&cfg.sharedSecret, "shared-secret", envOrDefault("ANK_SHARED_SECRET", ""), "shared secret agents and the CLI must present (empty = disabled, dev only)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ANK_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ankd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting ankd",
		zap.String("version", version),
		zap.String("grpc_addr", cfg.grpcAddr),
		zap.String("status_addr", cfg.statusAddr),
		zap.String("log_level", cfg.logLevel),
	)

	if cfg.sharedSecret == "" {
		logger.Warn("no shared secret configured — Control connections are unauthenticated (development mode only)")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startup, err := startupstate.Load(cfg.startupState)
	if err != nil {
		return fmt.Errorf("failed to load startup state: %w", err)
	}

	reg := registry.New(logger)
	agg := aggregator.New(logger)
	state := statemgr.New(logger, startup, agg)

	grpcSrv := grpcapi.New(grpcapi.Config{
		ListenAddr:   cfg.grpcAddr,
		SharedSecret: cfg.sharedSecret,
	}, logger, reg, state, agg)

	go func() {
		if err := grpcSrv.ListenAndServe(ctx); err != nil {
			logger.Error("grpc server error", zap.Error(err))
			cancel()
		}
	}()

	feedHub := statusfeed.NewHub(logger)
	go feedHub.Run(ctx, agg)

	httpSrv := &http.Server{
		Addr:         cfg.statusAddr,
		Handler:      statusfeed.Handler(feedHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("status-feed listening", zap.String("addr", cfg.statusAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status-feed server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down ankd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status-feed graceful shutdown error", zap.Error(err))
	}

	logger.Info("ankd stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
