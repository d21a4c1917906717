// Package main is the entry point for the ank-agent binary. It wires the
// connection manager, scheduler, and a runtime driver together and starts
// the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Probe Docker (non-fatal if unavailable — falls back to FakeDriver)
//  4. Build the scheduler and connection manager, wire them to each other
//  5. Start the scheduler tick loop and the connection loop
//  6. Block until SIGINT/SIGTERM, then shut down
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/agent/internal/connection"
	"github.com/ankaios-go/ankaios/agent/internal/runtime"
	"github.com/ankaios-go/ankaios/agent/internal/scheduler"
	"github.com/ankaios-go/ankaios/shared/model"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverAddr   string
	sharedSecret string
	stateDir     string
	agentName    string
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
		Use:   "ank-agent",
		Short: "ank-agent — the Ankaios agent",
		Long: `ank-agent runs on every machine that hosts workloads. It connects to ankd
via a persistent Control stream, receives workload assignments, starts and
stops them through a runtime driver, and reports their execution state back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server-addr", envOrDefault("ANK_SERVER_ADDR", "localhost:25551"), "ankd Control service address (host:port)")
	root.PersistentFlags().StringVar(&cfg.sharedSecret, "shared-secret", envOrDefault("ANK_SHARED_SECRET", ""), "shared secret presented to ankd (must match its configured secret)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("ANK_STATE_DIR", defaultStateDir()), "directory for agent-state.json")
	root.PersistentFlags().StringVar(&cfg.agentName, "agent-name", envOrDefault("ANK_AGENT_NAME", ""), "agent name presented to ankd (empty = derive from hostname / persisted state)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ANK_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ank-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.sharedSecret == "" {
		logger.Warn("shared-secret not configured — Control connection is unauthenticated (development mode only)")
	}

	name := resolveAgentName(cfg)
	logger.Info("starting ank-agent",
		zap.String("version", version),
		zap.String("agent_name", name),
		zap.String("server", cfg.serverAddr),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	driver := selectDriver(ctx, logger)

	connCfg := connection.Config{
		ServerAddr:   cfg.serverAddr,
		SharedSecret: cfg.sharedSecret,
		StateDir:     cfg.stateDir,
		AgentName:    name,
		AgentVersion: version,
	}

	// mgr and sched are mutually referential: the scheduler reports state
	// transitions through mgr.ReportState, and mgr dispatches incoming
	// UpdateWorkload batches to sched.Apply. The closure below captures the
	// not-yet-assigned mgr variable rather than its value, so the order of
	// construction doesn't matter — mgr is assigned before either goroutine
	// starts running.
	var mgr *connection.Manager
	sched := scheduler.New(logger, driver, func(workloadName string, state model.ExecutionState) {
		mgr.ReportState(workloadName, state)
	}, 250*time.Millisecond)
	mgr = connection.New(connCfg, sched, logger)

	go sched.Run(ctx)
	mgr.Run(ctx)

	logger.Info("ank-agent stopped")
	return nil
}

func resolveAgentName(cfg *config) string {
	if cfg.agentName != "" {
		return cfg.agentName
	}
	if persisted, ok := connection.LoadPersistedAgentName(cfg.stateDir); ok {
		return persisted
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "agent"
}

// selectDriver probes Docker and falls back to the in-memory FakeDriver if
// the daemon is unreachable, so the agent still starts in environments
// without a container engine (CI, a bare dev laptop).
func selectDriver(ctx context.Context, logger *zap.Logger) runtime.Driver {
	docker, err := runtime.NewDockerDriver(logger)
	if err != nil {
		logger.Warn("docker client unavailable, using in-memory runtime driver", zap.Error(err))
		return runtime.NewFakeDriver(logger)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := docker.Ping(pingCtx); err != nil {
		logger.Warn("docker daemon unreachable, using in-memory runtime driver", zap.Error(err))
		return runtime.NewFakeDriver(logger)
	}
	logger.Info("docker daemon reachable, using docker runtime driver")
	return docker
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.ankaios-agent"
	}
	return ".ankaios-agent"
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
