package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvliesdonk/mcp-devbench/pkg/api"
	"github.com/pvliesdonk/mcp-devbench/pkg/config"
	"github.com/pvliesdonk/mcp-devbench/pkg/containermgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/events"
	"github.com/pvliesdonk/mcp-devbench/pkg/execengine"
	"github.com/pvliesdonk/mcp-devbench/pkg/health"
	"github.com/pvliesdonk/mcp-devbench/pkg/idempotency"
	"github.com/pvliesdonk/mcp-devbench/pkg/log"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/reconciler"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/shutdown"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/workspace"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devbenchd",
	Short: "devbenchd is a container-backed workspace server for coding agents",
	Long: `devbenchd spawns and manages containerd-backed containers that give a
coding agent an isolated, persistent-or-disposable workspace: a filesystem
under /workspace and a command execution surface, nothing more.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"devbenchd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to config YAML (defaults baked in if omitted)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Force JSON log output regardless of config")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the devbenchd server until terminated",
	RunE:  runServe,
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if j, _ := cmd.Flags().GetBool("log-json"); j {
		cfg.LogJSON = true
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	healthReg := health.NewRegistry("store", "containerd", "api")
	healthReg.SetVersion(Version)
	healthReg.Set("store", false, "initializing")
	healthReg.Set("containerd", false, "initializing")
	healthReg.Set("api", false, "initializing")

	store, err := storage.NewBoltStore(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate state store: %w", err)
	}
	healthReg.Set("store", true, "")

	adapter, err := runtime.NewContainerdAdapter(cfg.ContainerdSocket, cfg.ContainerdNamespace, cfg.WorkspaceMountPath)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	healthReg.Set("containerd", true, "")

	broker := events.NewBroker()
	broker.Start()

	idem := idempotency.New(store)
	containers := containermgr.New(store, adapter, cfg, idem, broker)

	execs := execengine.New(store, adapter, containers, idem, broker, execengine.Config{
		ConcurrentExecsPerContainer: cfg.ConcurrentExecsPerContainer,
		ExecOutputBudgetBytes:       cfg.ExecOutputBudgetBytes,
		DefaultExecTimeoutSeconds:   cfg.DefaultExecTimeoutSeconds,
	})
	containers.SetExecCanceller(execs)

	ws := workspace.New(containers, broker)
	recon := reconciler.New(containers, execs, idem, broker, 30*time.Second)

	logger.Info().Msg("running boot reconciliation")
	if err := recon.BootReconcile(ctx); err != nil {
		return fmt.Errorf("boot reconciliation: %w", err)
	}
	recon.Start()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	toolServer := api.NewServer(containers, execs, ws, recon)
	drain := shutdown.New(containers, execs, recon, broker, store, cfg.DrainGrace())
	toolServer.SetDrainChecker(drain)
	_ = toolServer // dispatched onto by the embedding tool-RPC transport

	httpServer := api.NewHTTPServer(healthReg)
	healthReg.Set("api", true, "")

	watchCtx, stopWatchers := context.WithCancel(context.Background())
	defer stopWatchers()
	go api.WatchStore(watchCtx, healthReg, store, 15*time.Second)
	go api.WatchRuntime(watchCtx, healthReg, adapter, 15*time.Second)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpServer.Handler(),
	}
	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.ListenAddr).Msg("http endpoints listening (/healthz, /ready, /livez, /metrics)")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("signal received, draining")
	case err := <-httpErrCh:
		logger.Error().Err(err).Msg("http server error, draining")
	}

	stopWatchers()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.DrainGrace()+30*time.Second)
	defer cancelShutdown()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}

	if err := drain.Drain(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info().Msg("devbenchd stopped")
	return nil
}
