package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hotspotmesh/relay/pkg/api"
	"github.com/hotspotmesh/relay/pkg/authorizer"
	"github.com/hotspotmesh/relay/pkg/config"
	"github.com/hotspotmesh/relay/pkg/fallback"
	"github.com/hotspotmesh/relay/pkg/jobs"
	"github.com/hotspotmesh/relay/pkg/ledger"
	"github.com/hotspotmesh/relay/pkg/log"
	"github.com/hotspotmesh/relay/pkg/mesh"
	"github.com/hotspotmesh/relay/pkg/metrics"
	"github.com/hotspotmesh/relay/pkg/reconciler"
	"github.com/hotspotmesh/relay/pkg/registry"
	"github.com/hotspotmesh/relay/pkg/routerhealth"
	"github.com/hotspotmesh/relay/pkg/routeros"
	"github.com/hotspotmesh/relay/pkg/security"
	"github.com/hotspotmesh/relay/pkg/types"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "relay",
	Short: "Relay - control plane bridging hotspot routers over a WireGuard mesh",
	Long: `Relay keeps a fleet of RouterOS hotspot devices converged with the
desired state of a backend: mesh peer reconciliation, paid-access
authorization with idempotent retries, and a signed webhook surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Relay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Relay version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay control plane",
	Long: `Start the relay: opens the local stores, launches the reconciler and
the retry job runner, and serves the signed webhook API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return run(configPath)
	},
}

func init() {
	startCmd.Flags().String("config", "relay.yaml", "Path to the YAML config file")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.SetVersion(Version)

	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("mode", string(cfg.Mode)).
		Str("data_dir", cfg.DataDir).Msg("Relay starting")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := registry.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open registry store: %w", err)
	}
	defer store.Close()
	if cfg.SealPassphrase != "" {
		sm, err := security.NewSecretsManagerFromPassphrase(cfg.SealPassphrase)
		if err != nil {
			return fmt.Errorf("failed to initialize credential sealing: %w", err)
		}
		store.WithSecrets(sm)
	}
	metrics.RegisterComponent("store", true, "")

	led, err := ledger.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open session ledger: %w", err)
	}
	defer led.Close()
	metrics.RegisterComponent("ledger", true, "")

	queue, err := jobs.NewQueue(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open job queue: %w", err)
	}
	defer queue.Close()

	exec := executorFor(cfg)
	if cfg.DryRun {
		logger.Warn().Msg("Dry-run mode: device commands are logged, not executed")
	}
	metrics.RegisterComponent("executor", true, "")

	health := routerhealth.NewTracker()
	auth := authorizer.New(led, cfg, health, exec, queue)

	runner := jobs.NewRunner(queue, cfg.JobPollInterval)
	runner.Register(types.JobTypeAuthorizePending, auth.HandleRetryJob)
	if cfg.JobRunnerEnabled {
		runner.Start()
	}

	var fb *fallback.Registry
	if cfg.FallbackJSON {
		path := cfg.FallbackFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		fb = fallback.NewRegistry(path)
	}
	recon := reconciler.New(cfg, store, mesh.NewWGCtrl(cfg.WGInterface), fb)
	recon.Start()

	verifier := security.NewVerifier(cfg.HMACSecret, cfg.TSSkew, cfg.NonceTTL)
	if cfg.HMACSecret == "" {
		logger.Warn().Msg("No API secret configured, all signed requests will be rejected")
	}
	server := api.NewServer(auth, verifier)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("Server failed")
	}

	recon.Stop()
	if cfg.JobRunnerEnabled {
		runner.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// executorFor selects the device command executor for the configured
// mode.
func executorFor(cfg *config.Config) routeros.Executor {
	if cfg.DryRun {
		return routeros.DryRunExecutor{}
	}
	return routeros.APIExecutor{}
}
