// Command isorun runs the isolate execution engine's HTTP server.
// Grounded on cmd/pulse/main.go: a cobra root command defaulting to
// runServer(), a "version" subcommand, zerolog console logging, and
// graceful shutdown on SIGINT/SIGTERM. SIGHUP is only logged; .env changes
// are picked up by the config watcher.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/isorun/isorun/internal/api"
	"github.com/isorun/isorun/internal/channelbus"
	"github.com/isorun/isorun/internal/cluster"
	isorunconfig "github.com/isorun/isorun/internal/config"
	"github.com/isorun/isorun/internal/dbpool"
	"github.com/isorun/isorun/internal/eventstream"
	"github.com/isorun/isorun/internal/kernel"
	"github.com/isorun/isorun/internal/logging"
	"github.com/isorun/isorun/internal/rpcbridge"
	"github.com/isorun/isorun/internal/tools"
	"github.com/isorun/isorun/internal/worker"
	"github.com/isorun/isorun/internal/worker/dockerdriver"
)

// Version information, set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "isorun",
	Short:   "isorun runs sandboxed, short-lived isolate code execution",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("isorun %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := isorunconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel, cfg.LogPretty)
	log.Info().Msg("starting isorun")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := channelbus.New()
	bridge := rpcbridge.New()
	registry := tools.NewRegistry()

	var dbPool *dbpool.Pool
	if cfg.DBURL != "" {
		dbCfg := dbpool.DefaultConfig()
		dbCfg.Limit = cfg.DBPoolLimit
		dbCfg.IdleTimeout = cfg.DBPoolIdleTimeout
		dbPool = dbpool.New(dbpool.SQLiteOpener, dbCfg)
		defer dbPool.Dispose()
	}

	var driver worker.Driver = worker.InProcessDriver{}
	if cfg.DockerEnabled {
		dockerCfg := dockerdriver.DefaultConfig()
		dockerCfg.Image = cfg.DockerImage
		dd, err := dockerdriver.New(dockerCfg)
		if err != nil {
			log.Warn().Err(err).Msg("docker driver unavailable, falling back to in-process driver")
		} else {
			defer dd.Close()
			driver = dd
		}
	}

	clusterCfg := cluster.Config{Min: cfg.ClusterMin, Max: cfg.ClusterMax, Idle: cfg.ClusterIdle}
	pool := cluster.New(driver, clusterCfg)
	defer pool.Destroy()
	if err := pool.Warmup(clusterCfg.Min); err != nil {
		log.Warn().Err(err).Msg("cluster warmup failed")
	}

	kernelCfg := kernel.Config{
		MaxSize:      cfg.MaxSize,
		Timeout:      cfg.DefaultTimeout,
		EnvWhitelist: cfg.EnvWhitelist,
		Strict:       cfg.StrictPerms,
	}
	k, err := kernel.New(kernelCfg, kernel.Deps{
		Driver:  driver,
		Cluster: pool,
		Bus:     bus,
		RPC:     bridge,
		DB:      dbPool,
		Tools:   registry,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build kernel")
	}

	hub := eventstream.NewHub()
	router := api.New(k, hub, Version)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	watcher, err := isorunconfig.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("failed to start config watcher, .env changes will require a restart")
	} else {
		defer watcher.Stop()
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadCh, syscall.SIGHUP)

	for {
		select {
		case <-reloadCh:
			log.Info().Msg("received SIGHUP, configuration will be reloaded by the watcher")
		case <-sigCh:
			log.Info().Msg("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("graceful shutdown failed")
			}
			shutdownCancel()
			return
		}
	}
}
