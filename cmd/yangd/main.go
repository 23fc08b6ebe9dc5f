// Command yangd runs the Subscription Engine as a standalone daemon:
// the gRPC health endpoint, the admin HTTP mux (liveness, readiness,
// Prometheus metrics), and the debug WebSocket observer, all backed by
// one Engine instance.
//
// Grounded on cmd/warren/main.go's cobra root command, persistent
// logging flags, and sequential-startup/signal-wait/sequential-shutdown
// "cluster init" shape, narrowed from a multi-subsystem container
// orchestrator startup to a single Engine's lifecycle.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/foxhollow/yangd/pkg/api"
	"github.com/foxhollow/yangd/pkg/config"
	"github.com/foxhollow/yangd/pkg/engine"
	"github.com/foxhollow/yangd/pkg/log"
	"github.com/spf13/cobra"
)

var (
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
	Use:     "yangd",
	Short:   "yangd - a YANG-driven configuration and operational datastore daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"yangd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Subscription Engine daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyFlagOverrides(cmd, &cfg)

		log.Info("starting yangd")

		eng, err := engine.New(engine.Config{
			DataDir:            cfg.DataDir,
			EventStoreCapacity: cfg.EventStoreCapacity,
			ReplayModules:      cfg.ReplayModules,
			RetentionSchedule:  cfg.RetentionSchedule,
			RetentionPeriod:    cfg.RetentionPeriod(),
		})
		if err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		log.Info("engine started")

		admin := api.NewAdminServer(eng)
		errCh := make(chan error, 2)
		go func() {
			if err := admin.Start(cfg.AdminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
		log.Info("admin endpoint listening at " + cfg.AdminAddr)

		grpcServer := api.NewGRPCServer()
		go func() {
			if err := grpcServer.Start(cfg.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("grpc server error: %w", err)
			}
		}()
		log.Info("grpc health endpoint listening at " + cfg.GRPCAddr)

		observerMux := eng.Observer
		go func() {
			if err := api.ServeObserver(observerMux, cfg.ObserverAddr); err != nil {
				errCh <- fmt.Errorf("observer server error: %w", err)
			}
		}()
		log.Info("observer endpoint listening at " + cfg.ObserverAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			log.Error(fmt.Sprintf("fatal server error: %v", err))
		}

		_ = admin.Stop()
		grpcServer.Stop()
		if err := eng.Close(); err != nil {
			return fmt.Errorf("failed to shut down engine: %w", err)
		}
		log.Info("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to yangd YAML config file")
	serveCmd.Flags().String("data-dir", "", "Override config: data directory")
	serveCmd.Flags().String("admin-addr", "", "Override config: admin HTTP bind address")
	serveCmd.Flags().String("grpc-addr", "", "Override config: gRPC bind address")
	serveCmd.Flags().String("observer-addr", "", "Override config: observer WebSocket bind address")
}

// applyFlagOverrides layers any explicitly-set serve flags on top of
// the loaded config, following the teacher's flag-then-config
// precedence (flags win when present).
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("admin-addr"); v != "" {
		cfg.AdminAddr = v
	}
	if v, _ := cmd.Flags().GetString("grpc-addr"); v != "" {
		cfg.GRPCAddr = v
	}
	if v, _ := cmd.Flags().GetString("observer-addr"); v != "" {
		cfg.ObserverAddr = v
	}
}
