package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/collab"
	"github.com/amoylab/collab/internal/collab/annotation"
	"github.com/amoylab/collab/internal/collab/bus"
	"github.com/amoylab/collab/internal/collab/push"
	"github.com/amoylab/collab/internal/collab/users"
	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/internal/common/config"
	"github.com/amoylab/collab/internal/server"
	"github.com/amoylab/collab/pkg/logger"
	"github.com/amoylab/collab/pkg/metrics"
	"github.com/amoylab/collab/pkg/trace"
	"github.com/amoylab/collab/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of collab-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("collab-server version %s\n", version.Get())
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration %s: %w", cfgPath, err)
			}
			if _, err := bus.ParseType(cfg.Bus.Type); err != nil {
				return err
			}
			if _, err := annotation.NewSource(&cfg.Annotations); err != nil {
				return err
			}
			fmt.Printf("configuration file %s test is successful\n", cfgPath)
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   "collab-server",
		Short: "Page collaboration server",
		Long:  `collab-server tracks who edits which page and pushes leases and content updates to the browsers`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", cnst.CollabServerYaml, "path to configuration file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(testCmd)
}

func run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("Loaded configuration",
		zap.String("path", cfgPath),
		zap.String("version", version.Get()))

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			lg.Warn("failed to shutdown tracing", zap.Error(err))
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	resolver, err := users.NewResolver(&cfg.Users)
	if err != nil {
		lg.Fatal("Failed to initialize user resolver", zap.Error(err), zap.String("type", cfg.Users.Type))
	}
	if closer, ok := resolver.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	annotations, err := annotation.NewSource(&cfg.Annotations)
	if err != nil {
		lg.Fatal("Failed to initialize annotation source", zap.Error(err), zap.String("type", cfg.Annotations.Type))
	}

	registry := push.NewRegistry(lg, m)
	svc := collab.NewService(lg, cfg.Collab, registry,
		collab.WithResolver(resolver),
		collab.WithAnnotations(annotations),
		collab.WithMetrics(m))
	if err := svc.Start(ctx); err != nil {
		lg.Fatal("Failed to start collaboration jobs", zap.Error(err))
	}

	b, err := bus.NewBus(lg, &cfg.Bus)
	if err != nil {
		lg.Fatal("Failed to initialize bus", zap.Error(err), zap.String("type", cfg.Bus.Type))
	}
	if b.CanReceive() {
		handler := bus.NewHandler(lg, svc, bus.WithWorkers(cfg.Collab.BusWorkers))
		go func() {
			if err := handler.Run(ctx, b); err != nil {
				lg.Error("bus handler stopped", zap.Error(err))
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.NewServer(lg, cfg, svc, b, m)
	srv.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	lg.Info("Received shutdown signal", zap.String("signal", sig.String()))

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Error("failed to shutdown server", zap.Error(err))
	}
	cancel()
	svc.Stop()
	if err := b.Close(); err != nil {
		lg.Error("failed to close bus", zap.Error(err))
	}
	lg.Info("Server shutdown completed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
