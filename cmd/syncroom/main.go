package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"github.com/amoylab/syncroom/internal/common/config"
	"github.com/amoylab/syncroom/internal/engine"
	"github.com/amoylab/syncroom/pkg/logger"
	"github.com/amoylab/syncroom/pkg/metrics"
	"github.com/amoylab/syncroom/pkg/version"
)

var (
	configPath string
	userID     string
	orgID      string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of syncroom",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("syncroom version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "syncroom",
		Short: "Real-time collaboration engine",
		Long:  `syncroom runs a collaboration engine instance: presence, document sync, sessions, and notifications over one websocket connection`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", cnst.SyncroomYaml, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id to connect as")
	rootCmd.PersistentFlags().StringVar(&orgID, "org", "", "organization id to connect under")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	cfg, cfgPath, err := config.LoadConfig[config.EngineConfig](configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", cfgPath, err)
	}

	zapLogger, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()
	zapLogger = zapLogger.Named("syncroom")

	zapLogger.Info("starting syncroom",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath),
		zap.String("server_url", cfg.Connection.URL))

	if userID == "" {
		userID = os.Getenv("SYNCROOM_USER_ID")
	}
	if orgID == "" {
		orgID = os.Getenv("SYNCROOM_ORG_ID")
	}
	if userID == "" {
		zapLogger.Fatal("no user id given, set --user or SYNCROOM_USER_ID")
	}

	var m *metrics.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			zapLogger.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zapLogger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	eng, err := engine.New(cfg, zapLogger, m)
	if err != nil {
		zapLogger.Fatal("failed to build engine", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = eng.Connect(ctx, userID, orgID)
	cancel()
	if err != nil {
		zapLogger.Fatal("failed to connect", zap.Error(err))
	}

	if err := eng.UpdatePresence(context.Background(), cnst.PresenceOnline, ""); err != nil {
		zapLogger.Warn("failed to announce presence", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	zapLogger.Info("shutting down", zap.String("signal", sig.String()))

	eng.Disconnect()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	zapLogger.Info("shutdown complete")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %v", err)
	}
}
