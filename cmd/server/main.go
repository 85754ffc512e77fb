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

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/calc-costs/internal/config"
	"github.com/t77yq/calc-costs/internal/costs"
	"github.com/t77yq/calc-costs/internal/monitor"
	"github.com/t77yq/calc-costs/internal/scheduler"
	"github.com/t77yq/calc-costs/internal/service"
	"github.com/t77yq/calc-costs/internal/stats"
	"github.com/t77yq/calc-costs/internal/storage"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

const shutdownTimeout = 30 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:   "calc-costs",
	Short: "Calculation cost tracking coordinator",
	Long: `calc-costs gathers job statistics and function invocation costs reported by
calculation nodes over NATS, keeps adaptive cost estimates per view configuration
and persists them for the next start.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("calc-costs version %s\nCommit: %s\n", Version, Commit))
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file (default ./config/config.yaml)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapConfig.Level = level
	return zapConfig.Build()
}

func connectNATS(cfg config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	retries := cfg.NATS.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", retries, err)
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	nc, err := connectNATS(*cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := storage.Open(logger, cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry, err := costs.NewRegistry(store, costs.Config{
		StoreTimeout:          cfg.Costs.StoreTimeout,
		PersistWorkers:        cfg.Costs.PersistWorkers,
		DefaultInvocationCost: cfg.Costs.DefaultInvocationCost,
		DefaultDataInputCost:  cfg.Costs.DefaultDataInputCost,
		DefaultDataOutputCost: cfg.Costs.DefaultDataOutputCost,
	}, costs.NewMetrics(reg), logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	nodes := stats.NewNodeStatisticsGatherer(logger)
	reg.MustRegister(monitor.NewNodeCollector(nodes))

	reports, err := service.NewReportService(js, nodes, registry, cfg.App.Name, reg, logger)
	if err != nil {
		return err
	}
	if err := reports.Start(ctx); err != nil {
		return err
	}

	var pruner scheduler.Pruner
	if p, ok := store.(scheduler.Pruner); ok {
		pruner = p
	}
	maintenance, err := scheduler.NewMaintenance(registry, nodes, pruner, scheduler.Config{
		ReconcileSchedule: cfg.Maintenance.ReconcileSchedule,
		DecaySchedule:     cfg.Maintenance.DecaySchedule,
		DecayFactor:       cfg.Maintenance.DecayFactor,
		PruneSchedule:     cfg.Maintenance.PruneSchedule,
		HistoryRetention:  cfg.Maintenance.HistoryRetention,
		ShutdownTimeout:   cfg.Costs.StoreTimeout * 2,
	}, logger)
	if err != nil {
		return err
	}
	if err := maintenance.Start(); err != nil {
		return err
	}

	publisher := monitor.NewPublisher(js, nodes, cfg.Monitor.PublishInterval, logger)
	if err := publisher.Start(ctx); err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("Coordinator started",
		zap.String("version", Version),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("metrics_addr", cfg.App.MetricsAddr))

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	reports.Stop()
	publisher.Stop()
	if err := maintenance.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to persist function costs on shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to stop metrics server", zap.Error(err))
	}
	if err := nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
	return nil
}
