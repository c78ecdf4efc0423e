package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-overflow/internal/config"
	"go-overflow/internal/consumer"
	"go-overflow/internal/observability"
	"go-overflow/internal/service"
	"go-overflow/pkg/fallback"
	"go-overflow/pkg/kafka"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	consumerWorkers     int
	consumerMetricsAddr string
	consumerDedupeTTL   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Consume events from Kafka, resolving S3 overflow pointers",
	Long: `Consume events from KAFKA_TOPIC with a worker pool. Offloaded bodies are
downloaded from S3 before the handler runs and deleted after the offset commits.

Prometheus metrics are served on /metrics.`,
	SilenceUsage: true,
	RunE:         runConsumer,
}

func init() {
	rootCmd.Flags().IntVarP(&consumerWorkers, "workers", "w", 0, "Worker count (default: CONSUMER_WORKERS)")
	rootCmd.Flags().StringVar(&consumerMetricsAddr, "metrics-addr", "", "Metrics listen address (default: METRICS_ADDR)")
	rootCmd.Flags().DurationVar(&consumerDedupeTTL, "dedupe-ttl", time.Hour, "How long handled message ids are remembered, 0 disables")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runConsumer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if consumerWorkers > 0 {
		cfg.Consumer.Workers = consumerWorkers
	}
	if consumerMetricsAddr != "" {
		cfg.Metrics.Addr = consumerMetricsAddr
	}

	observability.InitLogger(cfg.Logging.Level, "overflow-consumer")
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewPrometheusMetrics(registry)

	base, err := kafka.Open(cfg.KafkaTransport(true))
	if err != nil {
		return err
	}
	defer base.Close()

	if err := base.HealthCheck(ctx); err != nil {
		logger.WithError(err).Warn("Kafka health check failed, continuing")
	}

	tr, err := fallback.NewS3(ctx, base, cfg.FallbackOptions(),
		fallback.WithLogger(logger),
		fallback.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	if err := tr.HealthCheck(ctx); err != nil {
		logger.WithError(err).Warn("S3 fallback health check failed, continuing")
	}

	var dedupe consumer.DedupeStore
	if consumerDedupeTTL > 0 {
		store := consumer.NewInMemoryDedupeStore(consumerDedupeTTL)
		defer store.Close()
		dedupe = store
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Consumer.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	processor := service.NewMessageProcessor(logger)
	c := consumer.New(tr, consumer.Config{
		Workers:        cfg.Consumer.Workers,
		HandlerTimeout: cfg.Consumer.HandlerTimeout,
		Metrics:        metrics,
		DedupeStore:    dedupe,
		Logger:         logger,
	})

	logger.WithField("metrics_addr", cfg.Metrics.Addr).Info("Consumer running")
	return c.Start(ctx, processor.Process)
}
