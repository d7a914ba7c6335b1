// Command ingestion-service accepts inbound regulatory-reporting batches
// over HTTP, persists them, and drains its own outbox onto the cross-module
// bus — the producer side of the fabric.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/regtech/fabric/apps/ingestion-service/internal/repository"
	"github.com/regtech/fabric/apps/ingestion-service/internal/service"
	"github.com/regtech/fabric/packages/fabric/bus"
	"github.com/regtech/fabric/packages/fabric/metrics"
	"github.com/regtech/fabric/packages/fabric/outbox"
	"github.com/regtech/fabric/packages/platform/config"
	"github.com/regtech/fabric/packages/platform/middleware"
	"github.com/regtech/fabric/packages/platform/natsclient"
	"github.com/regtech/fabric/packages/platform/telemetry"
)

const sourceModule = "ingestion"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vaultAddr := envOrDefault("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOrDefault("VAULT_TOKEN", "root")
	secretPath := envOrDefault("VAULT_SECRET_PATH", "secret/data/fabric/ingestion-service")

	secretManager, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("vault connection failed", zap.Error(err))
	}
	secrets, err := secretManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets", zap.Error(err))
	}

	fabricCfg, err := config.LoadFabricConfig(os.Getenv("FABRIC_CONFIG_FILE"))
	if err != nil {
		logger.Fatal("failed to load fabric config", zap.Error(err))
	}

	otelEndpoint := envOrDefault("OTEL_ENDPOINT", "otel-collector:4317")
	mp, err := telemetry.InitMeterProvider(ctx, sourceModule, otelEndpoint)
	if err != nil {
		logger.Fatal("failed to init meter provider", zap.Error(err))
	}
	defer mp.Shutdown(ctx)

	tp, err := telemetry.InitTracer(ctx, sourceModule, otelEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer tp.Shutdown(ctx)

	pool, err := pgxpool.New(ctx, secrets["PG_URL"].(string))
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	natsClient, err := natsclient.NewClient(secrets["NATS_URL"].(string), logger)
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer natsClient.Close()
	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("stream provisioning failed", zap.Error(err))
	}

	outboxStore := outbox.NewPostgresStore(pool)
	publisher := outbox.NewPublisher(outboxStore, sourceModule)
	domainBus := bus.NewDomainBus(logger)

	processorCfg := outbox.ProcessorConfig{
		PollInterval:   fabricCfg.Outbox.PollInterval,
		BatchSize:      fabricCfg.Outbox.BatchSize,
		MaxInFlight:    fabricCfg.Bus.WorkerConcurrency,
		MaxAttempts:    fabricCfg.Outbox.MaxAttempts,
		BaseBackoff:    fabricCfg.Outbox.BaseBackoff,
		MaxBackoff:     fabricCfg.Outbox.MaxBackoff,
		LeaseDuration:  fabricCfg.Outbox.LeaseDuration,
		PublishTimeout: fabricCfg.Bus.PublishTimeout,
	}
	natsBus := bus.NewNATSBus(natsClient, logger)
	processor := outbox.NewProcessor(outboxStore, natsBus, topicFor, processorCfg, logger)

	fabricMetrics, err := metrics.New(mp.Meter(sourceModule),
		func(ctx context.Context) (int64, error) {
			counts, err := outboxStore.CountByStatus(ctx)
			if err != nil {
				return 0, err
			}
			return int64(counts[outbox.StatusPending]), nil
		},
		func(ctx context.Context) (int64, error) { return 0, nil },
	)
	if err != nil {
		logger.Fatal("failed to register fabric metrics", zap.Error(err))
	}
	processor.WithMetrics(fabricMetrics)

	wakeSubject := "fabric.wake." + sourceModule
	if err := processor.ListenForWake(ctx, natsClient.Conn, wakeSubject); err != nil {
		logger.Warn("wake listener failed to start, falling back to poll-only", zap.Error(err))
	}

	go func() {
		if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("outbox processor stopped", zap.Error(err))
		}
	}()

	repo := repository.NewBatchRepository(pool)
	batchService := service.NewBatchService(pool, repo, publisher, domainBus)

	e := echo.New()
	e.Use(middleware.NullToEmptyArray())
	e.POST("/batches", func(c echo.Context) error {
		var in service.CreateBatchInput
		if err := c.Bind(&in); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
		batch, err := batchService.CreateBatch(c.Request().Context(), in)
		if err != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusCreated, batch)
	})

	go func() {
		<-ctx.Done()
		_ = e.Shutdown(context.Background())
	}()

	addr := envOrDefault("HTTP_ADDR", ":8080")
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

// topicFor maps an outbox message to its bus topic, namespaced by producer
// module and event type so subscribers can filter with
// "DOMAIN_EVENTS.ingestion.>" instead of consuming every module's events.
func topicFor(m outbox.Message) string {
	return sourceModule + "." + m.Type
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
