// Command reporting-service is a consumer module on the fabric: it
// subscribes to another module's integration events, translates them
// through an IntegrationAdapter into its own domain events, and projects
// them into a local read model, with full inbox dedupe and replay.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/regtech/fabric/apps/reporting-service/internal/handler"
	"github.com/regtech/fabric/apps/reporting-service/internal/repository"
	"github.com/regtech/fabric/packages/fabric/adapter"
	"github.com/regtech/fabric/packages/fabric/bus"
	"github.com/regtech/fabric/packages/fabric/dispatcher"
	"github.com/regtech/fabric/packages/fabric/event"
	"github.com/regtech/fabric/packages/fabric/inbox"
	"github.com/regtech/fabric/packages/fabric/metrics"
	"github.com/regtech/fabric/packages/platform/config"
	"github.com/regtech/fabric/packages/platform/natsclient"
	"github.com/regtech/fabric/packages/platform/telemetry"
)

const (
	moduleName    = "reporting"
	durableName   = "reporting-ingestion-batches"
	filterSubject = "DOMAIN_EVENTS.ingestion.>"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vaultAddr := envOrDefault("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOrDefault("VAULT_TOKEN", "root")
	secretPath := envOrDefault("VAULT_SECRET_PATH", "secret/data/fabric/reporting-service")

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
	mp, err := telemetry.InitMeterProvider(ctx, moduleName, otelEndpoint)
	if err != nil {
		logger.Fatal("failed to init meter provider", zap.Error(err))
	}
	defer mp.Shutdown(ctx)

	tp, err := telemetry.InitTracer(ctx, moduleName, otelEndpoint)
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

	inboxStore := inbox.NewPostgresStore(pool)
	projectionRepo := repository.NewProjectionRepository(pool)
	domainBus := bus.NewDomainBus(logger)

	domainBus.Subscribe("BatchReceived", bus.AfterCommit, handler.NewBatchProjectionHandler(projectionRepo).Handle)

	batchAdapter := adapter.New("BatchReceived", translateBatchReceived, domainBus)

	inboundDispatcher := dispatcher.New(inboxStore, logger)
	inboundDispatcher.Register(batchAdapter.EventType(), batchAdapter.Handle)

	fabricMetrics, err := metrics.New(mp.Meter(moduleName),
		func(ctx context.Context) (int64, error) { return 0, nil },
		func(ctx context.Context) (int64, error) {
			n, err := inboxStore.CountPending(ctx)
			return int64(n), err
		},
	)
	if err != nil {
		logger.Fatal("failed to register fabric metrics", zap.Error(err))
	}
	inboundDispatcher.WithMetrics(fabricMetrics)

	replayCfg := inbox.ProcessorConfig{
		PollInterval: fabricCfg.Inbox.PollInterval,
		BatchSize:    50,
	}
	replayProcessor := inbox.NewProcessor(inboxStore, inboundDispatcher, replayCfg, logger)
	go func() {
		if fabricCfg.Inbox.ReplayEnabled {
			if err := replayProcessor.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("inbox replay processor stopped", zap.Error(err))
			}
		}
	}()

	natsBus := bus.NewNATSBus(natsClient, logger)
	if err := natsBus.Subscribe(ctx, durableName, filterSubject, inboundDispatcher.HandleInbound); err != nil && ctx.Err() == nil {
		logger.Fatal("subscription failed", zap.Error(err))
	}
}

// translateBatchReceived maps the ingestion module's BatchReceived
// integration event onto reporting's own local domain event of the same
// name. Field mapping only, no business logic: the payload shape is
// carried through unchanged, by design, since reporting's projection
// handler decodes the same JSON shape ingestion produced.
func translateBatchReceived(evt event.IntegrationEvent) (event.DomainEvent, error) {
	return event.DomainEvent{
		EventID:       evt.EventID,
		EventType:     evt.EventType,
		OccurredAt:    evt.OccurredAt,
		CorrelationID: evt.CorrelationID,
		Payload:       json.RawMessage(evt.Payload),
	}, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
