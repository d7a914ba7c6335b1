// Command cdc-notifier streams the outbox_messages table's logical
// replication slot and pings a lightweight wake subject per source module
// the moment a row is inserted, so every module's outbox processor can
// react in close to real time instead of waiting for its next poll tick.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/regtech/fabric/apps/cdc-notifier/internal/replication"
	"github.com/regtech/fabric/packages/platform/config"
)

const (
	slotName        = "outbox_wake_slot"
	publicationName = "outbox_pub"
	outputPlugin    = "pgoutput"
	standbyTimeout  = 10 * time.Second
	wakeSubjectFmt  = "fabric.wake.%s"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	vaultAddr := envOrDefault("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOrDefault("VAULT_TOKEN", "root")
	secretPath := envOrDefault("VAULT_SECRET_PATH", "secret/data/fabric/cdc-notifier")

	vaultManager, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("vault connection failed", zap.Error(err))
	}

	secrets, err := vaultManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets from vault", zap.Error(err))
	}

	pgURL := secrets["PG_URL"].(string)
	natsURL := secrets["NATS_URL"].(string)

	pgReplicationURL := pgURL
	if v, ok := secrets["PG_REPLICATION_URL"]; ok {
		pgReplicationURL = v.(string)
	} else if !strings.Contains(pgURL, "replication=") {
		if strings.Contains(pgURL, "?") {
			pgReplicationURL = pgURL + "&replication=database"
		} else {
			pgReplicationURL = pgURL + "?replication=database"
		}
	}
	pgQueryURL := strings.ReplaceAll(pgURL, "?replication=database&", "?")
	pgQueryURL = strings.ReplaceAll(pgQueryURL, "&replication=database", "")
	pgQueryURL = strings.ReplaceAll(pgQueryURL, "?replication=database", "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(natsURL, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer nc.Drain()

	conn, err := pgconn.Connect(ctx, pgReplicationURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres for replication", zap.Error(err))
	}
	defer conn.Close(ctx)
	logger.Info("connected to postgres for logical replication")

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, slotName, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false},
	)
	if err != nil {
		logger.Warn("replication slot creation", zap.Error(err))
	} else {
		logger.Info("replication slot created", zap.String("slot", slotName))
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		logger.Fatal("identifysystem failed", zap.Error(err))
	}
	logger.Info("system identified",
		zap.String("systemID", sysident.SystemID),
		zap.String("timeline", fmt.Sprintf("%d", sysident.Timeline)),
		zap.String("xLogPos", sysident.XLogPos.String()),
	)

	startLSN := resolveStartLSN(ctx, pgQueryURL, sysident, logger)

	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", publicationName),
	}
	if err := pglogrepl.StartReplication(ctx, conn, slotName, startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		logger.Fatal("startreplication failed", zap.Error(err))
	}
	logger.Info("logical replication started",
		zap.String("slot", slotName), zap.String("publication", publicationName))

	runLoop(ctx, conn, nc, startLSN, logger)
}

func runLoop(ctx context.Context, conn *pgconn.PgConn, nc *nats.Conn, startLSN pglogrepl.LSN, logger *zap.Logger) {
	decoder := replication.NewDecoder(logger)
	clientXLogPos := startLSN
	nextStandbyDeadline := time.Now().Add(standbyTimeout)

	for {
		if ctx.Err() != nil {
			logger.Info("cdc-notifier shutting down gracefully")
			return
		}

		if time.Now().After(nextStandbyDeadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn,
				pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos}); err != nil {
				logger.Error("standbystatusupdate failed", zap.Error(err))
			}
			nextStandbyDeadline = time.Now().Add(standbyTimeout)
		}

		rawMsg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			logger.Error("receivemessage failed", zap.Error(err))
			continue
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			logger.Fatal("postgres wal error",
				zap.String("severity", errResp.Severity), zap.String("message", errResp.Message))
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				logger.Error("parsexlogdata failed", zap.Error(err))
				continue
			}

			logicalMsg, err := pglogrepl.ParseV2(xld.WALData, false)
			if err != nil {
				logger.Error("parsev2 failed", zap.Error(err))
				continue
			}

			switch msg := logicalMsg.(type) {
			case *pglogrepl.RelationMessageV2:
				decoder.RegisterRelation(msg)

			case *pglogrepl.InsertMessageV2:
				module, err := decoder.SourceModule(msg)
				if err != nil || module == "" {
					continue
				}
				subject := fmt.Sprintf(wakeSubjectFmt, module)
				if err := nc.Publish(subject, nil); err != nil {
					logger.Error("wake publish failed", zap.String("subject", subject), zap.Error(err))
				}
			}

			clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))

		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				logger.Error("parseprimarykeepalivemessage failed", zap.Error(err))
				continue
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		default:
			logger.Warn("unknown copy data type", zap.Uint8("type", copyData.Data[0]))
		}
	}
}

// resolveStartLSN resumes from the slot's confirmed_flush_lsn when present,
// so a restart never skips rows inserted between the last confirmed flush
// and the worker's restart; a brand new slot starts from the current WAL
// position instead.
func resolveStartLSN(ctx context.Context, pgQueryURL string, sysident pglogrepl.IdentifySystemResult, logger *zap.Logger) pglogrepl.LSN {
	var confirmedLSNStr *string
	pgxConn, err := pgx.Connect(ctx, pgQueryURL)
	if err != nil {
		logger.Warn("failed to open pgx connection for LSN resolution", zap.Error(err))
		return sysident.XLogPos
	}
	queryErr := pgxConn.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		slotName,
	).Scan(&confirmedLSNStr)
	pgxConn.Close(ctx)
	if queryErr != nil {
		logger.Warn("lsn query failed, using sysident.XLogPos", zap.Error(queryErr))
		return sysident.XLogPos
	}

	if confirmedLSNStr == nil || *confirmedLSNStr == "" {
		return sysident.XLogPos
	}

	startLSN, err := pglogrepl.ParseLSN(*confirmedLSNStr)
	if err != nil {
		logger.Warn("failed to parse confirmed_flush_lsn, falling back", zap.Error(err))
		return sysident.XLogPos
	}
	logger.Info("resuming replication from confirmed_flush_lsn", zap.String("lsn", *confirmedLSNStr))
	return startLSN
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
