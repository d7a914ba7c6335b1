// Package replication decodes logical-replication insert messages off the
// outbox_messages table just far enough to know which module's wake
// subject to ping; it never reconstructs or republishes the full event
// payload; publishing the durable event itself remains the outbox
// processor's job, using its own claim/lease/backoff bookkeeping.
package replication

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"
)

// Decoder maintains a registry of RelationMessages keyed by relation ID so
// InsertMessages can be resolved into column-name/value pairs.
type Decoder struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
	logger    *zap.Logger
}

func NewDecoder(logger *zap.Logger) *Decoder {
	return &Decoder{relations: make(map[uint32]*pglogrepl.RelationMessageV2), logger: logger}
}

func (d *Decoder) RegisterRelation(msg *pglogrepl.RelationMessageV2) {
	d.relations[msg.RelationID] = msg
	d.logger.Debug("registered relation",
		zap.String("table", msg.RelationName), zap.Uint32("relationID", msg.RelationID))
}

// SourceModule extracts the source_module column from an insert into
// outbox_messages, so the caller can publish a per-module wake subject
// instead of waking every processor in the fleet on every insert.
func (d *Decoder) SourceModule(msg *pglogrepl.InsertMessageV2) (string, error) {
	rel, ok := d.relations[msg.RelationID]
	if !ok {
		return "", fmt.Errorf("decoder: unknown relation id %d", msg.RelationID)
	}

	for i, col := range msg.Tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		if rel.Columns[i].Name != "source_module" {
			continue
		}
		switch col.DataType {
		case 't':
			return string(col.Data), nil
		default:
			return "", nil
		}
	}
	return "", fmt.Errorf("decoder: source_module column not found")
}
