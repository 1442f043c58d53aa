package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
	"github.com/artregistry/provenance/common/redis"
)

// StreamPublisher hands chain heads to the transaction monitor over a
// redis stream. The tx row is flipped to enqueued at the same time so a
// crashed publish is visible as a created-but-never-enqueued row.
type StreamPublisher struct {
	redis  *redis.Client
	txs    LedgerTxStore
	stream string
	log    *logger.Logger
}

func NewStreamPublisher(rc *redis.Client, txs LedgerTxStore, stream string, log *logger.Logger) *StreamPublisher {
	return &StreamPublisher{redis: rc, txs: txs, stream: stream, log: log}
}

func (p *StreamPublisher) Publish(ctx context.Context, txID uuid.UUID) error {
	if err := p.txs.UpdateStatus(ctx, txID, models.TxEnqueued); err != nil {
		return fmt.Errorf("failed to mark tx enqueued: %w", err)
	}
	id, err := p.redis.AddToStream(ctx, p.stream, map[string]interface{}{
		"tx_id": txID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish tx to stream: %w", err)
	}
	p.log.Debug("tx enqueued for broadcast", "tx_id", txID, "stream_id", id)
	return nil
}
