package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/artregistry/provenance/common/config"
	"github.com/artregistry/provenance/common/ledger"
	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
	rediscommon "github.com/artregistry/provenance/common/redis"
	"github.com/artregistry/provenance/common/repository"
)

const broadcastGroup = "tx_broadcast_workers"

// Monitor drives enqueued ledger transactions through the wallet daemon:
// build, broadcast, then poll until they confirm. A confirmed transaction
// releases its dependents back onto the broadcast stream, which is how a
// spend ends up waiting for its refill.
type Monitor struct {
	redis  *rediscommon.Client
	stores repository.Stores
	ledger ledger.Client
	logger *logger.Logger

	stream        string
	consumerName  string
	confirmations int
	pollInterval  time.Duration
}

// NewMonitor creates a transaction monitor
func NewMonitor(redisClient *rediscommon.Client, stores repository.Stores, lc ledger.Client, cfg config.LedgerConfig, log *logger.Logger) *Monitor {
	return &Monitor{
		redis:         redisClient,
		stores:        stores,
		ledger:        lc,
		logger:        log,
		stream:        cfg.BroadcastStream,
		consumerName:  fmt.Sprintf("tx_monitor_%s", uuid.New().String()[:8]),
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
	}
}

// Start runs the broadcast consumer and the confirmation poller until the
// context is cancelled or one of them fails.
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Info("starting transaction monitor",
		"consumer", m.consumerName,
		"stream", m.stream,
		"required_confirmations", m.confirmations)

	if err := m.redis.CreateStreamGroup(ctx, m.stream, broadcastGroup); err != nil {
		return fmt.Errorf("failed to create broadcast consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)

	go func() {
		m.logger.Info("starting broadcast stream handler")
		errChan <- m.processBroadcastStream(ctx)
	}()

	go func() {
		m.logger.Info("starting confirmation poller")
		errChan <- m.pollConfirmations(ctx)
	}()

	select {
	case <-ctx.Done():
		m.logger.Info("transaction monitor stopping")
		return nil
	case err := <-errChan:
		m.logger.Error("transaction monitor goroutine failed", "error", err)
		cancel()
		return err
	}
}

// processBroadcastStream consumes enqueued transaction ids
func (m *Monitor) processBroadcastStream(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("broadcast stream handler stopping")
			return nil
		default:
			if err := m.processNextEnqueued(ctx); err != nil {
				m.logger.Error("failed to process enqueued tx", "error", err)
				time.Sleep(1 * time.Second) // Back off on error
			}
		}
	}
}

// processNextEnqueued reads and processes one enqueued transaction
func (m *Monitor) processNextEnqueued(ctx context.Context) error {
	streams, err := m.redis.ReadFromStreamGroup(ctx, broadcastGroup, m.consumerName, m.stream, 1, 5*time.Second)
	if err != nil {
		return fmt.Errorf("XREADGROUP error: %w", err)
	}

	if streams == nil {
		// Timeout, no messages
		return nil
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			if err := m.handleEnqueued(ctx, message); err != nil {
				m.logger.Error("failed to handle enqueued tx", "message_id", message.ID, "error", err)
			}

			// ACK message
			if err := m.redis.AckStreamMessage(ctx, m.stream, broadcastGroup, message.ID); err != nil {
				m.logger.Error("failed to ACK message", "message_id", message.ID, "error", err)
			}
		}
	}

	return nil
}

// handleEnqueued builds and broadcasts one transaction from the stream
func (m *Monitor) handleEnqueued(ctx context.Context, message goredis.XMessage) error {
	raw, ok := message.Values["tx_id"].(string)
	if !ok {
		return fmt.Errorf("message missing tx_id field")
	}

	txID, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid tx_id %q: %w", raw, err)
	}

	tx, err := m.stores.LedgerTxs.GetByID(ctx, txID)
	if err != nil {
		return fmt.Errorf("failed to load ledger tx: %w", err)
	}
	if tx == nil {
		m.logger.Warn("enqueued tx not found, dropping", "tx_id", txID)
		return nil
	}

	// Redelivery after a crash between broadcast and ACK is possible;
	// the poller owns the transaction from broadcast onward.
	if tx.Failed() || tx.Status == models.TxBroadcast || tx.Status == models.TxConfirmed {
		return nil
	}

	// A dependent landed here before its prerequisite settled. Leave it
	// in the store; the poller re-releases it when the prerequisite
	// confirms.
	if tx.DependentTxID != nil {
		prereq, err := m.stores.LedgerTxs.GetByID(ctx, *tx.DependentTxID)
		if err != nil {
			return fmt.Errorf("failed to load prerequisite tx: %w", err)
		}
		if prereq != nil && !prereq.Settled() {
			m.logger.Warn("prerequisite not settled, deferring",
				"tx_id", tx.TxID,
				"prerequisite", prereq.TxID,
				"prerequisite_status", prereq.Status)
			return m.stores.LedgerTxs.UpdateStatus(ctx, tx.TxID, models.TxCreated)
		}
	}

	return m.broadcastTx(ctx, tx)
}

// broadcastTx builds a transaction against the wallet daemon and submits
// it. Signing material comes from the owning action; refills have no
// owning action and are funded by the service pool unsigned.
func (m *Monitor) broadcastTx(ctx context.Context, tx *models.LedgerTx) error {
	req := &ledger.BuildRequest{
		Kind:        tx.Kind,
		FromAddress: tx.FromAddress,
		ToAddress:   tx.ToAddress,
	}

	action, err := m.stores.Actions.GetByLedgerTx(ctx, tx.TxID)
	if err != nil {
		return fmt.Errorf("failed to load owning action: %w", err)
	}
	if action != nil {
		req.SigningMaterial = action.SigningMaterial
	}

	handle, err := m.ledger.BuildTransaction(ctx, req)
	if err != nil {
		return m.failTx(ctx, tx, fmt.Sprintf("build failed: %v", err))
	}

	if err := m.stores.LedgerTxs.SetHandle(ctx, tx.TxID, handle); err != nil {
		return fmt.Errorf("failed to record tx handle: %w", err)
	}

	if err := m.ledger.Broadcast(ctx, handle); err != nil {
		return m.failTx(ctx, tx, fmt.Sprintf("broadcast failed: %v", err))
	}

	if err := m.stores.LedgerTxs.UpdateStatus(ctx, tx.TxID, models.TxBroadcast); err != nil {
		return fmt.Errorf("failed to mark tx broadcast: %w", err)
	}

	m.logger.Info("transaction broadcast",
		"tx_id", tx.TxID,
		"kind", tx.Kind,
		"handle", handle)
	return nil
}

// pollConfirmations periodically checks broadcast transactions against
// the wallet daemon and releases dependents once they confirm
func (m *Monitor) pollConfirmations(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("confirmation poller stopping")
			return nil
		case <-ticker.C:
			if err := m.pollOnce(ctx); err != nil {
				m.logger.Error("confirmation poll failed", "error", err)
			}
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) error {
	txs, err := m.stores.LedgerTxs.ListByStatus(ctx, models.TxBroadcast, 100)
	if err != nil {
		return fmt.Errorf("failed to list broadcast txs: %w", err)
	}

	for _, tx := range txs {
		if err := m.pollTx(ctx, tx); err != nil {
			m.logger.Error("failed to poll tx", "tx_id", tx.TxID, "error", err)
		}
	}

	return nil
}

func (m *Monitor) pollTx(ctx context.Context, tx *models.LedgerTx) error {
	if tx.Handle == nil {
		return m.failTx(ctx, tx, "broadcast tx has no handle")
	}

	conf, err := m.ledger.PollConfirmation(ctx, *tx.Handle)
	if err != nil {
		// Daemon hiccup, try again next tick
		return fmt.Errorf("failed to poll confirmation: %w", err)
	}

	if conf.Confirmations != tx.Confirmations {
		if err := m.stores.LedgerTxs.SetConfirmations(ctx, tx.TxID, conf.Confirmations); err != nil {
			return fmt.Errorf("failed to record confirmations: %w", err)
		}
	}

	switch conf.Status {
	case models.TxRejected:
		return m.failTx(ctx, tx, conf.Error)
	case models.TxConfirmed:
		if conf.Confirmations < m.confirmations {
			return nil
		}
		if err := m.stores.LedgerTxs.UpdateStatus(ctx, tx.TxID, models.TxConfirmed); err != nil {
			return fmt.Errorf("failed to mark tx confirmed: %w", err)
		}
		m.logger.Info("transaction confirmed",
			"tx_id", tx.TxID,
			"kind", tx.Kind,
			"confirmations", conf.Confirmations)
		return m.releaseDependents(ctx, tx.TxID)
	}

	return nil
}

// releaseDependents re-enqueues transactions that were waiting on the
// given prerequisite
func (m *Monitor) releaseDependents(ctx context.Context, txID uuid.UUID) error {
	deps, err := m.stores.LedgerTxs.DependentsOf(ctx, txID)
	if err != nil {
		return fmt.Errorf("failed to list dependents: %w", err)
	}

	for _, dep := range deps {
		if dep.Status != models.TxCreated {
			continue
		}
		if err := m.stores.LedgerTxs.UpdateStatus(ctx, dep.TxID, models.TxEnqueued); err != nil {
			return fmt.Errorf("failed to enqueue dependent tx: %w", err)
		}
		if _, err := m.redis.AddToStream(ctx, m.stream, map[string]interface{}{
			"tx_id": dep.TxID.String(),
		}); err != nil {
			return fmt.Errorf("failed to publish dependent tx: %w", err)
		}
		m.logger.Info("released dependent transaction",
			"tx_id", dep.TxID,
			"kind", dep.Kind,
			"prerequisite", txID)
	}

	return nil
}

// failTx records a terminal failure on the transaction, surfaces it on
// the owning action's error field, and fails every dependent still
// waiting on it so their actions surface too.
func (m *Monitor) failTx(ctx context.Context, tx *models.LedgerTx, reason string) error {
	m.logger.Error("transaction failed",
		"tx_id", tx.TxID,
		"kind", tx.Kind,
		"reason", reason)

	if err := m.stores.LedgerTxs.SetError(ctx, tx.TxID, reason); err != nil {
		return fmt.Errorf("failed to record tx error: %w", err)
	}

	action, err := m.stores.Actions.GetByLedgerTx(ctx, tx.TxID)
	if err != nil {
		return fmt.Errorf("failed to load owning action: %w", err)
	}
	if action != nil {
		msg := fmt.Sprintf("ledger tx %s: %s", tx.TxID, reason)
		action.Error = &msg
		if err := m.stores.Actions.Update(ctx, action); err != nil {
			return fmt.Errorf("failed to surface tx error on action: %w", err)
		}
	}

	deps, err := m.stores.LedgerTxs.DependentsOf(ctx, tx.TxID)
	if err != nil {
		return fmt.Errorf("failed to list dependents: %w", err)
	}
	for _, dep := range deps {
		if dep.Failed() {
			continue
		}
		if err := m.failTx(ctx, dep, fmt.Sprintf("prerequisite %s failed", tx.TxID)); err != nil {
			return err
		}
	}

	return nil
}
