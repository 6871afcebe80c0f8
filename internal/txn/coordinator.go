// Package txn implements the two-phase-commit transaction coordinator.
package txn

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const txKeyPrefix = "tx:"

// DefaultTransactionTimeout bounds a transaction from begin to commit.
const DefaultTransactionTimeout = 10 * time.Second

// OperationRouter resolves an operation's target shard. The production
// implementation is the Router; tests use fakes.
type OperationRouter interface {
	RouteRequest(ctx context.Context, collection, id string) (string, error)
}

// ParticipantClient drives the participant side of 2PC on a shard.
type ParticipantClient interface {
	Prepare(ctx context.Context, shardID, txID string, ops []model.Operation, expiresAt time.Time) error
	Commit(ctx context.Context, shardID, txID string) error
	Abort(ctx context.Context, shardID, txID string) error
}

// Config tunes the coordinator.
type Config struct {
	DefaultTimeout time.Duration
	RetryBackoff   time.Duration
	MaxRetries     int
}

// Coordinator drives transactions through prepare → commit/abort.
// Every state transition is persisted before the coordinator performs
// external I/O, so a restarted process can resume in-flight
// transactions from the durable log.
type Coordinator struct {
	cfg    Config
	kv     storage.KVStore
	router OperationRouter
	client ParticipantClient
	logger *zap.Logger

	mu      sync.Mutex
	txs     map[string]*model.Transaction
	timers  map[string]*time.Timer
	stopped bool

	now func() time.Time
}

// NewCoordinator creates a coordinator persisting to kv.
func NewCoordinator(cfg Config, kv storage.KVStore, router OperationRouter, client ParticipantClient, logger *zap.Logger) *Coordinator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTransactionTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Coordinator{
		cfg:    cfg,
		kv:     kv,
		router: router,
		client: client,
		logger: logger,
		txs:    make(map[string]*model.Transaction),
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
}

func txKey(txID string) string { return txKeyPrefix + txID }

// persistLocked writes the transaction record. Callers hold c.mu.
func (c *Coordinator) persistLocked(ctx context.Context, tx *model.Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to encode transaction", err)
	}
	if err := c.kv.Put(ctx, txKey(tx.TxID), raw); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to persist transaction", err)
	}
	return nil
}

// Begin validates the operations, resolves participants through the
// router, persists the PENDING record, and arms the expiry timer.
func (c *Coordinator) Begin(ctx context.Context, ops []model.Operation, timeout time.Duration) (*model.Transaction, error) {
	if len(ops) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "transaction requires at least one operation")
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	resolved := make([]model.Operation, len(ops))
	participants := model.NewStringSet()
	for i, op := range ops {
		if err := model.ValidateCollectionName(op.Collection); err != nil {
			return nil, err
		}
		if err := model.ValidateDocumentID(op.DocumentID); err != nil {
			return nil, err
		}
		switch op.Type {
		case model.OpRead, model.OpWrite, model.OpDelete:
		default:
			return nil, apperrors.Newf(apperrors.CodeInvalidRequest, "unknown operation type %q", op.Type)
		}
		if op.Type == model.OpWrite && op.Data == nil {
			return nil, apperrors.New(apperrors.CodeInvalidRequest, "WRITE operation requires data")
		}
		shardID, err := c.router.RouteRequest(ctx, op.Collection, op.DocumentID)
		if err != nil {
			return nil, err
		}
		op.ShardID = shardID
		resolved[i] = op
		participants.Add(shardID)
	}

	now := c.now()
	tx := &model.Transaction{
		TxID:         uuid.New().String(),
		Status:       model.TxPending,
		Operations:   resolved,
		Participants: participants.Values(),
		Prepared:     model.NewStringSet(),
		Committed:    model.NewStringSet(),
		Aborted:      model.NewStringSet(),
		StartedAt:    now.UnixMilli(),
		ExpiresAt:    now.Add(timeout).UnixMilli(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.persistLocked(ctx, tx); err != nil {
		return nil, err
	}
	c.txs[tx.TxID] = tx
	c.armTimerLocked(tx, timeout)

	c.logger.Info("Transaction begun",
		zap.String("tx_id", tx.TxID),
		zap.Strings("participants", tx.Participants),
		zap.Int("ops", len(resolved)))
	return snapshot(tx), nil
}

// armTimerLocked arms (or re-arms) the per-transaction expiry timer.
func (c *Coordinator) armTimerLocked(tx *model.Transaction, timeout time.Duration) {
	if old, ok := c.timers[tx.TxID]; ok {
		old.Stop()
	}
	txID := tx.TxID
	c.timers[txID] = time.AfterFunc(timeout, func() {
		c.onTimeout(txID)
	})
}

// onTimeout aborts transactions that have not reached COMMITTING.
func (c *Coordinator) onTimeout(txID string) {
	ctx := context.Background()
	c.mu.Lock()
	tx, ok := c.txs[txID]
	if !ok {
		c.mu.Unlock()
		return
	}
	switch tx.Status {
	case model.TxPending, model.TxPreparing, model.TxPrepared:
		tx.Error = string(apperrors.CodeTransactionTimeout)
		c.mu.Unlock()
		c.logger.Warn("Transaction timed out", zap.String("tx_id", txID), zap.String("status", string(tx.Status)))
		if err := c.Abort(ctx, txID); err != nil {
			c.logger.Error("Timeout abort failed", zap.String("tx_id", txID), zap.Error(err))
		}
	default:
		c.mu.Unlock()
	}
}

// Get returns a snapshot of the transaction record.
func (c *Coordinator) Get(ctx context.Context, txID string) (*model.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.getLocked(ctx, txID)
	if err != nil {
		return nil, err
	}
	return snapshot(tx), nil
}

// snapshot copies the record so callers never observe concurrent
// transitions mid-write.
func snapshot(tx *model.Transaction) *model.Transaction {
	copied := *tx
	copied.Operations = append([]model.Operation(nil), tx.Operations...)
	copied.Participants = append([]string(nil), tx.Participants...)
	copied.Prepared = model.NewStringSet(tx.Prepared.Values()...)
	copied.Committed = model.NewStringSet(tx.Committed.Values()...)
	copied.Aborted = model.NewStringSet(tx.Aborted.Values()...)
	return &copied
}

func (c *Coordinator) getLocked(ctx context.Context, txID string) (*model.Transaction, error) {
	if tx, ok := c.txs[txID]; ok {
		return tx, nil
	}
	raw, err := c.kv.Get(ctx, txKey(txID))
	if err == storage.ErrKeyNotFound {
		return nil, apperrors.Newf(apperrors.CodeTransactionNotFound, "transaction %s not found", txID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read transaction", err)
	}
	var tx model.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt transaction record", err)
	}
	c.txs[txID] = &tx
	return &tx, nil
}

// Prepare drives the prepare phase: PENDING → PREPARING, prepare
// dispatched to every participant, then PREPARED on unanimous success
// or ABORTING on any failure.
func (c *Coordinator) Prepare(ctx context.Context, txID string) (*model.Transaction, error) {
	c.mu.Lock()
	tx, err := c.getLocked(ctx, txID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if tx.Status != model.TxPending {
		c.mu.Unlock()
		return nil, apperrors.Newf(apperrors.CodeConflict,
			"cannot prepare transaction in status %s", tx.Status)
	}
	tx.Status = model.TxPreparing
	if err := c.persistLocked(ctx, tx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	participants := append([]string(nil), tx.Participants...)
	expiresAt := time.UnixMilli(tx.ExpiresAt)
	c.mu.Unlock()

	for _, shardID := range participants {
		ops := tx.OperationsFor(shardID)
		if err := c.client.Prepare(ctx, shardID, txID, ops, expiresAt); err != nil {
			c.logger.Warn("Participant voted abort",
				zap.String("tx_id", txID),
				zap.String("shard_id", shardID),
				zap.Error(err))
			c.recordError(ctx, txID, err)
			if abortErr := c.Abort(ctx, txID); abortErr != nil {
				return nil, abortErr
			}
			return c.Get(ctx, txID)
		}
		c.markPrepared(ctx, txID, shardID)
	}
	return c.Get(ctx, txID)
}

func (c *Coordinator) recordError(ctx context.Context, txID string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.txs[txID]; ok {
		tx.Error = cause.Error()
		if err := c.persistLocked(ctx, tx); err != nil {
			c.logger.Error("Failed to persist transaction error", zap.String("tx_id", txID), zap.Error(err))
		}
	}
}

// markPrepared records a participant's prepare acknowledgment and
// finalizes the phase when every participant has acknowledged.
func (c *Coordinator) markPrepared(ctx context.Context, txID, shardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.getLocked(ctx, txID)
	if err != nil {
		return
	}
	if tx.Status != model.TxPreparing || !tx.HasParticipant(shardID) {
		return
	}
	tx.Prepared.Add(shardID)
	if len(tx.Prepared) == len(tx.Participants) {
		tx.Status = model.TxPrepared
		tx.PreparedAt = c.now().UnixMilli()
		c.logger.Info("Transaction prepared", zap.String("tx_id", txID))
	}
	if err := c.persistLocked(ctx, tx); err != nil {
		c.logger.Error("Failed to persist prepare progress", zap.String("tx_id", txID), zap.Error(err))
	}
}

// Commit drives the commit phase from PREPARED. After the transition to
// COMMITTING, participant failures are retried indefinitely; commit
// never rolls back.
func (c *Coordinator) Commit(ctx context.Context, txID string) (*model.Transaction, error) {
	c.mu.Lock()
	tx, err := c.getLocked(ctx, txID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	switch tx.Status {
	case model.TxPrepared:
	case model.TxCommitting, model.TxCommitted:
		snap := snapshot(tx)
		c.mu.Unlock()
		return snap, nil
	default:
		c.mu.Unlock()
		return nil, apperrors.Newf(apperrors.CodeConflict,
			"cannot commit transaction in status %s", tx.Status)
	}
	tx.Status = model.TxCommitting
	if err := c.persistLocked(ctx, tx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.driveCommit(ctx, txID)
	return c.Get(ctx, txID)
}

// driveCommit dispatches commit to every unacknowledged participant.
// Failures leave the transaction in COMMITTING; a background retry
// keeps driving it to completion.
func (c *Coordinator) driveCommit(ctx context.Context, txID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	tx, err := c.getLocked(ctx, txID)
	if err != nil || tx.Status != model.TxCommitting {
		c.mu.Unlock()
		return
	}
	pending := make([]string, 0, len(tx.Participants))
	for _, shardID := range tx.Participants {
		if !tx.Committed.Has(shardID) {
			pending = append(pending, shardID)
		}
	}
	c.mu.Unlock()

	failed := false
	for _, shardID := range pending {
		if err := c.client.Commit(ctx, shardID, txID); err != nil {
			failed = true
			c.logger.Warn("Participant commit failed, will retry",
				zap.String("tx_id", txID),
				zap.String("shard_id", shardID),
				zap.Error(err))
			continue
		}
		c.MarkCommitted(ctx, txID, shardID)
	}

	if failed {
		retryCtx := context.Background()
		time.AfterFunc(c.cfg.RetryBackoff, func() {
			c.driveCommit(retryCtx, txID)
		})
	}
}

// MarkCommitted records a participant's commit acknowledgment; the
// transaction reaches COMMITTED when every participant has acknowledged.
// Idempotent, and also the entry point for participant callbacks.
func (c *Coordinator) MarkCommitted(ctx context.Context, txID, shardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.getLocked(ctx, txID)
	if err != nil {
		return
	}
	if tx.Status != model.TxCommitting || !tx.HasParticipant(shardID) {
		return
	}
	tx.Committed.Add(shardID)
	if len(tx.Committed) == len(tx.Participants) {
		tx.Status = model.TxCommitted
		tx.CommittedAt = c.now().UnixMilli()
		c.clearTimerLocked(txID)
		c.logger.Info("Transaction committed", zap.String("tx_id", txID))
	}
	if err := c.persistLocked(ctx, tx); err != nil {
		c.logger.Error("Failed to persist commit progress", zap.String("tx_id", txID), zap.Error(err))
	}
}

// MarkPrepared is the participant-callback entry for prepare
// acknowledgments.
func (c *Coordinator) MarkPrepared(ctx context.Context, txID, shardID string) {
	c.markPrepared(ctx, txID, shardID)
}

// MarkAborted records a participant's abort acknowledgment.
func (c *Coordinator) MarkAborted(ctx context.Context, txID, shardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.getLocked(ctx, txID)
	if err != nil {
		return
	}
	if tx.Status != model.TxAborting || !tx.HasParticipant(shardID) {
		return
	}
	tx.Aborted.Add(shardID)
	if len(tx.Aborted) == len(tx.Participants) {
		tx.Status = model.TxAborted
		tx.AbortedAt = c.now().UnixMilli()
		c.clearTimerLocked(txID)
		c.logger.Info("Transaction aborted", zap.String("tx_id", txID))
	}
	if err := c.persistLocked(ctx, tx); err != nil {
		c.logger.Error("Failed to persist abort progress", zap.String("tx_id", txID), zap.Error(err))
	}
}

// Abort drives the abort phase. Allowed from any state except
// COMMITTING and the terminals.
func (c *Coordinator) Abort(ctx context.Context, txID string) error {
	c.mu.Lock()
	tx, err := c.getLocked(ctx, txID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	switch tx.Status {
	case model.TxCommitted, model.TxCommitting:
		c.mu.Unlock()
		return apperrors.Newf(apperrors.CodeConflict,
			"cannot abort transaction in status %s", tx.Status)
	case model.TxAborted:
		c.mu.Unlock()
		return nil
	case model.TxAborting:
	default:
		tx.Status = model.TxAborting
		if err := c.persistLocked(ctx, tx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	participants := append([]string(nil), tx.Participants...)
	c.mu.Unlock()

	for _, shardID := range participants {
		if err := c.client.Abort(ctx, shardID, txID); err != nil {
			// Unknown or unreachable participants never block an abort.
			c.logger.Warn("Participant abort failed",
				zap.String("tx_id", txID),
				zap.String("shard_id", shardID),
				zap.Error(err))
			continue
		}
		c.MarkAborted(ctx, txID, shardID)
	}
	return nil
}

func (c *Coordinator) clearTimerLocked(txID string) {
	if timer, ok := c.timers[txID]; ok {
		timer.Stop()
		delete(c.timers, txID)
	}
}

// Recover reloads in-flight transactions from durable state, re-arms
// their timers, and re-drives every non-terminal one: PREPARING retries
// prepare, PREPARED commits (or aborts if expired), COMMITTING retries
// commit, ABORTING retries abort.
func (c *Coordinator) Recover(ctx context.Context) error {
	entries, err := c.kv.List(ctx, txKeyPrefix)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to scan transaction log", err)
	}

	for key, raw := range entries {
		var tx model.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			c.logger.Error("Skipping corrupt transaction record", zap.String("key", key), zap.Error(err))
			continue
		}
		if tx.Status.Terminal() {
			continue
		}
		txID := strings.TrimPrefix(key, txKeyPrefix)

		c.mu.Lock()
		c.txs[txID] = &tx
		remaining := time.Until(time.UnixMilli(tx.ExpiresAt))
		if remaining < 0 {
			remaining = 0
		}
		if !tx.Status.Terminal() && tx.Status != model.TxCommitting {
			c.armTimerLocked(&tx, remaining+time.Millisecond)
		}
		c.mu.Unlock()

		c.logger.Info("Recovering transaction",
			zap.String("tx_id", txID),
			zap.String("status", string(tx.Status)))

		switch tx.Status {
		case model.TxPending:
			// Left to the client (or the timer) to drive.
		case model.TxPreparing:
			c.redrivePrepare(ctx, &tx)
		case model.TxPrepared:
			if c.now().UnixMilli() > tx.ExpiresAt {
				if err := c.Abort(ctx, tx.TxID); err != nil {
					c.logger.Error("Recovery abort failed", zap.String("tx_id", tx.TxID), zap.Error(err))
				}
			} else if _, err := c.Commit(ctx, tx.TxID); err != nil {
				c.logger.Error("Recovery commit failed", zap.String("tx_id", tx.TxID), zap.Error(err))
			}
		case model.TxCommitting:
			c.driveCommit(ctx, tx.TxID)
		case model.TxAborting:
			if err := c.Abort(ctx, tx.TxID); err != nil {
				c.logger.Error("Recovery abort failed", zap.String("tx_id", tx.TxID), zap.Error(err))
			}
		}
	}
	return nil
}

// redrivePrepare re-sends prepare to participants that have not
// acknowledged.
func (c *Coordinator) redrivePrepare(ctx context.Context, tx *model.Transaction) {
	expiresAt := time.UnixMilli(tx.ExpiresAt)
	for _, shardID := range tx.Participants {
		if tx.Prepared.Has(shardID) {
			continue
		}
		ops := tx.OperationsFor(shardID)
		if err := c.client.Prepare(ctx, shardID, tx.TxID, ops, expiresAt); err != nil {
			c.recordError(ctx, tx.TxID, err)
			if abortErr := c.Abort(ctx, tx.TxID); abortErr != nil {
				c.logger.Error("Recovery abort failed", zap.String("tx_id", tx.TxID), zap.Error(abortErr))
			}
			return
		}
		c.markPrepared(ctx, tx.TxID, shardID)
	}
}

// Stop cancels all timers and pending retries. In-flight transactions
// stay durable and are re-driven by the next Recover.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for txID, timer := range c.timers {
		timer.Stop()
		delete(c.timers, txID)
	}
}
