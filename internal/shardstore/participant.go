package shardstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/storage"
	"go.uber.org/zap"
)

// appliedKey marks a transaction's commit as applied, making commit
// replays idempotent.
func appliedKey(txID string) string {
	return "txapplied:" + txID
}

// docLock is a per-document lock held between PREPARE and
// COMMIT/ABORT, or until it expires.
type docLock struct {
	txID      string
	expiresAt time.Time
}

// stagedTx holds a prepared operation set awaiting commit or abort.
type stagedTx struct {
	ops       []model.Operation
	lockKeys  []string
	expiresAt time.Time
}

// lockHolder returns the transaction holding (collection, id), sweeping
// the lock if it has expired. Callers hold the store mutex.
func (s *Store) lockHolder(collection, id string) string {
	key := docKey(collection, id)
	lock, ok := s.locks[key]
	if !ok {
		return ""
	}
	if s.now().After(lock.expiresAt) {
		s.releaseTxLocked(lock.txID)
		return ""
	}
	return lock.txID
}

// releaseTxLocked discards a transaction's staged state and locks.
// Callers hold the store mutex.
func (s *Store) releaseTxLocked(txID string) {
	staged, ok := s.staged[txID]
	if ok {
		for _, key := range staged.lockKeys {
			if lock, held := s.locks[key]; held && lock.txID == txID {
				delete(s.locks, key)
			}
		}
		delete(s.staged, txID)
		return
	}
	// No staged record: scan for orphaned locks.
	for key, lock := range s.locks {
		if lock.txID == txID {
			delete(s.locks, key)
		}
	}
}

// Prepare validates the operation set, acquires per-document locks, and
// stages the writes. On any validation or lock failure every acquired
// lock is released and the prepare fails (an abort vote).
func (s *Store) Prepare(ctx context.Context, txID string, ops []model.Operation, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, already := s.staged[txID]; already {
		return nil // idempotent re-prepare
	}

	staged := &stagedTx{expiresAt: expiresAt}
	acquired := make(map[string]bool)
	release := func() {
		for _, key := range staged.lockKeys {
			delete(s.locks, key)
		}
	}

	for _, op := range ops {
		if err := s.validateOp(op); err != nil {
			release()
			return err
		}
		key := docKey(op.Collection, op.DocumentID)
		if acquired[key] {
			staged.ops = append(staged.ops, op)
			continue
		}
		if holder := s.lockHolder(op.Collection, op.DocumentID); holder != "" && holder != txID {
			release()
			return apperrors.Newf(apperrors.CodeTransactionConflict,
				"document %s/%s is locked by transaction %s", op.Collection, op.DocumentID, holder)
		}
		s.locks[key] = &docLock{txID: txID, expiresAt: expiresAt}
		staged.lockKeys = append(staged.lockKeys, key)
		acquired[key] = true
		staged.ops = append(staged.ops, op)
	}

	s.staged[txID] = staged
	s.logger.Debug("Prepared transaction",
		zap.String("shard_id", s.shardID),
		zap.String("tx_id", txID),
		zap.Int("ops", len(ops)))
	return nil
}

func (s *Store) validateOp(op model.Operation) error {
	switch op.Type {
	case model.OpRead, model.OpWrite, model.OpDelete:
	default:
		return apperrors.Newf(apperrors.CodeInvalidRequest, "unknown operation type %q", op.Type)
	}
	if err := validateNames(op.Collection, op.DocumentID); err != nil {
		return err
	}
	if op.Type == model.OpWrite {
		if op.Data == nil {
			return apperrors.New(apperrors.CodeInvalidRequest, "WRITE operation requires data")
		}
		if err := s.checkSize(model.StripReservedFields(op.Data)); err != nil {
			return err
		}
	}
	return nil
}

// Commit applies the staged operations in one atomic batch and releases
// the locks. Replaying a commit that already applied is a no-op.
func (s *Store) Commit(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.kv.Get(ctx, appliedKey(txID)); err == nil {
		s.releaseTxLocked(txID)
		return nil
	}

	staged, ok := s.staged[txID]
	if !ok {
		return apperrors.Newf(apperrors.CodeTransactionNotFound,
			"transaction %s is not prepared on shard %s", txID, s.shardID)
	}

	index, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}

	nowMs := s.now().UnixMilli()
	var batch []storage.BatchOp
	for _, op := range staged.ops {
		switch op.Type {
		case model.OpWrite:
			doc := &model.Document{
				ID:         op.DocumentID,
				Collection: op.Collection,
				Version:    1,
				CreatedAt:  nowMs,
				UpdatedAt:  nowMs,
				Payload:    model.StripReservedFields(op.Data),
			}
			if existing, err := s.load(ctx, op.Collection, op.DocumentID); err == nil {
				doc.Version = existing.Version + 1
				doc.CreatedAt = existing.CreatedAt
			} else if apperrors.CodeOf(err) != apperrors.CodeDocumentNotFound {
				return err
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return apperrors.Wrap(apperrors.CodeInvalidDocument, "unserializable payload", err)
			}
			batch = append(batch, storage.BatchOp{Type: storage.BatchPut, Key: docKey(op.Collection, op.DocumentID), Value: raw})
			index.add(op.Collection, op.DocumentID)
		case model.OpDelete:
			batch = append(batch, storage.BatchOp{Type: storage.BatchDelete, Key: docKey(op.Collection, op.DocumentID)})
			index.remove(op.Collection, op.DocumentID)
		case model.OpRead:
			// Reads stage nothing.
		}
	}

	indexRaw, err := json.Marshal(index)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to encode index", err)
	}
	batch = append(batch,
		storage.BatchOp{Type: storage.BatchPut, Key: collectionIndexKey, Value: indexRaw},
		storage.BatchOp{Type: storage.BatchPut, Key: appliedKey(txID), Value: []byte(`{"applied":true}`)},
	)

	if err := s.kv.Batch(ctx, batch); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to apply transaction", err)
	}

	s.releaseTxLocked(txID)
	s.logger.Info("Committed transaction",
		zap.String("shard_id", s.shardID),
		zap.String("tx_id", txID))
	return nil
}

// Abort discards the staged operations and releases the locks. Aborting
// an unknown transaction is a no-op.
func (s *Store) Abort(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseTxLocked(txID)
	s.logger.Debug("Aborted transaction",
		zap.String("shard_id", s.shardID),
		zap.String("tx_id", txID))
	return nil
}

// SweepExpired releases locks whose transactions passed their expiry.
// The store also sweeps lazily on conflict, so this is a backstop timer
// hook.
func (s *Store) SweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for txID, staged := range s.staged {
		if now.After(staged.expiresAt) {
			s.releaseTxLocked(txID)
			s.logger.Warn("Expired prepared transaction swept",
				zap.String("shard_id", s.shardID),
				zap.String("tx_id", txID))
		}
	}
}
