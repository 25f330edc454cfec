package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
)

var activeStates = []entity.RecordState{entity.RecordStatePending, entity.RecordStateSubmitted}

// amount is selected as text, pgx renders numeric values in exponent form
var recordColumns = []string{
	"event_id", "source_chain_id", "source_tx_hash", "source_log_index", "dest_chain_id", "kind",
	"user_address", "amount::TEXT AS amount", "block_number", "block_hash", "state", "dest_tx_hash",
	"tx_hashes", "dest_nonce", "attempt_count", "last_attempt_at", "last_error", "created_at", "updated_at",
}

type processedRecordsRepo basePostgresRepo

func NewProcessedRecordsRepo(table string, db *db.DB) entity.ProcessedRecordsRepo {
	return (*processedRecordsRepo)(newBasePostgresRepo(table, db))
}

func (r *processedRecordsRepo) TryBegin(ctx context.Context, intent *entity.TransferIntent) (bool, error) {
	rec := entity.NewProcessedRecord(intent)
	q, args, err := psql.Insert(r.table).
		Columns("event_id", "source_chain_id", "source_tx_hash", "source_log_index", "dest_chain_id", "kind",
			"user_address", "amount", "block_number", "block_hash", "state").
		Values(rec.EventID, rec.SourceChainID, rec.SourceTxHash, rec.SourceLogIndex, rec.DestChainID, rec.Kind,
			rec.User, rec.Amount, rec.BlockNumber, rec.BlockHash, rec.State).
		Suffix("ON CONFLICT (event_id) DO NOTHING").
		Suffix("RETURNING event_id").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("can't build query: %w", err)
	}
	ids := make([]string, 0, 1)
	if err = r.db.SelectContext(ctx, &ids, q, args...); err != nil {
		return false, fmt.Errorf("can't insert processed record: %w", err)
	}
	return len(ids) == 1, nil
}

func (r *processedRecordsRepo) MarkSubmitted(ctx context.Context, id entity.EventID, txHash common.Hash, nonce uint64) error {
	// hashes of an earlier nonce belong to a finished relay attempt
	hashes := sq.Expr("CASE WHEN dest_nonce IS DISTINCT FROM ?::BIGINT THEN ARRAY[?::TEXT] "+
		"WHEN ? = ANY(tx_hashes) THEN tx_hashes ELSE array_append(tx_hashes, ?) END",
		nonce, txHash.Hex(), txHash.Hex(), txHash.Hex())
	return r.update(ctx, id, activeStates, sq.Eq{
		"state":        entity.RecordStateSubmitted,
		"dest_tx_hash": txHash,
		"dest_nonce":   nonce,
		"tx_hashes":    hashes,
	})
}

func (r *processedRecordsRepo) MarkConfirmed(ctx context.Context, id entity.EventID, txHash common.Hash) error {
	return r.update(ctx, id, []entity.RecordState{entity.RecordStateSubmitted}, sq.Eq{
		"state":        entity.RecordStateConfirmed,
		"dest_tx_hash": txHash,
		"last_error":   "",
	})
}

func (r *processedRecordsRepo) MarkFailed(ctx context.Context, id entity.EventID, reason string) error {
	return r.update(ctx, id, activeStates, sq.Eq{
		"state":      entity.RecordStateFailed,
		"last_error": reason,
	})
}

func (r *processedRecordsRepo) update(ctx context.Context, id entity.EventID, from []entity.RecordState, set sq.Eq) error {
	builder := psql.Update(r.table).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"event_id": id.String(), "state": from})
	for column, value := range set {
		builder = builder.Set(column, value)
	}
	q, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't update processed record: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s is not in %v: %w", id, from, entity.ErrInvalidTransition)
	}
	return nil
}

func (r *processedRecordsRepo) IncrementAttempt(ctx context.Context, id entity.EventID) (uint, error) {
	q, args, err := psql.Update(r.table).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("last_attempt_at", sq.Expr("NOW()")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"event_id": id.String(), "state": activeStates}).
		Suffix("RETURNING attempt_count").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("can't build query: %w", err)
	}
	var attempts uint
	err = r.db.GetContext(ctx, &attempts, q, args...)
	if errors.Is(err, db.ErrNotFound) {
		return 0, fmt.Errorf("record %s is not active: %w", id, entity.ErrInvalidTransition)
	}
	if err != nil {
		return 0, fmt.Errorf("can't increment attempt count: %w", err)
	}
	return attempts, nil
}

func (r *processedRecordsRepo) Revert(ctx context.Context, id entity.EventID) error {
	q, args, err := psql.Delete(r.table).
		Where(sq.Eq{"event_id": id.String(), "state": entity.RecordStatePending, "dest_tx_hash": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't delete processed record: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s can't be reverted: %w", id, entity.ErrInvalidTransition)
	}
	return nil
}

func (r *processedRecordsRepo) Retry(ctx context.Context, id entity.EventID, maxAttempts uint) error {
	q, args, err := psql.Update(r.table).
		Set("state", entity.RecordStatePending).
		Set("last_error", "").
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"event_id": id.String(), "state": entity.RecordStateFailed}).
		Where(sq.Lt{"attempt_count": maxAttempts}).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't update processed record: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State == entity.RecordStateFailed {
		return fmt.Errorf("record %s made %d of %d attempts: %w", id, rec.AttemptCount, maxAttempts, entity.ErrAttemptsExhausted)
	}
	return fmt.Errorf("record %s is %s, not failed: %w", id, rec.State, entity.ErrInvalidTransition)
}

func (r *processedRecordsRepo) LoadIncomplete(ctx context.Context, sourceChainID string) ([]*entity.ProcessedRecord, error) {
	q, args, err := psql.Select(recordColumns...).
		From(r.table).
		Where(sq.Eq{"source_chain_id": sourceChainID, "state": activeStates}).
		OrderBy("block_number", "source_log_index").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	records := make([]*entity.ProcessedRecord, 0, 10)
	if err = r.db.SelectContext(ctx, &records, q, args...); err != nil {
		return nil, fmt.Errorf("can't get incomplete records: %w", err)
	}
	return records, nil
}

func (r *processedRecordsRepo) Get(ctx context.Context, id entity.EventID) (*entity.ProcessedRecord, error) {
	q, args, err := psql.Select(recordColumns...).
		From(r.table).
		Where(sq.Eq{"event_id": id.String()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	rec := new(entity.ProcessedRecord)
	if err = r.db.GetContext(ctx, rec, q, args...); err != nil {
		return nil, fmt.Errorf("can't get processed record %s: %w", id, err)
	}
	return rec, nil
}

func (r *processedRecordsRepo) FindByState(ctx context.Context, state entity.RecordState, limit uint) ([]*entity.ProcessedRecord, error) {
	builder := psql.Select(recordColumns...).
		From(r.table).
		OrderBy("updated_at DESC")
	if state != "" {
		builder = builder.Where(sq.Eq{"state": state})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	q, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	records := make([]*entity.ProcessedRecord, 0, 10)
	if err = r.db.SelectContext(ctx, &records, q, args...); err != nil {
		return nil, fmt.Errorf("can't find records by state: %w", err)
	}
	return records, nil
}
