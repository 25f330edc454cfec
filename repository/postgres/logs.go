package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
)

// postgres limits a statement to 65535 bind parameters, 11 per log
const logsInsertBatchSize = 5000

var logColumns = []string{
	"chain_id", "address", "topic0", "topic1", "topic2", "topic3",
	"data", "block_number", "block_hash", "log_index", "transaction_hash",
}

type logsRepo basePostgresRepo

func NewLogsRepo(table string, db *db.DB) entity.LogsRepo {
	return (*logsRepo)(newBasePostgresRepo(table, db))
}

func (r *logsRepo) Ensure(ctx context.Context, logs ...*entity.Log) error {
	for start := 0; start < len(logs); start += logsInsertBatchSize {
		end := start + logsInsertBatchSize
		if end > len(logs) {
			end = len(logs)
		}
		if err := r.insertBatch(ctx, logs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *logsRepo) insertBatch(ctx context.Context, logs []*entity.Log) error {
	builder := psql.Insert(r.table).Columns(logColumns...)
	for _, l := range logs {
		builder = builder.Values(l.ChainID, l.Address, l.Topic0, l.Topic1, l.Topic2, l.Topic3,
			l.Data, l.BlockNumber, l.BlockHash, l.LogIndex, l.TransactionHash)
	}
	// a reorged log keeps its position but changes block and tx hash
	q, args, err := builder.
		Suffix("ON CONFLICT (chain_id, block_number, log_index) DO UPDATE SET updated_at = NOW(), block_hash = EXCLUDED.block_hash, transaction_hash = EXCLUDED.transaction_hash, data = EXCLUDED.data").
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	ids := make([]uint, 0, len(logs))
	if err = r.db.SelectContext(ctx, &ids, q, args...); err != nil {
		return fmt.Errorf("can't insert %d logs: %w", len(logs), err)
	}
	if len(ids) != len(logs) {
		return fmt.Errorf("inserted %d logs, got %d ids back", len(logs), len(ids))
	}
	for i, id := range ids {
		logs[i].ID = id
	}
	return nil
}

func (r *logsRepo) FindByBlockRange(ctx context.Context, chainID string, addr common.Address, fromBlock, toBlock uint) ([]*entity.Log, error) {
	return r.find(ctx, "block range", psql.Select("*").
		From(r.table).
		Where(sq.Eq{"chain_id": chainID, "address": addr}).
		Where(sq.GtOrEq{"block_number": fromBlock}).
		Where(sq.LtOrEq{"block_number": toBlock}).
		OrderBy("block_number", "log_index"))
}

func (r *logsRepo) FindByTxHash(ctx context.Context, txHash common.Hash) ([]*entity.Log, error) {
	return r.find(ctx, "tx hash", psql.Select("*").
		From(r.table).
		Where(sq.Eq{"transaction_hash": txHash}).
		OrderBy("chain_id", "log_index"))
}

func (r *logsRepo) find(ctx context.Context, by string, builder sq.SelectBuilder) ([]*entity.Log, error) {
	q, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	logs := make([]*entity.Log, 0, 10)
	if err = r.db.SelectContext(ctx, &logs, q, args...); err != nil {
		return nil, fmt.Errorf("can't get logs by %s: %w", by, err)
	}
	return logs, nil
}
