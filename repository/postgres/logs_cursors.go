package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
)

type logsCursorsRepo basePostgresRepo

func NewLogsCursorRepo(table string, db *db.DB) entity.LogsCursorsRepo {
	return (*logsCursorsRepo)(newBasePostgresRepo(table, db))
}

// Ensure stores the cursor of a bridge contract, one row per chain and address.
func (r *logsCursorsRepo) Ensure(ctx context.Context, cursor *entity.LogsCursor) error {
	q, args, err := psql.Insert(r.table).
		Columns("chain_id", "address", "last_fetched_block", "last_processed_block").
		Values(cursor.ChainID, cursor.Address, cursor.LastFetchedBlock, cursor.LastProcessedBlock).
		Suffix("ON CONFLICT (chain_id, address) DO UPDATE SET updated_at = NOW(), last_fetched_block = EXCLUDED.last_fetched_block, last_processed_block = EXCLUDED.last_processed_block").
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	if _, err = r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("can't save cursor of %s on chain %s: %w", cursor.Address, cursor.ChainID, err)
	}
	return nil
}

func (r *logsCursorsRepo) GetByChainIDAndAddress(ctx context.Context, chainID string, addr common.Address) (*entity.LogsCursor, error) {
	q, args, err := psql.Select("chain_id", "address", "last_fetched_block", "last_processed_block", "created_at", "updated_at").
		From(r.table).
		Where(sq.Eq{"chain_id": chainID, "address": addr}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	cursor := new(entity.LogsCursor)
	if err = r.db.GetContext(ctx, cursor, q, args...); err != nil {
		return nil, fmt.Errorf("can't get cursor of %s on chain %s: %w", addr, chainID, err)
	}
	return cursor, nil
}
