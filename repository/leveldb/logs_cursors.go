package leveldb

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	goleveldb "github.com/syndtr/goleveldb/leveldb"

	"github.com/omni/tokenbridge-relayer/entity"
)

type logsCursorsRepo struct {
	*Store
}

func NewLogsCursorsRepo(s *Store) entity.LogsCursorsRepo {
	return &logsCursorsRepo{s}
}

func cursorKey(chainID string, addr common.Address) string {
	return fmt.Sprintf("%s%s/%s", cursorPrefix, chainID, strings.ToLower(addr.Hex()))
}

func (r *logsCursorsRepo) Ensure(_ context.Context, cursor *entity.LogsCursor) error {
	key := cursorKey(cursor.ChainID, cursor.Address)

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *cursor
	existing := new(entity.LogsCursor)
	if err := r.getJSON(key, existing); err == nil {
		stored.CreatedAt = existing.CreatedAt
	}
	now := r.now()
	if stored.CreatedAt == nil {
		stored.CreatedAt = &now
	}
	stored.UpdatedAt = &now
	batch := new(goleveldb.Batch)
	if err := r.putJSON(batch, key, &stored); err != nil {
		return err
	}
	if err := r.write(batch); err != nil {
		return fmt.Errorf("can't insert logs cursor: %w", err)
	}
	return nil
}

func (r *logsCursorsRepo) GetByChainIDAndAddress(_ context.Context, chainID string, addr common.Address) (*entity.LogsCursor, error) {
	cursor := new(entity.LogsCursor)
	if err := r.getJSON(cursorKey(chainID, addr), cursor); err != nil {
		return nil, fmt.Errorf("can't get logs cursor by chain_id and address: %w", err)
	}
	return cursor, nil
}
