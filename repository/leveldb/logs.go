package leveldb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	goleveldb "github.com/syndtr/goleveldb/leveldb"

	"github.com/omni/tokenbridge-relayer/entity"
)

type logsRepo struct {
	*Store
}

func NewLogsRepo(s *Store) entity.LogsRepo {
	return &logsRepo{s}
}

// block numbers and log indexes are zero padded so that key order matches
// (block_number, log_index) order.
func logKeyPrefix(chainID string, addr common.Address) string {
	return fmt.Sprintf("%s%s/%s/", logPrefix, chainID, strings.ToLower(addr.Hex()))
}

func logKey(log *entity.Log) string {
	return fmt.Sprintf("%s%020d/%010d", logKeyPrefix(log.ChainID, log.Address), log.BlockNumber, log.LogIndex)
}

func txIndexKey(log *entity.Log) string {
	return fmt.Sprintf("%s%s/%s/%020d/%010d", txIndexPrefix, log.TransactionHash.Hex(), log.ChainID, log.BlockNumber, log.LogIndex)
}

func (r *logsRepo) Ensure(_ context.Context, logs ...*entity.Log) error {
	if len(logs) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	batch := new(goleveldb.Batch)
	for _, log := range logs {
		key := logKey(log)
		stored := *log
		stored.UpdatedAt = &now
		if stored.CreatedAt == nil {
			stored.CreatedAt = &now
		}
		if err := r.putJSON(batch, key, &stored); err != nil {
			return err
		}
		batch.Put([]byte(txIndexKey(log)), []byte(key))
	}
	if err := r.write(batch); err != nil {
		return fmt.Errorf("can't insert logs: %w", err)
	}
	return nil
}

func (r *logsRepo) FindByBlockRange(_ context.Context, chainID string, addr common.Address, fromBlock, toBlock uint) ([]*entity.Log, error) {
	logs := make([]*entity.Log, 0, 10)
	err := r.scan(logKeyPrefix(chainID, addr), func(key, value []byte) error {
		log := new(entity.Log)
		if err := json.Unmarshal(value, log); err != nil {
			return fmt.Errorf("can't decode log %s: %w", key, err)
		}
		if log.BlockNumber >= fromBlock && log.BlockNumber <= toBlock {
			logs = append(logs, log)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("can't get logs by block range: %w", err)
	}
	return logs, nil
}

func (r *logsRepo) FindByTxHash(_ context.Context, txHash common.Hash) ([]*entity.Log, error) {
	logs := make([]*entity.Log, 0, 10)
	err := r.scan(txIndexPrefix+txHash.Hex()+"/", func(_, value []byte) error {
		log := new(entity.Log)
		if err := r.getJSON(string(value), log); err != nil {
			return err
		}
		logs = append(logs, log)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("can't get logs by tx hash: %w", err)
	}
	return logs, nil
}
