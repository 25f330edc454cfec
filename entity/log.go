package entity

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Log struct {
	ID              uint           `db:"id"`
	ChainID         string         `db:"chain_id"`
	Address         common.Address `db:"address"`
	Topic0          *common.Hash   `db:"topic0"`
	Topic1          *common.Hash   `db:"topic1"`
	Topic2          *common.Hash   `db:"topic2"`
	Topic3          *common.Hash   `db:"topic3"`
	Data            []byte         `db:"data"`
	BlockNumber     uint           `db:"block_number"`
	BlockHash       common.Hash    `db:"block_hash"`
	LogIndex        uint           `db:"log_index"`
	TransactionHash common.Hash    `db:"transaction_hash"`
	CreatedAt       *time.Time     `db:"created_at"`
	UpdatedAt       *time.Time     `db:"updated_at"`
}

type LogsRepo interface {
	Ensure(ctx context.Context, logs ...*Log) error
	FindByBlockRange(ctx context.Context, chainID string, addr common.Address, fromBlock, toBlock uint) ([]*Log, error)
	FindByTxHash(ctx context.Context, txHash common.Hash) ([]*Log, error)
}

func NewLog(chainID string, log types.Log) *Log {
	e := &Log{
		ChainID:         chainID,
		Address:         log.Address,
		Data:            log.Data,
		BlockNumber:     uint(log.BlockNumber),
		BlockHash:       log.BlockHash,
		LogIndex:        log.Index,
		TransactionHash: log.TxHash,
	}
	topics := [4]**common.Hash{&e.Topic0, &e.Topic1, &e.Topic2, &e.Topic3}
	for i, topic := range log.Topics {
		if i >= len(topics) {
			break
		}
		topic := topic
		*topics[i] = &topic
	}
	return e
}

// Topics returns the non-empty topics in order.
func (l *Log) Topics() []common.Hash {
	topics := make([]common.Hash, 0, 4)
	for _, topic := range []*common.Hash{l.Topic0, l.Topic1, l.Topic2, l.Topic3} {
		if topic == nil {
			break
		}
		topics = append(topics, *topic)
	}
	return topics
}
