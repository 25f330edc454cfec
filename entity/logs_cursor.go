package entity

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type LogsCursor struct {
	ChainID            string         `db:"chain_id" json:"chainId"`
	Address            common.Address `db:"address" json:"address"`
	LastFetchedBlock   uint           `db:"last_fetched_block" json:"lastFetchedBlock"`
	LastProcessedBlock uint           `db:"last_processed_block" json:"lastProcessedBlock"`
	CreatedAt          *time.Time     `db:"created_at" json:"createdAt,omitempty"`
	UpdatedAt          *time.Time     `db:"updated_at" json:"updatedAt,omitempty"`
}

type LogsCursorsRepo interface {
	Ensure(ctx context.Context, cursor *LogsCursor) error
	GetByChainIDAndAddress(ctx context.Context, chainID string, addr common.Address) (*LogsCursor, error)
}
