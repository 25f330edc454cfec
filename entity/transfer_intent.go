package entity

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidEventID = errors.New("invalid event id")

type TransferKind string

const (
	TransferKindLockMint    TransferKind = "lock_mint"
	TransferKindBurnRelease TransferKind = "burn_release"
)

// EventID identifies a single source chain log and is the deduplication key
// for transfers.
type EventID struct {
	ChainID  string
	TxHash   common.Hash
	LogIndex uint
}

func (id EventID) String() string {
	return fmt.Sprintf("%s:%s:%d", id.ChainID, id.TxHash.Hex(), id.LogIndex)
}

func ParseEventID(s string) (EventID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return EventID{}, fmt.Errorf("expected <chain_id>:<tx_hash>:<log_index>, got %q: %w", s, ErrInvalidEventID)
	}
	if _, err := strconv.ParseUint(parts[0], 10, 64); err != nil {
		return EventID{}, fmt.Errorf("bad chain id %q: %w", parts[0], ErrInvalidEventID)
	}
	if len(parts[1]) != 2+2*common.HashLength || !strings.HasPrefix(parts[1], "0x") {
		return EventID{}, fmt.Errorf("bad tx hash %q: %w", parts[1], ErrInvalidEventID)
	}
	logIndex, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return EventID{}, fmt.Errorf("bad log index %q: %w", parts[2], ErrInvalidEventID)
	}
	return EventID{
		ChainID:  parts[0],
		TxHash:   common.HexToHash(parts[1]),
		LogIndex: uint(logIndex),
	}, nil
}

func EventIDFromLog(log *Log) EventID {
	return EventID{
		ChainID:  log.ChainID,
		TxHash:   log.TransactionHash,
		LogIndex: log.LogIndex,
	}
}

// TransferIntent is a normalized cross-chain transfer request decoded from
// a TokensLocked or TokensBurned log.
type TransferIntent struct {
	EventID      EventID
	DestChainID  string
	User         common.Address
	Amount       *big.Int
	Kind         TransferKind
	BlockNumber  uint
	BlockHash    common.Hash
	DiscoveredAt time.Time
}

func (t *TransferIntent) SourceChainID() string {
	return t.EventID.ChainID
}
