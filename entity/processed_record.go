package entity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

var (
	ErrInvalidTransition = errors.New("invalid record state transition")
	ErrAttemptsExhausted = errors.New("relay attempts exhausted")
)

type RecordState string

const (
	RecordStatePending   RecordState = "pending"
	RecordStateSubmitted RecordState = "submitted"
	RecordStateConfirmed RecordState = "confirmed"
	RecordStateFailed    RecordState = "failed"
)

func (s RecordState) Valid() bool {
	switch s {
	case RecordStatePending, RecordStateSubmitted, RecordStateConfirmed, RecordStateFailed:
		return true
	}
	return false
}

// ProcessedRecord is the durable relay state of a single EventID.
type ProcessedRecord struct {
	EventID        string         `db:"event_id" json:"eventId"`
	SourceChainID  string         `db:"source_chain_id" json:"sourceChainId"`
	SourceTxHash   common.Hash    `db:"source_tx_hash" json:"sourceTxHash"`
	SourceLogIndex uint           `db:"source_log_index" json:"sourceLogIndex"`
	DestChainID    string         `db:"dest_chain_id" json:"destChainId"`
	Kind           TransferKind   `db:"kind" json:"kind"`
	User           common.Address `db:"user_address" json:"user"`
	Amount         string         `db:"amount" json:"amount"`
	BlockNumber    uint           `db:"block_number" json:"blockNumber"`
	BlockHash      common.Hash    `db:"block_hash" json:"blockHash"`
	State          RecordState    `db:"state" json:"state"`
	DestTxHash     *common.Hash   `db:"dest_tx_hash" json:"destTxHash,omitempty"`
	TxHashes       pq.StringArray `db:"tx_hashes" json:"txHashes,omitempty"`
	DestNonce      *uint64        `db:"dest_nonce" json:"destNonce,omitempty"`
	AttemptCount   uint           `db:"attempt_count" json:"attemptCount"`
	LastAttemptAt  *time.Time     `db:"last_attempt_at" json:"lastAttemptAt,omitempty"`
	LastError      string         `db:"last_error" json:"lastError,omitempty"`
	CreatedAt      *time.Time     `db:"created_at" json:"createdAt,omitempty"`
	UpdatedAt      *time.Time     `db:"updated_at" json:"updatedAt,omitempty"`
}

func NewProcessedRecord(intent *TransferIntent) *ProcessedRecord {
	return &ProcessedRecord{
		EventID:        intent.EventID.String(),
		SourceChainID:  intent.EventID.ChainID,
		SourceTxHash:   intent.EventID.TxHash,
		SourceLogIndex: intent.EventID.LogIndex,
		DestChainID:    intent.DestChainID,
		Kind:           intent.Kind,
		User:           intent.User,
		Amount:         intent.Amount.String(),
		BlockNumber:    intent.BlockNumber,
		BlockHash:      intent.BlockHash,
		State:          RecordStatePending,
	}
}

// Intent rebuilds the transfer intent the record was created from.
func (r *ProcessedRecord) Intent() (*TransferIntent, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("record %s has malformed amount %q", r.EventID, r.Amount)
	}
	return &TransferIntent{
		EventID: EventID{
			ChainID:  r.SourceChainID,
			TxHash:   r.SourceTxHash,
			LogIndex: r.SourceLogIndex,
		},
		DestChainID: r.DestChainID,
		User:        r.User,
		Amount:      amount,
		Kind:        r.Kind,
		BlockNumber: r.BlockNumber,
		BlockHash:   r.BlockHash,
	}, nil
}

// BroadcastHashes returns every destination tx hash sent for the record, newest first.
func (r *ProcessedRecord) BroadcastHashes() []common.Hash {
	hashes := make([]common.Hash, 0, len(r.TxHashes))
	for i := len(r.TxHashes) - 1; i >= 0; i-- {
		hashes = append(hashes, common.HexToHash(r.TxHashes[i]))
	}
	return hashes
}

type ProcessedRecordsRepo interface {
	// TryBegin atomically creates a pending record for the intent. It returns
	// false when a record with the same event id already exists.
	TryBegin(ctx context.Context, intent *TransferIntent) (bool, error)
	MarkSubmitted(ctx context.Context, id EventID, txHash common.Hash, nonce uint64) error
	MarkConfirmed(ctx context.Context, id EventID, txHash common.Hash) error
	MarkFailed(ctx context.Context, id EventID, reason string) error
	IncrementAttempt(ctx context.Context, id EventID) (uint, error)
	// Revert removes a pending record that never had a transaction broadcast.
	Revert(ctx context.Context, id EventID) error
	Retry(ctx context.Context, id EventID, maxAttempts uint) error
	LoadIncomplete(ctx context.Context, sourceChainID string) ([]*ProcessedRecord, error)
	Get(ctx context.Context, id EventID) (*ProcessedRecord, error)
	FindByState(ctx context.Context, state RecordState, limit uint) ([]*ProcessedRecord, error)
}
