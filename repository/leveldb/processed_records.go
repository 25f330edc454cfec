package leveldb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	goleveldb "github.com/syndtr/goleveldb/leveldb"

	"github.com/omni/tokenbridge-relayer/entity"
)

type processedRecordsRepo struct {
	*Store
}

func NewProcessedRecordsRepo(s *Store) entity.ProcessedRecordsRepo {
	return &processedRecordsRepo{s}
}

func recordKey(id string) string {
	return recordPrefix + id
}

func (r *processedRecordsRepo) TryBegin(_ context.Context, intent *entity.TransferIntent) (bool, error) {
	rec := entity.NewProcessedRecord(intent)
	key := recordKey(rec.EventID)

	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.has(key)
	if err != nil || exists {
		return false, err
	}
	now := r.now()
	rec.CreatedAt, rec.UpdatedAt = &now, &now
	batch := new(goleveldb.Batch)
	if err = r.putJSON(batch, key, rec); err != nil {
		return false, err
	}
	if err = r.write(batch); err != nil {
		return false, fmt.Errorf("can't insert processed record: %w", err)
	}
	return true, nil
}

// modify applies fn to the stored record if its state is one of from.
func (r *processedRecordsRepo) modify(id entity.EventID, from []entity.RecordState, fn func(rec *entity.ProcessedRecord)) (*entity.ProcessedRecord, error) {
	key := recordKey(id.String())

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := new(entity.ProcessedRecord)
	if err := r.getJSON(key, rec); err != nil {
		return nil, fmt.Errorf("can't get processed record %s: %w", id, err)
	}
	if !stateIn(rec.State, from) {
		return rec, fmt.Errorf("record %s is not in %v: %w", id, from, entity.ErrInvalidTransition)
	}
	fn(rec)
	now := r.now()
	rec.UpdatedAt = &now
	batch := new(goleveldb.Batch)
	if err := r.putJSON(batch, key, rec); err != nil {
		return nil, err
	}
	if err := r.write(batch); err != nil {
		return nil, fmt.Errorf("can't update processed record: %w", err)
	}
	return rec, nil
}

func stateIn(state entity.RecordState, states []entity.RecordState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

var activeStates = []entity.RecordState{entity.RecordStatePending, entity.RecordStateSubmitted}

func (r *processedRecordsRepo) MarkSubmitted(_ context.Context, id entity.EventID, txHash common.Hash, nonce uint64) error {
	_, err := r.modify(id, activeStates, func(rec *entity.ProcessedRecord) {
		// hashes of an earlier nonce belong to a finished relay attempt
		if rec.DestNonce == nil || *rec.DestNonce != nonce {
			rec.TxHashes = nil
		}
		rec.State = entity.RecordStateSubmitted
		rec.DestTxHash = &txHash
		rec.DestNonce = &nonce
		for _, h := range rec.TxHashes {
			if h == txHash.Hex() {
				return
			}
		}
		rec.TxHashes = append(rec.TxHashes, txHash.Hex())
	})
	return err
}

func (r *processedRecordsRepo) MarkConfirmed(_ context.Context, id entity.EventID, txHash common.Hash) error {
	_, err := r.modify(id, []entity.RecordState{entity.RecordStateSubmitted}, func(rec *entity.ProcessedRecord) {
		rec.State = entity.RecordStateConfirmed
		rec.DestTxHash = &txHash
		rec.LastError = ""
	})
	return err
}

func (r *processedRecordsRepo) MarkFailed(_ context.Context, id entity.EventID, reason string) error {
	_, err := r.modify(id, activeStates, func(rec *entity.ProcessedRecord) {
		rec.State = entity.RecordStateFailed
		rec.LastError = reason
	})
	return err
}

func (r *processedRecordsRepo) IncrementAttempt(_ context.Context, id entity.EventID) (uint, error) {
	rec, err := r.modify(id, activeStates, func(rec *entity.ProcessedRecord) {
		now := r.now()
		rec.AttemptCount++
		rec.LastAttemptAt = &now
	})
	if err != nil {
		return 0, err
	}
	return rec.AttemptCount, nil
}

func (r *processedRecordsRepo) Revert(_ context.Context, id entity.EventID) error {
	key := recordKey(id.String())

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := new(entity.ProcessedRecord)
	if err := r.getJSON(key, rec); err != nil {
		return fmt.Errorf("can't get processed record %s: %w", id, err)
	}
	if rec.State != entity.RecordStatePending || rec.DestTxHash != nil {
		return fmt.Errorf("record %s can't be reverted: %w", id, entity.ErrInvalidTransition)
	}
	batch := new(goleveldb.Batch)
	batch.Delete([]byte(key))
	return r.write(batch)
}

func (r *processedRecordsRepo) Retry(_ context.Context, id entity.EventID, maxAttempts uint) error {
	rec, err := r.modify(id, []entity.RecordState{entity.RecordStateFailed}, func(rec *entity.ProcessedRecord) {
		if rec.AttemptCount < maxAttempts {
			rec.State = entity.RecordStatePending
			rec.LastError = ""
		}
	})
	if err != nil {
		return err
	}
	if rec.State == entity.RecordStateFailed {
		return fmt.Errorf("record %s made %d of %d attempts: %w", id, rec.AttemptCount, maxAttempts, entity.ErrAttemptsExhausted)
	}
	return nil
}

func (r *processedRecordsRepo) all(filter func(rec *entity.ProcessedRecord) bool) ([]*entity.ProcessedRecord, error) {
	records := make([]*entity.ProcessedRecord, 0, 10)
	err := r.scan(recordPrefix, func(key, value []byte) error {
		rec := new(entity.ProcessedRecord)
		if err := json.Unmarshal(value, rec); err != nil {
			return fmt.Errorf("can't decode record %s: %w", key, err)
		}
		if filter(rec) {
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (r *processedRecordsRepo) LoadIncomplete(_ context.Context, sourceChainID string) ([]*entity.ProcessedRecord, error) {
	records, err := r.all(func(rec *entity.ProcessedRecord) bool {
		return rec.SourceChainID == sourceChainID && stateIn(rec.State, activeStates)
	})
	if err != nil {
		return nil, fmt.Errorf("can't get incomplete records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		return a.BlockNumber < b.BlockNumber || (a.BlockNumber == b.BlockNumber && a.SourceLogIndex < b.SourceLogIndex)
	})
	return records, nil
}

func (r *processedRecordsRepo) Get(_ context.Context, id entity.EventID) (*entity.ProcessedRecord, error) {
	rec := new(entity.ProcessedRecord)
	if err := r.getJSON(recordKey(id.String()), rec); err != nil {
		return nil, fmt.Errorf("can't get processed record %s: %w", id, err)
	}
	return rec, nil
}

func (r *processedRecordsRepo) FindByState(_ context.Context, state entity.RecordState, limit uint) ([]*entity.ProcessedRecord, error) {
	records, err := r.all(func(rec *entity.ProcessedRecord) bool {
		return state == "" || rec.State == state
	})
	if err != nil {
		return nil, fmt.Errorf("can't find records by state: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].UpdatedAt, records[j].UpdatedAt
		return a != nil && (b == nil || a.After(*b))
	})
	if limit > 0 && uint(len(records)) > limit {
		records = records[:limit]
	}
	return records, nil
}
