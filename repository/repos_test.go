package repository_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/repository/leveldb"
)

var bridgeAddr = common.HexToAddress("0xa0ec08442e0783debb54e97b65efc884e67b0fe3")

func newIntent(chainID string, block, logIndex uint) *entity.TransferIntent {
	amount, _ := new(big.Int).SetString("1000000000000000000000000000000", 10)
	return &entity.TransferIntent{
		EventID: entity.EventID{
			ChainID:  chainID,
			TxHash:   common.BigToHash(big.NewInt(int64(block*1000 + logIndex))),
			LogIndex: logIndex,
		},
		DestChainID: "7708",
		User:        common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		Amount:      amount,
		Kind:        entity.TransferKindLockMint,
		BlockNumber: block,
		BlockHash:   common.BigToHash(big.NewInt(int64(block))),
	}
}

func TestLevelDBRepo(t *testing.T) {
	t.Parallel()

	store, err := leveldb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runRepoSuite(t, repository.NewLevelDBRepo(store))
}

func runRepoSuite(t *testing.T, repo *repository.Repo) {
	t.Helper()

	t.Run("try begin is idempotent", func(t *testing.T) {
		ctx := context.Background()
		intent := newIntent("101", 10, 0)

		ok, err := repo.ProcessedRecords.TryBegin(ctx, intent)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.ProcessedRecords.TryBegin(ctx, intent)
		require.NoError(t, err)
		require.False(t, ok)

		rec, err := repo.ProcessedRecords.Get(ctx, intent.EventID)
		require.NoError(t, err)
		require.Equal(t, entity.RecordStatePending, rec.State)
		require.Equal(t, intent.Amount.String(), rec.Amount)
		require.Nil(t, rec.DestTxHash)
		require.Zero(t, rec.AttemptCount)

		restored, err := rec.Intent()
		require.NoError(t, err)
		require.Equal(t, intent, restored)
	})

	t.Run("state transitions are monotonic", func(t *testing.T) {
		ctx := context.Background()
		intent := newIntent("102", 10, 1)
		first, second := common.HexToHash("0x01"), common.HexToHash("0x02")

		ok, err := repo.ProcessedRecords.TryBegin(ctx, intent)
		require.NoError(t, err)
		require.True(t, ok)

		require.ErrorIs(t, repo.ProcessedRecords.MarkConfirmed(ctx, intent.EventID, first), entity.ErrInvalidTransition)

		attempts, err := repo.ProcessedRecords.IncrementAttempt(ctx, intent.EventID)
		require.NoError(t, err)
		require.Equal(t, uint(1), attempts)

		require.NoError(t, repo.ProcessedRecords.MarkSubmitted(ctx, intent.EventID, first, 7))
		require.NoError(t, repo.ProcessedRecords.MarkSubmitted(ctx, intent.EventID, second, 7))

		rec, err := repo.ProcessedRecords.Get(ctx, intent.EventID)
		require.NoError(t, err)
		require.Equal(t, entity.RecordStateSubmitted, rec.State)
		require.Equal(t, &second, rec.DestTxHash)
		require.Equal(t, uint64(7), *rec.DestNonce)
		require.Equal(t, []common.Hash{second, first}, rec.BroadcastHashes())
		require.NotNil(t, rec.LastAttemptAt)

		require.NoError(t, repo.ProcessedRecords.MarkConfirmed(ctx, intent.EventID, first))
		rec, err = repo.ProcessedRecords.Get(ctx, intent.EventID)
		require.NoError(t, err)
		require.Equal(t, entity.RecordStateConfirmed, rec.State)
		require.Equal(t, &first, rec.DestTxHash)

		require.ErrorIs(t, repo.ProcessedRecords.MarkFailed(ctx, intent.EventID, "late failure"), entity.ErrInvalidTransition)
		require.ErrorIs(t, repo.ProcessedRecords.MarkSubmitted(ctx, intent.EventID, second, 8), entity.ErrInvalidTransition)
		require.ErrorIs(t, repo.ProcessedRecords.Revert(ctx, intent.EventID), entity.ErrInvalidTransition)
		_, err = repo.ProcessedRecords.IncrementAttempt(ctx, intent.EventID)
		require.ErrorIs(t, err, entity.ErrInvalidTransition)

		rec, err = repo.ProcessedRecords.Get(ctx, intent.EventID)
		require.NoError(t, err)
		require.Equal(t, entity.RecordStateConfirmed, rec.State)
	})

	t.Run("revert removes only untouched pending records", func(t *testing.T) {
		ctx := context.Background()
		orphan := newIntent("103", 20, 0)
		sent := newIntent("103", 20, 1)

		for _, intent := range []*entity.TransferIntent{orphan, sent} {
			ok, err := repo.ProcessedRecords.TryBegin(ctx, intent)
			require.NoError(t, err)
			require.True(t, ok)
		}
		require.NoError(t, repo.ProcessedRecords.MarkSubmitted(ctx, sent.EventID, common.HexToHash("0x03"), 1))

		require.NoError(t, repo.ProcessedRecords.Revert(ctx, orphan.EventID))
		_, err := repo.ProcessedRecords.Get(ctx, orphan.EventID)
		require.ErrorIs(t, err, db.ErrNotFound)
		require.ErrorIs(t, repo.ProcessedRecords.Revert(ctx, sent.EventID), entity.ErrInvalidTransition)

		ok, err := repo.ProcessedRecords.TryBegin(ctx, orphan)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("manual retry respects attempt budget", func(t *testing.T) {
		ctx := context.Background()
		intent := newIntent("104", 30, 0)

		ok, err := repo.ProcessedRecords.TryBegin(ctx, intent)
		require.NoError(t, err)
		require.True(t, ok)

		require.ErrorIs(t, repo.ProcessedRecords.Retry(ctx, intent.EventID, 3), entity.ErrInvalidTransition)

		_, err = repo.ProcessedRecords.IncrementAttempt(ctx, intent.EventID)
		require.NoError(t, err)
		require.NoError(t, repo.ProcessedRecords.MarkFailed(ctx, intent.EventID, "execution reverted"))

		rec, err := repo.ProcessedRecords.Get(ctx, intent.EventID)
		require.NoError(t, err)
		require.Equal(t, entity.RecordStateFailed, rec.State)
		require.Equal(t, "execution reverted", rec.LastError)

		require.NoError(t, repo.ProcessedRecords.Retry(ctx, intent.EventID, 3))
		rec, err = repo.ProcessedRecords.Get(ctx, intent.EventID)
		require.NoError(t, err)
		require.Equal(t, entity.RecordStatePending, rec.State)
		require.Empty(t, rec.LastError)

		for i := 0; i < 2; i++ {
			_, err = repo.ProcessedRecords.IncrementAttempt(ctx, intent.EventID)
			require.NoError(t, err)
		}
		require.NoError(t, repo.ProcessedRecords.MarkFailed(ctx, intent.EventID, "timeout"))
		require.ErrorIs(t, repo.ProcessedRecords.Retry(ctx, intent.EventID, 3), entity.ErrAttemptsExhausted)

		err = repo.ProcessedRecords.Retry(ctx, newIntent("104", 31, 0).EventID, 3)
		require.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("new nonce starts a new hash history", func(t *testing.T) {
		ctx := context.Background()
		intent := newIntent("107", 50, 0)
		reverted, replacement := common.HexToHash("0x06"), common.HexToHash("0x07")
		retried := common.HexToHash("0x08")

		ok, err := repo.ProcessedRecords.TryBegin(ctx, intent)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.ProcessedRecords.MarkSubmitted(ctx, intent.EventID, reverted, 4))
		require.NoError(t, repo.ProcessedRecords.MarkSubmitted(ctx, intent.EventID, replacement, 4))
		_, err = repo.ProcessedRecords.IncrementAttempt(ctx, intent.EventID)
		require.NoError(t, err)
		require.NoError(t, repo.ProcessedRecords.MarkFailed(ctx, intent.EventID, "execution reverted"))
		require.NoError(t, repo.ProcessedRecords.Retry(ctx, intent.EventID, 3))

		require.NoError(t, repo.ProcessedRecords.MarkSubmitted(ctx, intent.EventID, retried, 5))
		rec, err := repo.ProcessedRecords.Get(ctx, intent.EventID)
		require.NoError(t, err)
		require.Equal(t, uint64(5), *rec.DestNonce)
		require.Equal(t, []common.Hash{retried}, rec.BroadcastHashes())

		// the same hash twice is stored once
		require.NoError(t, repo.ProcessedRecords.MarkSubmitted(ctx, intent.EventID, retried, 5))
		rec, err = repo.ProcessedRecords.Get(ctx, intent.EventID)
		require.NoError(t, err)
		require.Equal(t, []common.Hash{retried}, rec.BroadcastHashes())
	})

	t.Run("load incomplete and find by state", func(t *testing.T) {
		ctx := context.Background()
		pending := newIntent("105", 50, 2)
		submitted := newIntent("105", 40, 0)
		confirmed := newIntent("105", 45, 0)
		failed := newIntent("105", 46, 0)
		other := newIntent("106", 10, 0)

		for _, intent := range []*entity.TransferIntent{pending, submitted, confirmed, failed, other} {
			ok, err := repo.ProcessedRecords.TryBegin(ctx, intent)
			require.NoError(t, err)
			require.True(t, ok)
		}
		require.NoError(t, repo.ProcessedRecords.MarkSubmitted(ctx, submitted.EventID, common.HexToHash("0x04"), 2))
		require.NoError(t, repo.ProcessedRecords.MarkSubmitted(ctx, confirmed.EventID, common.HexToHash("0x05"), 3))
		require.NoError(t, repo.ProcessedRecords.MarkConfirmed(ctx, confirmed.EventID, common.HexToHash("0x05")))
		require.NoError(t, repo.ProcessedRecords.MarkFailed(ctx, failed.EventID, "boom"))

		records, err := repo.ProcessedRecords.LoadIncomplete(ctx, "105")
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, submitted.EventID.String(), records[0].EventID)
		require.Equal(t, entity.RecordStateSubmitted, records[0].State)
		require.Equal(t, pending.EventID.String(), records[1].EventID)
		require.Equal(t, entity.RecordStatePending, records[1].State)

		failedRecords, err := repo.ProcessedRecords.FindByState(ctx, entity.RecordStateFailed, 0)
		require.NoError(t, err)
		found := false
		for _, rec := range failedRecords {
			require.Equal(t, entity.RecordStateFailed, rec.State)
			found = found || rec.EventID == failed.EventID.String()
		}
		require.True(t, found)

		limited, err := repo.ProcessedRecords.FindByState(ctx, "", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
	})

	t.Run("logs cursors", func(t *testing.T) {
		ctx := context.Background()

		_, err := repo.LogsCursors.GetByChainIDAndAddress(ctx, "107", bridgeAddr)
		require.ErrorIs(t, err, db.ErrNotFound)

		require.NoError(t, repo.LogsCursors.Ensure(ctx, &entity.LogsCursor{
			ChainID:            "107",
			Address:            bridgeAddr,
			LastFetchedBlock:   10,
			LastProcessedBlock: 9,
		}))
		require.NoError(t, repo.LogsCursors.Ensure(ctx, &entity.LogsCursor{
			ChainID:            "107",
			Address:            bridgeAddr,
			LastFetchedBlock:   20,
			LastProcessedBlock: 20,
		}))
		cursor, err := repo.LogsCursors.GetByChainIDAndAddress(ctx, "107", bridgeAddr)
		require.NoError(t, err)
		require.Equal(t, uint(20), cursor.LastFetchedBlock)
		require.Equal(t, uint(20), cursor.LastProcessedBlock)
	})

	t.Run("logs", func(t *testing.T) {
		ctx := context.Background()
		topic := common.HexToHash("0x10")
		txHash := common.HexToHash("0x1234")
		logs := []*entity.Log{
			{ChainID: "108", Address: bridgeAddr, Topic0: &topic, Data: []byte{}, BlockNumber: 5, BlockHash: common.HexToHash("0x5"), LogIndex: 1, TransactionHash: txHash},
			{ChainID: "108", Address: bridgeAddr, Topic0: &topic, Data: []byte{1}, BlockNumber: 5, BlockHash: common.HexToHash("0x5"), LogIndex: 0, TransactionHash: txHash},
			{ChainID: "108", Address: bridgeAddr, Topic0: &topic, Data: []byte{2}, BlockNumber: 9, BlockHash: common.HexToHash("0x9"), LogIndex: 0, TransactionHash: common.HexToHash("0x5678")},
		}
		require.NoError(t, repo.Logs.Ensure(ctx, logs...))
		require.NoError(t, repo.Logs.Ensure(ctx, logs[0]))

		found, err := repo.Logs.FindByBlockRange(ctx, "108", bridgeAddr, 4, 6)
		require.NoError(t, err)
		require.Len(t, found, 2)
		require.Equal(t, uint(0), found[0].LogIndex)
		require.Equal(t, uint(1), found[1].LogIndex)

		found, err = repo.Logs.FindByTxHash(ctx, txHash)
		require.NoError(t, err)
		require.Len(t, found, 2)
		for _, log := range found {
			require.Equal(t, txHash, log.TransactionHash)
		}
	})
}
