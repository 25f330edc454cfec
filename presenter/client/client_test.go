package client_test

import (
	"context"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/presenter"
	"github.com/omni/tokenbridge-relayer/presenter/client"
	"github.com/omni/tokenbridge-relayer/relay"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/repository/leveldb"
)

// storeRelayer retries records directly in the store.
type storeRelayer struct {
	repo *repository.Repo
}

func (s *storeRelayer) Status() []relay.PipelineStatus {
	return []relay.PipelineStatus{{Side: relay.SideHome, State: relay.PipelineRunning}}
}

func (s *storeRelayer) Retry(ctx context.Context, id entity.EventID) error {
	return s.repo.ProcessedRecords.Retry(ctx, id, 3)
}

func (s *storeRelayer) ProcessBlockRange(context.Context, string, uint, uint) error {
	return nil
}

func TestClient(t *testing.T) {
	t.Parallel()

	store, err := leveldb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	repo := repository.NewLevelDBRepo(store)

	ctx := context.Background()
	intent := &entity.TransferIntent{
		EventID:     entity.EventID{ChainID: "7707", TxHash: common.HexToHash("0xabc")},
		DestChainID: "8808",
		User:        common.HexToAddress("0xdead"),
		Amount:      big.NewInt(1000),
		Kind:        entity.TransferKindLockMint,
	}
	_, err = repo.ProcessedRecords.TryBegin(ctx, intent)
	require.NoError(t, err)
	require.NoError(t, repo.ProcessedRecords.MarkFailed(ctx, intent.EventID, "transaction reverted"))

	cfg := &config.BridgeConfig{
		ID:      "jkk-tmz",
		Home:    &config.BridgeSideConfig{Chain: &config.ChainConfig{ChainID: "7707"}},
		Foreign: &config.BridgeSideConfig{Chain: &config.ChainConfig{ChainID: "8808"}},
	}
	srv := httptest.NewServer(presenter.NewPresenter(logging.Discard(), cfg, repo, &storeRelayer{repo: repo}))
	t.Cleanup(srv.Close)
	c := client.New(srv.URL + "/")

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "jkk-tmz", status.BridgeID)
	require.Len(t, status.Pipelines, 1)

	failed, err := c.ListRecords(ctx, entity.RecordStateFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, intent.EventID.String(), failed[0].EventID)

	rec, err := c.Retry(ctx, intent.EventID)
	require.NoError(t, err)
	require.Equal(t, entity.RecordStatePending, rec.State)

	_, err = c.Retry(ctx, intent.EventID)
	require.ErrorIs(t, err, client.ErrUnexpectedStatus)
	require.Contains(t, err.Error(), "409")

	_, err = c.GetRecord(ctx, entity.EventID{ChainID: "7707", TxHash: common.HexToHash("0x01")})
	require.ErrorIs(t, err, client.ErrUnexpectedStatus)
	require.Contains(t, err.Error(), "404")

	res, err := c.Reprocess(ctx, relay.SideHome, 5, 9)
	require.NoError(t, err)
	require.Equal(t, uint(9), res.ToBlock)
}
