package presenter_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/presenter"
	"github.com/omni/tokenbridge-relayer/relay"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/repository/leveldb"
)

var (
	homeBridge = common.HexToAddress("0x1111111111111111111111111111111111111111")
	sourceTx   = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001")
)

type fakeRelayer struct {
	mu       sync.Mutex
	retryErr error
	retried  []entity.EventID
	ranges   []string
}

func (f *fakeRelayer) Status() []relay.PipelineStatus {
	return []relay.PipelineStatus{
		{Side: relay.SideHome, SourceChainID: "7707", DestChainID: "8808", State: relay.PipelineRunning},
		{Side: relay.SideForeign, SourceChainID: "8808", DestChainID: "7707", State: relay.PipelineDegraded},
	}
}

func (f *fakeRelayer) Retry(_ context.Context, id entity.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, id)
	return f.retryErr
}

func (f *fakeRelayer) ProcessBlockRange(_ context.Context, side string, fromBlock, toBlock uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, fmt.Sprintf("%s:%d-%d", side, fromBlock, toBlock))
	return nil
}

func setup(t *testing.T) (*presenter.Presenter, *repository.Repo, *fakeRelayer, entity.EventID) {
	t.Helper()

	store, err := leveldb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	repo := repository.NewLevelDBRepo(store)

	ctx := context.Background()
	intent := &entity.TransferIntent{
		EventID:     entity.EventID{ChainID: "7707", TxHash: sourceTx, LogIndex: 0},
		DestChainID: "8808",
		User:        common.HexToAddress("0xdead"),
		Amount:      big.NewInt(1000),
		Kind:        entity.TransferKindLockMint,
		BlockNumber: 101,
	}
	ok, err := repo.ProcessedRecords.TryBegin(ctx, intent)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.ProcessedRecords.MarkFailed(ctx, intent.EventID, "transaction reverted"))

	topic := common.HexToHash("0x01")
	require.NoError(t, repo.Logs.Ensure(ctx, &entity.Log{
		ChainID:         "7707",
		Address:         homeBridge,
		Topic0:          &topic,
		BlockNumber:     101,
		TransactionHash: sourceTx,
	}))

	cfg := &config.BridgeConfig{
		ID: "jkk-tmz",
		Home: &config.BridgeSideConfig{
			Chain:   &config.ChainConfig{ChainID: "7707"},
			Address: homeBridge,
		},
		Foreign: &config.BridgeSideConfig{
			Chain:   &config.ChainConfig{ChainID: "8808"},
			Address: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		},
	}
	relayer := new(fakeRelayer)
	return presenter.NewPresenter(logging.Discard(), cfg, repo, relayer), repo, relayer, intent.EventID
}

func do(t *testing.T, h http.Handler, method, path string, dest interface{}) int {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	if dest != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(dest))
	}
	return rec.Code
}

func TestPresenter_Status(t *testing.T) {
	t.Parallel()

	p, _, _, _ := setup(t)
	var res presenter.StatusResult
	require.Equal(t, http.StatusOK, do(t, p, http.MethodGet, "/status", &res))
	require.Equal(t, "jkk-tmz", res.BridgeID)
	require.Len(t, res.Pipelines, 2)
	require.Equal(t, relay.PipelineDegraded, res.Pipelines[1].State)
}

func TestPresenter_Records(t *testing.T) {
	t.Parallel()

	p, _, _, id := setup(t)

	var rec entity.ProcessedRecord
	require.Equal(t, http.StatusOK, do(t, p, http.MethodGet, "/records/"+id.String(), &rec))
	require.Equal(t, id.String(), rec.EventID)
	require.Equal(t, entity.RecordStateFailed, rec.State)
	require.Equal(t, "1000", rec.Amount)

	var records []*entity.ProcessedRecord
	require.Equal(t, http.StatusOK, do(t, p, http.MethodGet, "/records?state=failed&limit=10", &records))
	require.Len(t, records, 1)
	require.Equal(t, http.StatusOK, do(t, p, http.MethodGet, "/records?state=confirmed", &records))
	require.Empty(t, records)

	missing := entity.EventID{ChainID: "7707", TxHash: common.HexToHash("0x02")}
	for _, test := range []struct {
		path   string
		status int
	}{
		{"/records/" + missing.String(), http.StatusNotFound},
		{"/records/not-an-id", http.StatusBadRequest},
		{"/records?state=bogus", http.StatusBadRequest},
		{"/records?limit=0", http.StatusBadRequest},
	} {
		require.Equal(t, test.status, do(t, p, http.MethodGet, test.path, nil), test.path)
	}
}

func TestPresenter_Retry(t *testing.T) {
	t.Parallel()

	p, _, relayer, id := setup(t)

	require.Equal(t, http.StatusAccepted, do(t, p, http.MethodPost, "/records/"+id.String()+"/retry", nil))
	require.Equal(t, []entity.EventID{id}, relayer.retried)

	for _, test := range []struct {
		err    error
		status int
	}{
		{entity.ErrInvalidTransition, http.StatusConflict},
		{entity.ErrAttemptsExhausted, http.StatusConflict},
		{relay.ErrUnknownPipeline, http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	} {
		relayer.retryErr = fmt.Errorf("wrapped: %w", test.err)
		require.Equal(t, test.status, do(t, p, http.MethodPost, "/records/"+id.String()+"/retry", nil), test.err.Error())
	}
}

func TestPresenter_Reprocess(t *testing.T) {
	t.Parallel()

	p, _, relayer, _ := setup(t)

	var res presenter.ReprocessResult
	require.Equal(t, http.StatusOK, do(t, p, http.MethodPost, "/bridge/home/reprocess?fromBlock=100&toBlock=120", &res))
	require.Equal(t, presenter.ReprocessResult{Side: "home", FromBlock: 100, ToBlock: 120}, res)
	require.Equal(t, http.StatusOK, do(t, p, http.MethodPost, "/bridge/foreign/reprocess?blockNumber=7", nil))
	require.Equal(t, []string{"home:100-120", "foreign:7-7"}, relayer.ranges)

	for _, path := range []string{
		"/bridge/home/reprocess",
		"/bridge/home/reprocess?fromBlock=10&toBlock=5",
		"/bridge/home/reprocess?fromBlock=0&toBlock=20000",
		"/bridge/home/reprocess?fromBlock=x&toBlock=5",
	} {
		require.Equal(t, http.StatusBadRequest, do(t, p, http.MethodPost, path, nil), path)
	}
	require.Equal(t, http.StatusNotFound, do(t, p, http.MethodPost, "/bridge/sideways/reprocess?blockNumber=7", nil))
	require.Len(t, relayer.ranges, 2)
}

func TestPresenter_Logs(t *testing.T) {
	t.Parallel()

	p, _, _, id := setup(t)

	var logs []*presenter.LogResult
	require.Equal(t, http.StatusOK, do(t, p, http.MethodGet, "/logs?txHash="+sourceTx.Hex(), &logs))
	require.Len(t, logs, 1)
	require.Equal(t, id.String(), logs[0].EventID)

	require.Equal(t, http.StatusOK, do(t, p, http.MethodGet, "/bridge/home/logs?fromBlock=100&toBlock=110", &logs))
	require.Len(t, logs, 1)
	require.Equal(t, http.StatusOK, do(t, p, http.MethodGet, "/bridge/foreign/logs?fromBlock=100&toBlock=110", &logs))
	require.Empty(t, logs)

	require.Equal(t, http.StatusBadRequest, do(t, p, http.MethodGet, "/logs", nil))
}
