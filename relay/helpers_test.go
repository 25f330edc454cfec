package relay_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/contract/bridgeabi"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/ethclient"
	"github.com/omni/tokenbridge-relayer/ethclient/ethclienttest"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/relay"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/repository/leveldb"
	"github.com/omni/tokenbridge-relayer/sender"
)

const (
	homeChainID    = 7707
	foreignChainID = 8808
)

var (
	homeBridge    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	foreignBridge = common.HexToAddress("0x2222222222222222222222222222222222222222")
	alice         = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
)

type env struct {
	home, foreign         *ethclienttest.Chain
	homeKey, foreignKey   *ecdsa.PrivateKey
	homeSide, foreignSide *config.BridgeSideConfig
	relayCfg              *config.RelayConfig
	repo                  *repository.Repo
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store, err := leveldb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	homeKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	foreignKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	e := &env{
		home:       ethclienttest.NewChain(homeChainID, 100),
		foreign:    ethclienttest.NewChain(foreignChainID, 200),
		homeKey:    homeKey,
		foreignKey: foreignKey,
		homeSide: &config.BridgeSideConfig{
			ChainName:          "jkk",
			Chain:              &config.ChainConfig{ChainID: "7707", BlockIndexInterval: 5 * time.Millisecond},
			Address:            homeBridge,
			StartBlock:         90,
			BlockConfirmations: 2,
			MaxBlockRangeSize:  50,
		},
		foreignSide: &config.BridgeSideConfig{
			ChainName:          "tmz",
			Chain:              &config.ChainConfig{ChainID: "8808", BlockIndexInterval: 5 * time.Millisecond},
			Address:            foreignBridge,
			StartBlock:         190,
			BlockConfirmations: 2,
			MaxBlockRangeSize:  50,
		},
		relayCfg: &config.RelayConfig{
			MaxAttempts:         3,
			BackoffBase:         time.Millisecond,
			BackoffMax:          5 * time.Millisecond,
			ConfirmationTimeout: time.Second,
			ReceiptPollInterval: time.Millisecond,
			MinConfirmations:    1,
			GasBumpPercent:      15,
		},
		repo: repository.NewLevelDBRepo(store),
	}
	e.home.AutoMine = true
	e.foreign.AutoMine = true
	return e
}

func (e *env) newSender(t *testing.T, chain *ethclienttest.Chain, key *ecdsa.PrivateKey) *sender.Sender {
	t.Helper()

	s, err := sender.NewSender(logging.Discard(), chain, key, e.relayCfg)
	require.NoError(t, err)
	return s
}

// lockMintEngine relays home TokensLocked events to the foreign bridge.
func (e *env) lockMintEngine(t *testing.T) *relay.Engine {
	t.Helper()
	return e.lockMintEngineWith(t, e.repo.ProcessedRecords)
}

func (e *env) lockMintEngineWith(t *testing.T, records entity.ProcessedRecordsRepo) *relay.Engine {
	t.Helper()

	dest := e.newSender(t, e.foreign, e.foreignKey)
	return relay.NewEngine(logging.Discard(), e.relayCfg, e.home, e.homeSide,
		entity.TransferKindLockMint, dest, foreignBridge, records)
}

func (e *env) config() *config.Config {
	return &config.Config{
		Bridge: &config.BridgeConfig{
			ID:      "jkk-tmz",
			Home:    e.homeSide,
			Foreign: e.foreignSide,
		},
		Relay: e.relayCfg,
		CircuitBreaker: &config.CircuitBreakerConfig{
			Threshold:    2,
			Window:       time.Minute,
			ResetTimeout: time.Minute,
		},
	}
}

func (e *env) dispatcher(t *testing.T) *relay.Dispatcher {
	t.Helper()
	return e.dispatcherWith(t, e.home)
}

// dispatcherWith reads the home chain through the given client.
func (e *env) dispatcherWith(t *testing.T, homeClient ethclient.Client) *relay.Dispatcher {
	t.Helper()

	homeSender := e.newSender(t, e.home, e.homeKey)
	foreignSender := e.newSender(t, e.foreign, e.foreignKey)
	return relay.NewBridgeDispatcher(logging.Discard(), e.config(), e.repo, homeClient, e.foreign, homeSender, foreignSender).
		WithRestartDelay(10 * time.Millisecond)
}

// flakyRecords fails MarkSubmitted while failures remain, and always for the
// broken event.
type flakyRecords struct {
	entity.ProcessedRecordsRepo
	failures atomic.Int32
	broken   string
}

func (r *flakyRecords) MarkSubmitted(ctx context.Context, id entity.EventID, txHash common.Hash, nonce uint64) error {
	if id.String() == r.broken || r.failures.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return r.ProcessedRecordsRepo.MarkSubmitted(ctx, id, txHash, nonce)
}

func emitTransfer(t *testing.T, chain *ethclienttest.Chain, bridge common.Address, event string, user common.Address, amount *big.Int, destChainID int64) types.Log {
	t.Helper()

	ev := bridgeabi.BridgeABI.Events[event]
	data, err := ev.Inputs.NonIndexed().Pack(amount, big.NewInt(destChainID))
	require.NoError(t, err)
	return chain.EmitLog(bridge, []common.Hash{ev.ID, common.BytesToHash(user.Bytes())}, data)
}

func intentFromLog(t *testing.T, chainID string, log types.Log) *entity.TransferIntent {
	t.Helper()

	intent, err := relay.Normalize(entity.NewLog(chainID, log), chainID)
	require.NoError(t, err)
	return intent
}

// decodeRelayCall returns the method name and arguments of a relay transaction.
func decodeRelayCall(t *testing.T, tx *types.Transaction) (string, common.Address, *big.Int) {
	t.Helper()

	method, err := bridgeabi.BridgeABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 2)
	return method.Name, args[0].(common.Address), args[1].(*big.Int)
}
