package sender

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/ethclient"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/utils"
)

var (
	ErrTransientRPC = errors.New("transient rpc failure")
	ErrTxReverted   = errors.New("transaction reverted")
	ErrTxTimeout    = errors.New("transaction confirmation timed out")
)

// PendingTx is a signed transaction. Hashes holds every hash signed with the
// same nonce, newest first, Hash is always Hashes[0].
type PendingTx struct {
	Hash     common.Hash
	Hashes   []common.Hash
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       common.Address
	Data     []byte

	signed *types.Transaction
}

// Sender signs and broadcasts transactions from a single account on a single chain.
type Sender struct {
	logger         logging.Logger
	client         ethclient.Client
	key            *ecdsa.PrivateKey
	from           common.Address
	signer         types.Signer
	nonces         *NonceManager
	gasLimit       uint64
	gasBumpPercent uint
	pollInterval   time.Duration

	// serializes nonce allocation with broadcast
	mu sync.Mutex
}

func NewSender(logger logging.Logger, client ethclient.Client, key *ecdsa.PrivateKey, cfg *config.RelayConfig) (*Sender, error) {
	chainID, ok := new(big.Int).SetString(client.ChainID(), 10)
	if !ok {
		return nil, fmt.Errorf("malformed chain id %q", client.ChainID())
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	logger = logger.WithFields(logrus.Fields{
		"chain_id": client.ChainID(),
		"sender":   from,
	})
	return &Sender{
		logger:         logger,
		client:         client,
		key:            key,
		from:           from,
		signer:         types.LatestSignerForChainID(chainID),
		nonces:         NewNonceManager(logger, client, from),
		gasLimit:       cfg.GasLimit,
		gasBumpPercent: cfg.GasBumpPercent,
		pollInterval:   cfg.ReceiptPollInterval,
	}, nil
}

func (s *Sender) From() common.Address {
	return s.from
}

func (s *Sender) ChainID() string {
	return s.client.ChainID()
}

// Submit signs a call to the given contract with a fresh nonce and broadcasts
// it. It does not wait for inclusion.
func (s *Sender) Submit(ctx context.Context, to common.Address, data []byte) (*PendingTx, error) {
	tx, err := s.Sign(ctx, to, data)
	if err != nil {
		return nil, err
	}
	if err = s.Broadcast(ctx, tx); err != nil {
		s.Discard(tx)
		return nil, err
	}
	return tx, nil
}

// Replace re-sends the call of a pending transaction with the same nonce and
// a higher gas price, so at most one of them can ever be mined.
func (s *Sender) Replace(ctx context.Context, pending *PendingTx) (*PendingTx, error) {
	tx, err := s.SignReplacement(ctx, pending)
	if err != nil {
		return nil, err
	}
	if err = s.Broadcast(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Sign reserves a fresh nonce and signs a call to the given contract without
// sending it. The nonce stays reserved until the transaction is broadcast or
// discarded.
func (s *Sender) Sign(ctx context.Context, to common.Address, data []byte) (*PendingTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gas, err := s.estimateGas(ctx, to, data)
	if err != nil {
		return nil, err
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("can't get gas price", err)
	}
	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return nil, classify("can't allocate nonce", err)
	}
	tx := &PendingTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Data:     data,
	}
	if err = s.sign(tx); err != nil {
		s.nonces.Release(nonce)
		return nil, err
	}
	tx.Hashes = []common.Hash{tx.Hash}
	return tx, nil
}

// SignReplacement signs the call of a pending transaction with the same nonce
// and a bumped gas price. Hashes of the result lists the new hash first.
func (s *Sender) SignReplacement(ctx context.Context, pending *PendingTx) (*PendingTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	suggested, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("can't get gas price", err)
	}
	gasPrice, gas := pending.GasPrice, pending.Gas
	if gasPrice == nil || gas == 0 {
		// restored from storage, take the parameters of the last broadcast
		prev, err := s.client.TransactionByHash(ctx, pending.Hash)
		switch {
		case err == nil:
			gasPrice, gas = prev.GasPrice(), prev.Gas()
		case errors.Is(err, ethereum.NotFound):
			gasPrice = suggested
		default:
			return nil, classify("can't get replaced transaction", err)
		}
	}
	if gas == 0 {
		if gas, err = s.estimateGas(ctx, pending.To, pending.Data); err != nil {
			return nil, err
		}
	}
	bumped := new(big.Int).Mul(gasPrice, big.NewInt(int64(100+s.gasBumpPercent)))
	bumped.Div(bumped, big.NewInt(100))
	if suggested.Cmp(bumped) > 0 {
		bumped = suggested
	}
	tx := &PendingTx{
		Nonce:    pending.Nonce,
		GasPrice: bumped,
		Gas:      gas,
		To:       pending.To,
		Data:     pending.Data,
	}
	if err = s.sign(tx); err != nil {
		return nil, err
	}
	tx.Hashes = append([]common.Hash{tx.Hash}, pending.Hashes...)
	return tx, nil
}

// Broadcast sends a transaction returned by Sign or SignReplacement. A node
// that already knows the transaction counts as success.
func (s *Sender) Broadcast(ctx context.Context, tx *PendingTx) error {
	if tx.signed == nil {
		return fmt.Errorf("transaction with nonce %d is not signed", tx.Nonce)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.SendTransaction(ctx, tx.signed)
	if err != nil && !isAlreadyKnown(err) {
		// the reserved nonce may never reach the chain
		s.nonces.Invalidate()
		return classify("can't send transaction", err)
	}
	s.nonces.Track(tx.Nonce, tx.Hash)

	kind := "submit"
	if len(tx.Hashes) > 1 {
		kind = "replace"
	}
	SentTransactions.WithLabelValues(s.client.ChainID(), kind).Inc()
	s.logger.WithFields(logrus.Fields{
		"tx_hash":   tx.Hash,
		"nonce":     tx.Nonce,
		"gas_price": tx.GasPrice,
		"gas":       tx.Gas,
		"to":        tx.To,
		"kind":      kind,
	}).Info("broadcast transaction")
	return nil
}

// Discard gives back the nonce of a freshly signed transaction that will
// never be broadcast. Replacements keep their nonce.
func (s *Sender) Discard(tx *PendingTx) {
	if len(tx.Hashes) > 1 {
		return
	}
	s.nonces.Release(tx.Nonce)
}

func (s *Sender) estimateGas(ctx context.Context, to common.Address, data []byte) (uint64, error) {
	if s.gasLimit > 0 {
		return s.gasLimit, nil
	}
	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data})
	if err != nil {
		return 0, classify("can't estimate gas", err)
	}
	return gas, nil
}

func (s *Sender) sign(p *PendingTx) error {
	to := p.To
	tx, err := types.SignNewTx(s.key, s.signer, &types.LegacyTx{
		Nonce:    p.Nonce,
		GasPrice: p.GasPrice,
		Gas:      p.Gas,
		To:       &to,
		Data:     p.Data,
	})
	if err != nil {
		return fmt.Errorf("can't sign transaction: %w", err)
	}
	p.signed = tx
	p.Hash = tx.Hash()
	return nil
}

// Receipt returns the receipt of the transaction, or nil while it is not mined.
func (s *Sender) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := s.client.TransactionReceiptByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("can't get transaction receipt", err)
	}
	return receipt, nil
}

// NonceConsumed reports whether a transaction with the nonce was mined from
// the sender account.
func (s *Sender) NonceConsumed(ctx context.Context, nonce uint64) (bool, error) {
	mined, err := s.client.NonceAt(ctx, s.from)
	if err != nil {
		return false, classify("can't get account nonce", err)
	}
	return mined > nonce, nil
}

// AwaitConfirmation polls receipts of every hash of the pending transaction
// until one of them is buried under minConfirmations blocks. Transport errors
// are logged and polling continues until the timeout.
func (s *Sender) AwaitConfirmation(ctx context.Context, tx *PendingTx, minConfirmations uint, timeout time.Duration) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := s.logger.WithFields(logrus.Fields{
		"tx_hash": tx.Hash,
		"nonce":   tx.Nonce,
	})
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	for {
		receipt, err := s.findReceipt(waitCtx, tx.Hashes)
		switch {
		case err != nil:
			logger.WithError(err).Warn("can't check transaction receipt, retrying")
		case receipt != nil && receipt.Status == types.ReceiptStatusFailed:
			s.nonces.Done(tx.Nonce)
			ConfirmedTransactions.WithLabelValues(s.client.ChainID(), "reverted").Inc()
			return receipt, fmt.Errorf("transaction %s reverted in block %s: %w", receipt.TxHash, receipt.BlockNumber, ErrTxReverted)
		case receipt != nil:
			head, err := s.client.BlockNumber(waitCtx)
			if err != nil {
				logger.WithError(err).Warn("can't get head block, retrying")
				break
			}
			if uint64(head)+1 >= receipt.BlockNumber.Uint64()+uint64(minConfirmations) {
				s.nonces.Done(tx.Nonce)
				ConfirmedTransactions.WithLabelValues(s.client.ChainID(), "confirmed").Inc()
				logger.WithFields(logrus.Fields{
					"mined_tx":     receipt.TxHash,
					"block_number": receipt.BlockNumber,
				}).Info("transaction confirmed")
				return receipt, nil
			}
		}
		if !utils.ContextSleep(waitCtx, s.pollInterval) {
			break
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	ConfirmedTransactions.WithLabelValues(s.client.ChainID(), "timeout").Inc()
	return nil, fmt.Errorf("transaction %s not confirmed within %s: %w", tx.Hash, timeout, ErrTxTimeout)
}

func (s *Sender) findReceipt(ctx context.Context, hashes []common.Hash) (*types.Receipt, error) {
	for _, hash := range hashes {
		receipt, err := s.Receipt(ctx, hash)
		if err != nil || receipt != nil {
			return receipt, err
		}
	}
	return nil, nil
}

func classify(msg string, err error) error {
	if isExecutionReverted(err) {
		return fmt.Errorf("%s: %v: %w", msg, err, ErrTxReverted)
	}
	return fmt.Errorf("%s: %v: %w", msg, err, ErrTransientRPC)
}

func isExecutionReverted(err error) bool {
	return strings.Contains(err.Error(), "execution reverted")
}

func isAlreadyKnown(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
