// Package ethclienttest provides an in-memory chain implementing ethclient.Client.
package ethclienttest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/omni/tokenbridge-relayer/ethclient"
)

var (
	ErrUnavailable = errors.New("rpc endpoint unavailable")
	ErrNonceTooLow = errors.New("nonce too low")
)

const DefaultGasEstimate = 100_000

// Chain is a deterministic chain backed by memory. Broadcast transactions stay
// in the mempool until Mine is called, unless AutoMine is set.
type Chain struct {
	mu       sync.Mutex
	chainID  string
	signer   types.Signer
	headers  map[uint]*types.Header
	head     uint
	fork     byte
	logs     []types.Log
	receipts map[common.Hash]*types.Receipt
	txs      map[common.Hash]*types.Transaction
	sent     []*types.Transaction
	mempool  []*types.Transaction
	nonces   map[common.Address]uint64
	failures int

	GasPrice *big.Int
	AutoMine bool
	// Revert decides whether a mined transaction fails.
	Revert func(tx *types.Transaction) bool
	// SendErr is consulted before a transaction is accepted.
	SendErr func(tx *types.Transaction) error
}

var _ ethclient.Client = (*Chain)(nil)

func NewChain(chainID int64, head uint) *Chain {
	c := &Chain{
		chainID:  big.NewInt(chainID).String(),
		signer:   types.LatestSignerForChainID(big.NewInt(chainID)),
		headers:  make(map[uint]*types.Header),
		receipts: make(map[common.Hash]*types.Receipt),
		txs:      make(map[common.Hash]*types.Transaction),
		nonces:   make(map[common.Address]uint64),
		GasPrice: big.NewInt(1_000_000_000),
	}
	for n := uint(0); n <= head; n++ {
		c.headers[n] = c.newHeader(n)
	}
	c.head = head
	return c
}

func (c *Chain) newHeader(n uint) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(uint64(n)),
		Difficulty: big.NewInt(1),
		Extra:      []byte{c.fork},
	}
}

// FailNext makes the next n RPC calls return ErrUnavailable.
func (c *Chain) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

func (c *Chain) fail() error {
	if c.failures > 0 {
		c.failures--
		return ErrUnavailable
	}
	return nil
}

// Advance appends n empty blocks.
func (c *Chain) Advance(n uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := uint(0); i < n; i++ {
		c.appendBlock()
	}
}

func (c *Chain) appendBlock() *types.Header {
	c.head++
	h := c.newHeader(c.head)
	c.headers[c.head] = h
	return h
}

// EmitLog mines a block holding a single transaction that emitted the log.
func (c *Chain) EmitLog(addr common.Address, topics []common.Hash, data []byte) types.Log {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.appendBlock()
	txHash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d-%d", c.chainID, c.head, len(c.logs))))
	log := types.Log{
		Address:     addr,
		Topics:      topics,
		Data:        data,
		BlockNumber: uint64(c.head),
		BlockHash:   h.Hash(),
		TxHash:      txHash,
		Index:       0,
	}
	c.logs = append(c.logs, log)
	c.receipts[txHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockHash:   h.Hash(),
		BlockNumber: new(big.Int).SetUint64(uint64(c.head)),
		Logs:        []*types.Log{&log},
	}
	return log
}

// Reorg replaces every block from n onwards with a fresh fork of the same
// height. Logs and receipts in the replaced blocks are dropped.
func (c *Chain) Reorg(n uint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fork++
	for i := n; i <= c.head; i++ {
		c.headers[i] = c.newHeader(i)
	}
	logs := c.logs[:0]
	for _, log := range c.logs {
		if uint(log.BlockNumber) < n {
			logs = append(logs, log)
		}
	}
	c.logs = logs
	for hash, receipt := range c.receipts {
		if uint(receipt.BlockNumber.Uint64()) >= n {
			delete(c.receipts, hash)
		}
	}
}

// Mine includes every mempool transaction in a new block. The first
// transaction for a nonce wins, later ones with the same nonce are dropped.
func (c *Chain) Mine() []*types.Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mine()
}

func (c *Chain) mine() []*types.Receipt {
	if len(c.mempool) == 0 {
		return nil
	}
	h := c.appendBlock()
	receipts := make([]*types.Receipt, 0, len(c.mempool))
	for _, tx := range c.mempool {
		from, err := types.Sender(c.signer, tx)
		if err != nil || tx.Nonce() != c.nonces[from] {
			continue
		}
		c.nonces[from]++
		status := types.ReceiptStatusSuccessful
		if c.Revert != nil && c.Revert(tx) {
			status = types.ReceiptStatusFailed
		}
		receipt := &types.Receipt{
			Status:      status,
			TxHash:      tx.Hash(),
			BlockHash:   h.Hash(),
			BlockNumber: new(big.Int).SetUint64(uint64(c.head)),
			GasUsed:     tx.Gas(),
		}
		c.receipts[tx.Hash()] = receipt
		receipts = append(receipts, receipt)
	}
	c.mempool = nil
	return receipts
}

// MineTx includes a previously sent transaction on its own, even when it was
// evicted from the mempool by a replacement.
func (c *Chain) MineTx(hash common.Hash) *types.Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[hash]
	if !ok {
		return nil
	}
	rest := make([]*types.Transaction, 0, len(c.mempool))
	for _, pending := range c.mempool {
		if pending.Nonce() != tx.Nonce() {
			rest = append(rest, pending)
		}
	}
	c.mempool = []*types.Transaction{tx}
	receipts := c.mine()
	c.mempool = rest
	if len(receipts) == 0 {
		return nil
	}
	return receipts[0]
}

// Sent returns every transaction accepted by SendTransaction.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// ConsumeNonce simulates a transaction sent from the account by another process.
func (c *Chain) ConsumeNonce(account common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[account]++
	c.appendBlock()
}

func (c *Chain) ChainID() string {
	return c.chainID
}

func (c *Chain) BlockNumber(_ context.Context) (uint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return 0, err
	}
	return c.head, nil
}

func (c *Chain) HeaderByNumber(_ context.Context, n uint) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return nil, err
	}
	h, ok := c.headers[n]
	if !ok || n > c.head {
		return nil, ethereum.NotFound
	}
	return types.CopyHeader(h), nil
}

func (c *Chain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return nil, err
	}
	res := make([]types.Log, 0)
	for _, log := range c.logs {
		if q.FromBlock != nil && log.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !matchAddress(q.Addresses, log.Address) || !matchTopics(q.Topics, log.Topics) {
			continue
		}
		res = append(res, log)
	}
	return res, nil
}

func (c *Chain) FilterLogsSafe(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.FilterLogs(ctx, q)
}

func matchAddress(addrs []common.Address, addr common.Address) bool {
	if len(addrs) == 0 {
		return true
	}
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, options := range filter {
		if len(options) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, topic := range options {
			found = found || topic == topics[i]
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *Chain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return nil, err
	}
	tx, ok := c.txs[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return tx, nil
}

func (c *Chain) TransactionReceiptByHash(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return nil, err
	}
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *Chain) CallContract(_ context.Context, _ ethereum.CallMsg) ([]byte, error) {
	return nil, nil
}

func (c *Chain) TransactionSender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(c.signer, tx)
}

func (c *Chain) NonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return 0, err
	}
	return c.nonces[account], nil
}

func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return 0, err
	}
	nonce := c.nonces[account]
	for _, tx := range c.mempool {
		from, err := types.Sender(c.signer, tx)
		if err == nil && from == account && tx.Nonce() >= nonce {
			nonce = tx.Nonce() + 1
		}
	}
	return nonce, nil
}

func (c *Chain) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Chain) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return 0, err
	}
	return DefaultGasEstimate, nil
}

func (c *Chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return err
	}
	if c.SendErr != nil {
		if err := c.SendErr(tx); err != nil {
			return err
		}
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() < c.nonces[from] {
		return ErrNonceTooLow
	}
	c.txs[tx.Hash()] = tx
	c.sent = append(c.sent, tx)
	// a replacement evicts the mempool transaction with the same nonce
	mempool := c.mempool[:0]
	for _, pending := range c.mempool {
		if pending.Nonce() != tx.Nonce() {
			mempool = append(mempool, pending)
		}
	}
	c.mempool = append(mempool, tx)
	if c.AutoMine {
		c.mine()
	}
	return nil
}
