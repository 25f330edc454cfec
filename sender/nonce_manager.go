package sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/omni/tokenbridge-relayer/ethclient"
	"github.com/omni/tokenbridge-relayer/logging"
)

const defaultNonceSyncInterval = 5 * time.Minute

// NonceManager allocates nonces for a single account on a single chain.
type NonceManager struct {
	logger       logging.Logger
	client       ethclient.Client
	account      common.Address
	syncInterval time.Duration

	mu       sync.Mutex
	next     uint64
	lastSync time.Time
	pending  map[uint64]common.Hash
}

func NewNonceManager(logger logging.Logger, client ethclient.Client, account common.Address) *NonceManager {
	return &NonceManager{
		logger:       logger,
		client:       client,
		account:      account,
		syncInterval: defaultNonceSyncInterval,
		pending:      make(map[uint64]common.Hash),
	}
}

// Next reserves the next nonce, refreshing it from the pending state of the
// chain when the local counter is stale.
func (nm *NonceManager) Next(ctx context.Context) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.lastSync.IsZero() || time.Since(nm.lastSync) > nm.syncInterval {
		if err := nm.sync(ctx); err != nil {
			return 0, err
		}
	}
	nonce := nm.next
	nm.next++
	return nonce, nil
}

// Sync refreshes the local counter from the chain.
func (nm *NonceManager) Sync(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.sync(ctx)
}

func (nm *NonceManager) sync(ctx context.Context) error {
	nonce, err := nm.client.PendingNonceAt(ctx, nm.account)
	if err != nil {
		return fmt.Errorf("can't get pending nonce: %w", err)
	}
	for n := range nm.pending {
		if n < nonce {
			delete(nm.pending, n)
		}
	}
	// a gap above the chain nonce with nothing broadcast in it is never filled
	if nonce > nm.next || (nonce < nm.next && len(nm.pending) == 0) {
		nm.logger.WithFields(logrus.Fields{
			"account":   nm.account,
			"old_nonce": nm.next,
			"new_nonce": nonce,
		}).Info("updating local nonce from chain")
		nm.next = nonce
	}
	nm.lastSync = time.Now()
	return nil
}

// Track records the latest hash broadcast with the nonce.
func (nm *NonceManager) Track(nonce uint64, hash common.Hash) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.pending[nonce] = hash
	if nonce >= nm.next {
		nm.next = nonce + 1
	}
}

// Done forgets a nonce whose transaction was mined.
func (nm *NonceManager) Done(nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.pending, nonce)
}

// Release gives back a nonce whose transaction never reached the node. The
// nonce is reused by the next allocation if nothing above it was broadcast.
func (nm *NonceManager) Release(nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pending, nonce)
	if nonce+1 == nm.next {
		nm.next = nonce
		return
	}
	nm.logger.WithFields(logrus.Fields{
		"account": nm.account,
		"nonce":   nonce,
		"next":    nm.next,
	}).Warn("can't reuse released nonce, forcing resync")
	nm.lastSync = time.Time{}
}

// Invalidate forces a resync on the next allocation, used after the node
// rejected a transaction.
func (nm *NonceManager) Invalidate() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.lastSync = time.Time{}
}

func (nm *NonceManager) PendingCount() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return len(nm.pending)
}
