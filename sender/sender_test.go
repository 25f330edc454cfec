package sender_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/ethclient/ethclienttest"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/sender"
)

var bridge = common.HexToAddress("0xa6ed5c561fa7e4bab95fb4512cf69432037add6f")

func newSender(t *testing.T, chain *ethclienttest.Chain) *sender.Sender {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := sender.NewSender(logging.Discard(), chain, key, &config.RelayConfig{
		GasBumpPercent:      15,
		ReceiptPollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestSender_SubmitAndConfirm(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := ethclienttest.NewChain(7707, 10)
	chain.AutoMine = true
	s := newSender(t, chain)

	first, err := s.Submit(ctx, bridge, []byte{1})
	require.NoError(t, err)
	second, err := s.Submit(ctx, bridge, []byte{2})
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Nonce)
	require.Equal(t, uint64(1), second.Nonce)
	require.Equal(t, []common.Hash{first.Hash}, first.Hashes)
	require.Equal(t, uint64(ethclienttest.DefaultGasEstimate), first.Gas)

	receipt, err := s.AwaitConfirmation(ctx, first, 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, first.Hash, receipt.TxHash)

	sent := chain.Sent()
	require.Len(t, sent, 2)
	from, err := chain.TransactionSender(sent[0])
	require.NoError(t, err)
	require.Equal(t, s.From(), from)
	require.Equal(t, bridge, *sent[0].To())
	require.Equal(t, []byte{1}, sent[0].Data())
}

func TestSender_AwaitConfirmationDepth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := ethclienttest.NewChain(7707, 10)
	s := newSender(t, chain)

	tx, err := s.Submit(ctx, bridge, []byte{1})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.AwaitConfirmation(ctx, tx, 3, 5*time.Second)
		done <- err
	}()

	chain.Mine()
	select {
	case err = <-done:
		t.Fatalf("confirmed before required depth: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	chain.Advance(2)
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("transaction was not confirmed")
	}
}

func TestSender_AwaitConfirmationErrors(t *testing.T) {
	t.Parallel()

	t.Run("reverted", func(t *testing.T) {
		t.Parallel()

		chain := ethclienttest.NewChain(7707, 10)
		chain.AutoMine = true
		chain.Revert = func(*types.Transaction) bool { return true }
		s := newSender(t, chain)

		tx, err := s.Submit(context.Background(), bridge, nil)
		require.NoError(t, err)
		receipt, err := s.AwaitConfirmation(context.Background(), tx, 1, time.Second)
		require.ErrorIs(t, err, sender.ErrTxReverted)
		require.Equal(t, types.ReceiptStatusFailed, receipt.Status)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		chain := ethclienttest.NewChain(7707, 10)
		s := newSender(t, chain)

		tx, err := s.Submit(context.Background(), bridge, nil)
		require.NoError(t, err)
		_, err = s.AwaitConfirmation(context.Background(), tx, 1, 30*time.Millisecond)
		require.ErrorIs(t, err, sender.ErrTxTimeout)
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()

		chain := ethclienttest.NewChain(7707, 10)
		s := newSender(t, chain)

		tx, err := s.Submit(context.Background(), bridge, nil)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = s.AwaitConfirmation(ctx, tx, 1, time.Second)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("rpc failures while polling", func(t *testing.T) {
		t.Parallel()

		chain := ethclienttest.NewChain(7707, 10)
		chain.AutoMine = true
		s := newSender(t, chain)

		tx, err := s.Submit(context.Background(), bridge, nil)
		require.NoError(t, err)
		chain.FailNext(3)
		_, err = s.AwaitConfirmation(context.Background(), tx, 1, time.Second)
		require.NoError(t, err)
	})
}

func TestSender_Replace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := ethclienttest.NewChain(7707, 10)
	s := newSender(t, chain)

	tx, err := s.Submit(ctx, bridge, []byte{1})
	require.NoError(t, err)
	replacement, err := s.Replace(ctx, tx)
	require.NoError(t, err)

	require.Equal(t, tx.Nonce, replacement.Nonce)
	require.Equal(t, big.NewInt(1_150_000_000), replacement.GasPrice)
	require.Equal(t, []common.Hash{replacement.Hash, tx.Hash}, replacement.Hashes)

	// the original transaction is mined instead of the replacement
	require.NotNil(t, chain.MineTx(tx.Hash))
	receipt, err := s.AwaitConfirmation(ctx, replacement, 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, tx.Hash, receipt.TxHash)

	consumed, err := s.NonceConsumed(ctx, tx.Nonce)
	require.NoError(t, err)
	require.True(t, consumed)

	// the replacement can never be mined
	require.Nil(t, chain.MineTx(replacement.Hash))
	receipt, err = s.Receipt(ctx, replacement.Hash)
	require.NoError(t, err)
	require.Nil(t, receipt)
}

func TestSender_SubmitErrors(t *testing.T) {
	t.Parallel()

	t.Run("transient send failure releases nonce", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		chain := ethclienttest.NewChain(7707, 10)
		failed := false
		chain.SendErr = func(*types.Transaction) error {
			if !failed {
				failed = true
				return errors.New("connection reset by peer")
			}
			return nil
		}
		s := newSender(t, chain)

		_, err := s.Submit(ctx, bridge, nil)
		require.ErrorIs(t, err, sender.ErrTransientRPC)

		tx, err := s.Submit(ctx, bridge, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(0), tx.Nonce)
	})

	t.Run("execution reverted", func(t *testing.T) {
		t.Parallel()

		chain := ethclienttest.NewChain(7707, 10)
		chain.SendErr = func(*types.Transaction) error {
			return errors.New("execution reverted: caller is not the relayer")
		}
		s := newSender(t, chain)

		_, err := s.Submit(context.Background(), bridge, nil)
		require.ErrorIs(t, err, sender.ErrTxReverted)
	})

	t.Run("foreign nonce use is picked up", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		chain := ethclienttest.NewChain(7707, 10)
		chain.AutoMine = true
		s := newSender(t, chain)

		tx, err := s.Submit(ctx, bridge, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(0), tx.Nonce)

		chain.ConsumeNonce(s.From())
		chain.ConsumeNonce(s.From())
		_, err = s.Submit(ctx, bridge, nil)
		require.ErrorIs(t, err, sender.ErrTransientRPC)

		tx, err = s.Submit(ctx, bridge, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(3), tx.Nonce)
	})
}

func TestSender_SignThenBroadcast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := ethclienttest.NewChain(7707, 10)
	s := newSender(t, chain)

	tx, err := s.Sign(ctx, bridge, []byte{1})
	require.NoError(t, err)
	require.Equal(t, uint64(0), tx.Nonce)
	require.Equal(t, []common.Hash{tx.Hash}, tx.Hashes)
	require.Empty(t, chain.Sent())

	// a discarded transaction gives its nonce back
	s.Discard(tx)
	tx, err = s.Sign(ctx, bridge, []byte{1})
	require.NoError(t, err)
	require.Equal(t, uint64(0), tx.Nonce)

	require.NoError(t, s.Broadcast(ctx, tx))
	sent := chain.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, tx.Hash, sent[0].Hash())

	// a discarded replacement keeps the nonce of the original
	replacement, err := s.SignReplacement(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{replacement.Hash, tx.Hash}, replacement.Hashes)
	s.Discard(replacement)
	next, err := s.Sign(ctx, bridge, []byte{2})
	require.NoError(t, err)
	require.Equal(t, uint64(1), next.Nonce)

	require.Error(t, s.Broadcast(ctx, &sender.PendingTx{Nonce: 5}))
	require.Len(t, chain.Sent(), 1)
}

func TestSender_AbandonedNonceIsReused(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := ethclienttest.NewChain(7707, 10)
	chain.AutoMine = true
	refuse := true
	chain.SendErr = func(*types.Transaction) error {
		if refuse {
			return errors.New("connection refused")
		}
		return nil
	}
	s := newSender(t, chain)

	// signed and stored elsewhere, but never accepted by the node
	abandoned, err := s.Sign(ctx, bridge, []byte{1})
	require.NoError(t, err)
	require.ErrorIs(t, s.Broadcast(ctx, abandoned), sender.ErrTransientRPC)

	refuse = false
	tx, err := s.Submit(ctx, bridge, []byte{2})
	require.NoError(t, err)
	require.Equal(t, abandoned.Nonce, tx.Nonce)

	receipt, err := s.AwaitConfirmation(ctx, tx, 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, tx.Hash, receipt.TxHash)
}
