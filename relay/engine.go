package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/contract"
	"github.com/omni/tokenbridge-relayer/contract/bridgeabi"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/ethclient"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/sender"
)

const defaultStoreRetries = 5

var relayMethods = map[entity.TransferKind]string{
	entity.TransferKindLockMint:    bridgeabi.MethodUnlockAndMint,
	entity.TransferKindBurnRelease: bridgeabi.MethodRelease,
}

// TxSender is the write side of the destination chain.
type TxSender interface {
	ChainID() string
	Sign(ctx context.Context, to common.Address, data []byte) (*sender.PendingTx, error)
	SignReplacement(ctx context.Context, pending *sender.PendingTx) (*sender.PendingTx, error)
	Broadcast(ctx context.Context, tx *sender.PendingTx) error
	Discard(tx *sender.PendingTx)
	AwaitConfirmation(ctx context.Context, tx *sender.PendingTx, minConfirmations uint, timeout time.Duration) (*types.Receipt, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	NonceConsumed(ctx context.Context, nonce uint64) (bool, error)
}

// Engine relays transfer intents of one direction: events of the source
// bridge become calls on the destination bridge.
type Engine struct {
	logger              logging.Logger
	cfg                 *config.RelayConfig
	source              ethclient.Client
	sourceConfirmations uint
	kind                entity.TransferKind
	dest                TxSender
	destBridge          *contract.BridgeContract
	records             entity.ProcessedRecordsRepo

	// called for every RPC failure that is retried, set by the owning pipeline
	onRPCFailure func(error)
}

func NewEngine(
	logger logging.Logger,
	cfg *config.RelayConfig,
	source ethclient.Client,
	sourceCfg *config.BridgeSideConfig,
	kind entity.TransferKind,
	dest TxSender,
	destBridge common.Address,
	records entity.ProcessedRecordsRepo,
) *Engine {
	return &Engine{
		logger:              logger,
		cfg:                 cfg,
		source:              source,
		sourceConfirmations: sourceCfg.BlockConfirmations,
		kind:                kind,
		dest:                dest,
		destBridge:          contract.NewBridgeContract(destBridge),
		records:             records,
	}
}

func (e *Engine) SourceChainID() string {
	return e.source.ChainID()
}

func (e *Engine) DestChainID() string {
	return e.dest.ChainID()
}

func (e *Engine) intentLogger(intent *entity.TransferIntent) logging.Logger {
	return e.logger.WithFields(logrus.Fields{
		"event_id":      intent.EventID.String(),
		"source_chain":  intent.SourceChainID(),
		"dest_chain":    intent.DestChainID,
		"kind":          intent.Kind,
		"user":          intent.User,
		"amount":        intent.Amount.String(),
		"source_block":  intent.BlockNumber,
		"source_tx":     intent.EventID.TxHash,
		"source_log_id": intent.EventID.LogIndex,
	})
}

// Process relays a freshly observed intent. A nil result means the intent is
// either relayed, recorded as failed, or was already known. Errors other than
// ErrUnknownDestination and ErrEventOrphaned leave the record in place to be
// picked up again.
func (e *Engine) Process(ctx context.Context, intent *entity.TransferIntent) error {
	logger := e.intentLogger(intent)
	if intent.Kind != e.kind {
		DroppedEvents.WithLabelValues(intent.SourceChainID(), "unexpected_kind").Inc()
		return fmt.Errorf("%s intent on %s engine: %w", intent.Kind, e.kind, ErrUnrecognizedEvent)
	}
	if intent.DestChainID != e.dest.ChainID() {
		DroppedEvents.WithLabelValues(intent.SourceChainID(), "unknown_destination").Inc()
		return fmt.Errorf("intent %s targets chain %s instead of %s: %w", intent.EventID, intent.DestChainID, e.dest.ChainID(), ErrUnknownDestination)
	}
	ok, err := e.records.TryBegin(ctx, intent)
	if err != nil {
		return fmt.Errorf("can't begin processed record: %w", err)
	}
	if !ok {
		rec, err := e.records.Get(ctx, intent.EventID)
		if err != nil {
			return fmt.Errorf("can't get existing record: %w", err)
		}
		if rec.State == entity.RecordStateConfirmed || rec.State == entity.RecordStateFailed {
			logger.WithField("state", rec.State).Debug("intent already processed, skipping")
			return nil
		}
		logger.WithField("state", rec.State).Info("resuming incomplete record")
		return e.resume(ctx, rec)
	}
	RecordTransitions.WithLabelValues(intent.SourceChainID(), intent.DestChainID, string(entity.RecordStatePending)).Inc()
	logger.Info("new transfer intent recorded")
	return e.run(ctx, intent)
}

// run validates the source event of a pending record without broadcast
// history and drives it to a final state.
func (e *Engine) run(ctx context.Context, intent *entity.TransferIntent) error {
	logger := e.intentLogger(intent)
	err := e.awaitSourceFinality(ctx, intent)
	if errors.Is(err, ErrEventOrphaned) {
		logger.WithError(err).Warn("source event was orphaned, reverting record")
		if err2 := e.records.Revert(ctx, intent.EventID); err2 != nil {
			return fmt.Errorf("can't revert orphaned record: %w", err2)
		}
		DroppedEvents.WithLabelValues(intent.SourceChainID(), "orphaned").Inc()
		return err
	}
	if err != nil {
		return err
	}
	return e.drive(ctx, intent, nil)
}

// awaitSourceFinality waits until the source block is buried under the
// required number of confirmations and checks it is still canonical.
func (e *Engine) awaitSourceFinality(ctx context.Context, intent *entity.TransferIntent) error {
	return retry.Do(func() error {
		head, err := e.source.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("can't get source head: %v: %w", err, ErrTransientRPC)
		}
		if final, ok := FinalizedHead(head, e.sourceConfirmations); !ok || final < intent.BlockNumber {
			return fmt.Errorf("source head %d is below block %d plus %d confirmations: %w",
				head, intent.BlockNumber, e.sourceConfirmations, errNotFinal)
		}
		return e.verifySourceEvent(ctx, intent)
	},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(e.cfg.ReceiptPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errNotFinal) || isRetryable(err)
		}),
		retry.OnRetry(func(_ uint, err error) {
			e.reportRPCFailure(err)
		}),
	)
}

func (e *Engine) verifySourceEvent(ctx context.Context, intent *entity.TransferIntent) error {
	header, err := e.source.HeaderByNumber(ctx, intent.BlockNumber)
	if err != nil {
		return fmt.Errorf("can't get source header: %v: %w", err, ErrTransientRPC)
	}
	if header.Hash() != intent.BlockHash {
		return fmt.Errorf("block %d hash changed from %s to %s: %w", intent.BlockNumber, intent.BlockHash, header.Hash(), ErrEventOrphaned)
	}
	receipt, err := e.source.TransactionReceiptByHash(ctx, intent.EventID.TxHash)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("source transaction %s is gone: %w", intent.EventID.TxHash, ErrEventOrphaned)
	}
	if err != nil {
		return fmt.Errorf("can't get source receipt: %v: %w", err, ErrTransientRPC)
	}
	if receipt.BlockHash != intent.BlockHash {
		return fmt.Errorf("source transaction moved to block %s: %w", receipt.BlockHash, ErrEventOrphaned)
	}
	for _, log := range receipt.Logs {
		if log.Index == intent.EventID.LogIndex {
			return nil
		}
	}
	return fmt.Errorf("source receipt has no log %d: %w", intent.EventID.LogIndex, ErrEventOrphaned)
}

// drive broadcasts the relay call, or takes over an earlier broadcast, and
// waits for it with exponential backoff between attempts.
func (e *Engine) drive(ctx context.Context, intent *entity.TransferIntent, pending *sender.PendingTx) error {
	logger := e.intentLogger(intent)
	data, err := e.destBridge.PackRelayCall(relayMethods[intent.Kind], intent.User, intent.Amount)
	if err != nil {
		return e.fail(ctx, intent, err)
	}
	if pending != nil {
		pending.To, pending.Data = e.destBridge.Address, data
	}

	err = retry.Do(func() error {
		var err error
		pending, err = e.attempt(ctx, intent, pending, data)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(e.cfg.BackoffBase),
		retry.MaxDelay(e.cfg.BackoffMax),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).WithField("retry", n+1).Warn("relay attempt failed, backing off")
			e.reportRPCFailure(err)
		}),
	)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrTxReverted), errors.Is(err, ErrAttemptsExhausted):
		return e.fail(ctx, intent, err)
	default:
		return err
	}
}

// attempt makes one step towards confirmation. Earlier transactions sharing
// the nonce are checked first; when none is mined the call is signed again
// with the same nonce, or with a fresh one if the nonce was taken by another
// transaction. Every attempt that does not find a mined transaction counts
// towards the limit, including those failing on RPC errors.
func (e *Engine) attempt(ctx context.Context, intent *entity.TransferIntent, pending *sender.PendingTx, data []byte) (*sender.PendingTx, error) {
	logger := e.intentLogger(intent)
	rec, err := e.records.Get(ctx, intent.EventID)
	if err != nil {
		return pending, retry.Unrecoverable(fmt.Errorf("can't get record: %w", err))
	}

	mined := false
	if pending != nil {
		if mined, err = e.anyMined(ctx, pending); err != nil {
			return pending, e.countFailedAttempt(ctx, intent, rec, err)
		}
		if !mined {
			consumed, err := e.dest.NonceConsumed(ctx, pending.Nonce)
			if err != nil {
				return pending, e.countFailedAttempt(ctx, intent, rec, err)
			}
			if consumed {
				logger.WithField("nonce", pending.Nonce).Warn("nonce was used by another transaction, submitting with a new nonce")
				pending = nil
			}
		}
	}

	if mined {
		if err = e.markSubmitted(ctx, intent, pending); err != nil {
			return pending, retry.Unrecoverable(err)
		}
	} else {
		if rec.AttemptCount >= e.cfg.MaxAttempts {
			return pending, retry.Unrecoverable(fmt.Errorf("made %d attempts: %w", rec.AttemptCount, ErrAttemptsExhausted))
		}
		attempts, err := e.records.IncrementAttempt(ctx, intent.EventID)
		if err != nil {
			return pending, fmt.Errorf("can't increment attempt count: %w", err)
		}
		logger = logger.WithField("attempt", attempts)
		RelayAttempts.WithLabelValues(intent.DestChainID, string(intent.Kind)).Inc()

		var next *sender.PendingTx
		if pending == nil {
			next, err = e.dest.Sign(ctx, e.destBridge.Address, data)
		} else {
			next, err = e.dest.SignReplacement(ctx, pending)
		}
		if err != nil {
			return pending, err
		}
		// hash and nonce are stored before the transaction can reach the chain
		if err = e.markSubmitted(ctx, intent, next); err != nil {
			e.dest.Discard(next)
			return pending, retry.Unrecoverable(err)
		}
		pending = next
		if err = e.dest.Broadcast(ctx, pending); err != nil {
			return pending, err
		}
	}
	logger.WithFields(logrus.Fields{
		"tx_hash": pending.Hash,
		"nonce":   pending.Nonce,
	}).Info("waiting for relay transaction")

	receipt, err := e.dest.AwaitConfirmation(ctx, pending, e.cfg.MinConfirmations, e.cfg.ConfirmationTimeout)
	if err != nil {
		return pending, err
	}
	if err = e.records.MarkConfirmed(ctx, intent.EventID, receipt.TxHash); err != nil {
		return pending, retry.Unrecoverable(fmt.Errorf("can't mark record confirmed: %w", err))
	}
	RecordTransitions.WithLabelValues(intent.SourceChainID(), intent.DestChainID, string(entity.RecordStateConfirmed)).Inc()
	logger.WithFields(logrus.Fields{
		"tx_hash":      receipt.TxHash,
		"block_number": receipt.BlockNumber,
	}).Info("transfer relayed")
	return pending, nil
}

// countFailedAttempt charges an RPC failure that prevented resolving earlier
// transactions to the attempt limit.
func (e *Engine) countFailedAttempt(ctx context.Context, intent *entity.TransferIntent, rec *entity.ProcessedRecord, cause error) error {
	if rec.AttemptCount >= e.cfg.MaxAttempts {
		return retry.Unrecoverable(fmt.Errorf("made %d attempts, last error: %v: %w", rec.AttemptCount, cause, ErrAttemptsExhausted))
	}
	if _, err := e.records.IncrementAttempt(ctx, intent.EventID); err != nil {
		return fmt.Errorf("can't increment attempt count: %w", err)
	}
	return cause
}

func (e *Engine) reportRPCFailure(err error) {
	if e.onRPCFailure != nil && errors.Is(err, ErrTransientRPC) {
		e.onRPCFailure(err)
	}
}

// markSubmitted persists the hash and nonce of a signed transaction. Store
// errors are retried a few times before giving up.
func (e *Engine) markSubmitted(ctx context.Context, intent *entity.TransferIntent, pending *sender.PendingTx) error {
	err := retry.Do(func() error {
		err := e.records.MarkSubmitted(ctx, intent.EventID, pending.Hash, pending.Nonce)
		if errors.Is(err, entity.ErrInvalidTransition) {
			return retry.Unrecoverable(err)
		}
		return err
	},
		retry.Context(ctx),
		retry.Attempts(defaultStoreRetries),
		retry.Delay(e.cfg.ReceiptPollInterval),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("can't mark record submitted with tx %s: %w", pending.Hash, err)
	}
	RecordTransitions.WithLabelValues(intent.SourceChainID(), intent.DestChainID, string(entity.RecordStateSubmitted)).Inc()
	return nil
}

func (e *Engine) anyMined(ctx context.Context, pending *sender.PendingTx) (bool, error) {
	for _, hash := range pending.Hashes {
		receipt, err := e.dest.Receipt(ctx, hash)
		if err != nil {
			return false, err
		}
		if receipt != nil {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) fail(ctx context.Context, intent *entity.TransferIntent, cause error) error {
	logger := e.intentLogger(intent).WithError(cause)
	if err := e.records.MarkFailed(ctx, intent.EventID, cause.Error()); err != nil {
		logger.WithError(err).Error("can't mark record failed")
		return fmt.Errorf("can't mark record failed: %w", err)
	}
	RecordTransitions.WithLabelValues(intent.SourceChainID(), intent.DestChainID, string(entity.RecordStateFailed)).Inc()
	logger.Error("transfer relay failed")
	return nil
}

// Recover drives every pending and submitted record of the source chain left
// over from a previous run. Broadcast history is resolved on chain before
// anything new is sent. A record that can't be driven is logged and left in
// place, it does not hold back the others.
func (e *Engine) Recover(ctx context.Context) error {
	records, err := e.records.LoadIncomplete(ctx, e.source.ChainID())
	if err != nil {
		return fmt.Errorf("can't load incomplete records: %w", err)
	}
	if len(records) > 0 {
		e.logger.WithField("count", len(records)).Info("recovering incomplete records")
	}
	for _, rec := range records {
		err = e.resume(ctx, rec)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, ErrEventOrphaned) {
			RecoveryFailures.WithLabelValues(rec.SourceChainID, rec.DestChainID).Inc()
			e.logger.WithError(err).WithFields(logrus.Fields{
				"event_id": rec.EventID,
				"state":    rec.State,
			}).Error("can't recover record, leaving it for a later retry")
		}
	}
	return nil
}

// Resume drives a record that was moved back to pending by a manual retry.
func (e *Engine) Resume(ctx context.Context, id entity.EventID) error {
	rec, err := e.records.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != entity.RecordStatePending && rec.State != entity.RecordStateSubmitted {
		return fmt.Errorf("record %s is %s: %w", id, rec.State, entity.ErrInvalidTransition)
	}
	return e.resume(ctx, rec)
}

func (e *Engine) resume(ctx context.Context, rec *entity.ProcessedRecord) error {
	intent, err := rec.Intent()
	if err != nil {
		return e.fail(ctx, &entity.TransferIntent{
			EventID:     entity.EventID{ChainID: rec.SourceChainID, TxHash: rec.SourceTxHash, LogIndex: rec.SourceLogIndex},
			DestChainID: rec.DestChainID,
			Kind:        rec.Kind,
		}, err)
	}
	if rec.DestNonce == nil || len(rec.TxHashes) == 0 {
		return e.run(ctx, intent)
	}
	hashes := rec.BroadcastHashes()
	pending := &sender.PendingTx{
		Hash:   hashes[0],
		Hashes: hashes,
		Nonce:  *rec.DestNonce,
	}
	reverted, err := e.revertedHash(ctx, hashes)
	if err != nil {
		return err
	}
	if reverted != nil {
		if rec.State == entity.RecordStateSubmitted {
			return e.fail(ctx, intent, fmt.Errorf("transaction %s reverted: %w", *reverted, ErrTxReverted))
		}
		// manual retry of a reverted relay starts over with a new transaction
		pending = nil
	}
	return e.drive(ctx, intent, pending)
}

func (e *Engine) revertedHash(ctx context.Context, hashes []common.Hash) (*common.Hash, error) {
	for _, hash := range hashes {
		receipt, err := e.dest.Receipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil && receipt.Status == types.ReceiptStatusFailed {
			return &hash, nil
		}
	}
	return nil, nil
}
