package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/omni/tokenbridge-relayer/circuitbreaker"
	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/ethclient"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/utils"
)

const (
	defaultRetryInterval = 10 * time.Second
	defaultRequestsCap   = 10
)

type rangeRequest struct {
	blocksRange *BlocksRange
	done        chan error
}

// Pipeline follows one event of one bridge contract and hands every decoded
// intent to its engine, strictly in (block, log index) order.
type Pipeline struct {
	side     string
	bridgeID string
	logger   logging.Logger
	cfg      *config.BridgeSideConfig
	repo     *repository.Repo
	client   ethclient.Client
	topic    common.Hash
	engine   *Engine
	breaker  *circuitbreaker.CircuitBreaker

	retryInterval time.Duration
	retries       chan entity.EventID
	ranges        chan *rangeRequest

	mu          sync.RWMutex
	state       PipelineState
	logsCursor  *entity.LogsCursor
	headBlock   uint
	lastError   error
	lastErrorAt *time.Time

	headBlockMetric      prometheus.Gauge
	fetchedBlockMetric   prometheus.Gauge
	processedBlockMetric prometheus.Gauge
	healthyMetric        prometheus.Gauge
}

func NewPipeline(
	logger logging.Logger,
	side string,
	bridgeID string,
	cfg *config.BridgeSideConfig,
	repo *repository.Repo,
	client ethclient.Client,
	topic common.Hash,
	engine *Engine,
	breaker *circuitbreaker.CircuitBreaker,
) *Pipeline {
	commonLabels := prometheus.Labels{
		"bridge_id": bridgeID,
		"chain_id":  client.ChainID(),
		"address":   cfg.Address.String(),
	}
	p := &Pipeline{
		side:                 side,
		bridgeID:             bridgeID,
		logger:               logger,
		cfg:                  cfg,
		repo:                 repo,
		client:               client,
		topic:                topic,
		engine:               engine,
		breaker:              breaker,
		retryInterval:        defaultRetryInterval,
		retries:              make(chan entity.EventID, defaultRequestsCap),
		ranges:               make(chan *rangeRequest),
		state:                PipelineStarting,
		headBlockMetric:      LatestHeadBlock.With(commonLabels),
		fetchedBlockMetric:   LatestFetchedBlock.With(commonLabels),
		processedBlockMetric: LatestProcessedBlock.With(commonLabels),
		healthyMetric:        PipelineHealthy.WithLabelValues(bridgeID, side),
	}
	engine.onRPCFailure = p.recordFailure
	return p
}

// WithRetryInterval sets the pause after a failed step.
func (p *Pipeline) WithRetryInterval(d time.Duration) *Pipeline {
	p.retryInterval = d
	return p
}

func (p *Pipeline) Side() string {
	return p.side
}

func (p *Pipeline) SourceChainID() string {
	return p.client.ChainID()
}

// Run loads the logs cursor, recovers incomplete records and then follows the
// chain until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline")
	if err := p.loadCursor(ctx); err != nil {
		return err
	}
	for {
		err := p.engine.Recover(ctx)
		if err == nil {
			break
		}
		p.recordFailure(err)
		p.logger.WithError(err).Error("failed to recover incomplete records, retrying")
		if !utils.ContextSleep(ctx, p.retryInterval) {
			return ctx.Err()
		}
	}
	p.setState(PipelineRunning)

	for {
		p.poll(ctx)

		timer := time.NewTimer(p.cfg.Chain.BlockIndexInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case id := <-p.retries:
			timer.Stop()
			p.resume(ctx, id)
		case req := <-p.ranges:
			timer.Stop()
			req.done <- p.processRange(ctx, req.blocksRange, false)
		case <-timer.C:
		}
	}
}

func (p *Pipeline) loadCursor(ctx context.Context) error {
	for {
		cursor, err := p.repo.LogsCursors.GetByChainIDAndAddress(ctx, p.client.ChainID(), p.cfg.Address)
		if errors.Is(err, db.ErrNotFound) {
			p.logger.WithFields(logrus.Fields{
				"chain_id":    p.client.ChainID(),
				"address":     p.cfg.Address,
				"start_block": p.cfg.StartBlock,
			}).Warn("contract cursor is not present, staring indexing from scratch")
			start := p.cfg.StartBlock
			if start > 0 {
				start--
			}
			cursor = &entity.LogsCursor{
				ChainID:            p.client.ChainID(),
				Address:            p.cfg.Address,
				LastFetchedBlock:   start,
				LastProcessedBlock: start,
			}
			err = nil
		}
		if err == nil {
			p.mu.Lock()
			p.logsCursor = cursor
			p.mu.Unlock()
			return nil
		}
		p.recordFailure(err)
		p.logger.WithError(err).Error("failed to read logs cursor, retrying")
		if !utils.ContextSleep(ctx, p.retryInterval) {
			return ctx.Err()
		}
	}
}

// Enqueue schedules a record moved back to pending for another relay attempt.
func (p *Pipeline) Enqueue(ctx context.Context, id entity.EventID) error {
	select {
	case p.retries <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessBlockRange replays the logs of a block range without moving the cursor.
// The replay runs on the pipeline goroutine, so it never overlaps regular processing.
func (p *Pipeline) ProcessBlockRange(ctx context.Context, fromBlock, toBlock uint) error {
	req := &rangeRequest{
		blocksRange: &BlocksRange{From: fromBlock, To: toBlock},
		done:        make(chan error, 1),
	}
	select {
	case p.ranges <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) resume(ctx context.Context, id entity.EventID) {
	logger := p.logger.WithField("event_id", id.String())
	logger.Info("resuming manually retried record")
	if err := p.engine.Resume(ctx, id); err != nil {
		logger.WithError(err).Error("failed to resume record")
	}
}

func (p *Pipeline) poll(ctx context.Context) {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		p.recordFailure(fmt.Errorf("can't fetch latest block number: %w", err))
		p.logger.WithError(err).Error("can't fetch latest block number")
		return
	}
	head, ok := FinalizedHead(head, p.cfg.BlockConfirmations)
	if !ok {
		return
	}
	p.recordHeadBlockNumber(head)

	for _, blocksRange := range SplitBlockRange(p.cursor().LastProcessedBlock+1, head, p.cfg.MaxBlockRangeSize) {
		err = p.processRange(ctx, blocksRange, true)
		if errors.Is(err, ErrEventOrphaned) {
			p.logger.WithError(err).Warn("source reorg detected, rescanning")
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				p.recordFailure(err)
				p.logger.WithError(err).WithFields(logrus.Fields{
					"from_block": blocksRange.From,
					"to_block":   blocksRange.To,
				}).Error("failed to process block range")
			}
			return
		}
	}
	p.recordSuccess()
}

// processRange fetches, saves and handles the logs of the range. With advance
// set the cursor is moved past the range once every log is handled.
func (p *Pipeline) processRange(ctx context.Context, blocksRange *BlocksRange, advance bool) error {
	logs, err := p.fetchLogs(ctx, blocksRange)
	if err != nil {
		return err
	}
	if advance {
		if err = p.recordFetchedBlockNumber(ctx, blocksRange.To); err != nil {
			return err
		}
	}
	for _, batch := range SplitLogsInBatches(logs) {
		p.logger.WithFields(logrus.Fields{
			"count":        len(batch.Logs),
			"block_number": batch.BlockNumber,
		}).Debug("processing logs batch")
		for _, log := range batch.Logs {
			if err = p.handleLog(ctx, log); err != nil {
				if errors.Is(err, ErrEventOrphaned) {
					p.rewind(ctx, log.BlockNumber)
				}
				return err
			}
		}
		if advance && batch.BlockNumber < blocksRange.To {
			if err = p.recordProcessedBlockNumber(ctx, batch.BlockNumber); err != nil {
				return err
			}
		}
	}
	if advance {
		return p.recordProcessedBlockNumber(ctx, blocksRange.To)
	}
	return nil
}

func (p *Pipeline) fetchLogs(ctx context.Context, blocksRange *BlocksRange) ([]*entity.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(uint64(blocksRange.From)),
		ToBlock:   new(big.Int).SetUint64(uint64(blocksRange.To)),
		Addresses: []common.Address{p.cfg.Address},
		Topics:    [][]common.Hash{{p.topic}},
	}
	var rawLogs []types.Log
	var err error
	if p.cfg.Chain.SafeLogsRequest {
		rawLogs, err = p.client.FilterLogsSafe(ctx, q)
	} else {
		rawLogs, err = p.client.FilterLogs(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("can't fetch logs: %w", err)
	}
	logs := make([]*entity.Log, 0, len(rawLogs))
	for _, log := range rawLogs {
		if log.Removed {
			continue
		}
		logs = append(logs, entity.NewLog(p.client.ChainID(), log))
	}
	sort.Slice(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		return a.BlockNumber < b.BlockNumber || (a.BlockNumber == b.BlockNumber && a.LogIndex < b.LogIndex)
	})
	p.logger.WithFields(logrus.Fields{
		"count":      len(logs),
		"from_block": blocksRange.From,
		"to_block":   blocksRange.To,
	}).Info("fetched logs in range")
	if len(logs) > 0 {
		if err = p.repo.Logs.Ensure(ctx, logs...); err != nil {
			return nil, fmt.Errorf("can't save logs: %w", err)
		}
	}
	return logs, nil
}

func (p *Pipeline) handleLog(ctx context.Context, log *entity.Log) error {
	logger := p.logger.WithFields(logrus.Fields{
		"block_number": log.BlockNumber,
		"tx_hash":      log.TransactionHash,
		"log_index":    log.LogIndex,
	})
	intent, err := Normalize(log, p.client.ChainID())
	if errors.Is(err, ErrUnrecognizedEvent) {
		DroppedEvents.WithLabelValues(p.client.ChainID(), "unrecognized").Inc()
		logger.WithError(err).Warn("received unknown event")
		return nil
	}
	if err != nil {
		return err
	}
	intent.DiscoveredAt = time.Now()

	err = p.engine.Process(ctx, intent)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownDestination), errors.Is(err, ErrUnrecognizedEvent):
		logger.WithError(err).Warn("dropping transfer intent")
		return nil
	default:
		return err
	}
}

// rewind moves the cursor before an orphaned block so it is scanned again.
func (p *Pipeline) rewind(ctx context.Context, blockNumber uint) {
	p.mu.Lock()
	cursor := *p.logsCursor
	if blockNumber > 0 {
		blockNumber--
	}
	if cursor.LastProcessedBlock > blockNumber {
		cursor.LastProcessedBlock = blockNumber
	}
	if cursor.LastFetchedBlock > blockNumber {
		cursor.LastFetchedBlock = blockNumber
	}
	p.logsCursor = &cursor
	p.mu.Unlock()

	p.logger.WithField("block_number", blockNumber).Warn("rewinding logs cursor after reorg")
	p.processedBlockMetric.Set(float64(cursor.LastProcessedBlock))
	if err := p.repo.LogsCursors.Ensure(ctx, &cursor); err != nil {
		p.logger.WithError(err).Error("can't save rewound logs cursor")
	}
}

func (p *Pipeline) cursor() entity.LogsCursor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.logsCursor
}

func (p *Pipeline) recordHeadBlockNumber(blockNumber uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if blockNumber < p.headBlock {
		return
	}
	p.headBlock = blockNumber
	p.headBlockMetric.Set(float64(blockNumber))
}

func (p *Pipeline) recordFetchedBlockNumber(ctx context.Context, blockNumber uint) error {
	p.mu.Lock()
	if blockNumber < p.logsCursor.LastFetchedBlock {
		p.mu.Unlock()
		return nil
	}
	cursor := *p.logsCursor
	cursor.LastFetchedBlock = blockNumber
	p.logsCursor = &cursor
	p.mu.Unlock()

	p.fetchedBlockMetric.Set(float64(blockNumber))
	if err := p.repo.LogsCursors.Ensure(ctx, &cursor); err != nil {
		return fmt.Errorf("can't save logs cursor: %w", err)
	}
	return nil
}

func (p *Pipeline) recordProcessedBlockNumber(ctx context.Context, blockNumber uint) error {
	p.mu.Lock()
	if blockNumber < p.logsCursor.LastProcessedBlock {
		p.mu.Unlock()
		return nil
	}
	cursor := *p.logsCursor
	cursor.LastProcessedBlock = blockNumber
	p.logsCursor = &cursor
	p.mu.Unlock()

	p.processedBlockMetric.Set(float64(blockNumber))
	if err := p.repo.LogsCursors.Ensure(ctx, &cursor); err != nil {
		return fmt.Errorf("can't save logs cursor: %w", err)
	}
	return nil
}

func (p *Pipeline) recordFailure(err error) {
	now := time.Now()
	tripped := p.breaker.RecordFailure()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastError = err
	p.lastErrorAt = &now
	if tripped && p.state == PipelineRunning {
		p.logger.WithError(err).Warn("circuit breaker tripped, pipeline degraded")
		p.state = PipelineDegraded
		p.healthyMetric.Set(0)
	}
}

func (p *Pipeline) recordSuccess() {
	p.breaker.RecordSuccess()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PipelineDegraded {
		p.logger.Info("pipeline recovered")
		p.state = PipelineRunning
	}
	if p.state == PipelineRunning {
		p.healthyMetric.Set(1)
	}
}

func (p *Pipeline) setState(state PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	if state == PipelineRunning && !p.breaker.IsOpen() {
		p.healthyMetric.Set(1)
	} else {
		p.healthyMetric.Set(0)
	}
}

func (p *Pipeline) markStopped(err error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PipelineStopped
	p.lastError = err
	p.lastErrorAt = &now
	p.healthyMetric.Set(0)
}

func (p *Pipeline) Status() PipelineStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state := p.state
	if state == PipelineRunning && p.breaker.IsOpen() {
		state = PipelineDegraded
	}
	status := PipelineStatus{
		Side:          p.side,
		SourceChainID: p.client.ChainID(),
		DestChainID:   p.engine.DestChainID(),
		State:         state,
		HeadBlock:     p.headBlock,
		LastErrorAt:   p.lastErrorAt,
	}
	if p.logsCursor != nil {
		status.LastFetchedBlock = p.logsCursor.LastFetchedBlock
		status.LastProcessedBlock = p.logsCursor.LastProcessedBlock
	}
	if p.lastError != nil {
		status.LastError = p.lastError.Error()
	}
	return status
}
