package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omni/tokenbridge-relayer/circuitbreaker"
	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/contract/bridgeabi"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/ethclient"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/utils"
)

const defaultRestartDelay = 30 * time.Second

// Dispatcher runs the pipelines of a bridge, isolating their failures from
// each other.
type Dispatcher struct {
	logger       logging.Logger
	records      entity.ProcessedRecordsRepo
	maxAttempts  uint
	restartDelay time.Duration
	pipelines    []*Pipeline
}

func NewDispatcher(logger logging.Logger, records entity.ProcessedRecordsRepo, maxAttempts uint, pipelines ...*Pipeline) *Dispatcher {
	return &Dispatcher{
		logger:       logger,
		records:      records,
		maxAttempts:  maxAttempts,
		restartDelay: defaultRestartDelay,
		pipelines:    pipelines,
	}
}

// NewBridgeDispatcher wires both directions of the bridge: TokensLocked on the
// home side is relayed as unlockAndMint on the foreign side, TokensBurned on
// the foreign side as release on the home side.
func NewBridgeDispatcher(
	logger logging.Logger,
	cfg *config.Config,
	repo *repository.Repo,
	homeClient, foreignClient ethclient.Client,
	homeSender, foreignSender TxSender,
) *Dispatcher {
	home, foreign := cfg.Bridge.Home, cfg.Bridge.Foreign

	homeLogger := logger.WithField("side", SideHome)
	homeEngine := NewEngine(homeLogger, cfg.Relay, homeClient, home, entity.TransferKindLockMint,
		foreignSender, foreign.Address, repo.ProcessedRecords)
	homePipeline := NewPipeline(homeLogger, SideHome, cfg.Bridge.ID, home, repo, homeClient,
		bridgeabi.TokensLockedEventSignature, homeEngine, circuitbreaker.NewCircuitBreaker(cfg.CircuitBreaker))

	foreignLogger := logger.WithField("side", SideForeign)
	foreignEngine := NewEngine(foreignLogger, cfg.Relay, foreignClient, foreign, entity.TransferKindBurnRelease,
		homeSender, home.Address, repo.ProcessedRecords)
	foreignPipeline := NewPipeline(foreignLogger, SideForeign, cfg.Bridge.ID, foreign, repo, foreignClient,
		bridgeabi.TokensBurnedEventSignature, foreignEngine, circuitbreaker.NewCircuitBreaker(cfg.CircuitBreaker))

	return NewDispatcher(logger, repo.ProcessedRecords, cfg.Relay.MaxAttempts, homePipeline, foreignPipeline)
}

// WithRestartDelay sets the pause before a stopped pipeline is started again.
func (d *Dispatcher) WithRestartDelay(delay time.Duration) *Dispatcher {
	d.restartDelay = delay
	return d
}

// Run blocks until ctx is cancelled. A pipeline that returns or panics is
// reported as stopped and restarted after a delay, the others keep running.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting relay dispatcher")
	wg := new(sync.WaitGroup)
	for _, p := range d.pipelines {
		wg.Add(1)
		go func(p *Pipeline) {
			defer wg.Done()
			d.supervise(ctx, p)
		}(p)
	}
	wg.Wait()
	d.logger.Info("relay dispatcher stopped")
}

func (d *Dispatcher) supervise(ctx context.Context, p *Pipeline) {
	logger := d.logger.WithField("side", p.Side())
	for {
		err := runPipeline(ctx, p)
		p.markStopped(err)
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Error("pipeline stopped, restarting")
		if !utils.ContextSleep(ctx, d.restartDelay) {
			return
		}
	}
}

func runPipeline(ctx context.Context, p *Pipeline) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()
	return p.Run(ctx)
}

func (d *Dispatcher) Status() []PipelineStatus {
	statuses := make([]PipelineStatus, 0, len(d.pipelines))
	for _, p := range d.pipelines {
		statuses = append(statuses, p.Status())
	}
	return statuses
}

// Retry moves a failed record back to pending and hands it to the pipeline
// watching its source chain.
func (d *Dispatcher) Retry(ctx context.Context, id entity.EventID) error {
	p := d.pipelineBySourceChain(id.ChainID)
	if p == nil {
		return fmt.Errorf("no pipeline for source chain %s: %w", id.ChainID, ErrUnknownPipeline)
	}
	if err := d.records.Retry(ctx, id, d.maxAttempts); err != nil {
		return err
	}
	d.logger.WithField("event_id", id.String()).Info("record moved back to pending")
	return p.Enqueue(ctx, id)
}

func (d *Dispatcher) ProcessBlockRange(ctx context.Context, side string, fromBlock, toBlock uint) error {
	if fromBlock > toBlock {
		return fmt.Errorf("invalid block range %d-%d", fromBlock, toBlock)
	}
	for _, p := range d.pipelines {
		if p.Side() != side {
			continue
		}
		if p.Status().State == PipelineStopped {
			return fmt.Errorf("%s pipeline: %w", side, ErrPipelineStopped)
		}
		return p.ProcessBlockRange(ctx, fromBlock, toBlock)
	}
	return fmt.Errorf("no pipeline for side %q: %w", side, ErrUnknownPipeline)
}

func (d *Dispatcher) pipelineBySourceChain(chainID string) *Pipeline {
	for _, p := range d.pipelines {
		if p.SourceChainID() == chainID {
			return p
		}
	}
	return nil
}
