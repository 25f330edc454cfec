package presenter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/presenter/http/middleware"
	"github.com/omni/tokenbridge-relayer/presenter/http/render"
	"github.com/omni/tokenbridge-relayer/relay"
	"github.com/omni/tokenbridge-relayer/repository"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var ErrMissingBlockRange = errors.New("fromBlock and toBlock are required")

// Relayer is the control surface of the running relay pipelines.
type Relayer interface {
	Status() []relay.PipelineStatus
	Retry(ctx context.Context, id entity.EventID) error
	ProcessBlockRange(ctx context.Context, side string, fromBlock, toBlock uint) error
}

type Presenter struct {
	logger  logging.Logger
	cfg     *config.BridgeConfig
	repo    *repository.Repo
	relayer Relayer
	root    chi.Router
}

func NewPresenter(logger logging.Logger, cfg *config.BridgeConfig, repo *repository.Repo, relayer Relayer) *Presenter {
	p := &Presenter{
		logger:  logger,
		cfg:     cfg,
		repo:    repo,
		relayer: relayer,
		root:    chi.NewMux(),
	}
	p.routes()
	return p
}

func (p *Presenter) routes() {
	p.root.Use(chimiddleware.Throttle(5))
	p.root.Use(chimiddleware.RequestID)
	p.root.Use(middleware.NewLoggerMiddleware(p.logger))
	p.root.Use(middleware.Recoverer)

	p.root.Get("/status", p.GetStatus)
	p.root.Route("/records", func(r chi.Router) {
		r.With(middleware.GetFilterMiddleware).Get("/", p.ListRecords)
		r.Route("/{eventID}", func(r chi.Router) {
			r.Use(middleware.GetEventIDMiddleware)
			r.Get("/", p.GetRecord)
			r.Post("/retry", p.RetryRecord)
		})
	})
	p.root.With(middleware.GetFilterMiddleware).Get("/logs", p.SearchLogs)
	p.root.Route("/bridge/{side:home|foreign}", func(r chi.Router) {
		r.Use(middleware.GetBridgeSideMiddleware(p.cfg))
		r.Use(middleware.GetBlockNumberMiddleware)
		r.Use(middleware.GetFilterMiddleware)
		r.Get("/logs", p.SearchLogs)
		r.Post("/reprocess", p.ReprocessBlockRange)
	})
}

func (p *Presenter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.root.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is cancelled.
func (p *Presenter) Serve(ctx context.Context, addr string) error {
	p.logger.WithField("addr", addr).Info("starting presenter service")
	srv := &http.Server{
		Addr:              addr,
		Handler:           p.root,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.WithError(err).Error("failed to shutdown presenter service")
		}
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("presenter service failed: %w", err)
	}
	return nil
}

func (p *Presenter) GetStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, http.StatusOK, &StatusResult{
		BridgeID:  p.cfg.ID,
		Pipelines: p.relayer.Status(),
	})
}

func (p *Presenter) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := middleware.GetFilterContext(ctx)

	state := entity.RecordStateFailed
	if filter.State != nil {
		state = *filter.State
	}
	records, err := p.repo.ProcessedRecords.FindByState(ctx, state, filter.Limit)
	if err != nil {
		render.Error(w, r, http.StatusInternalServerError, fmt.Errorf("failed to find records: %w", err))
		return
	}
	render.JSON(w, r, http.StatusOK, records)
}

func (p *Presenter) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := middleware.EventID(ctx)

	rec, err := p.repo.ProcessedRecords.Get(ctx, id)
	if err != nil {
		render.Error(w, r, statusForError(err), fmt.Errorf("failed to get record: %w", err))
		return
	}
	render.JSON(w, r, http.StatusOK, rec)
}

// RetryRecord moves a failed record back to pending. The relay itself happens
// asynchronously on the pipeline of the source chain.
func (p *Presenter) RetryRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := middleware.EventID(ctx)

	if err := p.relayer.Retry(ctx, id); err != nil {
		render.Error(w, r, statusForError(err), fmt.Errorf("failed to retry record: %w", err))
		return
	}
	rec, err := p.repo.ProcessedRecords.Get(ctx, id)
	if err != nil {
		render.Error(w, r, statusForError(err), fmt.Errorf("failed to get record: %w", err))
		return
	}
	render.JSON(w, r, http.StatusAccepted, rec)
}

func (p *Presenter) SearchLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := middleware.GetFilterContext(ctx)

	_, sideCfg := middleware.BridgeSide(ctx)

	var logs []*entity.Log
	var err error
	switch {
	case filter.TxHash != nil:
		logs, err = p.repo.Logs.FindByTxHash(ctx, *filter.TxHash)
	case filter.FromBlock != nil && filter.ToBlock != nil && sideCfg.Chain != nil:
		logs, err = p.repo.Logs.FindByBlockRange(ctx, sideCfg.Chain.ChainID, sideCfg.Address, *filter.FromBlock, *filter.ToBlock)
	default:
		render.Error(w, r, http.StatusBadRequest, fmt.Errorf("either txHash or a block range is required: %w", middleware.ErrInvalidFilter))
		return
	}
	if err != nil {
		render.Error(w, r, http.StatusInternalServerError, fmt.Errorf("failed to find logs: %w", err))
		return
	}
	render.JSON(w, r, http.StatusOK, logsToResults(logs))
}

// ReprocessBlockRange replays the logs of a block range through the relay
// pipeline. Already processed intents are skipped.
func (p *Presenter) ReprocessBlockRange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := middleware.GetFilterContext(ctx)
	side, _ := middleware.BridgeSide(ctx)

	if filter.FromBlock == nil || filter.ToBlock == nil {
		render.Error(w, r, http.StatusBadRequest, ErrMissingBlockRange)
		return
	}
	if err := p.relayer.ProcessBlockRange(ctx, side, *filter.FromBlock, *filter.ToBlock); err != nil {
		render.Error(w, r, statusForError(err), fmt.Errorf("failed to reprocess block range: %w", err))
		return
	}
	render.JSON(w, r, http.StatusOK, &ReprocessResult{
		Side:      side,
		FromBlock: *filter.FromBlock,
		ToBlock:   *filter.ToBlock,
	})
}
