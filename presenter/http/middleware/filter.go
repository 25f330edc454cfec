package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/presenter/http/render"
)

type ctxKey int

const (
	eventIDCtxKey ctxKey = iota
	sideCfgCtxKey
	sideCtxKey
	fromBlockNumberCtxKey
	toBlockNumberCtxKey
	filterCtxKey
)

const (
	defaultRecordsLimit = 100
	maxRecordsLimit     = 1000
	maxBlockRangeSize   = 10000
)

var (
	ErrInvalidBlockNumber = errors.New("invalid block number parameter")
	ErrInvalidFilter      = errors.New("invalid filter parameter")
)

type FilterContext struct {
	State     *entity.RecordState
	Limit     uint
	TxHash    *common.Hash
	FromBlock *uint
	ToBlock   *uint
}

func GetEventIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := entity.ParseEventID(chi.URLParam(r, "eventID"))
		if err != nil {
			render.Error(w, r, http.StatusBadRequest, err)
			return
		}
		ctx := context.WithValue(r.Context(), eventIDCtxKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func EventID(ctx context.Context) entity.EventID {
	id, _ := ctx.Value(eventIDCtxKey).(entity.EventID)
	return id
}

// GetBridgeSideMiddleware resolves the {side} url parameter to the bridge side config.
func GetBridgeSideMiddleware(cfg *config.BridgeConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			side := chi.URLParam(r, "side")

			var sideCfg *config.BridgeSideConfig
			switch side {
			case "home":
				sideCfg = cfg.Home
			case "foreign":
				sideCfg = cfg.Foreign
			}
			if sideCfg == nil {
				render.JSON(w, r, http.StatusNotFound, fmt.Sprintf("bridge side %s not found", side))
				return
			}

			ctx := context.WithValue(r.Context(), sideCtxKey, side)
			ctx = context.WithValue(ctx, sideCfgCtxKey, sideCfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func BridgeSide(ctx context.Context) (string, *config.BridgeSideConfig) {
	side, _ := ctx.Value(sideCtxKey).(string)
	if cfg, ok := ctx.Value(sideCfgCtxKey).(*config.BridgeSideConfig); ok {
		return side, cfg
	}
	return side, new(config.BridgeSideConfig)
}

func GetBlockNumberMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		var fromBlockStr, toBlockStr string
		if blockNumberStr := query.Get("blockNumber"); blockNumberStr != "" {
			fromBlockStr = blockNumberStr
			toBlockStr = blockNumberStr
		} else {
			fromBlockStr = query.Get("fromBlock")
			toBlockStr = query.Get("toBlock")
			if fromBlockStr == "" || toBlockStr == "" {
				next.ServeHTTP(w, r)
				return
			}
		}

		fromBlock, err := strconv.ParseUint(fromBlockStr, 10, 32)
		if err != nil {
			render.Error(w, r, http.StatusBadRequest, fmt.Errorf("failed to parse fromBlock: %v: %w", err, ErrInvalidBlockNumber))
			return
		}
		toBlock, err := strconv.ParseUint(toBlockStr, 10, 32)
		if err != nil {
			render.Error(w, r, http.StatusBadRequest, fmt.Errorf("failed to parse toBlock: %v: %w", err, ErrInvalidBlockNumber))
			return
		}

		if fromBlock > toBlock {
			render.Error(w, r, http.StatusBadRequest, fmt.Errorf("fromBlock should be less than toBlock: %w", ErrInvalidBlockNumber))
			return
		}
		if toBlock-fromBlock > maxBlockRangeSize {
			render.Error(w, r, http.StatusBadRequest, fmt.Errorf("cannot request more than %d blocks in range: %w", maxBlockRangeSize, ErrInvalidBlockNumber))
			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, fromBlockNumberCtxKey, uint(fromBlock))
		ctx = context.WithValue(ctx, toBlockNumberCtxKey, uint(toBlock))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetFilterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		query := r.URL.Query()

		filter := &FilterContext{Limit: defaultRecordsLimit}

		if s := query.Get("state"); s != "" {
			state := entity.RecordState(s)
			if !state.Valid() {
				render.Error(w, r, http.StatusBadRequest, fmt.Errorf("unknown record state %q: %w", s, ErrInvalidFilter))
				return
			}
			filter.State = &state
		}
		if s := query.Get("limit"); s != "" {
			limit, err := strconv.ParseUint(s, 10, 32)
			if err != nil || limit == 0 {
				render.Error(w, r, http.StatusBadRequest, fmt.Errorf("bad limit %q: %w", s, ErrInvalidFilter))
				return
			}
			if limit > maxRecordsLimit {
				limit = maxRecordsLimit
			}
			filter.Limit = uint(limit)
		}
		if s := query.Get("txHash"); s != "" {
			txHash := common.HexToHash(s)
			filter.TxHash = &txHash
		}
		if blockNumber, ok := ctx.Value(fromBlockNumberCtxKey).(uint); ok {
			filter.FromBlock = &blockNumber
		}
		if blockNumber, ok := ctx.Value(toBlockNumberCtxKey).(uint); ok {
			filter.ToBlock = &blockNumber
		}

		ctx = context.WithValue(ctx, filterCtxKey, filter)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetFilterContext(ctx context.Context) *FilterContext {
	if cfg, ok := ctx.Value(filterCtxKey).(*FilterContext); ok {
		return cfg
	}
	return &FilterContext{Limit: defaultRecordsLimit}
}
