package presenter

import (
	"errors"
	"net/http"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/relay"
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, relay.ErrUnknownPipeline):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrInvalidTransition), errors.Is(err, entity.ErrAttemptsExhausted):
		return http.StatusConflict
	case errors.Is(err, relay.ErrPipelineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func logsToResults(logs []*entity.Log) []*LogResult {
	results := make([]*LogResult, 0, len(logs))
	for _, log := range logs {
		results = append(results, &LogResult{
			ChainID:     log.ChainID,
			Address:     log.Address,
			Topic0:      log.Topic0,
			Topic1:      log.Topic1,
			Topic2:      log.Topic2,
			Topic3:      log.Topic3,
			Data:        log.Data,
			TxHash:      log.TransactionHash,
			LogIndex:    log.LogIndex,
			BlockNumber: log.BlockNumber,
			EventID:     entity.EventIDFromLog(log).String(),
		})
	}
	return results
}
