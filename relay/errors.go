package relay

import (
	"errors"

	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/sender"
)

var (
	ErrUnrecognizedEvent  = errors.New("unrecognized event")
	ErrUnknownDestination = errors.New("unknown destination chain")
	ErrEventOrphaned      = errors.New("source event is no longer canonical")
	ErrUnknownPipeline    = errors.New("unknown pipeline")
	ErrPipelineStopped    = errors.New("pipeline is not running")

	ErrTransientRPC      = sender.ErrTransientRPC
	ErrTxReverted        = sender.ErrTxReverted
	ErrTxTimeout         = sender.ErrTxTimeout
	ErrAttemptsExhausted = entity.ErrAttemptsExhausted

	errNotFinal = errors.New("source block is not final yet")
)

func isRetryable(err error) bool {
	return errors.Is(err, ErrTxTimeout) || errors.Is(err, ErrTransientRPC)
}
