package relay

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/contract/bridgeabi"
	"github.com/omni/tokenbridge-relayer/entity"
)

var eventKinds = map[string]entity.TransferKind{
	bridgeabi.TokensLocked: entity.TransferKindLockMint,
	bridgeabi.TokensBurned: entity.TransferKindBurnRelease,
}

// Normalize decodes a bridge log into a transfer intent. Logs of any other
// event, and malformed logs of known events, yield ErrUnrecognizedEvent.
func Normalize(log *entity.Log, sourceChainID string) (*entity.TransferIntent, error) {
	event, data, err := bridgeabi.BridgeABI.ParseLog(log)
	if err != nil {
		return nil, fmt.Errorf("can't parse log: %v: %w", err, ErrUnrecognizedEvent)
	}
	kind, ok := eventKinds[event]
	if !ok {
		topic := "<none>"
		if log.Topic0 != nil {
			topic = log.Topic0.String()
		}
		return nil, fmt.Errorf("topic %s: %w", topic, ErrUnrecognizedEvent)
	}
	user, ok1 := data["user"].(common.Address)
	amount, ok2 := data["amount"].(*big.Int)
	destChainID, ok3 := data["destinationChainId"].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected %s arguments: %w", event, ErrUnrecognizedEvent)
	}
	return &entity.TransferIntent{
		EventID: entity.EventID{
			ChainID:  sourceChainID,
			TxHash:   log.TransactionHash,
			LogIndex: log.LogIndex,
		},
		DestChainID: destChainID.String(),
		User:        user,
		Amount:      new(big.Int).Set(amount),
		Kind:        kind,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash,
	}, nil
}
