package presenter

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/omni/tokenbridge-relayer/relay"
)

type StatusResult struct {
	BridgeID  string                 `json:"bridgeId"`
	Pipelines []relay.PipelineStatus `json:"pipelines"`
}

type ReprocessResult struct {
	Side      string `json:"side"`
	FromBlock uint   `json:"fromBlock"`
	ToBlock   uint   `json:"toBlock"`
}

type LogResult struct {
	ChainID     string         `json:"chainId"`
	Address     common.Address `json:"address"`
	Topic0      *common.Hash   `json:"topic0,omitempty"`
	Topic1      *common.Hash   `json:"topic1,omitempty"`
	Topic2      *common.Hash   `json:"topic2,omitempty"`
	Topic3      *common.Hash   `json:"topic3,omitempty"`
	Data        hexutil.Bytes  `json:"data"`
	TxHash      common.Hash    `json:"txHash"`
	LogIndex    uint           `json:"logIndex"`
	BlockNumber uint           `json:"blockNumber"`
	EventID     string         `json:"eventId"`
}
