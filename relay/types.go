package relay

import (
	"math"
	"time"

	"github.com/omni/tokenbridge-relayer/entity"
)

const (
	SideHome    = "home"
	SideForeign = "foreign"
)

type BlocksRange struct {
	From uint
	To   uint
}

type LogsBatch struct {
	BlockNumber uint
	Logs        []*entity.Log
}

func SplitBlockRange(fromBlock uint, toBlock uint, maxSize uint) []*BlocksRange {
	batches := make([]*BlocksRange, 0, 10)
	for fromBlock <= toBlock {
		batchToBlock := fromBlock + maxSize - 1
		if batchToBlock > toBlock {
			batchToBlock = toBlock
		}
		batches = append(batches, &BlocksRange{
			From: fromBlock,
			To:   batchToBlock,
		})
		fromBlock += maxSize
	}
	return batches
}

// FinalizedHead returns the newest block with at least the given number of
// blocks on top of it, or false while the chain is shorter than that.
func FinalizedHead(head, confirmations uint) (uint, bool) {
	if head < confirmations {
		return 0, false
	}
	return head - confirmations, true
}

func SplitLogsInBatches(logs []*entity.Log) []*LogsBatch {
	batches := make([]*LogsBatch, 0, 10)
	// fake log to simplify loop, it will be skipped
	logs = append(logs, &entity.Log{BlockNumber: math.MaxUint32})
	batchStartIndex := 0
	for i, log := range logs {
		if log.BlockNumber > logs[batchStartIndex].BlockNumber {
			batches = append(batches, &LogsBatch{
				BlockNumber: logs[batchStartIndex].BlockNumber,
				Logs:        logs[batchStartIndex:i],
			})
			batchStartIndex = i
		}
	}
	return batches
}

type PipelineState string

const (
	PipelineStarting PipelineState = "starting"
	PipelineRunning  PipelineState = "running"
	PipelineDegraded PipelineState = "degraded"
	PipelineStopped  PipelineState = "stopped"
)

type PipelineStatus struct {
	Side               string        `json:"side"`
	SourceChainID      string        `json:"sourceChainId"`
	DestChainID        string        `json:"destChainId"`
	State              PipelineState `json:"state"`
	HeadBlock          uint          `json:"headBlock"`
	LastFetchedBlock   uint          `json:"lastFetchedBlock"`
	LastProcessedBlock uint          `json:"lastProcessedBlock"`
	LastError          string        `json:"lastError,omitempty"`
	LastErrorAt        *time.Time    `json:"lastErrorAt,omitempty"`
}
