package contract

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/contract/bridgeabi"
)

type BridgeContract struct {
	*Contract
}

func NewBridgeContract(addr common.Address) *BridgeContract {
	return &BridgeContract{NewContract(addr, bridgeabi.BridgeABI)}
}

// PackRelayCall encodes a release or unlockAndMint call for the recipient.
func (c *BridgeContract) PackRelayCall(method string, user common.Address, amount *big.Int) ([]byte, error) {
	return c.Pack(method, user, amount)
}
