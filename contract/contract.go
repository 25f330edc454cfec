package contract

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/contract/abi"
	"github.com/omni/tokenbridge-relayer/entity"
)

type Contract struct {
	Address common.Address
	abi     abi.ABI
}

func NewContract(addr common.Address, contractABI abi.ABI) *Contract {
	return &Contract{addr, contractABI}
}

func (c *Contract) AllEvents() map[string]bool {
	return c.abi.AllEvents()
}

// Pack encodes calldata for the given contract method.
func (c *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot encode abi calldata for %s(...): %w", method, err)
	}
	return data, nil
}

func (c *Contract) ParseLog(log *entity.Log) (string, map[string]interface{}, error) {
	return c.abi.ParseLog(log)
}
