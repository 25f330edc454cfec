package contract_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/contract"
	"github.com/omni/tokenbridge-relayer/contract/bridgeabi"
)

func TestBridgeContract_PackRelayCall(t *testing.T) {
	t.Parallel()

	bridge := contract.NewBridgeContract(common.HexToAddress("0xa6ed5c561fa7e4bab95fb4512cf69432037add6f"))
	user := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	amount, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)

	for _, method := range []string{bridgeabi.MethodUnlockAndMint, bridgeabi.MethodRelease} {
		data, err := bridge.PackRelayCall(method, user, amount)
		require.NoError(t, err)
		require.Len(t, data, 4+32+32)
		require.Equal(t, crypto.Keccak256([]byte(method + "(address,uint256)"))[:4], data[:4])
		require.Equal(t, common.LeftPadBytes(user.Bytes(), 32), data[4:36])
		require.Equal(t, 0, amount.Cmp(new(big.Int).SetBytes(data[36:])))
	}

	_, err := bridge.PackRelayCall("transfer", user, amount)
	require.Error(t, err)
}
