package bridgeabi

//nolint:golint
import (
	_ "embed"

	"github.com/omni/tokenbridge-relayer/contract/abi"
)

//go:embed bridge.json
var bridgeJSONABI string

const (
	TokensLocked = "event TokensLocked(address indexed user, uint256 amount, uint256 destinationChainId)"
	TokensBurned = "event TokensBurned(address indexed user, uint256 amount, uint256 destinationChainId)"

	MethodRelease       = "release"
	MethodUnlockAndMint = "unlockAndMint"
)

var (
	BridgeABI = abi.MustReadABI(bridgeJSONABI)

	TokensLockedEventSignature = BridgeABI.Events["TokensLocked"].ID
	TokensBurnedEventSignature = BridgeABI.Events["TokensBurned"].ID
)
