package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// studioABI covers the three studio-proxy entry points the gateway drives.
// The contracts themselves are opaque; only these signatures are pinned.
const studioABI = `[
  {"name":"submitWork","type":"function","inputs":[{"name":"agent","type":"address"},{"name":"epoch","type":"uint64"},{"name":"evidenceRoot","type":"bytes32"}]},
  {"name":"submitScore","type":"function","inputs":[{"name":"worker","type":"address"},{"name":"epoch","type":"uint64"},{"name":"score","type":"uint256"}]},
  {"name":"closeEpoch","type":"function","inputs":[{"name":"epoch","type":"uint64"}]}
]`

var studio = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(studioABI))
	if err != nil {
		panic(fmt.Sprintf("studio abi: %v", err))
	}
	return parsed
}()

// SubmitWorkCall encodes studio.submitWork(agent, epoch, evidenceRoot).
// evidenceRoot is the 0x-prefixed hex root committed to the evidence
// package.
func SubmitWorkCall(studioAddr, agentAddr string, epoch uint64, evidenceRoot string) (Call, error) {
	root := common.HexToHash(evidenceRoot)
	data, err := studio.Pack("submitWork", common.HexToAddress(agentAddr), epoch, [32]byte(root))
	if err != nil {
		return Call{}, fmt.Errorf("failed to encode submitWork: %w", err)
	}
	return Call{To: common.HexToAddress(studioAddr), Data: data}, nil
}

// SubmitScoreCall encodes studio.submitScore(worker, epoch, score).
func SubmitScoreCall(studioAddr, workerAddr string, epoch, score uint64) (Call, error) {
	data, err := studio.Pack("submitScore", common.HexToAddress(workerAddr), epoch, new(big.Int).SetUint64(score))
	if err != nil {
		return Call{}, fmt.Errorf("failed to encode submitScore: %w", err)
	}
	return Call{To: common.HexToAddress(studioAddr), Data: data}, nil
}

// CloseEpochCall encodes studio.closeEpoch(epoch).
func CloseEpochCall(studioAddr string, epoch uint64) (Call, error) {
	data, err := studio.Pack("closeEpoch", epoch)
	if err != nil {
		return Call{}, fmt.Errorf("failed to encode closeEpoch: %w", err)
	}
	return Call{To: common.HexToAddress(studioAddr), Data: data}, nil
}
