package evmrpc

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Network identifies the EVM chain a request is routed to.
type Network string

const (
	EthSepolia Network = "EthSepolia"
	EthMainnet Network = "EthMainnet"
)

var chainIDs = map[Network]int64{
	EthSepolia: 11155111,
	EthMainnet: 1,
}

// ParseNetwork accepts the canonical names case-insensitively.
func ParseNetwork(s string) (Network, error) {
	s = strings.TrimSpace(s)
	for n := range chainIDs {
		if strings.EqualFold(s, string(n)) {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
}

// ChainID returns the EIP-155 chain id of the network, or nil for an unknown network.
func (n Network) ChainID() *big.Int {
	id, ok := chainIDs[n]
	if !ok {
		return nil
	}
	return big.NewInt(id)
}

func (n Network) String() string { return string(n) }

// BlockTag names a block relative to the chain head.
type BlockTag string

const (
	Latest    BlockTag = "latest"
	Safe      BlockTag = "safe"
	Finalized BlockTag = "finalized"
)

func (t BlockTag) number() (*big.Int, error) {
	switch t {
	case Latest, "":
		return nil, nil
	case Safe:
		return big.NewInt(int64(rpc.SafeBlockNumber)), nil
	case Finalized:
		return big.NewInt(int64(rpc.FinalizedBlockNumber)), nil
	default:
		return nil, fmt.Errorf("evmrpc: unsupported block tag %q", string(t))
	}
}
