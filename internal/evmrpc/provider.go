package evmrpc

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// EthProvider is a Provider backed by a go-ethereum JSON-RPC connection.
type EthProvider struct {
	name string
	rc   *rpc.Client
	ec   *ethclient.Client
}

// DialProvider connects to rawURL. The provider name defaults to the URL host so that secrets
// embedded in paths or query strings never end up in logs.
func DialProvider(ctx context.Context, name, rawURL string) (*EthProvider, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: missing provider url", ErrInvalidConfig)
	}
	if strings.TrimSpace(name) == "" {
		u, err := url.Parse(rawURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid provider url", ErrInvalidConfig)
		}
		name = u.Host
	}
	rc, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("evmrpc: dial %s: %w", name, err)
	}
	return &EthProvider{name: name, rc: rc, ec: ethclient.NewClient(rc)}, nil
}

func (p *EthProvider) Name() string { return p.name }

func (p *EthProvider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return p.ec.FilterLogs(ctx, q)
}

func (p *EthProvider) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error) {
	return p.ec.FeeHistory(ctx, blockCount, lastBlock, rewardPercentiles)
}

func (p *EthProvider) SendRawTransaction(ctx context.Context, signedHex string) (SendStatus, error) {
	var h common.Hash
	err := p.rc.CallContext(ctx, &h, "eth_sendRawTransaction", signedHex)
	return ClassifySendError(err)
}

// ChainID is used at startup to verify that a provider serves the expected network.
func (p *EthProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.ec.ChainID(ctx)
}

func (p *EthProvider) Close() {
	p.rc.Close()
}
