package evmrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidConfig  = errors.New("evmrpc: invalid config")
	ErrUnknownNetwork = errors.New("evmrpc: unknown network")
	ErrProvider       = errors.New("evmrpc: provider error")
	ErrInconsistent   = errors.New("evmrpc: inconsistent provider responses")
)

// Client is the narrow view of the RPC aggregation layer the coprocessor depends on.
//
// Every call is routed to all providers configured for the network. A provider error or a
// divergent answer fails the whole call; callers never see a result backed by a subset of providers.
type Client interface {
	GetLogs(ctx context.Context, network Network, addrs []common.Address, from uint64, to BlockTag) ([]types.Log, error)
	FeeHistory(ctx context.Context, network Network, blockCount uint64, newest BlockTag, percentiles []float64) (*ethereum.FeeHistory, error)
	SendRawTransaction(ctx context.Context, network Network, signedHex string) (SendStatus, error)
}

// Provider is a single upstream JSON-RPC endpoint.
type Provider interface {
	Name() string
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	SendRawTransaction(ctx context.Context, signedHex string) (SendStatus, error)
}

// MultiClient fans every request out to all providers of a network and cross-checks the answers.
type MultiClient struct {
	providers map[Network][]Provider
}

func NewMultiClient(providers map[Network][]Provider) (*MultiClient, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no providers", ErrInvalidConfig)
	}
	out := make(map[Network][]Provider, len(providers))
	for n, ps := range providers {
		if n.ChainID() == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, string(n))
		}
		if len(ps) == 0 {
			return nil, fmt.Errorf("%w: network %s has no providers", ErrInvalidConfig, n)
		}
		for _, p := range ps {
			if p == nil {
				return nil, fmt.Errorf("%w: nil provider for %s", ErrInvalidConfig, n)
			}
		}
		out[n] = append([]Provider(nil), ps...)
	}
	return &MultiClient{providers: out}, nil
}

func (c *MultiClient) GetLogs(ctx context.Context, network Network, addrs []common.Address, from uint64, to BlockTag) ([]types.Log, error) {
	ps, err := c.lookup(network)
	if err != nil {
		return nil, err
	}
	toBlock, err := to.number()
	if err != nil {
		return nil, err
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   toBlock,
		Addresses: addrs,
	}
	results, err := fanOut(ctx, ps, func(ctx context.Context, p Provider) ([]types.Log, error) {
		return p.FilterLogs(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("evmrpc: get logs: %w", err)
	}
	for i := 1; i < len(results); i++ {
		if !logsEqual(results[0], results[i]) {
			return nil, fmt.Errorf("evmrpc: get logs: %w: %s vs %s", ErrInconsistent, ps[0].Name(), ps[i].Name())
		}
	}
	return results[0], nil
}

func (c *MultiClient) FeeHistory(ctx context.Context, network Network, blockCount uint64, newest BlockTag, percentiles []float64) (*ethereum.FeeHistory, error) {
	ps, err := c.lookup(network)
	if err != nil {
		return nil, err
	}
	last, err := newest.number()
	if err != nil {
		return nil, err
	}
	results, err := fanOut(ctx, ps, func(ctx context.Context, p Provider) (*ethereum.FeeHistory, error) {
		fh, err := p.FeeHistory(ctx, blockCount, last, percentiles)
		if err == nil && fh == nil {
			err = errors.New("empty fee history")
		}
		return fh, err
	})
	if err != nil {
		return nil, fmt.Errorf("evmrpc: fee history: %w", err)
	}
	for i := 1; i < len(results); i++ {
		if !feeHistoryEqual(results[0], results[i]) {
			return nil, fmt.Errorf("evmrpc: fee history: %w: %s vs %s", ErrInconsistent, ps[0].Name(), ps[i].Name())
		}
	}
	return results[0], nil
}

func (c *MultiClient) SendRawTransaction(ctx context.Context, network Network, signedHex string) (SendStatus, error) {
	ps, err := c.lookup(network)
	if err != nil {
		return 0, err
	}
	results, err := fanOut(ctx, ps, func(ctx context.Context, p Provider) (SendStatus, error) {
		return p.SendRawTransaction(ctx, signedHex)
	})
	if err != nil {
		return 0, fmt.Errorf("evmrpc: send raw transaction: %w", err)
	}
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			return 0, fmt.Errorf("evmrpc: send raw transaction: %w: %s=%s %s=%s",
				ErrInconsistent, ps[0].Name(), results[0], ps[i].Name(), results[i])
		}
	}
	return results[0], nil
}

func (c *MultiClient) lookup(network Network) ([]Provider, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	ps, ok := c.providers[network]
	if !ok {
		return nil, fmt.Errorf("%w: no providers for %q", ErrUnknownNetwork, string(network))
	}
	return ps, nil
}

func fanOut[T any](ctx context.Context, ps []Provider, call func(context.Context, Provider) (T, error)) ([]T, error) {
	out := make([]T, len(ps))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range ps {
		i, p := i, p
		g.Go(func() error {
			v, err := call(gctx, p)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrProvider, p.Name(), err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func logsEqual(a, b []types.Log) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Address != y.Address || x.BlockNumber != y.BlockNumber || x.BlockHash != y.BlockHash ||
			x.TxHash != y.TxHash || x.TxIndex != y.TxIndex || x.Index != y.Index || x.Removed != y.Removed {
			return false
		}
		if string(x.Data) != string(y.Data) || len(x.Topics) != len(y.Topics) {
			return false
		}
		for j := range x.Topics {
			if x.Topics[j] != y.Topics[j] {
				return false
			}
		}
	}
	return true
}

func feeHistoryEqual(a, b *ethereum.FeeHistory) bool {
	if bigCmp(a.OldestBlock, b.OldestBlock) != 0 {
		return false
	}
	if len(a.BaseFee) != len(b.BaseFee) || len(a.Reward) != len(b.Reward) {
		return false
	}
	for i := range a.BaseFee {
		if bigCmp(a.BaseFee[i], b.BaseFee[i]) != 0 {
			return false
		}
	}
	for i := range a.Reward {
		if len(a.Reward[i]) != len(b.Reward[i]) {
			return false
		}
		for j := range a.Reward[i] {
			if bigCmp(a.Reward[i][j], b.Reward[i][j]) != 0 {
				return false
			}
		}
	}
	return true
}

func bigCmp(a, b *big.Int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Cmp(b)
	}
}
