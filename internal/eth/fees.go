package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/holiman/uint256"
	"github.com/juno-intents/evm-coprocessor/internal/evmrpc"
)

var (
	ErrInvalidFeeArgs = errors.New("eth: invalid fee args")
	ErrFeeHistory     = errors.New("eth: unusable fee history")
)

const (
	// DefaultPriorityFeeWei is the fixed tip added on top of the latest base fee.
	DefaultPriorityFeeWei = 100
	// DefaultFeeHistoryBlocks is how many recent blocks are requested from eth_feeHistory.
	DefaultFeeHistoryBlocks = 10
)

// Calc1559Fees returns the EIP-1559 fee pair for a base fee and a fixed priority fee.
//
// Policy:
// - tipCap = priority
// - feeCap = baseFee + priority, saturating at 2^256-1
func Calc1559Fees(baseFee, priority *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || priority == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || priority.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	base, baseOverflow := uint256.FromBig(baseFee)
	tip, tipOverflow := uint256.FromBig(priority)
	if tipOverflow {
		return nil, nil, fmt.Errorf("%w: priority fee exceeds 256 bits", ErrInvalidFeeArgs)
	}

	fee := new(uint256.Int)
	if baseOverflow {
		fee.SetAllOne()
	} else if _, overflow := fee.AddOverflow(base, tip); overflow {
		fee.SetAllOne()
	}
	return tip.ToBig(), fee.ToBig(), nil
}

// Fees is the fee pair carried by a dynamic-fee transaction.
type Fees struct {
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
}

// FeeHistorySource is the slice of the RPC client the estimator needs.
type FeeHistorySource interface {
	FeeHistory(ctx context.Context, network evmrpc.Network, blockCount uint64, newest evmrpc.BlockTag, percentiles []float64) (*ethereum.FeeHistory, error)
}

type FeeEstimator struct {
	src         FeeHistorySource
	priority    *big.Int
	blockCount  uint64
	percentiles []float64
}

// NewFeeEstimator builds an estimator. A nil priority selects DefaultPriorityFeeWei and a zero
// blockCount selects DefaultFeeHistoryBlocks.
func NewFeeEstimator(src FeeHistorySource, priority *big.Int, blockCount uint64) (*FeeEstimator, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil fee history source", ErrInvalidFeeArgs)
	}
	if priority == nil {
		priority = big.NewInt(DefaultPriorityFeeWei)
	}
	if priority.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative priority fee", ErrInvalidFeeArgs)
	}
	if blockCount == 0 {
		blockCount = DefaultFeeHistoryBlocks
	}
	return &FeeEstimator{
		src:         src,
		priority:    new(big.Int).Set(priority),
		blockCount:  blockCount,
		percentiles: []float64{50},
	}, nil
}

// Estimate reads the latest base fee from fee history and adds the fixed priority fee.
// The reward percentiles returned alongside are ignored. Errors are not retried.
func (e *FeeEstimator) Estimate(ctx context.Context, network evmrpc.Network) (Fees, error) {
	h, err := e.src.FeeHistory(ctx, network, e.blockCount, evmrpc.Latest, e.percentiles)
	if err != nil {
		return Fees{}, fmt.Errorf("eth: fee history: %w", err)
	}
	if h == nil || len(h.BaseFee) == 0 {
		return Fees{}, fmt.Errorf("%w: no base fee entries", ErrFeeHistory)
	}
	base := h.BaseFee[len(h.BaseFee)-1]
	if base == nil {
		return Fees{}, fmt.Errorf("%w: nil base fee", ErrFeeHistory)
	}

	tip, feeCap, err := Calc1559Fees(base, e.priority)
	if err != nil {
		return Fees{}, err
	}
	return Fees{MaxPriorityFeePerGas: tip, MaxFeePerGas: feeCap}, nil
}
