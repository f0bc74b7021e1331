package coprocessor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultResult is what StaticProcessor answers for every job.
const DefaultResult = "42"

const callbackSignature = "callback(string)"

var ErrInvalidJob = errors.New("coprocessor: invalid job")

// JobProcessor computes the off-chain result for a job id.
type JobProcessor interface {
	Process(ctx context.Context, jobID uint64) (string, error)
}

// StaticProcessor returns a fixed result regardless of the job id.
type StaticProcessor struct {
	Result string
}

func (p StaticProcessor) Process(ctx context.Context, _ uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Result == "" {
		return DefaultResult, nil
	}
	return p.Result, nil
}

// JobIDFromData reads a log payload as a big-endian unsigned integer and keeps its low 64 bits.
// An empty payload is job 0.
func JobIDFromData(data []byte) uint64 {
	var id uint64
	for _, b := range data {
		id = id<<8 | uint64(b)
	}
	return id
}

var (
	callbackOnce     sync.Once
	callbackArgs     abi.Arguments
	callbackSelector []byte
	callbackInitErr  error
)

func initCallbackABI() {
	callbackOnce.Do(func() {
		stringType, err := abi.NewType("string", "", nil)
		if err != nil {
			callbackInitErr = err
			return
		}
		callbackArgs = abi.Arguments{{Name: "result", Type: stringType}}
		callbackSelector = crypto.Keccak256([]byte(callbackSignature))[:4]
	})
}

// EncodeCallback returns the calldata for callback(string) carrying result.
func EncodeCallback(result string) ([]byte, error) {
	initCallbackABI()
	if callbackInitErr != nil {
		return nil, fmt.Errorf("coprocessor: init callback abi: %w", callbackInitErr)
	}
	packed, err := callbackArgs.Pack(result)
	if err != nil {
		return nil, fmt.Errorf("%w: pack callback: %v", ErrInvalidJob, err)
	}
	out := make([]byte, 0, len(callbackSelector)+len(packed))
	out = append(out, callbackSelector...)
	return append(out, packed...), nil
}
