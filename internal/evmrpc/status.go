package evmrpc

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// SendStatus is the node's verdict on a submitted raw transaction.
type SendStatus int

const (
	Accepted SendStatus = iota + 1
	NonceTooLow
	NonceTooHigh
	InsufficientFunds
)

func (s SendStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case NonceTooLow:
		return "nonce_too_low"
	case NonceTooHigh:
		return "nonce_too_high"
	case InsufficientFunds:
		return "insufficient_funds"
	default:
		return "unknown"
	}
}

// ClassifySendError maps an eth_sendRawTransaction outcome to a SendStatus.
//
// Only JSON-RPC error responses are classified. Transport failures and unrecognized node errors
// are returned unchanged so the caller can treat them as provider failures.
func ClassifySendError(err error) (SendStatus, error) {
	if err == nil {
		return Accepted, nil
	}
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return 0, err
	}
	msg := strings.ToLower(rpcErr.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return NonceTooLow, nil
	case strings.Contains(msg, "nonce too high"):
		return NonceTooHigh, nil
	case strings.Contains(msg, "insufficient funds"):
		return InsufficientFunds, nil
	case strings.Contains(msg, "already known"):
		// The node already holds this exact transaction in its pool.
		return Accepted, nil
	default:
		return 0, err
	}
}
