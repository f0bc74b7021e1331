package eth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/juno-intents/evm-coprocessor/internal/evmrpc"
	"github.com/juno-intents/evm-coprocessor/internal/state"
	"github.com/juno-intents/evm-coprocessor/internal/txarchive"
)

var (
	ErrInvalidSubmitterConfig = errors.New("eth: invalid submitter config")

	// ErrRejected wraps the node's business rejections (nonce too low/high, insufficient funds).
	ErrRejected = errors.New("eth: transaction rejected")
)

// RawSender is the slice of the RPC client the submitter needs.
type RawSender interface {
	SendRawTransaction(ctx context.Context, network evmrpc.Network, signedHex string) (evmrpc.SendStatus, error)
}

// SignedTxArchive stores submitted transactions. Implemented by txarchive.Archive.
type SignedTxArchive interface {
	Put(ctx context.Context, rec txarchive.Record) error
}

type SubmitterOption func(*Submitter)

func WithArchive(a SignedTxArchive) SubmitterOption {
	return func(s *Submitter) { s.archive = a }
}

func WithSubmitterLogger(l *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if l != nil {
			s.log = l
		}
	}
}

// Submitter sends signed transactions and owns the persisted nonce: it is the only writer of
// State.Nonce, and only after the node accepted the transaction.
type Submitter struct {
	rpc     RawSender
	store   state.Store
	archive SignedTxArchive
	log     *slog.Logger
}

func NewSubmitter(rpc RawSender, store state.Store, opts ...SubmitterOption) (*Submitter, error) {
	if rpc == nil || store == nil {
		return nil, ErrInvalidSubmitterConfig
	}
	s := &Submitter{rpc: rpc, store: store, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Submit sends tx and interprets the verdict.
//
// Accepted advances the nonce by one, provided it still equals tx.Nonce. Rejections leave the nonce
// untouched and return an error wrapping ErrRejected. Collaborator errors are returned as-is.
func (s *Submitter) Submit(ctx context.Context, network evmrpc.Network, tx SignedTx) (evmrpc.SendStatus, error) {
	status, err := s.rpc.SendRawTransaction(ctx, network, tx.Hex)
	if err != nil {
		return 0, fmt.Errorf("eth: send raw transaction: %w", err)
	}
	s.archiveTx(ctx, network, tx, status)

	switch status {
	case evmrpc.Accepted:
		_, err := s.store.Mutate(ctx, func(sn *state.Snapshot) error {
			if sn.State.Nonce != tx.Nonce {
				return fmt.Errorf("%w: nonce moved from %d to %d while tx %s was in flight", state.ErrInvariant, tx.Nonce, sn.State.Nonce, tx.Hash)
			}
			sn.State.Nonce++
			return nil
		})
		if err != nil {
			return status, fmt.Errorf("eth: advance nonce: %w", err)
		}
		s.log.Info("transaction accepted", "network", network, "nonce", tx.Nonce, "tx_hash", tx.Hash)
		return status, nil
	case evmrpc.NonceTooLow, evmrpc.NonceTooHigh, evmrpc.InsufficientFunds:
		s.log.Warn("transaction rejected", "network", network, "nonce", tx.Nonce, "tx_hash", tx.Hash, "status", status)
		return status, fmt.Errorf("%w: %s", ErrRejected, status)
	default:
		return status, fmt.Errorf("eth: send raw transaction: unexpected status %d", int(status))
	}
}

func (s *Submitter) archiveTx(ctx context.Context, network evmrpc.Network, tx SignedTx, status evmrpc.SendStatus) {
	if s.archive == nil {
		return
	}
	chainID := ""
	if tx.ChainID != nil {
		chainID = tx.ChainID.String()
	}
	err := s.archive.Put(ctx, txarchive.Record{
		Network: network.String(),
		ChainID: chainID,
		Nonce:   tx.Nonce,
		TxHash:  tx.Hash.Hex(),
		To:      tx.To.Hex(),
		RawTx:   tx.Hex,
		Status:  status.String(),
	})
	if err != nil {
		s.log.Error("archive signed tx", "err", err, "tx_hash", tx.Hash)
	}
}
