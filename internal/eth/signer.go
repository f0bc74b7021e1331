package eth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSigner = errors.New("eth: invalid signer")
	ErrInvalidTx     = errors.New("eth: invalid transaction request")

	// ErrSignatureIntegrity means a signature does not belong to the known public key. It must never
	// be masked or retried with a guessed parity.
	ErrSignatureIntegrity = errors.New("eth: signature integrity failure")
)

// DigestSigner signs 32-byte digests with a named secp256k1 key and returns 64-byte r||s
// signatures without a recovery id.
//
// Production uses the threshold signing service (internal/tss); tests and local dev use LocalSigner.
type DigestSigner interface {
	PublicKey(ctx context.Context, keyName string) ([]byte, error)
	SignDigest(ctx context.Context, keyName string, digest [32]byte) ([]byte, error)
}

// TxRequest is a single unsigned dynamic-fee transaction. It is built fresh per job and never
// persisted.
type TxRequest struct {
	ChainID              *big.Int
	To                   common.Address
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Value                *big.Int
	Nonce                uint64
	Data                 []byte
}

type SignedTx struct {
	Raw     []byte
	Hex     string
	Hash    common.Hash
	Nonce   uint64
	ChainID *big.Int
	To      common.Address
}

// TxSigner turns a TxRequest into a signed, type-prefixed transaction encoding using a DigestSigner.
type TxSigner struct {
	signer DigestSigner
}

func NewTxSigner(signer DigestSigner) (*TxSigner, error) {
	if signer == nil {
		return nil, ErrInvalidSigner
	}
	return &TxSigner{signer: signer}, nil
}

// Sign hashes req with the London signer, asks keyName's signer for r||s, recovers the parity against
// pubkey and returns the 0x02-prefixed RLP encoding.
func (s *TxSigner) Sign(ctx context.Context, keyName string, pubkey []byte, req TxRequest) (SignedTx, error) {
	if err := req.validate(); err != nil {
		return SignedTx{}, err
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   req.ChainID,
		Nonce:     req.Nonce,
		GasTipCap: req.MaxPriorityFeePerGas,
		GasFeeCap: req.MaxFeePerGas,
		Gas:       req.GasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})

	londonSigner := types.NewLondonSigner(req.ChainID)
	digest := londonSigner.Hash(tx)

	sig, err := s.signer.SignDigest(ctx, keyName, digest)
	if err != nil {
		return SignedTx{}, fmt.Errorf("eth: sign digest: %w", err)
	}
	sig, err = normalizeLowS(sig)
	if err != nil {
		return SignedTx{}, err
	}
	parity, err := RecoverParity(digest, sig, pubkey)
	if err != nil {
		return SignedTx{}, err
	}

	full := make([]byte, 65)
	copy(full, sig)
	full[64] = parity
	signed, err := tx.WithSignature(londonSigner, full)
	if err != nil {
		return SignedTx{}, fmt.Errorf("eth: attach signature: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return SignedTx{}, fmt.Errorf("eth: encode signed tx: %w", err)
	}

	return SignedTx{
		Raw:     raw,
		Hex:     hexutil.Encode(raw),
		Hash:    signed.Hash(),
		Nonce:   req.Nonce,
		ChainID: new(big.Int).Set(req.ChainID),
		To:      req.To,
	}, nil
}

func (r TxRequest) validate() error {
	if r.ChainID == nil || r.ChainID.Sign() <= 0 {
		return fmt.Errorf("%w: chain id", ErrInvalidTx)
	}
	if r.GasLimit == 0 {
		return fmt.Errorf("%w: gas limit", ErrInvalidTx)
	}
	if r.MaxFeePerGas == nil || r.MaxPriorityFeePerGas == nil {
		return fmt.Errorf("%w: missing fees", ErrInvalidTx)
	}
	if r.MaxFeePerGas.Sign() < 0 || r.MaxPriorityFeePerGas.Sign() < 0 || r.MaxFeePerGas.Cmp(r.MaxPriorityFeePerGas) < 0 {
		return fmt.Errorf("%w: fees", ErrInvalidTx)
	}
	if r.Value != nil && r.Value.Sign() < 0 {
		return fmt.Errorf("%w: value", ErrInvalidTx)
	}
	return nil
}

// RecoverParity finds the recovery id v in {0,1} for which ecrecover(digest, sig, v) yields pubkey.
// pubkey may be compressed or uncompressed. Neither candidate matching is an ErrSignatureIntegrity.
func RecoverParity(digest [32]byte, sig []byte, pubkey []byte) (byte, error) {
	if len(sig) != 64 {
		return 0, fmt.Errorf("%w: signature length %d", ErrSignatureIntegrity, len(sig))
	}
	want, err := UncompressedPubkey(pubkey)
	if err != nil {
		return 0, err
	}

	candidate := make([]byte, 65)
	copy(candidate, sig)
	for _, v := range []byte{0, 1} {
		candidate[64] = v
		got, err := crypto.Ecrecover(digest[:], candidate)
		if err != nil {
			continue
		}
		if bytes.Equal(got, want) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: no recovery id reproduces the public key", ErrSignatureIntegrity)
}

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// normalizeLowS rewrites s to n-s when s is in the upper half of the curve order. Transactions with a
// high s are rejected by Ethereum nodes.
func normalizeLowS(sig []byte) ([]byte, error) {
	if len(sig) != 64 {
		return nil, fmt.Errorf("%w: signature length %d", ErrSignatureIntegrity, len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if r.Sign() == 0 || s.Sign() == 0 || r.Cmp(secp256k1N) >= 0 || s.Cmp(secp256k1N) >= 0 {
		return nil, fmt.Errorf("%w: r or s out of range", ErrSignatureIntegrity)
	}
	out := append([]byte(nil), sig...)
	if s.Cmp(secp256k1HalfN) > 0 {
		s.Sub(secp256k1N, s)
		s.FillBytes(out[32:])
	}
	return out, nil
}

// LocalSigner is a DigestSigner backed by an in-process key. Key names are ignored.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) PublicKey(_ context.Context, keyName string) ([]byte, error) {
	if s.key == nil || strings.TrimSpace(keyName) == "" {
		return nil, ErrInvalidSigner
	}
	return crypto.CompressPubkey(&s.key.PublicKey), nil
}

func (s *LocalSigner) SignDigest(_ context.Context, keyName string, digest [32]byte) ([]byte, error) {
	if s.key == nil || strings.TrimSpace(keyName) == "" {
		return nil, ErrInvalidSigner
	}
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, fmt.Errorf("eth: local sign: %w", err)
	}
	return sig[:64], nil
}
