package eth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidPublicKey = errors.New("eth: invalid public key")

// UncompressedPubkey returns the 65-byte SEC1 form (0x04 || X || Y) of a secp256k1 public key
// given in either compressed (33 bytes) or uncompressed (65 bytes) form.
func UncompressedPubkey(pub []byte) ([]byte, error) {
	switch len(pub) {
	case 33:
		k, err := crypto.DecompressPubkey(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return crypto.FromECDSAPub(k), nil
	case 65:
		if pub[0] != 0x04 {
			return nil, fmt.Errorf("%w: missing 0x04 tag", ErrInvalidPublicKey)
		}
		k, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return crypto.FromECDSAPub(k), nil
	default:
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(pub))
	}
}

// DeriveAddress hashes the 64 coordinate bytes with keccak256 and keeps the low 20 bytes.
func DeriveAddress(pub []byte) (common.Address, error) {
	u, err := UncompressedPubkey(pub)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(crypto.Keccak256(u[1:])[12:]), nil
}

// ChecksumAddress returns the EIP-55 mixed-case form of the address derived from pub.
func ChecksumAddress(pub []byte) (string, error) {
	a, err := DeriveAddress(pub)
	if err != nil {
		return "", err
	}
	return a.Hex(), nil
}
