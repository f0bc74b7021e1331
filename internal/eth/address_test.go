package eth

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

// Well-known development account #0.
const (
	hardhatKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	hardhatAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestChecksumAddress_KnownVector(t *testing.T) {
	t.Parallel()

	key, err := crypto.HexToECDSA(hardhatKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}

	for name, pub := range map[string][]byte{
		"uncompressed": crypto.FromECDSAPub(&key.PublicKey),
		"compressed":   crypto.CompressPubkey(&key.PublicKey),
	} {
		got, err := ChecksumAddress(pub)
		if err != nil {
			t.Fatalf("%s: ChecksumAddress: %v", name, err)
		}
		if got != hardhatAddress {
			t.Fatalf("%s: got %s want %s", name, got, hardhatAddress)
		}
		again, err := ChecksumAddress(pub)
		if err != nil || again != got {
			t.Fatalf("%s: not idempotent: %s vs %s (%v)", name, got, again, err)
		}
	}
}

func TestUncompressedPubkey_Rejects(t *testing.T) {
	t.Parallel()

	key, err := crypto.HexToECDSA(hardhatKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	wrongTag := crypto.FromECDSAPub(&key.PublicKey)
	wrongTag[0] = 0x05

	offCurve := crypto.CompressPubkey(&key.PublicKey)
	offCurve[0] = 0x07

	for name, pub := range map[string][]byte{
		"empty":      nil,
		"short":      {0x04, 0x01},
		"64 bytes":   make([]byte, 64),
		"wrong tag":  wrongTag,
		"bad prefix": offCurve,
	} {
		if _, err := UncompressedPubkey(pub); !errors.Is(err, ErrInvalidPublicKey) {
			t.Fatalf("%s: expected ErrInvalidPublicKey, got %v", name, err)
		}
	}
}
