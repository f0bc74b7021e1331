package tss

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	PublicKeyRequestVersion  = "tss.pubkey.v1"
	PublicKeyResponseVersion = "tss.pubkey_result.v1"
	PublicKeyPathV1          = "/v1/public-key"

	SignDigestRequestVersion  = "tss.sign_digest.v1"
	SignDigestResponseVersion = "tss.sign_digest_result.v1"
	SignDigestPathV1          = "/v1/sign-digest"

	SignatureLen = 64
)

var ErrInvalidHex = errors.New("tss: invalid hex")

type PublicKeyRequest struct {
	Version string `json:"version"`
	KeyName string `json:"keyName"`
}

type PublicKeyResponse struct {
	Version   string `json:"version"`
	KeyName   string `json:"keyName"`
	PublicKey string `json:"publicKey"`
}

type SignDigestRequest struct {
	Version string `json:"version"`
	KeyName string `json:"keyName"`
	Digest  string `json:"digest"`
}

type SignDigestResponse struct {
	Version   string `json:"version"`
	KeyName   string `json:"keyName"`
	Signature string `json:"signature"`
}

// EncodeHex returns b as lowercase 0x-prefixed hex.
func EncodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeHex parses 0x-prefixed (or bare) hex.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" || len(s)%2 != 0 {
		return nil, ErrInvalidHex
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return b, nil
}
