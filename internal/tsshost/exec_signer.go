package tsshost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/juno-intents/evm-coprocessor/internal/tss"
)

var ErrInvalidExecSignerConfig = errors.New("tsshost: invalid exec signer config")

type execSignerFn func(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, []byte, error)

// ExecSigner delegates to an external signing binary. Each call runs
// `<bin> <args...> public-key|sign-digest` with the protocol request as JSON on stdin and expects
// the matching protocol response as JSON on stdout.
type ExecSigner struct {
	bin  string
	args []string

	maxResponseBytes int
	execFn           execSignerFn
}

func NewExecSigner(bin string, args []string, maxResponseBytes int) (*ExecSigner, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("%w: missing signer binary", ErrInvalidExecSignerConfig)
	}
	for i, arg := range args {
		if strings.TrimSpace(arg) == "" {
			return nil, fmt.Errorf("%w: signer arg %d is blank", ErrInvalidExecSignerConfig, i)
		}
	}
	if maxResponseBytes <= 0 {
		return nil, fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidExecSignerConfig)
	}
	return &ExecSigner{
		bin:              bin,
		args:             append([]string(nil), args...),
		maxResponseBytes: maxResponseBytes,
		execFn:           runExecSigner,
	}, nil
}

func (s *ExecSigner) PublicKey(ctx context.Context, keyName string) ([]byte, error) {
	var resp tss.PublicKeyResponse
	if err := s.call(ctx, "public-key", tss.PublicKeyRequest{
		Version: tss.PublicKeyRequestVersion,
		KeyName: keyName,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Version != tss.PublicKeyResponseVersion {
		return nil, fmt.Errorf("tsshost: unexpected response version %q", resp.Version)
	}
	if resp.KeyName != keyName {
		return nil, fmt.Errorf("tsshost: response key name mismatch")
	}
	pub, err := tss.DecodeHex(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("tsshost: decode public key: %w", err)
	}
	return pub, nil
}

func (s *ExecSigner) SignDigest(ctx context.Context, keyName string, digest [32]byte) ([]byte, error) {
	var resp tss.SignDigestResponse
	if err := s.call(ctx, "sign-digest", tss.SignDigestRequest{
		Version: tss.SignDigestRequestVersion,
		KeyName: keyName,
		Digest:  tss.EncodeHex(digest[:]),
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Version != tss.SignDigestResponseVersion {
		return nil, fmt.Errorf("tsshost: unexpected response version %q", resp.Version)
	}
	if resp.KeyName != keyName {
		return nil, fmt.Errorf("tsshost: response key name mismatch")
	}
	sig, err := tss.DecodeHex(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("tsshost: decode signature: %w", err)
	}
	if len(sig) != tss.SignatureLen {
		return nil, fmt.Errorf("tsshost: signature length %d", len(sig))
	}
	return sig, nil
}

func (s *ExecSigner) call(ctx context.Context, op string, in any, out any) error {
	if s == nil || s.execFn == nil {
		return fmt.Errorf("%w: nil signer", ErrInvalidExecSignerConfig)
	}
	req, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("tsshost: marshal signer request: %w", err)
	}

	args := append(append([]string(nil), s.args...), op)
	stdout, stderr, err := s.execFn(ctx, s.bin, args, req)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		if msg == "" {
			return fmt.Errorf("tsshost: execute signer: %w", err)
		}
		return fmt.Errorf("tsshost: execute signer: %w: %s", err, msg)
	}
	if len(stdout) > s.maxResponseBytes {
		return fmt.Errorf("tsshost: signer response too large")
	}
	if err := json.Unmarshal(stdout, out); err != nil {
		return fmt.Errorf("tsshost: decode signer response: %w", err)
	}
	return nil
}

func runExecSigner(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
