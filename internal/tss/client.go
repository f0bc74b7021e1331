package tss

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidConfig   = errors.New("tss: invalid config")
	ErrRPC             = errors.New("tss: rpc error")
	ErrInvalidResponse = errors.New("tss: invalid response")
)

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithBearerToken sets the Authorization header sent on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("%w: empty bearer token", ErrInvalidConfig)
		}
		c.bearerToken = token
		return nil
	}
}

// WithInsecureHTTP allows using plain HTTP. This is dangerous for signing traffic and should only be
// used for local development.
func WithInsecureHTTP() Option {
	return func(c *Client) error {
		c.allowInsecureHTTP = true
		return nil
	}
}

// Client talks to the threshold signing service. It satisfies eth.DigestSigner.
type Client struct {
	baseURL string
	hc      *http.Client

	maxRespBytes int64
	bearerToken  string

	allowInsecureHTTP bool
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url must be http(s)", ErrInvalidConfig)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: base url missing host", ErrInvalidConfig)
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if u.Scheme == "http" && !c.allowInsecureHTTP {
		return nil, fmt.Errorf("%w: insecure http not allowed", ErrInvalidConfig)
	}

	return c, nil
}

// PublicKey returns the SEC1-encoded public key of keyName (compressed or uncompressed, as the
// service reports it).
func (c *Client) PublicKey(ctx context.Context, keyName string) ([]byte, error) {
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return nil, fmt.Errorf("%w: empty key name", ErrInvalidConfig)
	}

	var out PublicKeyResponse
	if err := c.post(ctx, PublicKeyPathV1, PublicKeyRequest{
		Version: PublicKeyRequestVersion,
		KeyName: keyName,
	}, &out); err != nil {
		return nil, err
	}

	if out.Version != PublicKeyResponseVersion {
		return nil, fmt.Errorf("%w: unexpected version %q", ErrInvalidResponse, out.Version)
	}
	if out.KeyName != keyName {
		return nil, fmt.Errorf("%w: mismatched key name", ErrInvalidResponse)
	}
	pub, err := DecodeHex(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidResponse, err)
	}
	switch {
	case len(pub) == 33 && (pub[0] == 0x02 || pub[0] == 0x03):
	case len(pub) == 65 && pub[0] == 0x04:
	default:
		return nil, fmt.Errorf("%w: public key is not SEC1 secp256k1 (%d bytes)", ErrInvalidResponse, len(pub))
	}
	return pub, nil
}

// SignDigest returns the 64-byte r||s signature of digest under keyName. The service does not
// return a recovery id.
func (c *Client) SignDigest(ctx context.Context, keyName string, digest [32]byte) ([]byte, error) {
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return nil, fmt.Errorf("%w: empty key name", ErrInvalidConfig)
	}

	var out SignDigestResponse
	if err := c.post(ctx, SignDigestPathV1, SignDigestRequest{
		Version: SignDigestRequestVersion,
		KeyName: keyName,
		Digest:  EncodeHex(digest[:]),
	}, &out); err != nil {
		return nil, err
	}

	if out.Version != SignDigestResponseVersion {
		return nil, fmt.Errorf("%w: unexpected version %q", ErrInvalidResponse, out.Version)
	}
	if out.KeyName != keyName {
		return nil, fmt.Errorf("%w: mismatched key name", ErrInvalidResponse)
	}
	sig, err := DecodeHex(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidResponse, err)
	}
	if len(sig) != SignatureLen {
		return nil, fmt.Errorf("%w: signature length %d", ErrInvalidResponse, len(sig))
	}
	return sig, nil
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("tss: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("tss: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http do: %v", ErrRPC, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readAllLimited(resp.Body, c.maxRespBytes)
		var eb struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &eb)
		msg := strings.TrimSpace(eb.Error)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: status %d: %s", ErrRPC, resp.StatusCode, msg)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, c.maxRespBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidResponse, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidResponse)
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: maxBytes must be > 0", ErrInvalidConfig)
	}
	lr := &io.LimitedReader{R: r, N: maxBytes + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("tss: response too large")
	}
	return b, nil
}
