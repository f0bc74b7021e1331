package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

var (
	ErrInvalidClientConfig = errors.New("adminapi: invalid client config")

	// ErrNotInitialized is returned when the server has not derived its signing key yet.
	ErrNotInitialized = errors.New("adminapi: not initialized")
)

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 6 * time.Minute},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) SetContract(ctx context.Context, address string) (string, error) {
	var out ContractRequest
	if err := c.do(ctx, http.MethodPut, "/v1/contract", ContractRequest{Address: address}, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

func (c *Client) Address(ctx context.Context) (string, error) {
	var out AddressResponse
	if err := c.do(ctx, http.MethodGet, "/v1/address", nil, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

func (c *Client) State(ctx context.Context) (StateResponse, error) {
	var out StateResponse
	if err := c.do(ctx, http.MethodGet, "/v1/state", nil, &out); err != nil {
		return StateResponse{}, err
	}
	return out, nil
}

func (c *Client) Sync(ctx context.Context) (SyncResponse, error) {
	var out SyncResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync", nil, &out); err != nil {
		return SyncResponse{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, suffix string, in any, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}
	u := *c.baseURL
	u.Path = joinPath(u.Path, suffix)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("adminapi: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("adminapi: build request: %w", err)
	}
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("adminapi: http do: %w", err)
	}
	defer resp.Body.Close()

	b, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(b))
		var er errorResponse
		if json.Unmarshal(b, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode == http.StatusServiceUnavailable && msg == "not_initialized" {
			return ErrNotInitialized
		}
		return fmt.Errorf("adminapi: status %d: %s", resp.StatusCode, msg)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("adminapi: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("adminapi: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("adminapi: response too large")
	}
	return b, nil
}
