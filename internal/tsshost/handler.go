// Package tsshost serves the threshold-signing protocol (public key and digest signing) over HTTP in
// front of any Signer. The coprocessor's tss client talks to it in development and to the real
// signing service in production.
package tsshost

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/juno-intents/evm-coprocessor/internal/tss"
	"golang.org/x/sync/singleflight"
)

type Signer interface {
	// PublicKey returns the SEC1 public key for keyName.
	PublicKey(ctx context.Context, keyName string) ([]byte, error)
	// SignDigest returns r||s over digest. Implementations must tolerate repeated calls for the
	// same digest.
	SignDigest(ctx context.Context, keyName string, digest [32]byte) ([]byte, error)
}

type Config struct {
	// AuthToken, when set, is required as a bearer token on every /v1 route.
	AuthToken string

	// AllowedKeys restricts which key names may be used. Empty allows any.
	AllowedKeys []string

	// MaxBodyBytes limits HTTP request size. Defaults to 64 KiB.
	MaxBodyBytes int64

	// SignTimeout bounds one call into the Signer. Defaults to 30s.
	SignTimeout time.Duration
}

type handler struct {
	cfg     Config
	signer  Signer
	allowed map[string]struct{}

	// Identical concurrent sign requests share one signer call.
	sf singleflight.Group
}

func NewHandler(signer Signer, cfg Config) http.Handler {
	if signer == nil {
		panic("tsshost: nil signer")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = 30 * time.Second
	}

	h := &handler{cfg: cfg, signer: signer}
	if len(cfg.AllowedKeys) > 0 {
		h.allowed = make(map[string]struct{}, len(cfg.AllowedKeys))
		for _, k := range cfg.AllowedKeys {
			if k = strings.TrimSpace(k); k != "" {
				h.allowed[k] = struct{}{}
			}
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("POST "+tss.PublicKeyPathV1, h.authed(h.handlePublicKey))
	mux.HandleFunc("POST "+tss.SignDigestPathV1, h.authed(h.handleSignDigest))
	return mux
}

func (h *handler) authed(next http.HandlerFunc) http.HandlerFunc {
	if h.cfg.AuthToken == "" {
		return next
	}
	want := []byte("Bearer " + h.cfg.AuthToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	var req tss.PublicKeyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Version != tss.PublicKeyRequestVersion {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_version"})
		return
	}
	if !h.keyAllowed(req.KeyName) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_key"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.SignTimeout)
	defer cancel()
	pub, err := h.signer.PublicKey(ctx, req.KeyName)
	if err != nil {
		writeSignerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tss.PublicKeyResponse{
		Version:   tss.PublicKeyResponseVersion,
		KeyName:   req.KeyName,
		PublicKey: tss.EncodeHex(pub),
	})
}

func (h *handler) handleSignDigest(w http.ResponseWriter, r *http.Request) {
	var req tss.SignDigestRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Version != tss.SignDigestRequestVersion {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_version"})
		return
	}
	if !h.keyAllowed(req.KeyName) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown_key"})
		return
	}
	raw, err := tss.DecodeHex(req.Digest)
	if err != nil || len(raw) != 32 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_digest"})
		return
	}
	var digest [32]byte
	copy(digest[:], raw)

	ch := h.sf.DoChan(req.KeyName+"/"+hex.EncodeToString(digest[:]), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.SignTimeout)
		defer cancel()
		return h.signer.SignDigest(ctx, req.KeyName, digest)
	})

	var sig []byte
	select {
	case <-r.Context().Done():
		writeSignerError(w, r.Context().Err())
		return
	case res := <-ch:
		if res.Err != nil {
			writeSignerError(w, res.Err)
			return
		}
		sig, _ = res.Val.([]byte)
	}
	if len(sig) != tss.SignatureLen {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}

	writeJSON(w, http.StatusOK, tss.SignDigestResponse{
		Version:   tss.SignDigestResponseVersion,
		KeyName:   req.KeyName,
		Signature: tss.EncodeHex(sig),
	})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return false
	}
	// Reject trailing garbage.
	if dec.More() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return false
	}
	return true
}

func (h *handler) keyAllowed(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	if h.allowed == nil {
		return true
	}
	_, ok := h.allowed[name]
	return ok
}

func writeSignerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusRequestTimeout, map[string]any{"error": "canceled"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "timeout"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
