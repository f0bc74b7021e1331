// Package adminapi is the operator HTTP surface: set the watched contract, read the derived
// address and state, trigger a cycle, and scrape metrics.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/evm-coprocessor/internal/coprocessor"
	"github.com/juno-intents/evm-coprocessor/internal/scheduler"
)

type Engine interface {
	SetWatchedContract(ctx context.Context, addr common.Address) error
	DerivedAddress(ctx context.Context) (string, error)
	Status(ctx context.Context) (coprocessor.Status, error)
}

type Syncer interface {
	TriggerNow(ctx context.Context) (coprocessor.CycleResult, error)
}

type Config struct {
	// AuthToken enables bearer-token auth on every /v1 request when set.
	AuthToken string
	// MaxBodyBytes limits request sizes. Defaults to 64 KiB.
	MaxBodyBytes int64
	// SyncTimeout bounds how long POST /v1/sync waits for the cycle. Defaults to 5m.
	SyncTimeout time.Duration
	// Metrics is served on GET /metrics when set.
	Metrics http.Handler
}

// NewHandler serves the admin API. syncer may be nil, which disables POST /v1/sync.
func NewHandler(engine Engine, syncer Syncer, cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 5 * time.Minute
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			h(w, r)
		}
	}

	mux.HandleFunc("PUT /v1/contract", authed(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()

		var req ContractRequest
		if err := dec.Decode(&req); err != nil || dec.More() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json"})
			return
		}
		addr := strings.TrimSpace(req.Address)
		if !common.IsHexAddress(addr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_address"})
			return
		}
		contract := common.HexToAddress(addr)
		if err := engine.SetWatchedContract(r.Context(), contract); err != nil {
			if errors.Is(err, coprocessor.ErrInvalidContract) {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_address"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
			return
		}
		writeJSON(w, http.StatusOK, ContractRequest{Address: contract.Hex()})
	}))

	mux.HandleFunc("GET /v1/address", authed(func(w http.ResponseWriter, r *http.Request) {
		addr, err := engine.DerivedAddress(r.Context())
		if err != nil {
			if errors.Is(err, coprocessor.ErrNotInitialized) {
				writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "not_initialized"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
			return
		}
		writeJSON(w, http.StatusOK, AddressResponse{Address: addr})
	}))

	mux.HandleFunc("GET /v1/state", authed(func(w http.ResponseWriter, r *http.Request) {
		st, err := engine.Status(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
			return
		}
		writeJSON(w, http.StatusOK, StateResponse{
			Network:         st.Network,
			KeyName:         st.KeyName,
			WatchedContract: st.WatchedContract,
			DerivedAddress:  st.DerivedAddress,
			BlockCursor:     st.BlockCursor,
			Nonce:           st.Nonce,
		})
	}))

	if syncer != nil {
		mux.HandleFunc("POST /v1/sync", authed(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), cfg.SyncTimeout)
			defer cancel()

			res, err := syncer.TriggerNow(ctx)
			if err != nil {
				switch {
				case errors.Is(err, scheduler.ErrLeaseHeld):
					writeJSON(w, http.StatusConflict, errorResponse{Error: "lease_held"})
				case errors.Is(err, coprocessor.ErrNotInitialized):
					writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "not_initialized"})
				case errors.Is(err, context.DeadlineExceeded):
					writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "timeout"})
				case errors.Is(err, context.Canceled):
					writeJSON(w, http.StatusRequestTimeout, errorResponse{Error: "canceled"})
				default:
					writeJSON(w, http.StatusBadGateway, errorResponse{Error: "sync_failed"})
				}
				return
			}
			writeJSON(w, http.StatusOK, SyncResponse{
				CycleID:      res.CycleID,
				NoContract:   res.NoContract,
				FromBlock:    res.FromBlock,
				CursorBefore: res.CursorBefore,
				CursorAfter:  res.CursorAfter,
				Logs:         res.Logs,
				Removed:      res.Removed,
				Submitted:    res.Submitted,
				Rejected:     res.Rejected,
				Failed:       res.Failed,
			})
		}))
	}

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// checkBearer accepts exactly "Bearer <token>".
func checkBearer(header string, wantToken string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantToken)) == 1
}
