package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/juno-intents/evm-coprocessor/internal/eth"
	"github.com/juno-intents/evm-coprocessor/internal/jobevents"
	"github.com/juno-intents/evm-coprocessor/internal/secrets"
	"github.com/juno-intents/evm-coprocessor/internal/tsshost"
)

type multiValueFlag struct {
	values []string
}

func (f *multiValueFlag) String() string {
	return strings.Join(f.values, ",")
}

func (f *multiValueFlag) Set(v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.New("value must not be blank")
	}
	f.values = append(f.values, v)
	return nil
}

func (f *multiValueFlag) Values() []string {
	return append([]string(nil), f.values...)
}

func main() {
	var signerArgs multiValueFlag
	var (
		envFile    = flag.String("env-file", "", "optional .env file loaded before resolving secret refs")
		listenAddr = flag.String("listen-addr", "127.0.0.1:8443", "listen address")

		tlsCertFile  = flag.String("tls-cert-file", "", "server TLS cert PEM file (required unless --insecure-http)")
		tlsKeyFile   = flag.String("tls-key-file", "", "server TLS key PEM file (required unless --insecure-http)")
		clientCAFile = flag.String("client-ca-file", "", "client CA PEM file (enables mTLS when set)")

		insecureHTTP = flag.Bool("insecure-http", false, "serve plain HTTP (DANGEROUS; dev only)")

		signerBin          = flag.String("signer-bin", "", "external signing binary (receives protocol JSON on stdin)")
		signerMaxRespBytes = flag.Int("signer-max-response-bytes", 1<<20, "max signer binary stdout size (bytes)")
		devLocalKeyRef     = flag.String("dev-local-key-ref", "", "sign with an in-process key from env:NAME or aws:SECRET_ID (dev only; not threshold)")

		authTokenRef = flag.String("auth-token-ref", "", "optional bearer token reference (env:NAME or aws:SECRET_ID)")
		allowedKeys  = flag.String("allowed-keys", "", "comma-separated key names to serve (empty allows any)")
		maxBodyBytes = flag.Int64("max-body-bytes", 64<<10, "max HTTP request body size (bytes)")
		signTimeout  = flag.Duration("sign-timeout", 30*time.Second, "per-request signer timeout")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 45*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Var(&signerArgs, "signer-arg", "argument passed to --signer-bin before the operation (repeatable)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Error("load env file", "err", err)
			os.Exit(2)
		}
	}
	if *listenAddr == "" {
		log.Error("missing --listen-addr")
		os.Exit(2)
	}
	if *maxBodyBytes <= 0 || *signTimeout <= 0 {
		log.Error("invalid limits")
		os.Exit(2)
	}
	if (*signerBin == "") == (*devLocalKeyRef == "") {
		log.Error("exactly one of --signer-bin or --dev-local-key-ref is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := secrets.NewResolver()

	var signer tsshost.Signer
	if *signerBin != "" {
		s, err := tsshost.NewExecSigner(*signerBin, signerArgs.Values(), *signerMaxRespBytes)
		if err != nil {
			log.Error("init exec signer", "err", err)
			os.Exit(2)
		}
		signer = s
	} else {
		keyHex, err := resolver.Resolve(ctx, *devLocalKeyRef)
		if err != nil {
			log.Error("resolve dev signing key", "err", err)
			os.Exit(2)
		}
		key, err := eth.ParsePrivateKeyHex(keyHex)
		if err != nil {
			log.Error("parse dev signing key", "err", err)
			os.Exit(2)
		}
		local := eth.NewLocalSigner(key)
		log.Warn("serving an in-process key; not threshold, dev only", "address", local.Address())
		signer = local
	}

	var authToken string
	if *authTokenRef != "" {
		tok, err := resolver.Resolve(ctx, *authTokenRef)
		if err != nil {
			log.Error("resolve auth token", "err", err)
			os.Exit(2)
		}
		authToken = tok
	}

	h := tsshost.NewHandler(signer, tsshost.Config{
		AuthToken:    authToken,
		AllowedKeys:  jobevents.SplitCommaList(*allowedKeys),
		MaxBodyBytes: *maxBodyBytes,
		SignTimeout:  *signTimeout,
	})

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           h,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("tss-host starting", "addr", *listenAddr, "tls", !*insecureHTTP, "mtls", *clientCAFile != "", "auth", authToken != "")
		if *insecureHTTP {
			errCh <- srv.ListenAndServe()
			return
		}

		tlsCfg, err := buildTLSConfig(*tlsCertFile, *tlsKeyFile, *clientCAFile)
		if err != nil {
			errCh <- err
			return
		}
		srv.TLSConfig = tlsCfg
		errCh <- srv.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildTLSConfig(certFile string, keyFile string, clientCAFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("missing --tls-cert-file/--tls-key-file")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if clientCAFile != "" {
		caPEM, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("parse client ca file")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
