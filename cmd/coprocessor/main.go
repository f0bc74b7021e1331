package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/juno-intents/evm-coprocessor/internal/adminapi"
	"github.com/juno-intents/evm-coprocessor/internal/coprocessor"
	"github.com/juno-intents/evm-coprocessor/internal/eth"
	"github.com/juno-intents/evm-coprocessor/internal/evmrpc"
	"github.com/juno-intents/evm-coprocessor/internal/jobevents"
	"github.com/juno-intents/evm-coprocessor/internal/leases"
	leasespg "github.com/juno-intents/evm-coprocessor/internal/leases/postgres"
	"github.com/juno-intents/evm-coprocessor/internal/metrics"
	"github.com/juno-intents/evm-coprocessor/internal/scheduler"
	"github.com/juno-intents/evm-coprocessor/internal/secrets"
	"github.com/juno-intents/evm-coprocessor/internal/state"
	statepg "github.com/juno-intents/evm-coprocessor/internal/state/postgres"
	statesqlite "github.com/juno-intents/evm-coprocessor/internal/state/sqlite"
	"github.com/juno-intents/evm-coprocessor/internal/tss"
	"github.com/juno-intents/evm-coprocessor/internal/txarchive"
)

func main() {
	var (
		envFile  = flag.String("env-file", "", "optional .env file loaded before resolving secrets (existing env vars win)")
		logLevel = flag.String("log-level", "info", "log level: debug, info, warn, error")

		// First-start defaults; ignored once the state row exists.
		network    = flag.String("network", state.DefaultNetwork, "EVM network on first start: EthSepolia or EthMainnet")
		keyName    = flag.String("key-name", state.DefaultKeyName, "threshold key name on first start")
		startBlock = flag.Uint64("start-block", state.DefaultStartBlock, "block cursor on first start")
		contract   = flag.String("contract", "", "optional watched contract address to set at startup")

		rpcURLs = flag.String("rpc-urls", "", "comma-separated EVM JSON-RPC URLs; every call must agree across all of them (required)")

		priorityFeeWei   = flag.Uint64("priority-fee-wei", eth.DefaultPriorityFeeWei, "max priority fee per gas (wei)")
		feeHistoryBlocks = flag.Uint64("fee-history-blocks", eth.DefaultFeeHistoryBlocks, "eth_feeHistory block count")
		gasLimit         = flag.Uint64("gas-limit", coprocessor.DefaultGasLimit, "gas limit of callback transactions")

		interval     = flag.Duration("interval", scheduler.DefaultInterval, "sync cycle interval")
		cycleTimeout = flag.Duration("cycle-timeout", scheduler.DefaultCycleTimeout, "per-cycle timeout")

		storeDriver = flag.String("store-driver", "sqlite", "state store: sqlite, postgres, memory")
		sqlitePath  = flag.String("sqlite-path", "coprocessor.db", "sqlite database path (store-driver=sqlite)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (store-driver=postgres or lease-driver=postgres)")

		signerDriver      = flag.String("signer-driver", "tss", "digest signer: tss, local")
		tssURL            = flag.String("tss-url", "", "tss signer base url (must be https unless --tss-insecure-http)")
		tssInsecureHTTP   = flag.Bool("tss-insecure-http", false, "allow tss-url over plain http (DANGEROUS; dev only)")
		tssTimeout        = flag.Duration("tss-timeout", 30*time.Second, "tss request timeout")
		tssMaxRespBytes   = flag.Int64("tss-max-response-bytes", 1<<20, "max tss response size (bytes)")
		tssServerCAFile   = flag.String("tss-server-ca-file", "", "server root CA PEM file (optional; defaults to system roots)")
		tssClientCertFile = flag.String("tss-client-cert-file", "", "client cert PEM file (optional; for mTLS)")
		tssClientKeyFile  = flag.String("tss-client-key-file", "", "client key PEM file (optional; for mTLS)")
		tssTokenRef       = flag.String("tss-token-ref", "", "optional bearer token reference for the tss signer (env:NAME or aws:SECRET_ID)")
		localKeyRef       = flag.String("local-key-ref", "env:COPROCESSOR_LOCAL_PRIVATE_KEY", "hex private key reference (signer-driver=local)")

		archiveDriver = flag.String("archive-driver", txarchive.DriverNone, "signed tx archive: none, memory, s3")
		archiveBucket = flag.String("archive-s3-bucket", "", "S3 bucket (archive-driver=s3)")
		archivePrefix = flag.String("archive-prefix", "", "object key prefix for archived transactions")

		eventsDriver  = flag.String("events-driver", jobevents.DriverNone, "job events: none, stdio, kafka")
		eventsBrokers = flag.String("events-kafka-brokers", "", "comma-separated Kafka brokers (events-driver=kafka)")
		eventsTopic   = flag.String("events-topic", jobevents.DefaultTopic, "job events topic")

		leaseDriver = flag.String("lease-driver", leases.DriverNone, "cross-replica cycle lease: none, memory, postgres")
		leaseOwner  = flag.String("lease-owner", "", "unique lease owner id (defaults to hostname-pid)")
		leaseTTL    = flag.Duration("lease-ttl", 30*time.Second, "cycle lease TTL (renewed while the cycle runs)")

		adminListen   = flag.String("admin-listen", "127.0.0.1:8080", "admin API listen address (empty disables)")
		adminTokenRef = flag.String("admin-token-ref", "", "optional admin bearer token reference (env:NAME or aws:SECRET_ID)")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid --log-level %q\n", *logLevel)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: load --env-file: %v\n", err)
			os.Exit(2)
		}
	}

	firstNetwork, err := evmrpc.ParseNetwork(*network)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: --network must be EthSepolia or EthMainnet")
		os.Exit(2)
	}
	if strings.TrimSpace(*keyName) == "" {
		fmt.Fprintln(os.Stderr, "error: --key-name must be non-empty")
		os.Exit(2)
	}
	if *contract != "" && !common.IsHexAddress(*contract) {
		fmt.Fprintln(os.Stderr, "error: --contract must be a valid hex address")
		os.Exit(2)
	}
	urls := jobevents.SplitCommaList(*rpcURLs)
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "error: --rpc-urls is required")
		os.Exit(2)
	}
	if *priorityFeeWei == 0 || *feeHistoryBlocks == 0 || *gasLimit == 0 {
		fmt.Fprintln(os.Stderr, "error: --priority-fee-wei, --fee-history-blocks, and --gas-limit must be > 0")
		os.Exit(2)
	}
	if *interval <= 0 || *cycleTimeout <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: durations must be > 0")
		os.Exit(2)
	}
	if (*storeDriver == "postgres" || *leaseDriver == leases.DriverPostgres) && *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required for postgres store or lease drivers")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if *postgresDSN != "" {
		p, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer p.Close()
		pool = p
	}

	defaults := state.Defaults()
	defaults.Config.Network = firstNetwork.String()
	defaults.Config.KeyName = *keyName
	defaults.State.BlockCursor = *startBlock

	store, closeStore, err := openStore(ctx, *storeDriver, *sqlitePath, pool, defaults)
	if err != nil {
		log.Error("init state store", "driver", *storeDriver, "err", err)
		os.Exit(2)
	}
	defer closeStore()

	snap, err := store.Load(ctx)
	if err != nil {
		log.Error("load state", "err", err)
		os.Exit(2)
	}
	chain, err := evmrpc.ParseNetwork(snap.Config.Network)
	if err != nil {
		log.Error("stored network", "err", err)
		os.Exit(2)
	}

	providers := make([]evmrpc.Provider, 0, len(urls))
	for _, u := range urls {
		p, err := evmrpc.DialProvider(ctx, "", u)
		if err != nil {
			log.Error("dial rpc provider", "err", err)
			os.Exit(2)
		}
		defer p.Close()
		id, err := p.ChainID(ctx)
		if err != nil {
			log.Error("rpc provider chain id", "provider", p.Name(), "err", err)
			os.Exit(2)
		}
		if id.Cmp(chain.ChainID()) != 0 {
			log.Error("rpc provider is on the wrong chain", "provider", p.Name(), "want", chain.ChainID(), "got", id)
			os.Exit(2)
		}
		providers = append(providers, p)
	}
	rpc, err := evmrpc.NewMultiClient(map[evmrpc.Network][]evmrpc.Provider{chain: providers})
	if err != nil {
		log.Error("init rpc client", "err", err)
		os.Exit(2)
	}

	fees, err := eth.NewFeeEstimator(rpc, new(big.Int).SetUint64(*priorityFeeWei), *feeHistoryBlocks)
	if err != nil {
		log.Error("init fee estimator", "err", err)
		os.Exit(2)
	}

	resolver := secrets.NewResolver()

	var digestSigner eth.DigestSigner
	switch *signerDriver {
	case "tss":
		if *tssURL == "" {
			fmt.Fprintln(os.Stderr, "error: --tss-url is required for signer-driver=tss")
			os.Exit(2)
		}
		hc, err := newTSSHTTPClient(*tssTimeout, *tssServerCAFile, *tssClientCertFile, *tssClientKeyFile)
		if err != nil {
			log.Error("init tss http client", "err", err)
			os.Exit(2)
		}
		opts := []tss.Option{
			tss.WithHTTPClient(hc),
			tss.WithMaxResponseBytes(*tssMaxRespBytes),
		}
		if *tssInsecureHTTP {
			opts = append(opts, tss.WithInsecureHTTP())
		}
		if *tssTokenRef != "" {
			token, err := resolver.Resolve(ctx, *tssTokenRef)
			if err != nil {
				log.Error("resolve tss token", "err", err)
				os.Exit(2)
			}
			opts = append(opts, tss.WithBearerToken(token))
		}
		c, err := tss.NewClient(*tssURL, opts...)
		if err != nil {
			log.Error("init tss client", "err", err)
			os.Exit(2)
		}
		digestSigner = c
	case "local":
		keyHex, err := resolver.Resolve(ctx, *localKeyRef)
		if err != nil {
			log.Error("resolve local signing key", "err", err)
			os.Exit(2)
		}
		key, err := eth.ParsePrivateKeyHex(keyHex)
		if err != nil {
			log.Error("parse local signing key", "err", err)
			os.Exit(2)
		}
		local := eth.NewLocalSigner(key)
		log.Warn("using in-process signing key; not for production", "address", local.Address())
		digestSigner = local
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --signer-driver %q\n", *signerDriver)
		os.Exit(2)
	}
	txSigner, err := eth.NewTxSigner(digestSigner)
	if err != nil {
		log.Error("init tx signer", "err", err)
		os.Exit(2)
	}

	archiveCfg := txarchive.Config{Driver: *archiveDriver, Prefix: *archivePrefix, Bucket: *archiveBucket}
	if *archiveDriver == txarchive.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		archiveCfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	archive, err := txarchive.New(archiveCfg)
	if err != nil {
		log.Error("init tx archive", "err", err)
		os.Exit(2)
	}
	submitterOpts := []eth.SubmitterOption{eth.WithSubmitterLogger(log)}
	if archive != nil {
		submitterOpts = append(submitterOpts, eth.WithArchive(archive))
	}
	submitter, err := eth.NewSubmitter(rpc, store, submitterOpts...)
	if err != nil {
		log.Error("init submitter", "err", err)
		os.Exit(2)
	}

	events, err := jobevents.New(jobevents.Config{
		Driver:  *eventsDriver,
		Topic:   *eventsTopic,
		Brokers: jobevents.SplitCommaList(*eventsBrokers),
	})
	if err != nil {
		log.Error("init job events", "err", err)
		os.Exit(2)
	}
	if events != nil {
		defer func() {
			if err := events.Close(); err != nil {
				log.Warn("close job events", "err", err)
			}
		}()
	}

	m := metrics.New()

	engine, err := coprocessor.New(coprocessor.Config{GasLimit: *gasLimit}, coprocessor.Deps{
		Store:     store,
		Logs:      rpc,
		Fees:      fees,
		Signer:    txSigner,
		Submitter: submitter,
		Keys:      digestSigner,
		Events:    events,
		Metrics:   m,
		Log:       log,
	})
	if err != nil {
		log.Error("init engine", "err", err)
		os.Exit(2)
	}
	if *contract != "" {
		if err := engine.SetWatchedContract(ctx, common.HexToAddress(*contract)); err != nil {
			log.Error("set watched contract", "err", err)
			os.Exit(2)
		}
	}

	guard, err := newCycleGuard(ctx, *leaseDriver, pool, *leaseOwner, *leaseTTL, log)
	if err != nil {
		log.Error("init cycle lease", "err", err)
		os.Exit(2)
	}
	schedCfg := scheduler.Config{
		Interval:     *interval,
		CycleTimeout: *cycleTimeout,
		Metrics:      m,
		Log:          log,
	}
	if guard != nil {
		schedCfg.Guard = guard
	}
	sched, err := scheduler.New(schedCfg, engine)
	if err != nil {
		log.Error("init scheduler", "err", err)
		os.Exit(2)
	}

	if *adminListen != "" {
		adminToken := ""
		if *adminTokenRef != "" {
			adminToken, err = resolver.Resolve(ctx, *adminTokenRef)
			if err != nil {
				log.Error("resolve admin token", "err", err)
				os.Exit(2)
			}
		}
		srv := &http.Server{
			Addr: *adminListen,
			Handler: adminapi.NewHandler(engine, sched, adminapi.Config{
				AuthToken:   adminToken,
				SyncTimeout: *cycleTimeout,
				Metrics:     m.Handler(),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server", "err", err)
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("coprocessor started",
		"network", chain,
		"keyName", snap.Config.KeyName,
		"blockCursor", snap.State.BlockCursor,
		"nonce", snap.State.Nonce,
		"providers", len(providers),
		"storeDriver", *storeDriver,
		"signerDriver", *signerDriver,
		"leaseDriver", *leaseDriver,
		"adminListen", *adminListen,
	)

	if err := sched.Run(ctx); err != nil {
		log.Error("scheduler", "err", err)
		os.Exit(1)
	}
}

// openStore opens the configured driver and writes the first-start row if none exists.
func openStore(ctx context.Context, driver, sqlitePath string, pool *pgxpool.Pool, defaults state.Snapshot) (state.Store, func(), error) {
	switch driver {
	case "memory":
		return state.NewMemoryStore(defaults), func() {}, nil
	case "sqlite":
		s, err := statesqlite.Open(sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Init(ctx, defaults); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := statepg.New(pool)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		if err := s.Init(ctx, defaults); err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func newCycleGuard(ctx context.Context, driver string, pool *pgxpool.Pool, owner string, ttl time.Duration, log *slog.Logger) (*leases.Guard, error) {
	var store leases.Store
	switch driver {
	case leases.DriverNone, "":
		return nil, nil
	case leases.DriverMemory:
		store = leases.NewMemoryStore(nil)
	case leases.DriverPostgres:
		s, err := leasespg.New(pool)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unsupported lease driver %q", driver)
	}
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return leases.NewGuard(store, leases.CycleLeaseName, owner, ttl, log)
}

func newTSSHTTPClient(timeout time.Duration, serverCAFile string, clientCertFile string, clientKeyFile string) (*http.Client, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("tss timeout must be > 0")
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}

	// A provided CA replaces the system roots.
	if serverCAFile != "" {
		caPEM, err := os.ReadFile(serverCAFile)
		if err != nil {
			return nil, fmt.Errorf("read server ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("parse server ca file")
		}
		tlsCfg.RootCAs = pool
	}

	if clientCertFile != "" || clientKeyFile != "" {
		if clientCertFile == "" || clientKeyFile == "" {
			return nil, fmt.Errorf("tss client cert requires both --tss-client-cert-file and --tss-client-key-file")
		}
		cert, err := tls.LoadX509KeyPair(clientCertFile, clientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
		},
	}, nil
}
