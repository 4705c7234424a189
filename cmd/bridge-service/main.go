package main

import (
	"context"
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
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/juno-intents/harmonize-bridge/internal/archive"
	"github.com/juno-intents/harmonize-bridge/internal/bridge"
	"github.com/juno-intents/harmonize-bridge/internal/chainscan"
	"github.com/juno-intents/harmonize-bridge/internal/eth"
	"github.com/juno-intents/harmonize-bridge/internal/httpapi"
	"github.com/juno-intents/harmonize-bridge/internal/link"
	linkredis "github.com/juno-intents/harmonize-bridge/internal/link/redis"
	"github.com/juno-intents/harmonize-bridge/internal/metrics"
	"github.com/juno-intents/harmonize-bridge/internal/owner"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
	"github.com/juno-intents/harmonize-bridge/internal/queue"
	"github.com/juno-intents/harmonize-bridge/internal/secrets"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

func main() {
	// A missing .env is fine; flags and the process environment still apply.
	_ = godotenv.Load()

	var chains chainFlags
	flag.Var(&chains, "chain", "chain to watch: id=<n>,rpc=<url>,contract=<addr>[,start=<block>][,confirmations=<n>] (repeatable)")

	var (
		listenAddr    = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")
		metricsListen = flag.String("metrics-listen", "", "separate listen address for /metrics; empty serves it on --listen")
		logLevel      = flag.String("log-level", "info", "log level (debug|info|warn|error)")

		storeDriver    = flag.String("store-driver", storeDriverPostgres, "ledger store driver (postgres|leveldb|memory)")
		postgresDSNEnv = flag.String("postgres-dsn-env", "BRIDGE_POSTGRES_DSN", "env var holding the Postgres DSN")
		levelDBPath    = flag.String("leveldb-path", "", "leveldb directory for --store-driver=leveldb")

		challengeDriver = flag.String("challenge-store", challengeStoreMemory, "sign-in challenge store (memory|redis)")
		redisAddrs      = flag.String("redis-addrs", "", "redis addresses (comma-separated)")
		redisPrefix     = flag.String("redis-prefix", linkredis.DefaultKeyPrefix, "redis key prefix for challenges")
		challengeTTL    = flag.Duration("challenge-ttl", 15*time.Minute, "sign-in challenge lifetime; 0 keeps challenges until used")

		queueDriver  = flag.String("queue-driver", queue.DriverNone, "ledger event feed driver (none|kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "kafka brokers (comma-separated)")
		queueTLS     = flag.Bool("queue-kafka-tls", false, "dial kafka brokers over TLS")
		ledgerTopic  = flag.String("ledger-topic", bridge.DefaultTopic, "topic for ledger events")

		archiveDriver = flag.String("archive-driver", archive.DriverNone, "audit archive driver (none|memory|s3)")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for --archive-driver=s3")
		archivePrefix = flag.String("archive-prefix", "bridge/", "key prefix inside the archive")

		signerKeyRef = flag.String("signer-key-ref", "env:BRIDGE_SIGNER_KEY", "hot wallet key reference (env:NAME, aws:SECRET_ID or aws:SECRET_ID#field)")
		initialOwner = flag.String("initial-owner", "", "hex principal installed as owner when none is stored (required)")
		authTokenEnv = flag.String("auth-token-env", "BRIDGE_AUTH_TOKEN", "env var holding the API bearer token; empty value disables auth")

		instanceID = flag.String("instance-id", "", "replica name used for watcher leases; defaults to a random id")
		leaseTTL   = flag.Duration("lease-ttl", bridge.DefaultLeaseTTL, "watcher lease lifetime (postgres store only)")

		requireLinked = flag.Bool("require-linked-destination", false, "only allow withdrawals to addresses linked to the account")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate; 0 disables limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity")

		gasMult         = flag.Float64("gas-limit-multiplier", 1.2, "multiplier applied to estimated gas")
		minTipGwei      = flag.Int64("min-tip-gwei", 1, "minimum priority fee in gwei")
		receiptPoll     = flag.Duration("receipt-poll-interval", 2*time.Second, "receipt polling interval")
		receiptTimeout  = flag.Duration("receipt-timeout", 5*time.Minute, "maximum wait for a withdrawal receipt")
		replaceAfter    = flag.Duration("replace-after", 45*time.Second, "rebroadcast with bumped fees after this long without a receipt")
		maxReplacements = flag.Int("max-replacements", 3, "maximum fee-bump replacements per withdrawal")
		bumpPercent     = flag.Int("replacement-bump-percent", 12, "fee bump percentage per replacement")

		pollInterval      = flag.Duration("poll-interval", bridge.DefaultPollInterval, "watcher poll interval once caught up")
		maxBlockSpread    = flag.Uint64("max-block-spread", chainscan.DefaultMaxBlockSpread, "maximum blocks per log query")
		stepTimeout       = flag.Duration("step-timeout", bridge.DefaultStepTimeout, "upper bound on one watcher step")
		reconcileInterval = flag.Duration("reconcile-interval", bridge.DefaultReconcileInterval, "interval between refund retries of failed withdrawals")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Minute, "http.Server WriteTimeout; withdrawals wait for receipts")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if len(chains) == 0 {
		fmt.Fprintln(os.Stderr, "error: at least one --chain is required")
		os.Exit(2)
	}
	ownerP, err := principal.Parse(*initialOwner)
	if err != nil || ownerP.Zero() {
		fmt.Fprintln(os.Stderr, "error: --initial-owner must be a non-zero hex principal")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *pollInterval <= 0 || *stepTimeout <= 0 || *reconcileInterval <= 0 || *maxBlockSpread == 0 {
		fmt.Fprintln(os.Stderr, "error: --poll-interval, --step-timeout, --reconcile-interval and --max-block-spread must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond < 0 || (*rateLimitPerSecond > 0 && *rateLimitBurst <= 0) {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be >= 0 and burst > 0 when enabled")
		os.Exit(2)
	}
	if *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --lease-ttl must be > 0")
		os.Exit(2)
	}
	if *challengeTTL < 0 {
		fmt.Fprintln(os.Stderr, "error: --challenge-ttl must be >= 0")
		os.Exit(2)
	}
	storeCfg := storeConfig{
		Driver:      strings.ToLower(strings.TrimSpace(*storeDriver)),
		PostgresDSN: os.Getenv(strings.TrimSpace(*postgresDSNEnv)),
		LevelDBPath: *levelDBPath,
	}
	if err := storeCfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStartup()

	st, err := openStores(startupCtx, storeCfg, log)
	if err != nil {
		log.Error("open stores", "err", err)
		os.Exit(2)
	}
	defer st.Close()

	challenges, closeChallenges, err := openChallengeStore(startupCtx, challengeConfig{
		Driver:     strings.ToLower(strings.TrimSpace(*challengeDriver)),
		RedisAddrs: queue.SplitCommaList(*redisAddrs),
		Prefix:     *redisPrefix,
		TTL:        *challengeTTL,
	})
	if err != nil {
		log.Error("open challenge store", "err", err)
		os.Exit(2)
	}
	defer closeChallenges()

	registry, err := link.NewRegistry(challenges, st.Links, link.Config{Logger: log})
	if err != nil {
		log.Error("init link registry", "err", err)
		os.Exit(2)
	}
	guard, err := owner.NewGuard(startupCtx, st.Owner, ownerP, log)
	if err != nil {
		log.Error("init owner guard", "err", err)
		os.Exit(2)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		TLS:     *queueTLS,
		Writer:  os.Stdout,
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer producer.Close()

	arc, err := openArchive(startupCtx, *archiveDriver, *archiveBucket, *archivePrefix)
	if err != nil {
		log.Error("init archive", "err", err)
		os.Exit(2)
	}

	signer, err := loadSigner(startupCtx, &secrets.Resolver{}, *signerKeyRef)
	if err != nil {
		log.Error("load signer key", "err", err)
		os.Exit(2)
	}
	log.Info("bridge hot wallet", "address", signer.Address().Hex())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	network := bridge.NetworkConfig{PollInterval: *pollInterval, MaxBlockSpread: *maxBlockSpread}
	minTipWei := new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000))

	chainCfgs := make([]bridge.ChainConfig, 0, len(chains))
	for _, c := range chains {
		client, err := ethclient.DialContext(startupCtx, c.RPCURL)
		if err != nil {
			log.Error("dial rpc", "chain", c.ChainID, "err", err)
			os.Exit(1)
		}
		defer client.Close()

		gotChainID, err := client.ChainID(startupCtx)
		if err != nil {
			log.Error("fetch chain id", "chain", c.ChainID, "err", err)
			os.Exit(1)
		}
		chainID := new(big.Int).SetUint64(c.ChainID)
		if gotChainID.Cmp(chainID) != 0 {
			log.Error("chain id mismatch", "want", chainID.String(), "got", gotChainID.String())
			os.Exit(2)
		}

		source, err := chainscan.New(client, chainscan.Config{ChainID: c.ChainID, Contract: c.Contract, MaxBlockSpread: *maxBlockSpread})
		if err != nil {
			log.Error("init event source", "chain", c.ChainID, "err", err)
			os.Exit(2)
		}
		sender, err := eth.NewSender(client, signer, eth.SenderConfig{
			ChainID:                chainID,
			GasLimitMultiplier:     *gasMult,
			MinTipCap:              minTipWei,
			ReceiptPollInterval:    *receiptPoll,
			ReceiptTimeout:         *receiptTimeout,
			ReplaceAfter:           *replaceAfter,
			MaxReplacements:        *maxReplacements,
			ReplacementBumpPercent: *bumpPercent,
			MinReplacementTipBump:  big.NewInt(1_000_000_000),
			MinReplacementFeeBump:  big.NewInt(1_000_000_000),
			Now:                    time.Now,
		})
		if err != nil {
			log.Error("init sender", "chain", c.ChainID, "err", err)
			os.Exit(2)
		}

		nc := network
		nc.Confirmations = c.Confirmations
		chainCfgs = append(chainCfgs, bridge.ChainConfig{
			ChainID:    c.ChainID,
			Contract:   c.Contract,
			StartBlock: c.StartBlock,
			Source:     source,
			Withdrawer: sender,
			Network:    nc,
		})
		log.Info("chain configured", "chain", c.ChainID, "contract", c.Contract.Hex(), "start", c.StartBlock, "confirmations", c.Confirmations)
	}

	svc, err := bridge.NewService(bridge.Config{
		Chains:                   chainCfgs,
		Ledger:                   st.Ledger,
		Cursors:                  st.Cursors,
		Links:                    registry,
		Owner:                    guard,
		Producer:                 producer,
		Topic:                    *ledgerTopic,
		Archive:                  arc,
		Metrics:                  m,
		RequireLinkedDestination: *requireLinked,
		Leases:                   st.Leases,
		InstanceID:               *instanceID,
		LeaseTTL:                 *leaseTTL,
		StepTimeout:              *stepTimeout,
		ReconcileInterval:        *reconcileInterval,
		Now:                      time.Now,
		Logger:                   log,
	})
	if err != nil {
		log.Error("init bridge service", "err", err)
		os.Exit(2)
	}
	cancelStartup()

	apiCfg := httpapi.Config{
		AuthToken: strings.TrimSpace(os.Getenv(strings.TrimSpace(*authTokenEnv))),
		RateLimit: rate.Limit(*rateLimitPerSecond),
		RateBurst: *rateLimitBurst,
		Logger:    log,
	}
	if apiCfg.AuthToken == "" {
		log.Warn("api auth token not set; /v1 endpoints are unauthenticated", "env", *authTokenEnv)
	}
	if *metricsListen == "" {
		apiCfg.Metrics = metricsHandler
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           httpapi.NewHandler(svc, apiCfg),
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	servers := []*http.Server{srv}
	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              *metricsListen,
			Handler:           mux,
			ReadHeaderTimeout: *readHeaderTimeout,
			ReadTimeout:       *readTimeout,
			WriteTimeout:      *readTimeout,
			IdleTimeout:       *idleTimeout,
			MaxHeaderBytes:    1 << 20,
		})
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("bridge service stopped", "err", err)
		}
	}()

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			log.Info("listening", "addr", s.Addr)
			errCh <- s.ListenAndServe()
		}(s)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown", "signal", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			exitCode = 1
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	// Watchers finish their current step before exiting.
	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		log.Warn("watchers did not stop before shutdown deadline")
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return l, nil
}

type secretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

func loadSigner(ctx context.Context, r secretResolver, ref string) (*eth.LocalSigner, error) {
	raw, err := r.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	key, err := eth.ParsePrivateKeyHex(raw)
	if err != nil {
		return nil, err
	}
	return eth.NewLocalSigner(key), nil
}

func openArchive(ctx context.Context, driver, bucket, prefix string) (archive.Archive, error) {
	cfg := archive.Config{Driver: driver, Prefix: prefix, Bucket: bucket}
	if strings.EqualFold(strings.TrimSpace(driver), archive.DriverS3) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return archive.New(cfg)
}
