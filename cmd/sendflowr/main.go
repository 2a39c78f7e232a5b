package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/donutboyband/SendFlowr/pkg/api"
	"github.com/donutboyband/SendFlowr/pkg/cache"
	"github.com/donutboyband/SendFlowr/pkg/config"
	"github.com/donutboyband/SendFlowr/pkg/features"
	"github.com/donutboyband/SendFlowr/pkg/identity"
	"github.com/donutboyband/SendFlowr/pkg/ingestion"
	"github.com/donutboyband/SendFlowr/pkg/observability"
	"github.com/donutboyband/SendFlowr/pkg/predictor"
	"github.com/donutboyband/SendFlowr/pkg/store"
	"github.com/donutboyband/SendFlowr/pkg/timing"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

var startServer = runServer

// Run is the entrypoint, kept separate from main so tests can drive it
// without calling os.Exit.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "backfill":
		return runBackfillCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "SendFlowr timing engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  sendflowr <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server     Run the decision + ingestion server (default)")
	fmt.Fprintln(w, "  backfill   Replay a JSON-lines event file through the ingestion pipeline")
	fmt.Fprintln(w, "  health     Check server health (HTTP)")
	fmt.Fprintln(w, "  help       Show this help")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func runBackfillCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("backfill", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var path string
	cmd.StringVar(&path, "file", "", "path to a newline-delimited JSON file of raw events (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	ctx := context.Background()
	cfg, err := config.Load(os.Getenv("SENDFLOWR_CONFIG"))
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	ws, err := newWiredStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "setup store: %v\n", err)
		return 1
	}
	defer ws.Close()

	resolver := identity.New(ws.identities, cfg.IdentityResolverConfig())
	processor := ingestion.New(resolver, ws.events, nil, ingestion.Config{
		RetryPolicy:          cfg.RetryPolicy(),
		InstantOpenThreshold: cfg.Ingestion.BotDetection.InstantOpenThreshold(),
		ScannerCIDRs:         cfg.Ingestion.BotDetection.ScannerCIDRs,
	})
	runner := ingestion.NewBackfillRunner(processor)

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "open %s: %v\n", path, err)
		return 1
	}
	defer f.Close()

	stats, err := runner.Run(ctx, ingestion.NewLineSource(f))
	if err != nil {
		fmt.Fprintf(stderr, "backfill failed after %d inserted, %d dead-lettered: %v\n", stats.Inserted, stats.DeadLetter, err)
		return 1
	}
	fmt.Fprintf(stdout, "backfill complete: %d inserted, %d dead-lettered\n", stats.Inserted, stats.DeadLetter)
	return 0
}

func runServer() {
	ctx := context.Background()
	logger := slog.Default()
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("SENDFLOWR_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ws, err := newWiredStore(ctx, cfg)
	if err != nil {
		log.Fatalf("setup store: %v", err)
	}
	defer ws.Close()
	log.Printf("[sendflowr] store: %s", cfg.Store.Driver)

	obsConfig := observability.DefaultConfig()
	obsConfig.ServiceName = cfg.Observability.ServiceName
	obsConfig.Environment = cfg.Observability.Environment
	obsConfig.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	obsConfig.SampleRate = cfg.Observability.SampleRate
	obsConfig.Enabled = cfg.Observability.Enabled
	obsConfig.Insecure = cfg.Observability.Insecure

	obsProvider, err := observability.New(ctx, obsConfig)
	if err != nil {
		log.Fatalf("setup observability: %v", err)
	}
	defer obsProvider.Shutdown(ctx)
	logger = obsProvider.Logger()

	cacheBackend := newCacheBackend(cfg)

	resolver := identity.New(ws.identities, cfg.IdentityResolverConfig())
	featureEngine := features.New(ws.events, cacheBackend, cfg.FeaturesEngineConfig())

	latencyPredictor := newLatencyPredictor(cfg)
	weightPredictor := predictor.NewHeuristicSignalWeightPredictor()

	timingEngine := timing.New(featureEngine, ws.events, ws.explanations, latencyPredictor, weightPredictor, cfg.TimingEngineConfig())

	// Ingestion pipeline, consuming live engagement events off NATS JetStream.
	dlqConn, dlqErr := newDeadLetterSink(cfg)
	if dlqErr != nil {
		logger.Warn("dead letter sink unavailable, poison messages will be dropped", "error", dlqErr)
	}
	processor := ingestion.New(resolver, ws.events, dlqConn, ingestion.Config{
		RetryPolicy:          cfg.RetryPolicy(),
		InstantOpenThreshold: cfg.Ingestion.BotDetection.InstantOpenThreshold(),
		ScannerCIDRs:         cfg.Ingestion.BotDetection.ScannerCIDRs,
	})

	consumerCfg := ingestion.ConsumerConfig{
		URL:          cfg.Ingestion.NATSURL,
		StreamName:   cfg.Ingestion.StreamName,
		ConsumerName: cfg.Ingestion.ConsumerName,
		Subject:      "engagement.events.>",
		WorkerCount:  cfg.Ingestion.WorkerCount,
	}
	if consumerCfg.WorkerCount <= 0 {
		consumerCfg.WorkerCount = 4
	}

	ingestCtx, cancelIngest := context.WithCancel(ctx)
	defer cancelIngest()
	if consumer, err := ingestion.NewConsumer(consumerCfg, processor, logger); err != nil {
		logger.Warn("ingestion consumer unavailable, running decision API only", "error", err)
	} else {
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ingestCtx); err != nil && ingestCtx.Err() == nil {
				logger.Error("ingestion consumer stopped", "error", err)
			}
		}()
	}

	// Decision API.
	mux := http.NewServeMux()
	api.NewHandler(resolver, timingEngine).Routes(mux)

	go func() {
		logger.Info("decide server listening", "addr", cfg.Server.Addr)
		if err := http.ListenAndServe(cfg.Server.Addr, mux); err != nil {
			logger.Error("decide server failed", "error", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthMux.Handle("/metrics", obsProvider.MetricsHandler())
	go func() {
		logger.Info("health server listening", "addr", ":8081")
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			logger.Error("health server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")
}

type wiredStore struct {
	events       store.EventStore
	identities   store.IdentityStore
	explanations store.ExplanationStore
	db           *sql.DB
}

func (w *wiredStore) Close() error {
	if w.db != nil {
		return w.db.Close()
	}
	return nil
}

func newWiredStore(ctx context.Context, cfg *config.Config) (*wiredStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s, err := store.NewPostgresStore(db)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return &wiredStore{events: s, identities: s, explanations: s, db: db}, nil

	case "sqlite":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = "sendflowr.db"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		s, err := store.NewSQLiteStore(db)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return &wiredStore{events: s, identities: s, explanations: s, db: db}, nil

	default:
		s := store.NewMemoryStore()
		return &wiredStore{events: s, identities: s, explanations: s}, nil
	}
}

func newCacheBackend(cfg *config.Config) cache.Backend {
	if cfg.Store.RedisAddr != "" {
		return cache.NewRedisBackend(cfg.Store.RedisAddr, "", 0)
	}
	return cache.NewMemoryBackend()
}

func newLatencyPredictor(cfg *config.Config) predictor.LatencyPredictor {
	if cfg.Predictor.LatencyServiceURL != "" {
		return predictor.NewHTTPClient(cfg.Predictor.LatencyServiceURL)
	}
	return predictor.NewHeuristicLatencyPredictor()
}

func newDeadLetterSink(cfg *config.Config) (ingestion.DeadLetterSink, error) {
	url := cfg.Ingestion.NATSURL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("sendflowr-dlq"))
	if err != nil {
		return nil, fmt.Errorf("connect nats for dlq: %w", err)
	}
	return ingestion.NewNATSDeadLetterSink(nc, cfg.Ingestion.DLQSubject), nil
}
