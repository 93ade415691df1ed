// Package main runs the engine as a single process:
// - Scheduler (cron): executes due vault triggers
// - Feed (continuous): streams order books into the router
// - HTTP: health, metrics, status and read-only JSON queries
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"dca-vault-engine/internal/config"
	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/feed"
	"dca-vault-engine/internal/pricing"
	"dca-vault-engine/internal/scheduler"
	"dca-vault-engine/internal/service"
	"dca-vault-engine/internal/storage"
	chstore "dca-vault-engine/internal/storage/clickhouse"
	"dca-vault-engine/internal/storage/memory"
	"dca-vault-engine/internal/storage/migrations"
	pgstore "dca-vault-engine/internal/storage/postgres"
)

// Server holds all components of the engine process.
type Server struct {
	// Configuration
	feedEndpoint string
	feedPairs    []string
	passSchedule string
	storageMode  string

	// Components
	svc    *service.Service
	router *pricing.Router
	feed   *feed.Client
	logger *log.Logger

	// State
	mu          sync.Mutex
	started     time.Time
	lastPass    time.Time
	lastResult  scheduler.PassResult
	lastErr     string
	passRuns    int
	passRunning bool
}

// allStores holds all storage implementations.
type allStores struct {
	vaults     storage.VaultStore
	events     storage.EventStore
	ledger     storage.LedgerStore
	funds      storage.FundStore
	configs    storage.ConfigStore
	prices     storage.PriceHistoryStore
	executions storage.ExecutionStore
	rebalances storage.RebalanceStore
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL and ClickHouse")
	configPath := flag.String("config", envOr("ENGINE_CONFIG", "config.yaml"), "Admin config YAML file")
	booksPath := flag.String("books", os.Getenv("ENGINE_BOOKS"), "JSON file of order books to seed the router with")
	feedEndpoint := flag.String("feed-endpoint", os.Getenv("FEED_WS_ENDPOINT"), "Order book WebSocket endpoint")
	feedPairs := flag.String("feed-pairs", "", "Comma-separated pair keys to subscribe to (default: all)")
	passSchedule := flag.String("pass-schedule", envOr("PASS_SCHEDULE", "@every 30s"), "Cron schedule of scheduler passes")
	httpAddr := flag.String("http-addr", envOr("HTTP_ADDR", ":9090"), "HTTP address for health, metrics and queries")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}
	if _, err := cron.ParseStandard(*passSchedule); err != nil {
		logger.Fatalf("Invalid --pass-schedule %q: %v", *passSchedule, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Create stores
	stores, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	configStore, err := config.NewStore(ctx, cfg, stores.configs, nil)
	if err != nil {
		logger.Fatalf("Failed to load config versions: %v", err)
	}

	registry, err := pricing.NewRegistry()
	if err != nil {
		logger.Fatalf("Failed to create pair registry: %v", err)
	}
	router := pricing.NewRouter(registry, pricing.RouterOptions{
		History: stores.prices,
		Logger:  log.New(os.Stdout, "[pricing] ", log.LstdFlags|log.Lshortfile),
	})

	svc, err := service.New(service.Options{
		Vaults:     stores.vaults,
		Events:     stores.events,
		Ledger:     stores.ledger,
		Funds:      stores.funds,
		Executions: stores.executions,
		Rebalances: stores.rebalances,
		Router:     router,
		Config:     configStore,
		Logger:     log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lshortfile),
	})
	if err != nil {
		logger.Fatalf("Failed to create service: %v", err)
	}

	if *booksPath != "" {
		n, err := seedBooks(router, *booksPath)
		if err != nil {
			logger.Fatalf("Failed to seed order books: %v", err)
		}
		logger.Printf("Seeded %d order books from %s", n, *booksPath)
	}

	mode := "postgres+clickhouse"
	if *useMemory {
		mode = "memory"
	}

	// Create server
	server := &Server{
		feedEndpoint: *feedEndpoint,
		feedPairs:    splitList(*feedPairs),
		passSchedule: *passSchedule,
		storageMode:  mode,
		svc:          svc,
		router:       router,
		logger:       logger,
		started:      time.Now(),
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	// Start HTTP server
	go server.startHTTPServer(*httpAddr)

	// Run the engine
	err = server.Run(ctx)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Server error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// createStores creates all required stores.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool, logger *log.Logger) (*allStores, func(), error) {
	if useMemory {
		events := memory.NewEventStore()
		ledger := memory.NewLedgerStore()
		stores := &allStores{
			vaults:     memory.NewVaultStore(events, ledger),
			events:     events,
			ledger:     ledger,
			funds:      memory.NewFundStore(events),
			configs:    memory.NewConfigStore(),
			prices:     memory.NewPriceHistoryStore(),
			executions: memory.NewExecutionStore(),
			rebalances: memory.NewRebalanceStore(),
		}
		return stores, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Printf("Applied postgres migrations: %s", strings.Join(applied, ", "))
	}

	// ClickHouse
	chConn, applied, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Printf("Applied clickhouse migrations: %s", strings.Join(applied, ", "))
	}

	stores := &allStores{
		// PostgreSQL stores (engine state)
		vaults:  pgstore.NewVaultStore(pool),
		events:  pgstore.NewEventStore(pool),
		ledger:  pgstore.NewLedgerStore(pool),
		funds:   pgstore.NewFundStore(pool),
		configs: pgstore.NewConfigStore(pool),

		// ClickHouse stores (analytics)
		prices:     chstore.NewPriceHistoryStore(chConn),
		executions: chstore.NewExecutionStore(chConn),
		rebalances: chstore.NewRebalanceStore(chConn),
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return stores, cleanup, nil
}

// Run starts the feed and the pass scheduler and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Printf("Starting engine (storage: %s)...", s.storageMode)

	if s.feedEndpoint != "" {
		client, err := feed.Dial(ctx, feed.Options{
			Endpoint: s.feedEndpoint,
			Pairs:    s.feedPairs,
			Sink:     s.router,
			Lookup:   s.router.Registry(),
			Logger:   log.New(os.Stdout, "[feed] ", log.LstdFlags|log.Lshortfile),
		})
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		defer client.Close()

		s.mu.Lock()
		s.feed = client
		s.mu.Unlock()
		s.logger.Printf("Feed connected to %s", s.feedEndpoint)
	} else {
		s.logger.Println("No feed endpoint, order books come from --books only")
	}

	cronLogger := cron.PrintfLogger(log.New(os.Stdout, "[cron] ", log.LstdFlags))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger)))
	if _, err := c.AddFunc(s.passSchedule, func() { s.runPass(ctx) }); err != nil {
		return fmt.Errorf("schedule passes: %w", err)
	}
	c.Start()
	s.logger.Printf("Scheduler started (schedule: %s)", s.passSchedule)

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// runPass executes one scheduler pass.
func (s *Server) runPass(ctx context.Context) {
	s.mu.Lock()
	s.passRunning = true
	s.mu.Unlock()

	result, err := s.svc.RunPass(ctx)

	s.mu.Lock()
	s.passRunning = false
	s.lastPass = time.Now()
	s.lastErr = ""
	if err == nil {
		s.passRuns++
		s.lastResult = result
	} else {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, domain.ErrPaused):
		s.logger.Println("Engine paused, skipping pass")
	case err != nil:
		s.logger.Printf("Pass error: %v", err)
	}
}

// seedBook is one order book in a --books file.
type seedBook struct {
	Base  string          `json:"base"`
	Quote string          `json:"quote"`
	Asks  []pricing.Level `json:"asks"`
	Bids  []pricing.Level `json:"bids"`
}

// seedBooks installs the books of a JSON file into registered pairs.
func seedBooks(router *pricing.Router, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read books: %w", err)
	}
	var books []seedBook
	if err := json.Unmarshal(data, &books); err != nil {
		return 0, fmt.Errorf("parse books: %w", err)
	}

	for _, b := range books {
		pair, err := router.Registry().Get(b.Base, b.Quote)
		if err != nil {
			return 0, err
		}
		book, err := pricing.NewOrderBook(pair, b.Asks, b.Bids)
		if err != nil {
			return 0, err
		}
		if err := router.UpdateBook(book); err != nil {
			return 0, err
		}
	}
	return len(books), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
