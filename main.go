package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pricewatch/monitor/config"
	"pricewatch/monitor/internal/classify"
	"pricewatch/monitor/internal/crawl"
	"pricewatch/monitor/internal/cycle"
	"pricewatch/monitor/internal/fetch"
	"pricewatch/monitor/internal/resolve"
	"pricewatch/monitor/internal/state"
	"pricewatch/monitor/logger"
	"pricewatch/monitor/services/audit"
	"pricewatch/monitor/services/cache"
	"pricewatch/monitor/services/notifier"

	"github.com/joho/godotenv"
)

// defaultLinkSelector is the anchor fallback used when a listing page
// carries no JSON-LD ItemList
const defaultLinkSelector = `a[data-testid="product-link"]`

func main() {
	// Load environment variables
	godotenv.Load()

	// Initialize logger first
	logger.Init()
	log := logger.Default

	// Load and validate configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Int("categories", len(cfg.Categories)).
		Bool("force_refresh", cfg.ForceRefresh).
		Msg("Starting price monitor")

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize services
	services, err := initializeServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer services.Cleanup()

	// Wire the pipeline
	fetcher := fetch.NewFetcher(services.Cache)
	collector := &listingCollector{fetcher: fetcher, debugDir: cfg.DebugDir}
	resolver := resolve.NewResolver(fetcher, cfg.ExcludedKeywords)

	store := state.NewStore()
	store.ReportError = func(message string) {
		services.Sink.NotifyText("State error: " + message)
	}

	orchestrator := cycle.NewOrchestrator(
		cfg,
		collector,
		resolver,
		classify.NewClassifier(),
		store,
		services.Sink,
		services.Audit,
	)
	fetcher.OnSSLError = orchestrator.NoteSSLError
	fetcher.OnExhausted = func(url string, err error) {
		services.Sink.NotifyText(fmt.Sprintf("Giving up on %s: %v", url, err))
	}

	// Run the monitor loop in a goroutine
	done := make(chan struct{})
	go func() {
		orchestrator.Run(ctx)
		close(done)
	}()

	// Wait for shutdown signal or loop exit
	select {
	case sig := <-sigChan:
		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		cancel()
		<-done
	case <-done:
	}

	log.Info().Msg("Shutting down gracefully...")
}

// listingCollector builds a paginator per category; the extractor is
// rooted at the category URL so relative product links resolve
type listingCollector struct {
	fetcher  *fetch.Fetcher
	debugDir string
}

func (c *listingCollector) Collect(ctx context.Context, cat config.Category, seen *state.SeenIDs, forceRefresh bool) ([]string, int) {
	p := crawl.NewPaginator(c.fetcher, crawl.NewListingExtractor(cat.URL, defaultLinkSelector))
	p.DebugDir = c.debugDir
	return p.Collect(ctx, cat, seen, forceRefresh)
}

// Services holds all the initialized services
type Services struct {
	Cache cache.CacheService
	Sink  notifier.Sink
	Audit *audit.Log
}

// Cleanup cleans up all services
func (s *Services) Cleanup() {
	if s.Sink != nil {
		s.Sink.Close()
	}
}

// initializeServices initializes all required services
func initializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	// Initialize cache service
	cacheService := cache.NewMemcacheService(cfg.MemcacheAddr)
	if cacheService == nil {
		return nil, fmt.Errorf("failed to create cache service")
	}
	services.Cache = cacheService

	logger.Info("Connected to Memcache at %s", cfg.MemcacheAddr)

	// Initialize notification sinks
	sinks := []notifier.Sink{notifier.NewWebhookSink(cfg.WebhookURL)}
	if cfg.RedisAddr != "" {
		redisSink := notifier.NewRedisSink(
			ctx,
			cfg.RedisAddr,
			cfg.RedisDB,
			cfg.RedisStream,
			cfg.RedisStreamCount,
			cfg.RedisStreamMaxLength,
		)
		sinks = append(sinks, redisSink)
		logger.Info("Connected to Redis at %s (DB: %d, Stream: %s)",
			cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)
	}
	services.Sink = notifier.NewMultiSink(sinks...)

	// Initialize the audit log
	services.Audit = audit.NewLog(cfg.CSVFile)

	return services, nil
}
