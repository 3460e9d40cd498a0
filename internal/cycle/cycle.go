package cycle

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync/atomic"
	"time"

	"pricewatch/monitor/config"
	"pricewatch/monitor/internal/classify"
	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/internal/resolve"
	"pricewatch/monitor/internal/state"
	"pricewatch/monitor/logger"
	"pricewatch/monitor/services/notifier"
)

const (
	// sslErrorThreshold is how many TLS failures within one cycle trigger
	// the long cooldown
	sslErrorThreshold = 10
	sslCooldown       = 1800 * time.Second

	// crashRestartDelay before restarting after a recovered panic
	crashRestartDelay = 60 * time.Second

	// summaryEvery Nth cycle posts an aggregate summary
	summaryEvery = 3

	interCategoryMin = 30 * time.Second
	interCategoryMax = 60 * time.Second
)

// Collector walks one category's listing pages and returns candidate
// product URLs plus the number of requests spent
type Collector interface {
	Collect(ctx context.Context, cat config.Category, seen *state.SeenIDs, forceRefresh bool) ([]string, int)
}

// Resolver turns one product URL into scraped facts
type Resolver interface {
	Resolve(ctx context.Context, url string, cat config.Category) (*product.Facts, error)
}

// AuditLog records delivered events and answers duplicate queries
type AuditLog interface {
	IsDuplicate(name, url, id string) bool
	Append(event product.ChangeEvent) error
}

// Stats aggregates one cycle's outcome
type Stats struct {
	Categories      int
	Products        int
	NewProducts     int
	PriceChanges    int
	Notified        int
	DuplicateSkips  int
	KeywordExcluded int
	BelowThreshold  int
	ResolveErrors   int
	Requests        int
	SSLErrors       int
	Duration        time.Duration
}

// Summary renders the stats line posted to the webhook
func (s Stats) Summary() string {
	return fmt.Sprintf(
		"Cycle summary: %d categories, %d products resolved, %d new, %d price changes, %d notified, %d duplicates skipped, %d keyword-excluded, %d below threshold, %d resolve errors, %d ssl errors, %d requests, took %s",
		s.Categories, s.Products, s.NewProducts, s.PriceChanges, s.Notified,
		s.DuplicateSkips, s.KeywordExcluded, s.BelowThreshold, s.ResolveErrors,
		s.SSLErrors, s.Requests, s.Duration.Round(time.Second),
	)
}

func (s *Stats) add(other Stats) {
	s.Categories += other.Categories
	s.Products += other.Products
	s.NewProducts += other.NewProducts
	s.PriceChanges += other.PriceChanges
	s.Notified += other.Notified
	s.DuplicateSkips += other.DuplicateSkips
	s.KeywordExcluded += other.KeywordExcluded
	s.BelowThreshold += other.BelowThreshold
	s.ResolveErrors += other.ResolveErrors
	s.Requests += other.Requests
	s.SSLErrors += other.SSLErrors
	s.Duration += other.Duration
}

// Orchestrator runs the monitor's outer loop: crawl every category in
// sequence, diff against persisted state, deliver events, persist, then
// sleep until the next cycle. One cycle crashing never kills the
// process; the loop recovers and restarts after a delay.
type Orchestrator struct {
	Cfg        *config.Config
	Collector  Collector
	Resolver   Resolver
	Classifier *classify.Classifier
	Store      *state.Store
	Sink       notifier.Sink
	Audit      AuditLog

	// Sleep is context-aware so shutdown interrupts long waits
	Sleep func(ctx context.Context, d time.Duration)
	Now   func() time.Time

	sslErrors atomic.Int64
	cycles    int
	totals    Stats
}

// NewOrchestrator wires the pipeline stages into an orchestrator
func NewOrchestrator(cfg *config.Config, collector Collector, resolver Resolver, classifier *classify.Classifier, store *state.Store, sink notifier.Sink, audit AuditLog) *Orchestrator {
	return &Orchestrator{
		Cfg:        cfg,
		Collector:  collector,
		Resolver:   resolver,
		Classifier: classifier,
		Store:      store,
		Sink:       sink,
		Audit:      audit,
		Sleep:      sleepCtx,
		Now:        time.Now,
	}
}

// NoteSSLError counts one TLS handshake failure; wire this to the fetch
// client's OnSSLError hook
func (o *Orchestrator) NoteSSLError() {
	o.sslErrors.Add(1)
}

// Run executes cycles until the context is cancelled
func (o *Orchestrator) Run(ctx context.Context) {
	for ctx.Err() == nil {
		o.safeCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		interval := jitter(o.Cfg.CycleIntervalMin, o.Cfg.CycleIntervalMax)
		logger.Info("Cycle complete. Sleeping %s until next cycle.", interval.Round(time.Second))
		o.Sleep(ctx, interval)
	}
}

// safeCycle contains one cycle's panics: report, pause, continue
func (o *Orchestrator) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Cycle crashed: %v. Restarting in %s.", r, crashRestartDelay)
			o.notifyText(fmt.Sprintf("Monitor cycle crashed: %v. Restarting in %s.", r, crashRestartDelay))
			o.Sleep(ctx, crashRestartDelay)
		}
	}()
	o.RunCycle(ctx)
}

// RunCycle processes every configured category once
func (o *Orchestrator) RunCycle(ctx context.Context) Stats {
	start := o.Now()
	seen := o.Store.LoadSeen(o.Cfg.GlobalOut)

	var stats Stats
	for _, cat := range o.Cfg.Categories {
		if ctx.Err() != nil {
			break
		}
		stats.add(o.runCategory(ctx, cat, seen))
		pause := jitter(interCategoryMin, interCategoryMax)
		logger.Info("Waiting %s after %s", pause.Round(time.Second), cat.Name)
		o.Sleep(ctx, pause)
	}

	if err := o.Store.SaveSeen(o.Cfg.GlobalOut, seen); err != nil {
		logger.Error("Failed to persist seen product IDs: %v", err)
	}

	stats.SSLErrors = int(o.sslErrors.Swap(0))
	stats.Duration = o.Now().Sub(start)
	o.cycles++
	o.totals.add(stats)
	logger.Info("%s", stats.Summary())
	if o.cycles%summaryEvery == 0 {
		o.notifyText(fmt.Sprintf("After %d cycles: %s", o.cycles, o.totals.Summary()))
	}

	o.coolDownAfterSSLErrors(ctx, stats.SSLErrors)
	return stats
}

func (o *Orchestrator) runCategory(ctx context.Context, cat config.Category, seen *state.SeenIDs) Stats {
	stats := Stats{Categories: 1}
	logger.ForCategory(cat.Name).Info().Msg("Starting category crawl")
	o.notifyText(fmt.Sprintf("Starting crawl for category: %s", cat.Name))

	prev := o.Store.LoadCategory(cat.StateFile)
	urls, requests := o.Collector.Collect(ctx, cat, seen, o.Cfg.ForceRefresh)
	stats.Requests = requests

	batch := make([]product.Facts, 0, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		facts, err := o.Resolver.Resolve(ctx, u, cat)
		if err != nil {
			switch {
			case errors.Is(err, resolve.ErrKeywordExcluded):
				stats.KeywordExcluded++
			case errors.Is(err, resolve.ErrBelowThreshold):
				stats.BelowThreshold++
			default:
				stats.ResolveErrors++
				logger.Error("Failed to resolve %s: %v", u, err)
			}
			continue
		}
		batch = append(batch, *facts)
	}
	stats.Products = len(batch)

	events := o.Classifier.Classify(batch, prev, seen)
	for _, event := range events {
		switch event.Type {
		case product.EventNew:
			stats.NewProducts++
		case product.EventPriceChange:
			stats.PriceChanges++
		}
		p := event.Product
		if o.Audit.IsDuplicate(p.Name, p.URL, p.ID) {
			stats.DuplicateSkips++
			continue
		}
		if err := o.Sink.Notify(event); err != nil {
			logger.Error("Failed to deliver event for %s: %v", p.Name, err)
			continue
		}
		if err := o.Audit.Append(event); err != nil {
			logger.Error("Failed to record event for %s: %v", p.Name, err)
		}
		stats.Notified++
	}

	updates := make(state.CategoryState, len(batch))
	currentIDs := make(map[string]bool, len(batch))
	for _, facts := range batch {
		updates[facts.ID] = state.EntryFromFacts(facts)
		currentIDs[facts.ID] = true
	}
	if err := o.Store.SaveCategory(cat.StateFile, updates, currentIDs); err != nil {
		logger.Error("Failed to save state for %s: %v", cat.Name, err)
	}

	o.notifyText(fmt.Sprintf("Finished %s: %d products, %d notified", cat.Name, stats.Products, stats.Notified))
	return stats
}

// coolDownAfterSSLErrors backs off hard when the origin starts refusing
// TLS handshakes; the cool-down fires only above the threshold
func (o *Orchestrator) coolDownAfterSSLErrors(ctx context.Context, count int) {
	if count <= sslErrorThreshold {
		return
	}
	logger.Warn("%d SSL errors this cycle. Cooling down for %s.", count, sslCooldown)
	o.notifyText(fmt.Sprintf("%d SSL errors this cycle. Cooling down for %s.", count, sslCooldown))
	o.Sleep(ctx, sslCooldown)
}

func (o *Orchestrator) notifyText(message string) {
	if err := o.Sink.NotifyText(message); err != nil {
		logger.Error("Failed to post status message: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(mathrand.Int63n(int64(max-min)))
}
