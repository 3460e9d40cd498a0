package cycle

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/monitor/config"
	"pricewatch/monitor/internal/classify"
	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/internal/resolve"
	"pricewatch/monitor/internal/state"
)

type stubCollector struct {
	urls     []string
	requests int
	panics   bool
}

func (s *stubCollector) Collect(context.Context, config.Category, *state.SeenIDs, bool) ([]string, int) {
	if s.panics {
		panic("listing walker exploded")
	}
	return s.urls, s.requests
}

type stubResolver struct {
	facts map[string]product.Facts
	errs  map[string]error
}

func (s *stubResolver) Resolve(_ context.Context, url string, _ config.Category) (*product.Facts, error) {
	if err, ok := s.errs[url]; ok {
		return nil, err
	}
	f, ok := s.facts[url]
	if !ok {
		return nil, assert.AnError
	}
	return &f, nil
}

type stubSink struct {
	events   []product.ChangeEvent
	messages []string
	fail     bool
}

func (s *stubSink) Notify(e product.ChangeEvent) error {
	if s.fail {
		return assert.AnError
	}
	s.events = append(s.events, e)
	return nil
}

func (s *stubSink) NotifyText(m string) error {
	s.messages = append(s.messages, m)
	return nil
}

func (s *stubSink) Close() error { return nil }

type stubAudit struct {
	duplicates map[string]bool
	appended   []product.ChangeEvent
}

func (s *stubAudit) IsDuplicate(_, _, id string) bool { return s.duplicates[id] }

func (s *stubAudit) Append(e product.ChangeEvent) error {
	s.appended = append(s.appended, e)
	return nil
}

func coatFacts(id string, price float64) product.Facts {
	return product.Facts{
		ID:           id,
		Name:         "Coat " + id,
		URL:          "https://shop.example.com/coat/p" + id,
		CurrentPrice: product.Float(price),
		StockStatus:  product.StockInStock,
		Category:     "Coats",
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		StateDir:         dir,
		GlobalOut:        filepath.Join(dir, "global_state.json"),
		CycleIntervalMin: time.Second,
		CycleIntervalMax: time.Second,
		Categories: []config.Category{{
			Name:      "Coats",
			URL:       "https://shop.example.com/coats",
			StateFile: filepath.Join(dir, "coats_state.json"),
		}},
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, collector Collector, resolver Resolver, sink *stubSink, audit *stubAudit) (*Orchestrator, *[]time.Duration) {
	t.Helper()
	o := NewOrchestrator(cfg, collector, resolver, classify.NewClassifier(), state.NewStore(), sink, audit)
	var slept []time.Duration
	o.Sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }
	return o, &slept
}

func TestRunCycleNotifiesAndPersists(t *testing.T) {
	cfg := testConfig(t)
	url := "https://shop.example.com/coat/p1"
	collector := &stubCollector{urls: []string{url}, requests: 4}
	resolver := &stubResolver{facts: map[string]product.Facts{url: coatFacts("1", 25)}}
	sink := &stubSink{}
	audit := &stubAudit{}

	o, _ := newTestOrchestrator(t, cfg, collector, resolver, sink, audit)
	stats := o.RunCycle(context.Background())

	assert.Equal(t, 1, stats.Products)
	assert.Equal(t, 1, stats.NewProducts)
	assert.Equal(t, 1, stats.Notified)
	assert.Equal(t, 4, stats.Requests)
	require.Len(t, sink.events, 1)
	assert.Equal(t, product.EventNew, sink.events[0].Type)
	require.Len(t, audit.appended, 1)

	saved := state.NewStore().LoadCategory(cfg.Categories[0].StateFile)
	require.Contains(t, saved, "1")
	assert.Equal(t, 25.0, *saved["1"].LatestPrice)

	seen := state.NewStore().LoadSeen(cfg.GlobalOut)
	assert.True(t, seen.Contains("1"))
}

func TestRunCycleDetectsPriceChangeAcrossCycles(t *testing.T) {
	cfg := testConfig(t)
	url := "https://shop.example.com/coat/p1"
	collector := &stubCollector{urls: []string{url}}
	resolver := &stubResolver{facts: map[string]product.Facts{url: coatFacts("1", 25)}}
	sink := &stubSink{}
	o, _ := newTestOrchestrator(t, cfg, collector, resolver, sink, &stubAudit{})

	o.RunCycle(context.Background())

	resolver.facts[url] = coatFacts("1", 20)
	stats := o.RunCycle(context.Background())

	assert.Equal(t, 1, stats.PriceChanges)
	assert.Equal(t, 0, stats.NewProducts)
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, product.EventPriceChange, last.Type)
	assert.Equal(t, product.DirectionDecreased, last.Direction)
	assert.Equal(t, 25.0, *last.PreviousPrice)
}

func TestRunCycleSkipsAuditDuplicates(t *testing.T) {
	cfg := testConfig(t)
	url := "https://shop.example.com/coat/p1"
	collector := &stubCollector{urls: []string{url}}
	resolver := &stubResolver{facts: map[string]product.Facts{url: coatFacts("1", 25)}}
	sink := &stubSink{}
	audit := &stubAudit{duplicates: map[string]bool{"1": true}}

	o, _ := newTestOrchestrator(t, cfg, collector, resolver, sink, audit)
	stats := o.RunCycle(context.Background())

	assert.Equal(t, 1, stats.DuplicateSkips)
	assert.Equal(t, 0, stats.Notified)
	assert.Empty(t, sink.events)
	assert.Empty(t, audit.appended)
}

func TestRunCycleCountsFilteredProducts(t *testing.T) {
	cfg := testConfig(t)
	collector := &stubCollector{urls: []string{"a", "b", "c"}}
	resolver := &stubResolver{
		facts: map[string]product.Facts{},
		errs: map[string]error{
			"a": resolve.ErrKeywordExcluded,
			"b": resolve.ErrBelowThreshold,
			"c": assert.AnError,
		},
	}
	o, _ := newTestOrchestrator(t, cfg, collector, resolver, &stubSink{}, &stubAudit{})
	stats := o.RunCycle(context.Background())

	assert.Equal(t, 1, stats.KeywordExcluded)
	assert.Equal(t, 1, stats.BelowThreshold)
	assert.Equal(t, 1, stats.ResolveErrors)
	assert.Equal(t, 0, stats.Products)
}

func TestCrashedCycleIsContained(t *testing.T) {
	cfg := testConfig(t)
	sink := &stubSink{}
	o, slept := newTestOrchestrator(t, cfg, &stubCollector{panics: true}, &stubResolver{}, sink, &stubAudit{})

	assert.NotPanics(t, func() { o.safeCycle(context.Background()) })

	require.NotEmpty(t, *slept)
	assert.Equal(t, crashRestartDelay, (*slept)[len(*slept)-1])
	var crashMsg bool
	for _, m := range sink.messages {
		if strings.Contains(m, "crashed") {
			crashMsg = true
		}
	}
	assert.True(t, crashMsg, "crash should be reported to the sink")
}

func TestSSLCooldownOnlyAboveThreshold(t *testing.T) {
	cfg := testConfig(t)
	collector := &stubCollector{}
	o, slept := newTestOrchestrator(t, cfg, collector, &stubResolver{}, &stubSink{}, &stubAudit{})

	// Exactly at the threshold: no cooldown
	for i := 0; i < sslErrorThreshold; i++ {
		o.NoteSSLError()
	}
	stats := o.RunCycle(context.Background())
	assert.Equal(t, sslErrorThreshold, stats.SSLErrors)
	for _, d := range *slept {
		assert.NotEqual(t, sslCooldown, d)
	}

	// One over the threshold: cooldown fires
	*slept = nil
	for i := 0; i < sslErrorThreshold+1; i++ {
		o.NoteSSLError()
	}
	o.RunCycle(context.Background())
	require.NotEmpty(t, *slept)
	assert.Equal(t, sslCooldown, (*slept)[len(*slept)-1])

	// Counter resets; the next cycle runs without a cooldown
	*slept = nil
	o.RunCycle(context.Background())
	for _, d := range *slept {
		assert.NotEqual(t, sslCooldown, d)
	}
}

func TestPauseAfterEveryCategory(t *testing.T) {
	cfg := testConfig(t)
	dir := cfg.StateDir
	cfg.Categories = append(cfg.Categories, config.Category{
		Name:      "Knitwear",
		URL:       "https://shop.example.com/knitwear",
		StateFile: filepath.Join(dir, "knitwear_state.json"),
	})
	o, slept := newTestOrchestrator(t, cfg, &stubCollector{}, &stubResolver{}, &stubSink{}, &stubAudit{})

	o.RunCycle(context.Background())

	var pauses int
	for _, d := range *slept {
		if d >= interCategoryMin && d <= interCategoryMax {
			pauses++
		}
	}
	assert.Equal(t, len(cfg.Categories), pauses, "a pause follows every category, the last included")
}

func TestSummaryPostedEveryThirdCycle(t *testing.T) {
	cfg := testConfig(t)
	sink := &stubSink{}
	o, _ := newTestOrchestrator(t, cfg, &stubCollector{}, &stubResolver{}, sink, &stubAudit{})

	countSummaries := func() int {
		n := 0
		for _, m := range sink.messages {
			if strings.Contains(m, "After ") && strings.Contains(m, "Cycle summary") {
				n++
			}
		}
		return n
	}

	o.RunCycle(context.Background())
	o.RunCycle(context.Background())
	assert.Equal(t, 0, countSummaries())
	o.RunCycle(context.Background())
	assert.Equal(t, 1, countSummaries())
}

func TestRunStopsWhenCancelled(t *testing.T) {
	cfg := testConfig(t)
	o, _ := newTestOrchestrator(t, cfg, &stubCollector{}, &stubResolver{}, &stubSink{}, &stubAudit{})

	ctx, cancel := context.WithCancel(context.Background())
	cycles := 0
	o.Sleep = func(_ context.Context, _ time.Duration) {
		cycles++
		if cycles >= 3 {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
