package classify

import (
	"math"
	"sort"

	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/internal/state"
	"pricewatch/monitor/logger"
)

// priceEpsilon is the smallest price movement treated as a change
const priceEpsilon = 0.01

// Classifier compares freshly scraped facts against the persisted
// category state and emits the minimal change-event stream. Stock-only
// changes are logged but never produce an event; only price moves and
// new listings are reported downstream.
type Classifier struct {
	transition func(product.Facts, state.CategoryState) *product.ChangeEvent
}

// NewClassifier creates a classifier
func NewClassifier() *Classifier {
	c := &Classifier{}
	c.transition = c.applyTransition
	return c
}

// Classify evaluates each product once against the previous state.
// Duplicate identities within the batch are dropped (first occurrence
// wins). Every emitted event's identity is added to seen. The returned
// events are ordered by descending discount so the best deals are
// reported first. A panic while classifying one product is contained;
// the rest of the batch still classifies.
func (c *Classifier) Classify(batch []product.Facts, prev state.CategoryState, seen *state.SeenIDs) []product.ChangeEvent {
	var events []product.ChangeEvent
	inBatch := make(map[string]bool, len(batch))

	for i := range batch {
		facts := batch[i]
		if inBatch[facts.ID] {
			logger.Warn("Skipping duplicate product ID %s in %s: %s", facts.ID, facts.Category, facts.Name)
			continue
		}
		inBatch[facts.ID] = true

		event := c.classifyOne(facts, prev)
		if event != nil {
			events = append(events, *event)
			seen.Add(facts.ID)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Product.Discount > events[j].Product.Discount
	})
	return events
}

// classifyOne runs one transition inside the per-product crash
// boundary: a panic drops this product only, never the batch
func (c *Classifier) classifyOne(facts product.Facts, prev state.CategoryState) (event *product.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Classification panic for product %s (%s): %v", facts.ID, facts.Category, r)
			event = nil
		}
	}()
	return c.transition(facts, prev)
}

// applyTransition is the transition table for a single identity
func (c *Classifier) applyTransition(facts product.Facts, prev state.CategoryState) *product.ChangeEvent {
	entry, known := prev[facts.ID]
	if !known {
		logger.Info("New product detected (%s): %s, Product ID: %s", facts.Category, facts.Name, facts.ID)
		return &product.ChangeEvent{Type: product.EventNew, Product: facts}
	}

	oldPrice := entry.LatestPrice
	newPrice := facts.CurrentPrice

	if priceChanged(oldPrice, newPrice) {
		ev := &product.ChangeEvent{
			Type:          product.EventPriceChange,
			Product:       facts,
			PreviousPrice: oldPrice,
			Direction:     product.DirectionChanged,
		}
		if oldPrice != nil && newPrice != nil {
			diff := *newPrice - *oldPrice
			ev.Diff = &diff
			if diff > 0 {
				ev.Direction = product.DirectionIncreased
			} else {
				ev.Direction = product.DirectionDecreased
			}
		}
		logger.Info("Price change detected (%s) for %s: %v -> %v", facts.Category, facts.Name, fmtPrice(oldPrice), fmtPrice(newPrice))
		return ev
	}

	if facts.StockStatus != entry.StockStatus {
		// Recorded in state, never notified
		logger.Info("Stock status change (%s) for %s: %s -> %s", facts.Category, facts.Name, entry.StockStatus, facts.StockStatus)
	}
	return nil
}

// priceChanged treats nil-to-value and value-to-nil as changes, and
// ignores sub-epsilon float noise
func priceChanged(old, new *float64) bool {
	switch {
	case old == nil && new == nil:
		return false
	case old == nil || new == nil:
		return true
	default:
		return math.Abs(*new-*old) > priceEpsilon
	}
}

func fmtPrice(p *float64) interface{} {
	if p == nil {
		return "none"
	}
	return *p
}
