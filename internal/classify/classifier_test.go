package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/internal/state"
)

func facts(id string, price *float64, discount float64) product.Facts {
	return product.Facts{
		ID:           id,
		Name:         "Product " + id,
		URL:          "https://shop.example.com/x/p" + id,
		CurrentPrice: price,
		Discount:     discount,
		StockStatus:  product.StockInStock,
		Category:     "Test",
	}
}

func entry(price *float64, stock product.StockStatus) state.Entry {
	return state.Entry{
		Name:        "Product",
		URL:         "https://shop.example.com/x",
		LatestPrice: price,
		StockStatus: stock,
	}
}

func TestClassifyNewProduct(t *testing.T) {
	seen := state.NewSeenIDs()
	c := NewClassifier()

	events := c.Classify([]product.Facts{facts("1", product.Float(10), 0)}, state.CategoryState{}, seen)
	require.Len(t, events, 1)
	assert.Equal(t, product.EventNew, events[0].Type)
	assert.True(t, seen.Contains("1"), "new product identity joins the seen set")
}

func TestClassifyPriceDecrease(t *testing.T) {
	prev := state.CategoryState{"1": entry(product.Float(10), product.StockInStock)}
	c := NewClassifier()

	events := c.Classify([]product.Facts{facts("1", product.Float(9), 0)}, prev, state.NewSeenIDs())
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, product.EventPriceChange, ev.Type)
	assert.Equal(t, 10.0, *ev.PreviousPrice)
	assert.Equal(t, product.DirectionDecreased, ev.Direction)
	assert.InDelta(t, -1.0, *ev.Diff, 0.001)
}

func TestClassifyPriceIncrease(t *testing.T) {
	prev := state.CategoryState{"1": entry(product.Float(10), product.StockInStock)}
	events := NewClassifier().Classify([]product.Facts{facts("1", product.Float(12), 0)}, prev, state.NewSeenIDs())
	require.Len(t, events, 1)
	assert.Equal(t, product.DirectionIncreased, events[0].Direction)
}

func TestClassifyUnchangedPrice(t *testing.T) {
	prev := state.CategoryState{"1": entry(product.Float(10), product.StockInStock)}
	events := NewClassifier().Classify([]product.Facts{facts("1", product.Float(10), 0)}, prev, state.NewSeenIDs())
	assert.Empty(t, events)
}

func TestClassifySubEpsilonMoveIgnored(t *testing.T) {
	prev := state.CategoryState{"1": entry(product.Float(10), product.StockInStock)}
	events := NewClassifier().Classify([]product.Facts{facts("1", product.Float(10.005), 0)}, prev, state.NewSeenIDs())
	assert.Empty(t, events)
}

func TestClassifyNilTransitions(t *testing.T) {
	c := NewClassifier()

	// value -> nil
	prev := state.CategoryState{"1": entry(product.Float(10), product.StockInStock)}
	events := c.Classify([]product.Facts{facts("1", nil, 0)}, prev, state.NewSeenIDs())
	require.Len(t, events, 1)
	assert.Equal(t, product.DirectionChanged, events[0].Direction)
	assert.Nil(t, events[0].Diff)

	// nil -> value
	prev = state.CategoryState{"1": entry(nil, product.StockInStock)}
	events = c.Classify([]product.Facts{facts("1", product.Float(5), 0)}, prev, state.NewSeenIDs())
	require.Len(t, events, 1)
	assert.Equal(t, product.DirectionChanged, events[0].Direction)

	// nil -> nil is no change
	events = c.Classify([]product.Facts{facts("1", nil, 0)}, prev, state.NewSeenIDs())
	assert.Empty(t, events)
}

func TestClassifyStockOnlyChangeIsSilent(t *testing.T) {
	prev := state.CategoryState{"1": entry(product.Float(10), product.StockOutOf)}
	f := facts("1", product.Float(10), 0)
	f.StockStatus = product.StockInStock

	events := NewClassifier().Classify([]product.Facts{f}, prev, state.NewSeenIDs())
	assert.Empty(t, events, "stock-only changes are logged, never notified")
}

func TestClassifyDuplicateIdentityFirstWins(t *testing.T) {
	first := facts("1", product.Float(10), 0)
	second := facts("1", product.Float(5), 0)

	events := NewClassifier().Classify([]product.Facts{first, second}, state.CategoryState{}, state.NewSeenIDs())
	require.Len(t, events, 1)
	assert.Equal(t, 10.0, *events[0].Product.CurrentPrice)
}

func TestClassifyOrderedByDescendingDiscount(t *testing.T) {
	batch := []product.Facts{
		facts("1", product.Float(10), 20),
		facts("2", product.Float(10), 70),
		facts("3", product.Float(10), 50),
	}

	events := NewClassifier().Classify(batch, state.CategoryState{}, state.NewSeenIDs())
	require.Len(t, events, 3)
	assert.Equal(t, "2", events[0].Product.ID)
	assert.Equal(t, "3", events[1].Product.ID)
	assert.Equal(t, "1", events[2].Product.ID)
}

func TestClassifyPanicContained(t *testing.T) {
	// A panic while classifying one product must not stop the batch
	c := NewClassifier()
	base := c.transition
	c.transition = func(f product.Facts, prev state.CategoryState) *product.ChangeEvent {
		if f.ID == "2" {
			panic("poisoned record")
		}
		return base(f, prev)
	}

	batch := []product.Facts{
		facts("1", product.Float(10), 0),
		facts("2", product.Float(10), 0),
		facts("3", product.Float(10), 0),
	}
	events := c.Classify(batch, state.CategoryState{}, state.NewSeenIDs())
	require.Len(t, events, 2, "products before and after the panic still classify")
	assert.Equal(t, "1", events[0].Product.ID)
	assert.Equal(t, "3", events[1].Product.ID)
}
