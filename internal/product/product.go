package product

// StockStatus represents a product's stock availability
type StockStatus string

const (
	StockInStock   StockStatus = "In Stock"
	StockOutOf     StockStatus = "Out of Stock"
	StockNotListed StockStatus = "Not listed"
	StockUnknown   StockStatus = "Unknown"
)

// Facts holds everything scraped from one product page in one cycle.
// A Facts value is built once and never mutated afterwards.
type Facts struct {
	ID            string      `json:"product_id"`
	Name          string      `json:"name"`
	URL           string      `json:"url"`
	CurrentPrice  *float64    `json:"current_price"`
	OriginalPrice *float64    `json:"original_price"`
	Discount      float64     `json:"discount"`
	StockStatus   StockStatus `json:"stock_status"`
	Image         string      `json:"image,omitempty"`
	Sizes         []string    `json:"sizes"`
	Variants      []string    `json:"variants,omitempty"`
	Category      string      `json:"category"`
}

// EventType identifies the kind of change a classifier detected
type EventType string

const (
	EventNew         EventType = "new"
	EventPriceChange EventType = "price_change"
)

// Direction describes how a price moved
type Direction string

const (
	DirectionIncreased Direction = "increased"
	DirectionDecreased Direction = "decreased"
	// DirectionChanged covers nil-to-value and value-to-nil transitions
	DirectionChanged Direction = "changed"
)

// ChangeEvent is one detected change, handed to notification sinks
type ChangeEvent struct {
	Type          EventType `json:"event_type"`
	Product       Facts     `json:"product"`
	PreviousPrice *float64  `json:"previous_price,omitempty"`
	Diff          *float64  `json:"price_diff,omitempty"`
	Direction     Direction `json:"direction,omitempty"`
}

// Discount computes the percentage discount between an original and a
// current price. Only a real markdown counts: original > current > 0.
func Discount(original, current *float64) float64 {
	if original == nil || current == nil {
		return 0
	}
	if *original > *current && *current > 0 {
		return (*original - *current) / *original * 100
	}
	return 0
}

// Float returns a pointer to v, for building optional prices
func Float(v float64) *float64 {
	return &v
}
