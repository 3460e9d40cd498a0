package notifier

import (
	"pricewatch/monitor/internal/product"
)

// Sink receives change events and operational messages. Delivery is
// at-least-once and non-fatal on failure; the cycle continues.
type Sink interface {
	// Notify delivers one change event
	Notify(event product.ChangeEvent) error

	// NotifyText delivers a plain operational message
	NotifyText(message string) error

	// Close releases the sink's resources
	Close() error
}
