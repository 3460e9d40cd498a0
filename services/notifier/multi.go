package notifier

import (
	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/logger"
)

// MultiSink fans one event out to several sinks. A failing sink is
// logged and skipped; the rest still receive the event.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out over the given sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Notify delivers the event to every sink
func (m *MultiSink) Notify(event product.ChangeEvent) error {
	var lastErr error
	for _, s := range m.sinks {
		if err := s.Notify(event); err != nil {
			logger.Error("Sink delivery failed: %v", err)
			lastErr = err
		}
	}
	return lastErr
}

// NotifyText delivers the message to every sink
func (m *MultiSink) NotifyText(message string) error {
	var lastErr error
	for _, s := range m.sinks {
		if err := s.NotifyText(message); err != nil {
			logger.Error("Sink delivery failed: %v", err)
			lastErr = err
		}
	}
	return lastErr
}

// Close closes every sink
func (m *MultiSink) Close() error {
	var lastErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
