package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeNetwork represents transient network errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeSSL represents TLS handshake/certificate errors, tracked
	// separately because repeated SSL failures trigger a cycle cool-down
	ErrorTypeSSL ErrorType = "ssl"
	// ErrorTypeParsing represents HTML/JSON parsing errors
	ErrorTypeParsing ErrorType = "parsing"
	// ErrorTypeIdentity represents product identity extraction failures
	ErrorTypeIdentity ErrorType = "identity"
	// ErrorTypeRateLimit represents rate limiting errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeState represents state file errors
	ErrorTypeState ErrorType = "state"
	// ErrorTypeNotify represents notification delivery errors
	ErrorTypeNotify ErrorType = "notify"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
)

// MonitorError represents a monitor-specific error
type MonitorError struct {
	Type     ErrorType
	Category string
	Message  string
	Err      error
	Time     time.Time
}

// Error implements the error interface
func (e *MonitorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Category, e.Message)
}

// Unwrap returns the underlying error
func (e *MonitorError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is worth retrying
func (e *MonitorError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeSSL:
		return true
	default:
		return false
	}
}

// New creates a new MonitorError
func New(errType ErrorType, category, message string, err error) *MonitorError {
	return &MonitorError{
		Type:     errType,
		Category: category,
		Message:  message,
		Err:      err,
		Time:     time.Now(),
	}
}

// NewNetwork creates a new network error
func NewNetwork(category, message string, err error) *MonitorError {
	return New(ErrorTypeNetwork, category, message, err)
}

// NewSSL creates a new SSL error
func NewSSL(category, message string, err error) *MonitorError {
	return New(ErrorTypeSSL, category, message, err)
}

// NewParsing creates a new parsing error
func NewParsing(category, message string, err error) *MonitorError {
	return New(ErrorTypeParsing, category, message, err)
}

// NewIdentity creates a new identity extraction error
func NewIdentity(category, url string) *MonitorError {
	return New(ErrorTypeIdentity, category, fmt.Sprintf("no product id in url %s", url), nil)
}

// NewRateLimit creates a new rate limit error
func NewRateLimit(category string, duration time.Duration) *MonitorError {
	message := fmt.Sprintf("rate limited for %v", duration)
	return New(ErrorTypeRateLimit, category, message, nil)
}

// NewState creates a new state file error
func NewState(category, message string, err error) *MonitorError {
	return New(ErrorTypeState, category, message, err)
}

// NewNotify creates a new notification error
func NewNotify(category, message string, err error) *MonitorError {
	return New(ErrorTypeNotify, category, message, err)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *MonitorError {
	return New(ErrorTypeConfiguration, "", message, err)
}
