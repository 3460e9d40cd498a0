package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"pricewatch/monitor/logger"
	errs "pricewatch/monitor/pkg/errors"
	"pricewatch/monitor/services/cache"
)

var userAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.114 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/112.0.0.0 Safari/537.36",
}

// BackoffPolicy maps an error kind and the attempt number to the delay
// before the next attempt
type BackoffPolicy func(kind errs.ErrorType, attempt int) time.Duration

// DefaultBackoff waits longer after SSL-class failures (5-10s) than
// after plain network failures (1-2s)
func DefaultBackoff(kind errs.ErrorType, attempt int) time.Duration {
	if kind == errs.ErrorTypeSSL {
		return jitter(5*time.Second, 10*time.Second)
	}
	return jitter(1*time.Second, 2*time.Second)
}

// DefaultPreDelay is the politeness delay before every request (2-4s)
func DefaultPreDelay() time.Duration {
	return jitter(2*time.Second, 4*time.Second)
}

func jitter(min, max time.Duration) time.Duration {
	return min + time.Duration(mathrand.Int63n(int64(max-min)))
}

// Fetcher performs throttled HTTP GETs with bounded retry. Each request
// is preceded by a jittered politeness delay; failures back off per the
// configured policy. The delays are minimums, not best effort.
type Fetcher struct {
	Client      *http.Client
	CacheSvc    cache.CacheService
	BlockTime   time.Duration
	MaxAttempts int
	Backoff     BackoffPolicy
	PreDelay    func() time.Duration
	Sleep       func(time.Duration)

	// OnExhausted fires exactly once per URL whose attempt budget ran out
	OnExhausted func(url string, err error)
	// OnSSLError fires for every SSL-class failure, feeding the cycle counter
	OnSSLError func()
}

// NewFetcher creates a fetcher with the standard timeouts and policies
func NewFetcher(cacheSvc cache.CacheService) *Fetcher {
	return &Fetcher{
		Client:      &http.Client{Timeout: 8 * time.Second},
		CacheSvc:    cacheSvc,
		BlockTime:   500 * time.Second,
		MaxAttempts: 3,
		Backoff:     DefaultBackoff,
		PreDelay:    DefaultPreDelay,
		Sleep:       time.Sleep,
	}
}

// attempt loop states
type attemptState int

const (
	attempting attemptState = iota
	succeeded
	failed
)

// Fetch gets a URL, returning its body decoded to UTF-8. On repeated
// failure the last error is returned and OnExhausted is invoked once.
func (f *Fetcher) Fetch(ctx context.Context, url string) (io.Reader, error) {
	if blocked, err := f.isBlocked(url); blocked {
		return nil, err
	}

	var (
		state   = attempting
		body    io.Reader
		lastErr error
	)

	for n := 1; state == attempting; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.Sleep(f.PreDelay())

		body, lastErr = f.doRequest(ctx, url)
		if lastErr == nil {
			state = succeeded
			break
		}

		kind := classify(lastErr)
		if kind == errs.ErrorTypeSSL && f.OnSSLError != nil {
			f.OnSSLError()
		}
		logger.Warn("Fetch attempt %d/%d failed for %s: %v", n, f.MaxAttempts, url, lastErr)

		switch {
		case kind == errs.ErrorTypeRateLimit:
			f.block(url)
			state = failed
		case n >= f.MaxAttempts:
			state = failed
		default:
			f.Sleep(f.Backoff(kind, n))
		}
	}

	if state == failed {
		err := errs.New(classify(lastErr), "", fmt.Sprintf("failed to fetch %s after %d attempts", url, f.MaxAttempts), lastErr)
		if f.OnExhausted != nil {
			f.OnExhausted(url, err)
		}
		return nil, err
	}
	return body, nil
}

// isBlocked short-circuits sources that hit a rate limit recently
func (f *Fetcher) isBlocked(url string) (bool, error) {
	if f.CacheSvc == nil {
		return false, nil
	}
	if _, err := f.CacheSvc.Get(blockKey(url)); err == nil {
		return true, errs.NewRateLimit(url, f.BlockTime)
	}
	return false, nil
}

func (f *Fetcher) block(url string) {
	if f.CacheSvc == nil {
		return
	}
	value := []byte(fmt.Sprintf("%d", int(f.BlockTime.Seconds())))
	if err := f.CacheSvc.Set(blockKey(url), value, f.BlockTime); err != nil {
		logger.Debug("Failed to set rate limit block for %s: %v", url, err)
	}
}

func blockKey(url string) string {
	return "fetch_blocked:" + url
}

func (f *Fetcher) doRequest(ctx context.Context, url string) (io.Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.NewNetwork("", "failed to create request", err)
	}

	rnd := mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
	req.Header.Set("User-Agent", userAgents[rnd.Intn(len(userAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-GB,en;q=0.5")
	req.Header.Set("Connection", "keep-alive")

	resp, err := f.Client.Do(req)
	if err != nil {
		if isSSLError(err) {
			return nil, errs.NewSSL("", "tls failure", err)
		}
		return nil, errs.NewNetwork("", "request failed", err)
	}
	defer resp.Body.Close()

	if slices.Contains([]int{http.StatusTooManyRequests, 430}, resp.StatusCode) {
		return nil, errs.NewRateLimit(url, f.BlockTime)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.NewNetwork("", fmt.Sprintf("unexpected status code %d", resp.StatusCode), nil)
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.NewNetwork("", "failed to read response body", err)
	}

	// Decode to UTF-8 when the origin serves another charset
	encoding, name, _ := charset.DetermineEncoding(bodyBytes, resp.Header.Get("Content-Type"))
	if strings.EqualFold(name, "utf-8") {
		return bytes.NewReader(bodyBytes), nil
	}
	utf8Reader := encoding.NewDecoder().Reader(bytes.NewReader(bodyBytes))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, utf8Reader); err != nil {
		return nil, errs.NewParsing("", "failed to decode response body", err)
	}
	return &buf, nil
}

// classify maps an error to its taxonomy kind for backoff decisions
func classify(err error) errs.ErrorType {
	var me *errs.MonitorError
	if errors.As(err, &me) {
		return me.Type
	}
	if isSSLError(err) {
		return errs.ErrorTypeSSL
	}
	return errs.ErrorTypeNetwork
}

func isSSLError(err error) bool {
	if err == nil {
		return false
	}
	var (
		certErr     x509.CertificateInvalidError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		recordErr   tls.RecordHeaderError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) || errors.As(err, &recordErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}
