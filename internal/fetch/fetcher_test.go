package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "pricewatch/monitor/pkg/errors"
)

// fakeCache is an in-memory CacheService for tests
type fakeCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: make(map[string][]byte)}
}

func (c *fakeCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.items[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("cache miss: %s", key)
}

func (c *fakeCache) Set(key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

func (c *fakeCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func newTestFetcher() *Fetcher {
	f := NewFetcher(nil)
	f.PreDelay = func() time.Duration { return 0 }
	f.Sleep = func(time.Duration) {}
	return f
}

func TestFetchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	f := newTestFetcher()
	body, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(data))
}

func TestFetchRetriesThenFails(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var exhausted []string
	f := newTestFetcher()
	f.OnExhausted = func(url string, err error) {
		exhausted = append(exhausted, url)
	}

	_, err := f.Fetch(context.Background(), server.URL)
	assert.Error(t, err)
	assert.Equal(t, 3, attempts, "should use the whole attempt budget")
	assert.Len(t, exhausted, 1, "error notification fires exactly once per failed URL")
}

func TestFetchRecoversWithinBudget(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	f := newTestFetcher()
	body, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, "recovered", string(data))
	assert.Equal(t, 3, attempts)
}

func TestFetchRateLimitBlocksSource(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	f := newTestFetcher()
	f.CacheSvc = newFakeCache()

	_, err := f.Fetch(context.Background(), server.URL)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "rate limited fetch must not retry")

	// The block short-circuits the next fetch entirely
	_, err = f.Fetch(context.Background(), server.URL)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestFetchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher()
	_, err := f.Fetch(ctx, "http://127.0.0.1:1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultBackoff(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := DefaultBackoff(errs.ErrorTypeSSL, 1)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)

		d = DefaultBackoff(errs.ErrorTypeNetwork, 1)
		assert.GreaterOrEqual(t, d, 1*time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestDefaultPreDelay(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := DefaultPreDelay()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
