package price

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOracle_FetchAndCache(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Contains(t, r.URL.Query().Get("ids"), "ethereum")
		json.NewEncoder(w).Encode(map[string]map[string]float64{
			"ethereum": {"usd": 3111.5},
		})
	}))
	defer server.Close()

	o := NewHTTPOracle(server.URL, time.Minute)

	p, ok := o.Price("ETH")
	require.True(t, ok)
	assert.Equal(t, 3111.5, p)

	// Second read inside the TTL comes from cache.
	p, ok = o.Price("eth")
	require.True(t, ok)
	assert.Equal(t, 3111.5, p)
	assert.Equal(t, int64(1), calls.Load())
}

func TestHTTPOracle_FallsBackToStaticTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	o := NewHTTPOracle(server.URL, time.Minute)

	p, ok := o.Price("XRP")
	require.True(t, ok, "static table serves when the vendor is down")
	assert.Equal(t, FallbackPrices["XRP"], p)

	_, ok = o.Price("NOSUCHTOKEN")
	assert.False(t, ok)
}

func TestHTTPOracle_ServesStaleCacheOnFailure(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]map[string]float64{"solana": {"usd": 142.0}})
	}))
	defer server.Close()

	o := NewHTTPOracle(server.URL, time.Nanosecond) // expire immediately

	p, ok := o.Price("SOL")
	require.True(t, ok)
	assert.Equal(t, 142.0, p)

	healthy = false
	p, ok = o.Price("SOL")
	require.True(t, ok, "stale cache beats the static table")
	assert.Equal(t, 142.0, p)
}

func TestStatic(t *testing.T) {
	s := NewStatic(map[string]float64{"WETH": 3000})
	p, ok := s.Price("weth")
	require.True(t, ok)
	assert.Equal(t, 3000.0, p)

	_, ok = s.Price("SOL")
	assert.False(t, ok)

	defaulted := NewStatic(nil)
	p, ok = defaulted.Price("BTC")
	require.True(t, ok)
	assert.Equal(t, FallbackPrices["BTC"], p)
}
