package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Oracle resolves token symbols to USD prices.
type Oracle interface {
	Price(symbol string) (float64, bool)
}

// FallbackPrices is the static table used when no fresh market data is
// available. Values are deliberately conservative; they only gate the USD
// threshold filter, not any financial output.
var FallbackPrices = map[string]float64{
	"BTC":   60000,
	"ETH":   2500,
	"WETH":  2500,
	"SOL":   140,
	"XRP":   0.55,
	"MATIC": 0.70,
	"POL":   0.70,
	"LINK":  15,
	"UNI":   8,
	"AAVE":  90,
	"PEPE":  0.00001,
	"SHIB":  0.00002,
	"USDT":  1,
	"USDC":  1,
	"DAI":   1,
}

// symbolIDs maps symbols to the market-data vendor's coin identifiers.
var symbolIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"WETH":  "weth",
	"SOL":   "solana",
	"XRP":   "ripple",
	"MATIC": "matic-network",
	"POL":   "matic-network",
	"LINK":  "chainlink",
	"UNI":   "uniswap",
	"AAVE":  "aave",
	"PEPE":  "pepe",
	"SHIB":  "shiba-inu",
	"USDT":  "tether",
	"USDC":  "usd-coin",
	"DAI":   "dai",
}

type cacheEntry struct {
	price     float64
	fetchedAt time.Time
}

// HTTPOracle fetches spot prices from a CoinGecko-style simple-price
// endpoint, caches them with a TTL, and falls back to the static table when
// the network fails.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewHTTPOracle creates an oracle against the given base URL. A zero ttl
// defaults to 60 seconds.
func NewHTTPOracle(baseURL string, ttl time.Duration) *HTTPOracle {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		ttl:     ttl,
		cache:   make(map[string]cacheEntry),
	}
}

// Price returns the USD price for a symbol. Cached values are served until
// the TTL elapses; a failed refresh falls back to the last cached value and
// then to the static table.
func (o *HTTPOracle) Price(symbol string) (float64, bool) {
	symbol = strings.ToUpper(symbol)

	o.mu.RLock()
	entry, ok := o.cache[symbol]
	o.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < o.ttl {
		return entry.price, true
	}

	price, err := o.fetch(symbol)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("Price fetch failed, using fallback")
		if ok {
			return entry.price, true
		}
		fb, found := FallbackPrices[symbol]
		return fb, found
	}

	o.mu.Lock()
	o.cache[symbol] = cacheEntry{price: price, fetchedAt: time.Now()}
	o.mu.Unlock()
	return price, true
}

func (o *HTTPOracle) fetch(symbol string) (float64, error) {
	id, ok := symbolIDs[symbol]
	if !ok {
		return 0, fmt.Errorf("no vendor id for symbol %s", symbol)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("price limiter: %w", err)
	}

	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", o.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	usd, ok := body[id]["usd"]
	if !ok || usd <= 0 {
		return 0, fmt.Errorf("no usd price for %s in response", id)
	}
	return usd, nil
}

// Static is a fixed-price oracle used in tests and as a degraded-mode
// stand-in when no market-data endpoint is configured.
type Static struct {
	prices map[string]float64
}

// NewStatic builds a Static oracle over the given table. A nil table uses
// FallbackPrices.
func NewStatic(prices map[string]float64) *Static {
	if prices == nil {
		prices = FallbackPrices
	}
	return &Static{prices: prices}
}

// Price implements Oracle.
func (s *Static) Price(symbol string) (float64, bool) {
	p, ok := s.prices[strings.ToUpper(symbol)]
	return p, ok
}
