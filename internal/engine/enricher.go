package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/whaletide/whaletide/internal/intel"
)

// HTTPEnricher queries an external address-labelling vendor. It owns its
// rate limiter and circuit breaker so vendor outages degrade the enrichment
// phase instead of stalling the pipeline.
type HTTPEnricher struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPEnricher builds an enricher for the given vendor endpoint.
func NewHTTPEnricher(baseURL, apiKey string, timeout time.Duration) *HTTPEnricher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEnricher{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "enricher",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

type enrichResponse struct {
	Address    string   `json:"address"`
	Label      string   `json:"label"`
	Entity     string   `json:"entity"`
	Confidence float64  `json:"confidence"`
	BalanceUSD float64  `json:"balance_usd"`
	Tags       []string `json:"tags"`
}

// Enrich implements the Enricher interface.
func (h *HTTPEnricher) Enrich(ctx context.Context, blockchain, address string) (intel.Record, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return intel.Record{}, err
	}

	result, err := h.breaker.Execute(func() (interface{}, error) {
		return h.fetch(ctx, blockchain, address)
	})
	if err != nil {
		return intel.Record{}, err
	}
	return result.(intel.Record), nil
}

func (h *HTTPEnricher) fetch(ctx context.Context, blockchain, address string) (intel.Record, error) {
	q := url.Values{}
	q.Set("chain", blockchain)
	q.Set("address", address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v1/labels?"+q.Encode(), nil)
	if err != nil {
		return intel.Record{}, err
	}
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return intel.Record{}, fmt.Errorf("enrichment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown address is a valid answer, cache it so we don't re-ask.
		return intel.Record{Address: address, Blockchain: blockchain, Category: intel.CategoryEOAUnknown}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return intel.Record{}, fmt.Errorf("enrichment vendor returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return intel.Record{}, err
	}

	var er enrichResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return intel.Record{}, fmt.Errorf("enrichment response malformed: %w", err)
	}

	return intel.Record{
		Address:    address,
		Blockchain: blockchain,
		Category:   vendorCategory(er.Label),
		EntityName: er.Entity,
		Confidence: er.Confidence,
		BalanceUSD: er.BalanceUSD,
		Tags:       er.Tags,
	}, nil
}

// vendorCategory maps the vendor's label taxonomy onto ours.
func vendorCategory(label string) intel.Category {
	switch strings.ToLower(label) {
	case "exchange", "cex":
		return intel.CategoryCEX
	case "dex", "dex_router", "amm":
		return intel.CategoryDEXRouter
	case "lending":
		return intel.CategoryLendingPool
	case "staking":
		return intel.CategoryStakingContract
	case "bridge":
		return intel.CategoryBridge
	case "market_maker", "mm":
		return intel.CategoryMarketMaker
	case "mixer", "sanctioned":
		return intel.CategoryMixerSanctioned
	case "whale", "fund":
		return intel.CategoryWhale
	case "contract":
		return intel.CategoryContractUnknown
	default:
		return intel.CategoryEOAUnknown
	}
}
