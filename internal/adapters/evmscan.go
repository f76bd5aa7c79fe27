package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/price"
)

// EVMScanner polls an etherscan-compatible explorer API for ERC-20
// transfers of watched tokens. One instance serves one chain; Ethereum and
// Polygon differ only in endpoint, source tag and watchlist.
type EVMScanner struct {
	counters

	name      string
	source    model.Source
	chain     string
	cfg       config.AdapterConfig
	tokens    map[string]config.TokenInfo
	oracle    price.Oracle
	threshold float64

	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	lastBlock int64
	seen      *seenSet
}

// NewEVMScanner builds a poller for one EVM chain.
func NewEVMScanner(name string, source model.Source, chain string, cfg config.AdapterConfig,
	tokens map[string]config.TokenInfo, oracle price.Oracle, globalThreshold float64) *EVMScanner {

	rps := cfg.RPS
	if rps <= 0 {
		rps = 4
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 2
	}
	return &EVMScanner{
		name:      name,
		source:    source,
		chain:     chain,
		cfg:       cfg,
		tokens:    tokens,
		oracle:    oracle,
		threshold: globalThreshold,
		client:    &http.Client{Timeout: cfg.Timeout()},
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     name,
			Interval: 60 * time.Second,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		seen: newSeenSet(8192),
	}
}

// Name implements Adapter.
func (s *EVMScanner) Name() string { return s.name }

// Start implements Adapter. The first cycle establishes a latest-block
// baseline so a restart never replays history; polling walks forward from
// there and only advances the cursor after a fully successful cycle.
func (s *EVMScanner) Start(ctx context.Context, out chan *model.RawEvent) error {
	if err := s.baseline(ctx); err != nil {
		return fmt.Errorf("%s baseline: %w", s.name, err)
	}
	log.Info().Str("adapter", s.name).Int64("block", s.lastBlock).Int("tokens", len(s.tokens)).Msg("EVM scanner started")

	failures := 0
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.pollOnce(ctx, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			s.errors.Add(1)
			delay := backoff(failures, time.Second, 30*time.Second)
			log.Warn().Str("adapter", s.name).Err(err).Dur("backoff", delay).Msg("Poll cycle failed")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}
		failures = 0
	}
}

func (s *EVMScanner) baseline(ctx context.Context) error {
	q := url.Values{}
	q.Set("module", "proxy")
	q.Set("action", "eth_blockNumber")

	var resp struct {
		Result string `json:"result"`
	}
	if err := s.get(ctx, q, &resp); err != nil {
		return err
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(resp.Result, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("bad block number %q: %w", resp.Result, err)
	}
	s.lastBlock = n
	return nil
}

type scanTransfer struct {
	BlockNumber  string `json:"blockNumber"`
	TimeStamp    string `json:"timeStamp"`
	Hash         string `json:"hash"`
	LogIndex     string `json:"logIndex"`
	From         string `json:"from"`
	To           string `json:"to"`
	Value        string `json:"value"`
	TokenSymbol  string `json:"tokenSymbol"`
	TokenDecimal string `json:"tokenDecimal"`
	GasPrice     string `json:"gasPrice"`
}

type scanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (s *EVMScanner) pollOnce(ctx context.Context, out chan *model.RawEvent) error {
	maxBlock := s.lastBlock
	for symbol, token := range s.tokens {
		transfers, err := s.fetchTransfers(ctx, token.Contract)
		if err != nil {
			return fmt.Errorf("token %s: %w", symbol, err)
		}

		gasHigh := gasUrgencyCutoff(transfers)
		for _, tr := range transfers {
			// Advance the cursor past every row, filtered or not, so a
			// window of sub-threshold transfers is never re-fetched.
			if block, err := strconv.ParseInt(tr.BlockNumber, 10, 64); err == nil && block > maxBlock {
				maxBlock = block
			}
			ev, ok := s.toEvent(symbol, token, tr, gasHigh)
			if !ok {
				continue
			}
			if !s.seen.Add(fmt.Sprintf("%s|%s|%d", s.chain, ev.TxHash, ev.LogIndex)) {
				continue
			}
			s.emit(ctx, out, ev, s.name)
		}
	}
	s.lastBlock = maxBlock
	return nil
}

func (s *EVMScanner) fetchTransfers(ctx context.Context, contract string) ([]scanTransfer, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "tokentx")
	q.Set("contractaddress", contract)
	q.Set("startblock", strconv.FormatInt(s.lastBlock+1, 10))
	q.Set("endblock", "latest")
	q.Set("sort", "asc")

	var resp scanResponse
	if err := s.get(ctx, q, &resp); err != nil {
		return nil, err
	}
	// Status "0" with "No transactions found" is a normal empty window.
	if resp.Status == "0" && !strings.Contains(resp.Message, "No transactions") {
		return nil, fmt.Errorf("scan API rejected request: %s", resp.Message)
	}

	var transfers []scanTransfer
	if err := json.Unmarshal(resp.Result, &transfers); err != nil {
		if resp.Status == "0" {
			return nil, nil
		}
		return nil, fmt.Errorf("scan API result malformed: %w", err)
	}
	return transfers, nil
}

func (s *EVMScanner) get(ctx context.Context, q url.Values, dst interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if key := s.cfg.APIKey(); key != "" {
		q.Set("apikey", key)
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("explorer returned HTTP %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		return nil, json.Unmarshal(body, dst)
	})
	return err
}

// toEvent converts one explorer row to a RawEvent, applying decimal scaling
// and the USD threshold. Returns ok=false for rows below threshold.
func (s *EVMScanner) toEvent(symbol string, token config.TokenInfo, tr scanTransfer, gasHigh *big.Int) (*model.RawEvent, bool) {
	raw, ok := new(big.Int).SetString(tr.Value, 10)
	if !ok || raw.Sign() <= 0 {
		return nil, false
	}
	decimals := token.Decimals
	if d, err := strconv.Atoi(tr.TokenDecimal); err == nil && d > 0 {
		decimals = d
	}
	amount := scaleDecimals(raw, decimals)
	if amount <= 0 {
		return nil, false
	}

	var usd float64
	if p, ok := s.oracle.Price(symbol); ok {
		usd = amount * p
	}
	minUSD := s.threshold
	if token.MinThresholdUSD > minUSD {
		minUSD = token.MinThresholdUSD
	}
	if s.cfg.MinValueUSD > minUSD {
		minUSD = s.cfg.MinValueUSD
	}
	// No price means no USD value: the row cannot clear the threshold, so
	// it is filtered rather than let through unvalued.
	if usd < minUSD {
		s.filtered.Add(1)
		return nil, false
	}

	block, _ := strconv.ParseInt(tr.BlockNumber, 10, 64)
	ts, _ := strconv.ParseInt(tr.TimeStamp, 10, 64)
	logIndex, _ := strconv.Atoi(tr.LogIndex)

	ev := &model.RawEvent{
		Source:      s.source,
		Blockchain:  s.chain,
		TxHash:      strings.ToLower(tr.Hash),
		LogIndex:    logIndex,
		BlockNumber: block,
		From:        strings.ToLower(tr.From),
		To:          strings.ToLower(tr.To),
		Symbol:      strings.ToUpper(symbol),
		Amount:      amount,
		USDValue:    usd,
		Timestamp:   ts,
	}
	if gasHigh != nil && tr.GasPrice != "" {
		if gp, ok := new(big.Int).SetString(tr.GasPrice, 10); ok && gp.Cmp(gasHigh) >= 0 {
			ev.Raw = map[string]string{"gas_urgency": "high"}
		}
	}
	return ev, true
}

// scaleDecimals converts a raw integer token amount to a float using the
// token's decimal count without losing the integer part to float parsing.
func scaleDecimals(raw *big.Int, decimals int) float64 {
	f := new(big.Float).SetInt(raw)
	if decimals > 0 {
		div := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
		f.Quo(f, div)
	}
	out, _ := f.Float64()
	return out
}

// gasUrgencyCutoff returns the gas price at the top decile of the batch, or
// nil when the batch is too small to rank.
func gasUrgencyCutoff(transfers []scanTransfer) *big.Int {
	if len(transfers) < 10 {
		return nil
	}
	prices := make([]*big.Int, 0, len(transfers))
	for _, tr := range transfers {
		if gp, ok := new(big.Int).SetString(tr.GasPrice, 10); ok {
			prices = append(prices, gp)
		}
	}
	if len(prices) < 10 {
		return nil
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Cmp(prices[j]) < 0 })
	return prices[len(prices)*9/10]
}
