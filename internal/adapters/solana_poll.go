package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/price"
)

// SolanaPoller walks transaction signatures for each watched mint over the
// HTTP JSON-RPC API. It complements the websocket adapter: the poller sees
// the real signature and both transfer parties, so when both report the
// same movement the poller's richer event wins in the dedup merge.
type SolanaPoller struct {
	counters

	cfg       config.AdapterConfig
	mints     map[string]config.MintInfo
	oracle    price.Oracle
	threshold float64

	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	cursors map[string]string // mint -> newest processed signature
	seen    *seenSet
	rpcID   int64
}

// NewSolanaPoller builds the polling adapter.
func NewSolanaPoller(cfg config.AdapterConfig, mints map[string]config.MintInfo, oracle price.Oracle, globalThreshold float64) *SolanaPoller {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 4
	}
	return &SolanaPoller{
		cfg:       cfg,
		mints:     mints,
		oracle:    oracle,
		threshold: globalThreshold,
		client:    &http.Client{Timeout: cfg.Timeout()},
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "solana_poll",
			Interval: 60 * time.Second,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		cursors: make(map[string]string),
		seen:    newSeenSet(8192),
	}
}

// Name implements Adapter.
func (s *SolanaPoller) Name() string { return "solana_poll" }

// Start implements Adapter. The first cycle records the newest signature
// per mint as a baseline so history is never replayed.
func (s *SolanaPoller) Start(ctx context.Context, out chan *model.RawEvent) error {
	for sym, m := range s.mints {
		sigs, err := s.signatures(ctx, m.Mint, "", 1)
		if err != nil {
			return fmt.Errorf("%s baseline for %s: %w", s.Name(), sym, err)
		}
		if len(sigs) > 0 {
			s.cursors[m.Mint] = sigs[0].Signature
		}
	}
	log.Info().Str("adapter", s.Name()).Int("mints", len(s.mints)).Msg("Solana poller started")

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
			log.Warn().Str("adapter", s.Name()).Err(err).Dur("backoff", delay).Msg("Poll cycle failed")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}
		failures = 0
	}
}

func (s *SolanaPoller) pollOnce(ctx context.Context, out chan *model.RawEvent) error {
	for sym, m := range s.mints {
		sigs, err := s.signatures(ctx, m.Mint, s.cursors[m.Mint], 50)
		if err != nil {
			return fmt.Errorf("signatures for %s: %w", sym, err)
		}
		if len(sigs) == 0 {
			continue
		}
		s.cursors[m.Mint] = sigs[0].Signature

		// Signatures arrive newest first; process oldest first so emission
		// order roughly tracks chain order.
		for i := len(sigs) - 1; i >= 0; i-- {
			sig := sigs[i]
			if sig.Err != nil || !s.seen.Add(sig.Signature) {
				continue
			}
			ev, err := s.transferEvent(ctx, sym, m, sig.Signature)
			if err != nil {
				log.Debug().Str("adapter", s.Name()).Str("signature", sig.Signature).Err(err).Msg("Transaction fetch failed")
				s.errors.Add(1)
				continue
			}
			if ev != nil {
				s.emit(ctx, out, ev, s.Name())
			}
		}
	}
	return nil
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	BlockTime int64           `json:"blockTime"`
	Err       json.RawMessage `json:"err"`
}

func (s *SolanaPoller) signatures(ctx context.Context, mint, until string, limit int) ([]signatureInfo, error) {
	opts := map[string]interface{}{"limit": limit, "commitment": "confirmed"}
	if until != "" {
		opts["until"] = until
	}

	var sigs []signatureInfo
	if err := s.call(ctx, "getSignaturesForAddress", []interface{}{mint, opts}, &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

type tokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		UIAmount float64 `json:"uiAmount"`
	} `json:"uiTokenAmount"`
}

type solanaTransaction struct {
	Slot      int64 `json:"slot"`
	BlockTime int64 `json:"blockTime"`
	Meta      struct {
		PreTokenBalances  []tokenBalance `json:"preTokenBalances"`
		PostTokenBalances []tokenBalance `json:"postTokenBalances"`
	} `json:"meta"`
}

// transferEvent fetches a transaction and reduces its token balance changes
// to one transfer: the largest outflow owner is the sender, the largest
// inflow owner the receiver.
func (s *SolanaPoller) transferEvent(ctx context.Context, sym string, m config.MintInfo, signature string) (*model.RawEvent, error) {
	var tx solanaTransaction
	params := []interface{}{
		signature,
		map[string]interface{}{"encoding": "jsonParsed", "commitment": "confirmed", "maxSupportedTransactionVersion": 0},
	}
	if err := s.call(ctx, "getTransaction", params, &tx); err != nil {
		return nil, err
	}

	pre := make(map[string]float64)
	for _, b := range tx.Meta.PreTokenBalances {
		if b.Mint == m.Mint {
			pre[b.Owner] += b.UITokenAmount.UIAmount
		}
	}
	post := make(map[string]float64)
	for _, b := range tx.Meta.PostTokenBalances {
		if b.Mint == m.Mint {
			post[b.Owner] += b.UITokenAmount.UIAmount
		}
	}

	var from, to string
	var outflow, inflow float64
	for owner := range mergeKeys(pre, post) {
		delta := post[owner] - pre[owner]
		if -delta > outflow {
			outflow = -delta
			from = owner
		}
		if delta > inflow {
			inflow = delta
			to = owner
		}
	}
	amount := inflow
	if outflow > amount {
		amount = outflow
	}
	if amount == 0 {
		return nil, nil
	}
	if from == "" {
		from = "unknown"
	}
	if to == "" {
		to = "unknown"
	}

	var usd float64
	if p, ok := s.oracle.Price(sym); ok {
		usd = amount * p
	}
	min := s.threshold
	if m.MinThresholdUSD > min {
		min = m.MinThresholdUSD
	}
	if s.cfg.MinValueUSD > min {
		min = s.cfg.MinValueUSD
	}
	if usd < min {
		s.filtered.Add(1)
		return nil, nil
	}

	ts := tx.BlockTime
	if ts == 0 {
		ts = time.Now().Unix()
	}
	return &model.RawEvent{
		Source:     model.SourceSolanaPoll,
		Blockchain: "solana",
		TxHash:     signature,
		Slot:       tx.Slot,
		From:       from,
		To:         to,
		Symbol:     sym,
		Amount:     amount,
		USDValue:   usd,
		Timestamp:  ts,
	}, nil
}

func mergeKeys(a, b map[string]float64) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC request against the configured endpoint.
func (s *SolanaPoller) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.rpcID++
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      s.rpcID,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rpc returned HTTP %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		var envelope struct {
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("rpc response malformed: %w", err)
		}
		if envelope.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
		}
		if string(envelope.Result) == "null" {
			return nil, nil
		}
		return nil, json.Unmarshal(envelope.Result, result)
	})
	return err
}
