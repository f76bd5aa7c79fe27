package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/price"
)

const splTokenProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// SolanaWS streams SPL token account updates over the Solana websocket RPC.
// Account notifications carry balances, not transfers, so the adapter
// tracks the previous balance per token account and emits the delta as a
// synthetic transfer event.
type SolanaWS struct {
	counters

	cfg       config.AdapterConfig
	mints     map[string]config.MintInfo // keyed by symbol
	mintSym   map[string]string          // mint address -> symbol
	oracle    price.Oracle
	threshold float64

	mu       sync.Mutex
	balances map[string]float64 // token account pubkey -> last uiAmount
}

// NewSolanaWS builds the Solana websocket adapter.
func NewSolanaWS(cfg config.AdapterConfig, mints map[string]config.MintInfo, oracle price.Oracle, globalThreshold float64) *SolanaWS {
	mintSym := make(map[string]string, len(mints))
	for sym, m := range mints {
		mintSym[m.Mint] = sym
	}
	return &SolanaWS{
		cfg:       cfg,
		mints:     mints,
		mintSym:   mintSym,
		oracle:    oracle,
		threshold: globalThreshold,
		balances:  make(map[string]float64),
	}
}

// Name implements Adapter.
func (s *SolanaWS) Name() string { return "solana_ws" }

// Start implements Adapter. Connections rotate through the configured URLs
// with capped exponential backoff; after the configured number of
// consecutive failures the adapter gives up and lets the supervisor decide.
func (s *SolanaWS) Start(ctx context.Context, out chan *model.RawEvent) error {
	maxRetries := s.cfg.MaxConsecutiveWS
	if maxRetries <= 0 {
		maxRetries = 5
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		url := s.cfg.WSURLs[attempt%len(s.cfg.WSURLs)]

		err := s.session(ctx, url, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		s.errors.Add(1)
		s.reconnects.Add(1)
		if attempt >= maxRetries {
			return fmt.Errorf("solana websocket failed %d times in a row: %w", attempt, err)
		}
		delay := backoff(attempt, time.Second, 30*time.Second)
		log.Warn().Str("adapter", s.Name()).Str("url", url).Err(err).Dur("backoff", delay).Msg("Websocket session ended, reconnecting")
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *SolanaWS) session(ctx context.Context, url string, out chan *model.RawEvent) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	if err := s.subscribe(conn); err != nil {
		return err
	}
	log.Info().Str("adapter", s.Name()).Str("url", url).Int("mints", len(s.mints)).Msg("Solana websocket subscribed")

	done := make(chan struct{})
	defer close(done)
	go keepAlive(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(ctx, data, out)
	}
}

// subscribe registers one program subscription per watched mint, filtering
// SPL token accounts by their mint field.
func (s *SolanaWS) subscribe(conn *websocket.Conn) error {
	id := int64(0)
	for sym, m := range s.mints {
		id++
		req := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"method":  "programSubscribe",
			"params": []interface{}{
				splTokenProgram,
				map[string]interface{}{
					"encoding":   "jsonParsed",
					"commitment": "confirmed",
					"filters": []interface{}{
						map[string]interface{}{"memcmp": map[string]interface{}{"offset": 0, "bytes": m.Mint}},
					},
				},
			},
		}
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	return nil
}

type solanaNotification struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot int64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Pubkey  string `json:"pubkey"`
				Account struct {
					Data struct {
						Parsed struct {
							Info struct {
								Mint        string `json:"mint"`
								Owner       string `json:"owner"`
								TokenAmount struct {
									UIAmount float64 `json:"uiAmount"`
								} `json:"tokenAmount"`
							} `json:"info"`
						} `json:"parsed"`
					} `json:"data"`
				} `json:"account"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func (s *SolanaWS) handleMessage(ctx context.Context, data []byte, out chan *model.RawEvent) {
	var msg solanaNotification
	if err := json.Unmarshal(data, &msg); err != nil {
		s.errors.Add(1)
		return
	}

	// Subscription confirmations echo the request id; nothing to track
	// since notifications carry the mint and that is enough to route them.
	if msg.Method != "programNotification" {
		return
	}

	info := msg.Params.Result.Value.Account.Data.Parsed.Info
	sym, ok := s.mintSym[info.Mint]
	if !ok {
		return
	}

	pubkey := msg.Params.Result.Value.Pubkey
	current := info.TokenAmount.UIAmount

	s.mu.Lock()
	prev, seen := s.balances[pubkey]
	s.balances[pubkey] = current
	s.mu.Unlock()
	if !seen {
		return // first observation establishes the baseline
	}

	delta := current - prev
	amount := math.Abs(delta)
	if amount == 0 {
		return
	}

	var usd float64
	if p, ok := s.oracle.Price(sym); ok {
		usd = amount * p
	}
	if usd < s.minUSD(sym) {
		s.filtered.Add(1)
		return
	}

	slot := msg.Params.Result.Context.Slot
	ev := &model.RawEvent{
		Source:     model.SourceSolanaWS,
		Blockchain: "solana",
		// Balance notifications do not carry the signature; the synthetic
		// hash keys on account and slot so the poller's signature-keyed
		// report of the same transfer wins in the merge.
		TxHash:    fmt.Sprintf("%s:%d", pubkey, slot),
		Slot:      slot,
		Symbol:    sym,
		Amount:    amount,
		USDValue:  usd,
		Timestamp: time.Now().Unix(),
	}
	if delta < 0 {
		ev.From = info.Owner
		ev.To = "unknown"
	} else {
		ev.From = "unknown"
		ev.To = info.Owner
	}
	s.emit(ctx, out, ev, s.Name())
}

func (s *SolanaWS) minUSD(sym string) float64 {
	min := s.threshold
	if m, ok := s.mints[sym]; ok && m.MinThresholdUSD > min {
		min = m.MinThresholdUSD
	}
	if s.cfg.MinValueUSD > min {
		min = s.cfg.MinValueUSD
	}
	return min
}

// keepAlive sends websocket pings until the session ends.
func keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
