package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/model"
)

// WhaleAlertWS consumes the Whale Alert vendor feed. The vendor watches
// many chains at once, so its events are normalized into the same key space
// as the native adapters and the pipeline deduplicator collapses overlap.
type WhaleAlertWS struct {
	counters

	cfg       config.AdapterConfig
	threshold float64
	skip      map[string]bool
}

// NewWhaleAlertWS builds the vendor feed adapter. Stablecoin symbols in the
// skip list are dropped at the source: the vendor reports huge custodial
// stablecoin shuffles that carry no directional signal.
func NewWhaleAlertWS(cfg config.AdapterConfig, globalThreshold float64) *WhaleAlertWS {
	skip := make(map[string]bool, len(cfg.StablecoinSkip))
	for _, s := range cfg.StablecoinSkip {
		skip[strings.ToUpper(s)] = true
	}
	return &WhaleAlertWS{cfg: cfg, threshold: globalThreshold, skip: skip}
}

// Name implements Adapter.
func (w *WhaleAlertWS) Name() string { return "whale_alert" }

// Start implements Adapter.
func (w *WhaleAlertWS) Start(ctx context.Context, out chan *model.RawEvent) error {
	maxRetries := w.cfg.MaxConsecutiveWS
	if maxRetries <= 0 {
		maxRetries = 5
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		url := w.cfg.WSURLs[attempt%len(w.cfg.WSURLs)]

		err := w.session(ctx, url, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		w.errors.Add(1)
		w.reconnects.Add(1)
		if attempt >= maxRetries {
			return fmt.Errorf("whale alert websocket failed %d times in a row: %w", attempt, err)
		}
		delay := backoff(attempt, time.Second, 30*time.Second)
		log.Warn().Str("adapter", w.Name()).Err(err).Dur("backoff", delay).Msg("Websocket session ended, reconnecting")
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

func (w *WhaleAlertWS) session(ctx context.Context, url string, out chan *model.RawEvent) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"type":          "subscribe_alerts",
		"api_key":       w.cfg.APIKey(),
		"min_value_usd": w.minUSD(),
	}
	if len(w.cfg.Blockchains) > 0 {
		sub["blockchains"] = w.cfg.Blockchains
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Str("adapter", w.Name()).Float64("min_usd", w.minUSD()).Msg("Whale Alert feed subscribed")

	done := make(chan struct{})
	defer close(done)
	go keepAlive(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.handleMessage(ctx, data, out)
	}
}

func (w *WhaleAlertWS) minUSD() float64 {
	if w.cfg.MinValueUSD > w.threshold {
		return w.cfg.MinValueUSD
	}
	return w.threshold
}

// whaleAlertParty is the from/to block of an alert. The current feed sends
// an object with address and owner metadata; older revisions sent a bare
// address string, so both forms unmarshal.
type whaleAlertParty struct {
	Address   string `json:"address"`
	Owner     string `json:"owner"`
	OwnerType string `json:"owner_type"`
}

func (p *whaleAlertParty) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.Address)
	}
	type party whaleAlertParty
	var v party
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = whaleAlertParty(v)
	return nil
}

type whaleAlertMessage struct {
	Type        string `json:"type"`
	Blockchain  string `json:"blockchain"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
	Hash      string          `json:"hash"` // legacy flat field
	From      whaleAlertParty `json:"from"`
	To        whaleAlertParty `json:"to"`
	Timestamp int64           `json:"timestamp"`
	Amounts   []struct {
		Symbol   string  `json:"symbol"`
		Amount   float64 `json:"amount"`
		ValueUSD float64 `json:"value_usd"`
	} `json:"amounts"`
}

// handleMessage emits one event per amount entry. Multi-asset alerts (e.g.
// a swap) become multiple events distinguished by log index.
func (w *WhaleAlertWS) handleMessage(ctx context.Context, data []byte, out chan *model.RawEvent) {
	var msg whaleAlertMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		w.errors.Add(1)
		return
	}
	txHash := msg.Transaction.Hash
	if txHash == "" {
		txHash = msg.Hash
	}
	if msg.Type != "alert" || txHash == "" {
		return
	}

	chain := normalizeChain(msg.Blockchain)
	ts := msg.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	for i, amt := range msg.Amounts {
		sym := strings.ToUpper(amt.Symbol)
		if w.skip[sym] {
			w.filtered.Add(1)
			continue
		}
		if amt.Amount <= 0 {
			continue
		}
		if amt.ValueUSD < w.minUSD() {
			w.filtered.Add(1)
			continue
		}

		from, to := msg.From.Address, msg.To.Address
		hash := txHash
		if strings.HasPrefix(hash, "0x") || chain == "ethereum" || chain == "polygon" {
			hash = strings.ToLower(strings.TrimPrefix(hash, "0x"))
			hash = "0x" + hash
			from = strings.ToLower(from)
			to = strings.ToLower(to)
		}

		w.emit(ctx, out, &model.RawEvent{
			Source:     model.SourceWhaleAlertWS,
			Blockchain: chain,
			TxHash:     hash,
			LogIndex:   i,
			From:       from,
			To:         to,
			Symbol:     sym,
			Amount:     amt.Amount,
			USDValue:   amt.ValueUSD,
			Timestamp:  ts,
		}, w.Name())
	}
}

// normalizeChain maps vendor chain names onto the native adapters' names so
// dedup keys line up.
func normalizeChain(chain string) string {
	switch strings.ToLower(chain) {
	case "ripple":
		return "xrp"
	case "matic":
		return "polygon"
	default:
		return strings.ToLower(chain)
	}
}
