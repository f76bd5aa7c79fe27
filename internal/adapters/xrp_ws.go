package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/price"
)

// rippleEpochOffset converts Ripple epoch (2000-01-01) to Unix seconds.
const rippleEpochOffset = 946684800

// XRPWS streams validated payments from the XRP Ledger public websocket
// servers. Several URLs are configured; the adapter fails over between them
// and only gives up after the configured run of consecutive failures.
type XRPWS struct {
	counters

	cfg       config.AdapterConfig
	oracle    price.Oracle
	threshold float64
}

// NewXRPWS builds the XRP adapter.
func NewXRPWS(cfg config.AdapterConfig, oracle price.Oracle, globalThreshold float64) *XRPWS {
	return &XRPWS{cfg: cfg, oracle: oracle, threshold: globalThreshold}
}

// Name implements Adapter.
func (x *XRPWS) Name() string { return "xrp_ws" }

// Start implements Adapter.
func (x *XRPWS) Start(ctx context.Context, out chan *model.RawEvent) error {
	maxRetries := x.cfg.MaxConsecutiveWS
	if maxRetries <= 0 {
		maxRetries = 5
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		url := x.cfg.WSURLs[attempt%len(x.cfg.WSURLs)]

		err := x.session(ctx, url, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		x.errors.Add(1)
		x.reconnects.Add(1)
		if attempt >= maxRetries {
			return fmt.Errorf("xrp websocket failed %d times in a row: %w", attempt, err)
		}
		delay := backoff(attempt, time.Second, 30*time.Second)
		log.Warn().Str("adapter", x.Name()).Str("url", url).Err(err).Dur("backoff", delay).Msg("Websocket session ended, failing over")
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

func (x *XRPWS) session(ctx context.Context, url string, out chan *model.RawEvent) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	sub := map[string]interface{}{"id": 1, "command": "subscribe", "streams": []string{"transactions"}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Str("adapter", x.Name()).Str("url", url).Msg("XRP websocket subscribed")

	done := make(chan struct{})
	defer close(done)
	go keepAlive(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		x.handleMessage(ctx, data, out)
	}
}

type xrpMessage struct {
	Type        string `json:"type"`
	Validated   bool   `json:"validated"`
	Transaction struct {
		TransactionType string          `json:"TransactionType"`
		Hash            string          `json:"hash"`
		Account         string          `json:"Account"`
		Destination     string          `json:"Destination"`
		Sequence        int64           `json:"Sequence"`
		Amount          json.RawMessage `json:"Amount"`
		Date            int64           `json:"date"`
	} `json:"transaction"`
	Meta struct {
		TransactionResult string          `json:"TransactionResult"`
		DeliveredAmount   json.RawMessage `json:"delivered_amount"`
	} `json:"meta"`
}

func (x *XRPWS) handleMessage(ctx context.Context, data []byte, out chan *model.RawEvent) {
	var msg xrpMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		x.errors.Add(1)
		return
	}
	if msg.Type != "transaction" || !msg.Validated {
		return
	}
	tx := msg.Transaction
	if tx.TransactionType != "Payment" || msg.Meta.TransactionResult != "tesSUCCESS" {
		return
	}

	// delivered_amount is authoritative for partial payments; fall back to
	// the requested Amount. Issued-currency payments (JSON objects) are out
	// of scope, native XRP is a decimal string of drops.
	amountRaw := msg.Meta.DeliveredAmount
	if len(amountRaw) == 0 {
		amountRaw = tx.Amount
	}
	var drops string
	if err := json.Unmarshal(amountRaw, &drops); err != nil {
		return
	}
	dropsN, err := strconv.ParseFloat(drops, 64)
	if err != nil || dropsN <= 0 {
		return
	}
	amount := dropsN / 1e6

	var usd float64
	if p, ok := x.oracle.Price("XRP"); ok {
		usd = amount * p
	}
	min := x.threshold
	if x.cfg.MinValueUSD > min {
		min = x.cfg.MinValueUSD
	}
	if usd < min {
		x.filtered.Add(1)
		return
	}

	ts := tx.Date + rippleEpochOffset
	if tx.Date == 0 {
		ts = time.Now().Unix()
	}
	x.emit(ctx, out, &model.RawEvent{
		Source:     model.SourceXRPWS,
		Blockchain: "xrp",
		TxHash:     tx.Hash,
		Sequence:   tx.Sequence,
		From:       tx.Account,
		To:         tx.Destination,
		Symbol:     "XRP",
		Amount:     amount,
		USDValue:   usd,
		Timestamp:  ts,
	}, x.Name())
}
