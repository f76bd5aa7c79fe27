package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whaletide/whaletide/internal/adapters"
	"github.com/whaletide/whaletide/internal/dedup"
	"github.com/whaletide/whaletide/internal/metrics"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/sentiment"
	"github.com/whaletide/whaletide/internal/store"
)

// Handlers serves the read API from live pipeline components. All fields
// are read-only views; the API never mutates pipeline state.
type Handlers struct {
	Store   *store.Store
	Dedup   *dedup.Deduplicator
	Agg     *sentiment.Aggregator
	Metrics *metrics.Metrics

	AdapterStats  func() map[string]adapters.Stats
	AdapterHealth func() map[string]string

	MinTransactionUSD float64
	Started           time.Time
	Version           string
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health reports liveness plus per-adapter health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	adapterHealth := map[string]string{}
	if h.AdapterHealth != nil {
		adapterHealth = h.AdapterHealth()
		for _, st := range adapterHealth {
			if st == "degraded" {
				status = "degraded"
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"version":        h.Version,
		"uptime_seconds": int64(time.Since(h.Started).Seconds()),
		"adapters":       adapterHealth,
	})
}

// Transactions serves filtered classified events, newest first.
//
// Query parameters (all optional, combined with AND): symbol, blockchain,
// type (alias: classification), min_value (alias: min_usd), whales_only,
// limit. Type values are case-folded.
func (h *Handlers) Transactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.Filter{
		Symbol:     q.Get("symbol"),
		Blockchain: q.Get("blockchain"),
	}
	c := q.Get("type")
	if c == "" {
		c = q.Get("classification")
	}
	if c != "" {
		class := model.Classification(strings.ToUpper(c))
		switch class {
		case model.ClassBuy, model.ClassSell, model.ClassTransfer, model.ClassUnknown:
			f.Classification = class
		default:
			writeError(w, http.StatusBadRequest, "type must be buy, sell, transfer or unknown")
			return
		}
	}
	v := q.Get("min_value")
	if v == "" {
		v = q.Get("min_usd")
	}
	if v != "" {
		minUSD, err := strconv.ParseFloat(v, 64)
		if err != nil || minUSD < 0 {
			writeError(w, http.StatusBadRequest, "min_value must be a non-negative number")
			return
		}
		f.MinUSD = minUSD
	}
	if v := q.Get("whales_only"); v != "" {
		f.OnlyWhales = v == "true" || v == "1"
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}

	events := h.Store.Recent(f)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(events),
		"transactions": events,
	})
}

// tokenStats is one per-symbol entry of /api/stats: the store counters plus
// the derived buy percentage and trend label.
type tokenStats struct {
	model.TokenCounter
	BuyPercentage float64 `json:"buy_percentage"`
	Trend         string  `json:"trend"`
}

// Stats serves per-token counters, dedup counters and pipeline monitoring.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	adapterStats := map[string]adapters.Stats{}
	if h.AdapterStats != nil {
		adapterStats = h.AdapterStats()
	}
	active := 0
	if h.AdapterHealth != nil {
		for _, status := range h.AdapterHealth() {
			if status != "degraded" {
				active++
			}
		}
	}

	counters := h.Store.Counters()
	tokens := make(map[string]tokenStats, len(counters))
	for sym, c := range counters {
		directional := c.Buys + c.Sells
		buyPct := 0.0
		if directional > 0 {
			buyPct = float64(c.Buys) / float64(directional) * 100
		}
		tokens[sym] = tokenStats{
			TokenCounter:  c,
			BuyPercentage: buyPct,
			Trend:         model.Trend(buyPct, directional),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tokens":        tokens,
		"deduplication": h.Dedup.Stats(),
		"monitoring": map[string]interface{}{
			"uptime_seconds":        int64(time.Since(h.Started).Seconds()),
			"events_stored":         h.Store.Len(),
			"events_total":          h.Store.TotalAdded(),
			"events_evicted":        h.Store.TotalEvicted(),
			"active_adapters":       active,
			"min_transaction_value": h.MinTransactionUSD,
			"adapters":              adapterStats,
		},
	})
}

// Sentiment serves the latest aggregated snapshot. view=bullish or
// view=bearish returns the ranked boards; anything else returns the full
// per-token map. hours= recomputes over a custom lookback instead of the
// published window.
func (h *Handlers) Sentiment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	n := 10
	if v := q.Get("top"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "top must be a positive integer")
			return
		}
		n = parsed
	}

	snapshots := h.Agg.Latest()
	if v := q.Get("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		snapshots = h.Agg.Over(time.Duration(hours) * time.Hour)
	}

	switch q.Get("view") {
	case "bullish":
		writeJSON(w, http.StatusOK, map[string]interface{}{"view": "bullish", "tokens": h.Agg.RankBullish(snapshots, n)})
	case "bearish":
		writeJSON(w, http.StatusOK, map[string]interface{}{"view": "bearish", "tokens": h.Agg.RankBearish(snapshots, n)})
	case "", "all":
		trends := make(map[string]interface{}, len(snapshots))
		for sym, s := range snapshots {
			trends[sym] = map[string]interface{}{
				"snapshot": s,
				"trend":    model.Trend(s.BuyPct, s.TotalDirectional),
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"view": "all", "tokens": trends})
	default:
		writeError(w, http.StatusBadRequest, "view must be bullish, bearish or all")
	}
}

// NotFound is the JSON 404 handler.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusNotFound, "unknown endpoint: "+r.URL.Path)
}
