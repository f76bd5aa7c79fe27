package model

import (
	"fmt"
	"time"
)

// Source identifies which adapter produced a RawEvent.
type Source string

const (
	SourceEthPoll      Source = "ETH_POLL"
	SourcePolygonPoll  Source = "POLYGON_POLL"
	SourceSolanaWS     Source = "SOLANA_WS"
	SourceSolanaPoll   Source = "SOLANA_POLL"
	SourceXRPWS        Source = "XRP_WS"
	SourceWhaleAlertWS Source = "WHALE_ALERT_WS"
)

// Classification is the directional label assigned to a transaction.
type Classification string

const (
	ClassBuy      Classification = "BUY"
	ClassSell     Classification = "SELL"
	ClassTransfer Classification = "TRANSFER"
	ClassUnknown  Classification = "UNKNOWN"
)

// RawEvent is the uniform event shape produced by every source adapter.
// EVM addresses are lowercased by the adapter; Solana and XRP addresses
// keep their original case.
type RawEvent struct {
	Source      Source  `json:"source_id"`
	Blockchain  string  `json:"blockchain"`
	TxHash      string  `json:"tx_hash"`
	LogIndex    int     `json:"log_index"`
	BlockNumber int64   `json:"block_number,omitempty"`
	Sequence    int64   `json:"sequence,omitempty"`
	Slot        int64   `json:"slot,omitempty"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Symbol      string  `json:"symbol"`
	Amount      float64 `json:"amount"`
	USDValue    float64 `json:"usd_value"`
	Timestamp   int64   `json:"timestamp"`

	// Raw carries adapter-specific context for engine inspection, e.g.
	// the counter-asset symbol of a swap leg or a priority-fee decile.
	Raw map[string]string `json:"-"`
}

// Validate reports whether the event satisfies the adapter contract.
func (e *RawEvent) Validate() error {
	if e.TxHash == "" {
		return fmt.Errorf("raw event missing tx_hash (source %s)", e.Source)
	}
	if e.Blockchain == "" {
		return fmt.Errorf("raw event %s missing blockchain", e.TxHash)
	}
	if e.Amount <= 0 {
		return fmt.Errorf("raw event %s has non-positive amount %f", e.TxHash, e.Amount)
	}
	return nil
}

// Time returns the event timestamp as time.Time.
func (e *RawEvent) Time() time.Time {
	return time.Unix(e.Timestamp, 0)
}

// PhaseResult is the outcome of a single engine analysis phase.
type PhaseResult struct {
	Phase          string         `json:"phase"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	Weight         float64        `json:"weight"`
	Evidence       []string       `json:"evidence"`
	WhaleSignals   []string       `json:"whale_signals"`
}

// Fired reports whether the phase produced a usable signal.
func (p *PhaseResult) Fired() bool {
	return p.Classification != "" && p.Confidence > 0
}

// ClassifiedEvent is a deduplicated event augmented with the engine verdict.
type ClassifiedEvent struct {
	RawEvent

	TraceID         string         `json:"trace_id"`
	Classification  Classification `json:"classification"`
	Confidence      float64        `json:"confidence"`
	WhaleScore      float64        `json:"whale_score"`
	IsWhale         bool           `json:"is_whale"`
	WhaleSignals    []string       `json:"whale_signals,omitempty"`
	Evidence        []string       `json:"evidence,omitempty"`
	PhasesCompleted int            `json:"phases_completed"`
	CostOptimized   bool           `json:"cost_optimized"`
}

// TokenCounter holds per-symbol monotonic counters maintained by the
// classified event store. Counters reset only on process restart.
type TokenCounter struct {
	Buys          int64   `json:"buys"`
	Sells         int64   `json:"sells"`
	Transfers     int64   `json:"transfers"`
	BuyVolumeUSD  float64 `json:"buy_volume_usd"`
	SellVolumeUSD float64 `json:"sell_volume_usd"`
	ConfidenceSum float64 `json:"confidence_sum"`
	WhaleScoreSum float64 `json:"whale_score_sum"`
	TxCount       int64   `json:"tx_count"`
}

// SentimentSnapshot is the rolling per-token aggregation published by the
// sentiment aggregator on every tick.
type SentimentSnapshot struct {
	Symbol               string    `json:"symbol"`
	WindowSeconds        int64     `json:"window_seconds"`
	Buys                 int64     `json:"buys"`
	Sells                int64     `json:"sells"`
	TotalDirectional     int64     `json:"total_directional"`
	BuyPct               float64   `json:"buy_pct"`
	SellPct              float64   `json:"sell_pct"`
	VolumeWeightedBuyPct float64   `json:"volume_weighted_buy_pct"`
	SentimentScore       float64   `json:"sentiment_score"`
	VolumeSentimentScore float64   `json:"volume_sentiment_score"`
	AvgConfidence        float64   `json:"avg_confidence"`
	AvgWhaleScore        float64   `json:"avg_whale_score"`
	TotalVolumeUSD       float64   `json:"total_volume_usd"`
	CalculatedAt         time.Time `json:"calculated_at"`
}

// Trend buckets a buy percentage into the dashboard trend label. A token
// with no directional transactions is neutral, not bearish: a zero buy
// percentage only means something once buys or sells exist.
func Trend(buyPct float64, directional int64) string {
	switch {
	case directional == 0:
		return "neutral"
	case buyPct > 60:
		return "bullish"
	case buyPct < 40:
		return "bearish"
	default:
		return "neutral"
	}
}
