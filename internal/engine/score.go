package engine

import (
	"github.com/whaletide/whaletide/internal/model"
)

// whaleScore rates how "whale-like" a classified event is on a 0-100 scale.
// The base score comes from the USD size band; behavioral signals collected
// by the phases add bonuses and risk signals subtract penalties.
func (e *Engine) whaleScore(ev *model.ClassifiedEvent) float64 {
	var score float64
	switch {
	case ev.USDValue >= e.whale.MegaWhaleUSD:
		score = 90
	case ev.USDValue >= e.whale.WhaleUSD:
		score = 75
	case ev.USDValue >= e.whale.LargeTraderUSD:
		score = 55
	case ev.USDValue >= e.whale.MediumTraderUSD:
		score = 30
	default:
		if e.whale.MediumTraderUSD > 0 {
			score = 30 * ev.USDValue / e.whale.MediumTraderUSD
		}
	}

	signals := make(map[string]bool, len(ev.WhaleSignals))
	for _, s := range ev.WhaleSignals {
		signals[s] = true
	}
	if ev.Raw["gas_urgency"] == "high" {
		signals["gas_urgency"] = true
	}

	if signals["heavy_wallet"] {
		score += 10
	}
	if signals["whale_tag"] || signals["mega_whale_tag"] ||
		signals["enriched_whale"] || signals["historical_mega_whale"] {
		score += 10
	}
	if signals["gas_urgency"] {
		score += 5
	}
	if signals["verified_protocol"] {
		score += 5
	}
	if signals["market_maker"] {
		score -= 15
	}
	if signals["mixer_sanctioned"] {
		score -= 25
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
