package app

import (
	"fmt"
	"io"
	"sort"

	"github.com/whaletide/whaletide/internal/dedup"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/store"
)

// WriteSummary prints the end-of-run session digest: per-token directional
// counts with a trend arrow, then the dedup totals.
func WriteSummary(w io.Writer, st *store.Store, dd *dedup.Deduplicator) {
	counters := st.Counters()

	symbols := make([]string, 0, len(counters))
	for sym := range counters {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	fmt.Fprintln(w, "=== Session summary ===")
	if len(symbols) == 0 {
		fmt.Fprintln(w, "no transactions observed")
	}
	for _, sym := range symbols {
		c := counters[sym]
		directional := c.Buys + c.Sells
		buyPct := 0.0
		if directional > 0 {
			buyPct = float64(c.Buys) / float64(directional) * 100
		}
		fmt.Fprintf(w, "%-8s %s  buys=%d sells=%d transfers=%d  buy%%=%.1f  volume=$%.0f\n",
			sym, trendArrow(buyPct, directional), c.Buys, c.Sells, c.Transfers, buyPct,
			c.BuyVolumeUSD+c.SellVolumeUSD)
	}

	s := dd.Stats()
	fmt.Fprintf(w, "events=%d unique=%d duplicates=%d (%.1f%% dedup)\n",
		s.TotalReceived, s.UniqueTransactions, s.DuplicatesCaught, s.DedupRatio)
}

func trendArrow(buyPct float64, directional int64) string {
	switch model.Trend(buyPct, directional) {
	case "bullish":
		return "↑"
	case "bearish":
		return "↓"
	default:
		return "→"
	}
}
