package sentiment

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whaletide/whaletide/internal/model"
)

// EventSource yields the classified events inside the rolling lookback
// window. The classified event store satisfies this.
type EventSource interface {
	EventsWithin(window time.Duration) []*model.ClassifiedEvent
}

// Aggregator recomputes per-token sentiment on a fixed cadence and
// publishes each result atomically, so API reads never see a half-built
// snapshot and never block the recompute.
type Aggregator struct {
	source  EventSource
	window  time.Duration
	tick    time.Duration
	minTx   int64
	current atomic.Value // map[string]model.SentimentSnapshot
}

// New creates an aggregator over the given event source.
func New(source EventSource, window, tick time.Duration, minTransactions int) *Aggregator {
	if window <= 0 {
		window = 2 * time.Hour
	}
	if tick <= 0 {
		tick = time.Minute
	}
	a := &Aggregator{
		source: source,
		window: window,
		tick:   tick,
		minTx:  int64(minTransactions),
	}
	a.current.Store(map[string]model.SentimentSnapshot{})
	return a
}

// Run recomputes until the context is cancelled. The first snapshot is
// computed immediately so the API has data before the first tick.
func (a *Aggregator) Run(ctx context.Context) error {
	a.Recompute()

	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Recompute()
		}
	}
}

// Recompute rebuilds the snapshot from the current window and publishes it.
func (a *Aggregator) Recompute() {
	events := a.source.EventsWithin(a.window)
	next := Compute(events, a.window)
	a.current.Store(next)
	log.Debug().Int("tokens", len(next)).Int("events", len(events)).Msg("Sentiment snapshot refreshed")
}

// Latest returns the published snapshot map keyed by uppercase symbol.
func (a *Aggregator) Latest() map[string]model.SentimentSnapshot {
	return a.current.Load().(map[string]model.SentimentSnapshot)
}

// Token returns the snapshot for one symbol.
func (a *Aggregator) Token(symbol string) (model.SentimentSnapshot, bool) {
	s, ok := a.Latest()[strings.ToUpper(symbol)]
	return s, ok
}

// Over recomputes sentiment for an ad-hoc lookback without touching the
// published snapshot. Serves the API's hours parameter.
func (a *Aggregator) Over(window time.Duration) map[string]model.SentimentSnapshot {
	return Compute(a.source.EventsWithin(window), window)
}

// Bullish returns up to n tokens ranked by buy percentage, strongest first.
// Tokens below the minimum directional transaction count are excluded so a
// single trade cannot top the board.
func (a *Aggregator) Bullish(n int) []model.SentimentSnapshot {
	return a.RankBullish(a.Latest(), n)
}

// RankBullish ranks an arbitrary snapshot map by buy percentage.
func (a *Aggregator) RankBullish(snaps map[string]model.SentimentSnapshot, n int) []model.SentimentSnapshot {
	return a.rank(snaps, n, func(x, y model.SentimentSnapshot) bool {
		if x.BuyPct != y.BuyPct {
			return x.BuyPct > y.BuyPct
		}
		return x.TotalVolumeUSD > y.TotalVolumeUSD
	})
}

// Bearish returns up to n tokens ranked by sell percentage, strongest first.
func (a *Aggregator) Bearish(n int) []model.SentimentSnapshot {
	return a.RankBearish(a.Latest(), n)
}

// RankBearish ranks an arbitrary snapshot map by sell percentage.
func (a *Aggregator) RankBearish(snaps map[string]model.SentimentSnapshot, n int) []model.SentimentSnapshot {
	return a.rank(snaps, n, func(x, y model.SentimentSnapshot) bool {
		if x.SellPct != y.SellPct {
			return x.SellPct > y.SellPct
		}
		return x.TotalVolumeUSD > y.TotalVolumeUSD
	})
}

func (a *Aggregator) rank(snaps map[string]model.SentimentSnapshot, n int, less func(x, y model.SentimentSnapshot) bool) []model.SentimentSnapshot {
	if n <= 0 {
		n = 10
	}
	var out []model.SentimentSnapshot
	for _, s := range snaps {
		if s.TotalDirectional >= a.minTx {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Compute derives per-token sentiment from a set of classified events.
// Only BUY and SELL events move the directional percentages; transfers
// still count toward volume-neutral aggregates like average whale score.
func Compute(events []*model.ClassifiedEvent, window time.Duration) map[string]model.SentimentSnapshot {
	type acc struct {
		buys, sells   int64
		buyVol        float64
		sellVol       float64
		totalVol      float64
		confidenceSum float64
		whaleScoreSum float64
		txCount       int64
	}

	accs := make(map[string]*acc)
	for _, ev := range events {
		sym := strings.ToUpper(ev.Symbol)
		if sym == "" {
			continue
		}
		c := accs[sym]
		if c == nil {
			c = &acc{}
			accs[sym] = c
		}
		switch ev.Classification {
		case model.ClassBuy:
			c.buys++
			c.buyVol += ev.USDValue
		case model.ClassSell:
			c.sells++
			c.sellVol += ev.USDValue
		}
		c.totalVol += ev.USDValue
		c.confidenceSum += ev.Confidence
		c.whaleScoreSum += ev.WhaleScore
		c.txCount++
	}

	now := time.Now()
	out := make(map[string]model.SentimentSnapshot, len(accs))
	for sym, c := range accs {
		s := model.SentimentSnapshot{
			Symbol:         sym,
			WindowSeconds:  int64(window / time.Second),
			Buys:           c.buys,
			Sells:          c.sells,
			TotalVolumeUSD: c.totalVol,
			CalculatedAt:   now,
		}
		s.TotalDirectional = c.buys + c.sells
		if s.TotalDirectional > 0 {
			s.BuyPct = float64(c.buys) / float64(s.TotalDirectional) * 100
			s.SellPct = 100 - s.BuyPct
			s.SentimentScore = s.BuyPct - s.SellPct
		}
		if dirVol := c.buyVol + c.sellVol; dirVol > 0 {
			s.VolumeWeightedBuyPct = c.buyVol / dirVol * 100
			s.VolumeSentimentScore = 2*s.VolumeWeightedBuyPct - 100
		}
		if c.txCount > 0 {
			s.AvgConfidence = c.confidenceSum / float64(c.txCount)
			s.AvgWhaleScore = c.whaleScoreSum / float64(c.txCount)
		}
		out[sym] = s
	}
	return out
}
