package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whaletide/whaletide/internal/model"
)

// Filter selects classified events for the read API. Zero-valued fields
// match everything; set fields are combined with AND.
type Filter struct {
	Symbol         string
	Blockchain     string
	Classification model.Classification
	MinUSD         float64
	OnlyWhales     bool
	Limit          int
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Store is the in-memory classified event store: a bounded, time-windowed
// buffer of engine verdicts plus process-lifetime per-token counters. The
// buffer is capped and swept; the counters are monotonic and reset only on
// restart, which is what keeps sentiment math stable across sweeps.
type Store struct {
	mu       sync.RWMutex
	events   []*model.ClassifiedEvent
	counters map[string]*model.TokenCounter

	maxEntries int
	retention  time.Duration

	added   int64
	evicted int64
}

// New creates a store with the given capacity and retention window.
func New(maxEntries int, retention time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if retention <= 0 {
		retention = 2 * time.Hour
	}
	return &Store{
		events:     make([]*model.ClassifiedEvent, 0, maxEntries/4),
		counters:   make(map[string]*model.TokenCounter),
		maxEntries: maxEntries,
		retention:  retention,
	}
}

// Add appends a classified event and updates the token counters. When the
// buffer is full the oldest events are evicted first; counters are never
// rolled back by eviction or sweeping.
func (s *Store) Add(ev *model.ClassifiedEvent) {
	if ev == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	s.added++
	if over := len(s.events) - s.maxEntries; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
		s.evicted += int64(over)
	}

	sym := strings.ToUpper(ev.Symbol)
	c := s.counters[sym]
	if c == nil {
		c = &model.TokenCounter{}
		s.counters[sym] = c
	}
	switch ev.Classification {
	case model.ClassBuy:
		c.Buys++
		c.BuyVolumeUSD += ev.USDValue
	case model.ClassSell:
		c.Sells++
		c.SellVolumeUSD += ev.USDValue
	case model.ClassTransfer:
		c.Transfers++
	}
	c.ConfidenceSum += ev.Confidence
	c.WhaleScoreSum += ev.WhaleScore
	c.TxCount++
}

// Recent returns events matching the filter, newest first.
func (s *Store) Recent(f Filter) []*model.ClassifiedEvent {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	s.mu.RLock()
	matched := make([]*model.ClassifiedEvent, 0, limit)
	// Walk backwards: events are append-ordered so the newest sit at the end.
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if !f.matches(ev) {
			continue
		}
		matched = append(matched, ev)
	}
	s.mu.RUnlock()

	// Append order tracks arrival, not event time; a late vendor report can
	// carry an older timestamp, so sort before trimming to the limit.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp > matched[j].Timestamp
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func (f Filter) matches(ev *model.ClassifiedEvent) bool {
	if f.Symbol != "" && !strings.EqualFold(f.Symbol, ev.Symbol) {
		return false
	}
	if f.Blockchain != "" && !strings.EqualFold(f.Blockchain, ev.Blockchain) {
		return false
	}
	if f.Classification != "" && f.Classification != ev.Classification {
		return false
	}
	if f.MinUSD > 0 && ev.USDValue < f.MinUSD {
		return false
	}
	if f.OnlyWhales && !ev.IsWhale {
		return false
	}
	return true
}

// EventsWithin returns every stored event whose timestamp falls inside the
// lookback window. The sentiment aggregator is the only caller.
func (s *Store) EventsWithin(window time.Duration) []*model.ClassifiedEvent {
	cutoff := time.Now().Add(-window).Unix()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.ClassifiedEvent, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Timestamp >= cutoff {
			out = append(out, ev)
		}
	}
	return out
}

// Sweep drops events older than the retention window and returns how many
// were removed. Counters are untouched.
func (s *Store) Sweep() int {
	cutoff := time.Now().Add(-s.retention).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	removed := 0
	for _, ev := range s.events {
		if ev.Timestamp >= cutoff {
			kept = append(kept, ev)
		} else {
			removed++
		}
	}
	s.events = kept
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(s.events)).Msg("Event store swept")
	}
	return removed
}

// RunSweeper sweeps on the given cadence until the context is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Counters returns a copy of the per-token counters.
func (s *Store) Counters() map[string]model.TokenCounter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.TokenCounter, len(s.counters))
	for sym, c := range s.counters {
		out[sym] = *c
	}
	return out
}

// Len returns the current buffer size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// TotalAdded returns how many events were ever stored.
func (s *Store) TotalAdded() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.added
}

// TotalEvicted returns how many events were dropped by capacity pressure.
func (s *Store) TotalEvicted() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}
