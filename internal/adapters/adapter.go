package adapters

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whaletide/whaletide/internal/model"
)

// Adapter is one chain event source. Start blocks until the context is
// cancelled or the source fails permanently; the supervisor owns restarts.
// The out channel is the shared pipeline queue; it is bidirectional so a
// saturated producer can discard the queue head (see emit).
type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan *model.RawEvent) error
	Stats() Stats
	// ObserveDrops registers a callback invoked once per event discarded
	// under backpressure. Must be called before Start.
	ObserveDrops(fn func())
}

// Stats is a snapshot of per-adapter counters.
type Stats struct {
	Produced   int64 `json:"produced"`
	Filtered   int64 `json:"filtered"`
	Dropped    int64 `json:"dropped"`
	Errors     int64 `json:"errors"`
	Reconnects int64 `json:"reconnects"`
}

// counters is the shared atomic counter block embedded by every adapter.
type counters struct {
	produced   atomic.Int64
	filtered   atomic.Int64
	dropped    atomic.Int64
	errors     atomic.Int64
	reconnects atomic.Int64

	// onDrop mirrors drop counts into pipeline metrics. Written once
	// during wiring, before Start.
	onDrop func()
}

// ObserveDrops implements Adapter for every embedder.
func (c *counters) ObserveDrops(fn func()) { c.onDrop = fn }

func (c *counters) drop() {
	c.dropped.Add(1)
	if c.onDrop != nil {
		c.onDrop()
	}
}

func (c *counters) Stats() Stats {
	return Stats{
		Produced:   c.produced.Load(),
		Filtered:   c.filtered.Load(),
		Dropped:    c.dropped.Load(),
		Errors:     c.errors.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// emit pushes an event into the shared pipeline channel with bounded
// blocking. When the pipeline stays saturated the queue head is discarded
// in favor of the new event: fresh whale activity beats stale.
func (c *counters) emit(ctx context.Context, out chan *model.RawEvent, ev *model.RawEvent, name string) {
	select {
	case out <- ev:
		c.produced.Add(1)
		return
	case <-ctx.Done():
		return
	case <-time.After(250 * time.Millisecond):
	}

	// Saturated: free a slot by dropping the oldest queued event, then
	// retry. The freed slot races other producers, so loop a few times.
	for i := 0; i < 3; i++ {
		select {
		case <-out: // discard queue head
			c.drop()
		default:
		}
		select {
		case out <- ev:
			c.produced.Add(1)
			return
		case <-ctx.Done():
			return
		default:
		}
	}
	c.drop()
	log.Warn().Str("adapter", name).Str("tx", ev.TxHash).Msg("Pipeline saturated, event dropped")
}

// seenSet is a small bounded set used by adapters for intra-source dedup
// (e.g. a poller re-reading an overlapping block range). Cross-source dedup
// belongs to the pipeline deduplicator.
type seenSet struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
	max   int
}

func newSeenSet(max int) *seenSet {
	if max <= 0 {
		max = 4096
	}
	return &seenSet{keys: make(map[string]struct{}, max), max: max}
}

// Add records the key and reports whether it was new.
func (s *seenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, oldest)
	}
	return true
}

// backoff returns the capped exponential delay for the given attempt.
func backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	return d
}

// sleepCtx waits for d or context cancellation, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
