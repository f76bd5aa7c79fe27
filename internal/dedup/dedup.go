package dedup

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/whaletide/whaletide/internal/model"
)

// ChainStats holds per-chain dedup counters.
type ChainStats struct {
	Total      int64   `json:"total"`
	Duplicates int64   `json:"duplicates"`
	Rate       float64 `json:"rate"`
}

// Stats is a point-in-time snapshot of deduplicator counters.
type Stats struct {
	TotalReceived      int64                 `json:"total_received"`
	UniqueTransactions int64                 `json:"unique_transactions"`
	DuplicatesCaught   int64                 `json:"duplicates_caught"`
	DedupRatio         float64               `json:"dedup_ratio"`
	ByChain            map[string]ChainStats `json:"by_chain"`
}

// Deduplicator collapses duplicate RawEvents across and within sources.
// The map is mutex-guarded with O(1) critical sections; adapters may call
// Accept concurrently and exactly one caller per key observes emitted=true.
type Deduplicator struct {
	mu       sync.Mutex
	seen     map[string]*model.RawEvent
	received int64
	dupes    int64
	byChain  map[string]*ChainStats
}

// New creates an empty deduplicator.
func New() *Deduplicator {
	return &Deduplicator{
		seen:    make(map[string]*model.RawEvent),
		byChain: make(map[string]*ChainStats),
	}
}

// Key derives the chain-specific composite identity of an event.
//
// Solana deliberately keys on signature alone so a parsed-instruction report
// and a raw balance-delta report of the same transaction collapse to one
// event. The vendor feed normalizes into the same key space as the native
// adapters, which is what makes cross-source dedup automatic.
func Key(e *model.RawEvent) string {
	chain := strings.ToLower(e.Blockchain)
	switch chain {
	case "solana":
		return fmt.Sprintf("%s|%s", chain, e.TxHash)
	case "xrp", "ripple":
		return fmt.Sprintf("xrp|%s|%d", e.TxHash, e.Sequence)
	default:
		return fmt.Sprintf("%s|%s|%d", chain, e.TxHash, e.LogIndex)
	}
}

// Accept processes one raw event. The first arrival of a key is stored and
// returned with emitted=true; later arrivals merge richer fields into the
// stored event and return emitted=false.
func (d *Deduplicator) Accept(e *model.RawEvent) (*model.RawEvent, bool) {
	if e == nil {
		return nil, false
	}
	chain := strings.ToLower(e.Blockchain)
	k := Key(e)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.received++
	cs := d.byChain[chain]
	if cs == nil {
		cs = &ChainStats{}
		d.byChain[chain] = cs
	}
	cs.Total++

	if stored, ok := d.seen[k]; ok {
		d.dupes++
		cs.Duplicates++
		merge(stored, e)
		return stored, false
	}

	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	d.seen[k] = e
	return e, true
}

// merge copies richer fields from a later duplicate into the stored event.
// This lets a native-chain adapter's data override an earlier vendor-feed
// report that arrived first.
func merge(stored, incoming *model.RawEvent) {
	if stored.USDValue == 0 && incoming.USDValue > 0 {
		stored.USDValue = incoming.USDValue
	}
	if stored.Amount == 0 && incoming.Amount > 0 {
		stored.Amount = incoming.Amount
	}
	if stored.From == "" || stored.From == "unknown" {
		if incoming.From != "" {
			stored.From = incoming.From
		}
	}
	if stored.To == "" || stored.To == "unknown" {
		if incoming.To != "" {
			stored.To = incoming.To
		}
	}
	if stored.BlockNumber == 0 && incoming.BlockNumber > 0 {
		stored.BlockNumber = incoming.BlockNumber
	}
	if incoming.Raw != nil {
		if stored.Raw == nil {
			stored.Raw = make(map[string]string, len(incoming.Raw))
		}
		for k, v := range incoming.Raw {
			if _, exists := stored.Raw[k]; !exists {
				stored.Raw[k] = v
			}
		}
	}
}

// Sweep removes entries older than the retention window. It runs on the
// store sweeper's cadence; nothing is evicted earlier so duplicates arriving
// within realistic reorg and reporting-lag windows are still caught.
func (d *Deduplicator) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention).Unix()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for k, e := range d.seen {
		if e.Timestamp < cutoff {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		TotalReceived:      d.received,
		UniqueTransactions: int64(len(d.seen)),
		DuplicatesCaught:   d.dupes,
		ByChain:            make(map[string]ChainStats, len(d.byChain)),
	}
	if d.received > 0 {
		s.DedupRatio = float64(d.dupes) / float64(d.received) * 100
	}
	for chain, cs := range d.byChain {
		out := *cs
		if cs.Total > 0 {
			out.Rate = float64(cs.Duplicates) / float64(cs.Total) * 100
		}
		s.ByChain[chain] = out
	}
	return s
}
