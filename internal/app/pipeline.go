package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whaletide/whaletide/internal/dedup"
	"github.com/whaletide/whaletide/internal/engine"
	"github.com/whaletide/whaletide/internal/metrics"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/store"
)

// Pipeline consumes raw events from the shared channel and runs them
// through dedup, classification and storage. It is the single consumer:
// exactly-once emission relies on every adapter feeding the same channel
// and every unique event passing through here once.
type Pipeline struct {
	events  chan *model.RawEvent
	dedup   *dedup.Deduplicator
	engine  *engine.Engine
	store   *store.Store
	metrics *metrics.Metrics
}

// NewPipeline wires the processing chain. The channel buffer absorbs
// adapter bursts; sustained overload falls back to the adapters'
// drop-oldest behavior.
func NewPipeline(buffer int, dd *dedup.Deduplicator, eng *engine.Engine, st *store.Store, m *metrics.Metrics) *Pipeline {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Pipeline{
		events:  make(chan *model.RawEvent, buffer),
		dedup:   dd,
		engine:  eng,
		store:   st,
		metrics: m,
	}
}

// Events returns the shared ingest channel for adapters.
func (p *Pipeline) Events() chan *model.RawEvent { return p.events }

// Run processes events until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.events:
			p.process(ctx, ev)
			p.metrics.PipelineDepth.Set(float64(len(p.events)))
		}
	}
}

func (p *Pipeline) process(ctx context.Context, ev *model.RawEvent) {
	if err := ev.Validate(); err != nil {
		log.Debug().Err(err).Msg("Invalid event discarded")
		return
	}
	p.metrics.EventsIngested.WithLabelValues(string(ev.Source)).Inc()

	stored, emitted := p.dedup.Accept(ev)
	if !emitted {
		p.metrics.DuplicatesCaught.Inc()
		return
	}

	start := time.Now()
	classified := p.engine.Classify(ctx, stored)
	p.metrics.PhaseDuration.WithLabelValues(ev.Blockchain).Observe(time.Since(start).Seconds())
	p.metrics.Classifications.WithLabelValues(string(classified.Classification)).Inc()

	p.store.Add(&classified)
	p.metrics.StoreSize.Set(float64(p.store.Len()))

	if classified.IsWhale {
		p.metrics.WhaleEvents.Inc()
		log.Info().
			Str("trace_id", classified.TraceID).
			Str("blockchain", classified.Blockchain).
			Str("symbol", classified.Symbol).
			Str("classification", string(classified.Classification)).
			Float64("usd", classified.USDValue).
			Float64("whale_score", classified.WhaleScore).
			Float64("confidence", classified.Confidence).
			Msg("Whale transaction")
	}
}

// RunSweepers drives the store and dedup retention sweeps on one cadence.
func (p *Pipeline) RunSweepers(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.store.Sweep()
			p.dedup.Sweep(retention)
			p.metrics.StoreSize.Set(float64(p.store.Len()))
		}
	}
}
