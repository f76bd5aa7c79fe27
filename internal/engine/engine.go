package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/intel"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/price"
)

// Phase identifiers, in cost order. The cheap AIS-backed phases run first;
// network-bound phases only run when the cheap ones are inconclusive and the
// transaction is large enough to justify the spend.
const (
	PhaseCEX        = "cex"
	PhaseDEX        = "dex"
	PhaseStablecoin = "stablecoin"
	PhaseMarket     = "market"
	PhaseHeuristic  = "heuristic"
	PhaseBehavior   = "behavior"
	PhaseEnrichment = "enrichment"
	PhaseWarehouse  = "warehouse"
)

// phasePriority resolves conflicts between phases of comparable weight:
// structural evidence beats flow heuristics beats everything else.
var phasePriority = map[string]int{
	PhaseCEX:        0,
	PhaseDEX:        1,
	PhaseStablecoin: 2,
	PhaseMarket:     3,
	PhaseBehavior:   4,
	PhaseEnrichment: 5,
	PhaseWarehouse:  6,
	PhaseHeuristic:  7,
}

// Enricher looks up an address against an external portfolio or
// token-metadata vendor. Implementations own their own rate limiting and
// circuit breaking.
type Enricher interface {
	Enrich(ctx context.Context, blockchain, address string) (intel.Record, error)
}

// WalletProfile is the aggregate history returned by the analytic warehouse.
type WalletProfile struct {
	Address      string
	TotalUSD     float64
	BuyRatio     float64
	TxCount      int64
	IsKnownWhale bool
}

// Warehouse answers expensive historical queries about an address.
type Warehouse interface {
	Profile(ctx context.Context, blockchain, address string) (WalletProfile, error)
}

// Engine is the multi-phase whale intelligence classifier. It is pure over
// {event, AIS snapshot, price snapshot, enrichment snapshot}: classifying
// the same event twice against the same collaborator state produces equal
// results.
type Engine struct {
	ais       intel.Store
	oracle    price.Oracle
	enricher  Enricher
	warehouse Warehouse
	cache     intel.EnrichCache

	whale       config.WhaleThresholds
	levels      config.ClassificationLevels
	weights     map[string]float64
	stablecoins map[string]bool

	externalTimeout time.Duration
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithEnricher wires the external address enrichment phase.
func WithEnricher(e Enricher, cache intel.EnrichCache) Option {
	return func(eng *Engine) {
		eng.enricher = e
		eng.cache = cache
	}
}

// WithWarehouse wires the mega-whale historical query phase.
func WithWarehouse(w Warehouse) Option {
	return func(eng *Engine) { eng.warehouse = w }
}

// New builds an engine from the threshold configuration. Phases that need
// an absent collaborator are skipped at runtime.
func New(ais intel.Store, oracle price.Oracle, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		ais:             ais,
		oracle:          oracle,
		whale:           cfg.Thresholds.Whale,
		levels:          cfg.Thresholds.Classification,
		weights:         cfg.Engine.PhaseWeights,
		stablecoins:     cfg.StablecoinSet(),
		externalTimeout: 10 * time.Second,
	}
	if e.cache == nil {
		e.cache = intel.NewMemoryEnrichCache(0)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) weight(phase string) float64 {
	if w, ok := e.weights[phase]; ok {
		return w
	}
	return 0.10
}

// Classify runs the cost-ordered phase pipeline over one unique event and
// returns the final verdict. It never fails: a phase error is recorded in
// the evidence trail and the remaining phases continue; worst case the
// event is labelled UNKNOWN with zero confidence.
func (e *Engine) Classify(ctx context.Context, ev *model.RawEvent) model.ClassifiedEvent {
	out := model.ClassifiedEvent{
		RawEvent:       *ev,
		TraceID:        uuid.NewString()[:8],
		Classification: model.ClassUnknown,
	}

	if out.USDValue == 0 {
		if p, ok := e.oracle.Price(ev.Symbol); ok && p > 0 {
			out.USDValue = ev.Amount * p
		}
	}

	type phaseFn struct {
		name string
		run  func(ctx context.Context, ev *model.ClassifiedEvent) (model.PhaseResult, error)
		gate func(results []model.PhaseResult) bool
	}

	always := func([]model.PhaseResult) bool { return true }
	belowModerate := func(results []model.PhaseResult) bool {
		return bestConfidence(results) < e.levels.ModerateSignal
	}
	belowHigh := func(results []model.PhaseResult) bool {
		return bestConfidence(results) < e.levels.HighConfidence
	}

	phases := []phaseFn{
		{PhaseCEX, e.analyzeCEX, always},
		{PhaseDEX, e.analyzeProtocol, always},
		{PhaseStablecoin, e.analyzeStablecoinFlow, always},
		{PhaseMarket, e.analyzeMarketRisk, always},
		{PhaseHeuristic, e.analyzeChainHeuristics, belowModerate},
		{PhaseBehavior, e.analyzeWalletBehavior, belowHigh},
		{PhaseEnrichment, e.analyzeExternalEnrichment, func(results []model.PhaseResult) bool {
			return out.USDValue >= e.whale.LargeTraderUSD && bestConfidence(results) < e.levels.HighConfidence
		}},
		{PhaseWarehouse, e.analyzeWarehouseHistory, func(results []model.PhaseResult) bool {
			return out.USDValue >= e.whale.WhaleUSD && bestConfidence(results) < e.levels.ModerateSignal
		}},
	}

	var results []model.PhaseResult
	for i, phase := range phases {
		if !phase.gate(results) {
			continue
		}

		res, err := phase.run(ctx, &out)
		out.PhasesCompleted++
		if err != nil {
			log.Warn().
				Str("trace_id", out.TraceID).
				Str("phase", phase.name).
				Err(err).
				Msg("Classification phase failed, continuing")
			out.Evidence = append(out.Evidence, fmt.Sprintf("%s skipped: %v", phase.name, err))
			continue
		}

		res.Phase = phase.name
		res.Weight = e.weight(phase.name)
		results = append(results, res)
		out.Evidence = append(out.Evidence, res.Evidence...)
		out.WhaleSignals = appendUnique(out.WhaleSignals, res.WhaleSignals...)

		// Short-circuit: stop once high confidence is backed by structural
		// evidence from the CEX or protocol phase. Heuristic confidence
		// alone never short-circuits.
		if i < len(phases)-1 && e.canShortCircuit(results) {
			out.CostOptimized = true
			break
		}
	}

	class, confidence, notes := e.master(results)
	out.Classification = class
	out.Confidence = confidence
	out.Evidence = append(out.Evidence, notes...)

	out.WhaleScore = e.whaleScore(&out)
	out.IsWhale = out.WhaleScore >= 60 && out.Confidence >= 0.70

	return out
}

func (e *Engine) canShortCircuit(results []model.PhaseResult) bool {
	structural := false
	for _, r := range results {
		if (r.Phase == PhaseCEX || r.Phase == PhaseDEX) && r.Fired() {
			structural = true
			break
		}
	}
	if !structural {
		return false
	}
	_, confidence, _ := e.master(results)
	return confidence >= e.levels.HighConfidence
}

// master aggregates phase results into the final classification.
func (e *Engine) master(results []model.PhaseResult) (model.Classification, float64, []string) {
	var fired []model.PhaseResult
	for _, r := range results {
		if r.Fired() {
			fired = append(fired, r)
		}
	}
	if len(fired) == 0 || bestConfidence(results) < e.levels.AggregationThreshold {
		return model.ClassUnknown, 0, nil
	}

	var notes []string
	if conflict := detectConflict(fired); conflict != "" {
		notes = append(notes, conflict)
	}

	// Dominance rule: a heavyweight phase with high confidence decides the
	// label outright; concurring phases sharpen the confidence.
	sort.SliceStable(fired, func(i, j int) bool {
		return phasePriority[fired[i].Phase] < phasePriority[fired[j].Phase]
	})
	for _, r := range fired {
		if r.Weight >= 0.40 && r.Confidence >= 0.80 {
			var weightSum, confSum float64
			for _, other := range fired {
				if other.Classification == r.Classification {
					weightSum += other.Weight
					confSum += other.Weight * other.Confidence
				}
			}
			confidence := r.Confidence
			if weightSum > 0 {
				confidence = confSum / weightSum
			}
			if confidence > 0.95 {
				confidence = 0.95
			}
			return r.Classification, confidence, notes
		}
	}

	// Weighted vote.
	votes := make(map[model.Classification]float64)
	var totalWeight float64
	for _, r := range fired {
		votes[r.Classification] += r.Weight * r.Confidence
		totalWeight += r.Weight
	}

	var winner model.Classification
	var best float64
	for _, r := range fired { // iterate in priority order for stable ties
		score := votes[r.Classification]
		if score > best {
			best = score
			winner = r.Classification
		}
	}

	confidence := best / totalWeight
	if confidence > 0.90 {
		confidence = 0.90
	}
	return winner, confidence, notes
}

// detectConflict reports disagreement between phases of comparable weight.
func detectConflict(fired []model.PhaseResult) string {
	for i := 0; i < len(fired); i++ {
		for j := i + 1; j < len(fired); j++ {
			a, b := fired[i], fired[j]
			if a.Classification != b.Classification && abs(a.Weight-b.Weight) <= 0.10 {
				return fmt.Sprintf("conflict: %s says %s, %s says %s", a.Phase, a.Classification, b.Phase, b.Classification)
			}
		}
	}
	return ""
}

func bestConfidence(results []model.PhaseResult) float64 {
	var best float64
	for _, r := range results {
		if r.Fired() && r.Confidence > best {
			best = r.Confidence
		}
	}
	return best
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		seen := false
		for _, existing := range dst {
			if existing == item {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, item)
		}
	}
	return dst
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
