package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/intel"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/price"
)

const (
	binanceHot = "0x28c6c06298d514db089934071355e5743bf21d60"
	uniRouter  = "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
	userA      = "0x1111111111111111111111111111111111111111"
	userB      = "0x2222222222222222222222222222222222222222"
)

func testAIS() *intel.SnapshotStore {
	s := intel.NewSnapshotStore()
	s.Add(
		intel.Record{Address: binanceHot, Blockchain: "ethereum", Category: intel.CategoryCEX, EntityName: "Binance", Confidence: 0.95},
		intel.Record{Address: uniRouter, Blockchain: "ethereum", Category: intel.CategoryDEXRouter, EntityName: "Uniswap V2 Router", Confidence: 0.95, Tags: []string{"dex"}},
	)
	return s
}

func testEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	return New(testAIS(), price.NewStatic(map[string]float64{"WETH": 3000, "SOL": 140}), config.Default(), opts...)
}

func ethEvent(from, to string, usd float64) *model.RawEvent {
	return &model.RawEvent{
		Source:     model.SourceEthPoll,
		Blockchain: "ethereum",
		TxHash:     "0xabc",
		From:       from,
		To:         to,
		Symbol:     "WETH",
		Amount:     usd / 3000,
		USDValue:   usd,
		Timestamp:  time.Now().Unix(),
	}
}

func TestClassify_CEXDepositIsWhaleSell(t *testing.T) {
	e := testEngine(t)

	out := e.Classify(context.Background(), ethEvent(userA, binanceHot, 5_000_000))

	assert.Equal(t, model.ClassSell, out.Classification)
	assert.GreaterOrEqual(t, out.Confidence, 0.80)
	assert.True(t, out.CostOptimized, "structural high-confidence evidence must stop the pipeline")
	assert.Equal(t, 1, out.PhasesCompleted)
	assert.True(t, out.IsWhale)
	assert.GreaterOrEqual(t, out.WhaleScore, 75.0)
	assert.NotEmpty(t, out.TraceID)
}

func TestClassify_DirectionalSymmetry(t *testing.T) {
	e := testEngine(t)

	deposit := e.Classify(context.Background(), ethEvent(userA, binanceHot, 5_000_000))
	withdrawal := e.Classify(context.Background(), ethEvent(binanceHot, userA, 5_000_000))

	assert.Equal(t, model.ClassSell, deposit.Classification)
	assert.Equal(t, model.ClassBuy, withdrawal.Classification)
	assert.Equal(t, deposit.Confidence, withdrawal.Confidence,
		"swapping from/to must flip the label without changing confidence")
	assert.Equal(t, deposit.WhaleScore, withdrawal.WhaleScore)
}

func TestClassify_VerifiedRouterOutboundIsBuy(t *testing.T) {
	e := testEngine(t)

	out := e.Classify(context.Background(), ethEvent(uniRouter, userA, 250_000))

	assert.Equal(t, model.ClassBuy, out.Classification)
	assert.GreaterOrEqual(t, out.Confidence, 0.80)
	assert.True(t, out.CostOptimized)
	assert.Contains(t, out.WhaleSignals, "verified_protocol")
}

func TestClassify_UnverifiedProtocolRecordIgnored(t *testing.T) {
	ais := intel.NewSnapshotStore()
	// Protocol category with no entity, no tags, weak confidence: the
	// corroboration rule must reject it.
	ais.Add(intel.Record{Address: userB, Blockchain: "ethereum", Category: intel.CategoryDEXRouter, Confidence: 0.4})
	e := New(ais, price.NewStatic(nil), config.Default())

	out := e.Classify(context.Background(), ethEvent(userA, userB, 5_000))

	assert.Equal(t, model.ClassTransfer, out.Classification)
	assert.LessOrEqual(t, out.Confidence, 0.30)
}

func TestClassify_UserToUserTransferLowConfidence(t *testing.T) {
	e := testEngine(t)

	out := e.Classify(context.Background(), ethEvent(userA, userB, 5_000))

	assert.Equal(t, model.ClassTransfer, out.Classification)
	assert.LessOrEqual(t, out.Confidence, 0.30)
	assert.False(t, out.IsWhale)
	assert.False(t, out.CostOptimized)
	// cex, dex, stablecoin, market, heuristic, behavior; the paid phases
	// stay gated for a $5k transfer.
	assert.Equal(t, 6, out.PhasesCompleted)
}

func TestClassify_BridgeForcesTransfer(t *testing.T) {
	ais := testAIS()
	ais.Add(intel.Record{
		Address: userB, Blockchain: "ethereum",
		Category: intel.CategoryBridge, EntityName: "Wormhole Bridge", Confidence: 0.9,
	})
	e := New(ais, price.NewStatic(nil), config.Default())

	out := e.Classify(context.Background(), ethEvent(userA, userB, 2_000_000))

	assert.Equal(t, model.ClassTransfer, out.Classification)
	assert.GreaterOrEqual(t, out.Confidence, 0.80)
	assert.Contains(t, out.WhaleSignals, "bridge_flow")
}

func TestClassify_MixerPenaltySuppressesWhaleFlag(t *testing.T) {
	ais := testAIS()
	ais.Add(intel.Record{Address: userB, Blockchain: "ethereum", Category: intel.CategoryMixerSanctioned, EntityName: "Tornado Cash"})
	e := New(ais, price.NewStatic(nil), config.Default())

	out := e.Classify(context.Background(), ethEvent(userA, userB, 2_000_000))

	assert.Equal(t, model.ClassTransfer, out.Classification)
	assert.Contains(t, out.WhaleSignals, "mixer_sanctioned")
	assert.Equal(t, 50.0, out.WhaleScore, "1M-band base 75 minus the 25-point mixer penalty")
	assert.False(t, out.IsWhale)
}

func TestClassify_StablecoinCounterAssetDirection(t *testing.T) {
	e := testEngine(t)

	ev := ethEvent(userA, userB, 50_000)
	ev.Raw = map[string]string{"counter_symbol": "USDC", "stable_direction": "in"}

	out := e.Classify(context.Background(), ev)

	assert.Equal(t, model.ClassBuy, out.Classification)
	assert.InDelta(t, 0.60, out.Confidence, 0.001)
}

func TestClassify_ConflictingPhasesAreNoted(t *testing.T) {
	ais := intel.NewSnapshotStore()
	ais.Add(intel.Record{Address: userB, Blockchain: "ethereum", Category: intel.CategoryMixerSanctioned})
	e := New(ais, price.NewStatic(nil), config.Default())

	// Stablecoin phase says BUY, market-risk phase says TRANSFER; the
	// weights are close so the disagreement must surface in the evidence.
	ev := ethEvent(userA, userB, 50_000)
	ev.Raw = map[string]string{"counter_symbol": "USDT", "stable_direction": "in"}

	out := e.Classify(context.Background(), ev)

	found := false
	for _, line := range out.Evidence {
		if len(line) >= 9 && line[:9] == "conflict:" {
			found = true
		}
	}
	assert.True(t, found, "evidence should record the phase disagreement: %v", out.Evidence)
}

func TestClassify_Idempotent(t *testing.T) {
	e := testEngine(t)
	ev := ethEvent(userA, binanceHot, 750_000)

	a := e.Classify(context.Background(), ev)
	b := e.Classify(context.Background(), ev)

	assert.Equal(t, a.Classification, b.Classification)
	assert.Equal(t, a.Confidence, b.Confidence)
	assert.Equal(t, a.WhaleScore, b.WhaleScore)
	assert.Equal(t, a.IsWhale, b.IsWhale)
	assert.Equal(t, a.Evidence, b.Evidence)
}

func TestClassify_FillsUSDFromOracle(t *testing.T) {
	e := testEngine(t)

	ev := &model.RawEvent{
		Source: model.SourceSolanaWS, Blockchain: "solana",
		TxHash: "sig", From: "ownerA", To: "ownerB",
		Symbol: "SOL", Amount: 500, Timestamp: time.Now().Unix(),
	}

	out := e.Classify(context.Background(), ev)
	assert.InDelta(t, 70_000, out.USDValue, 0.001)
}

type fakeEnricher struct {
	mu     sync.Mutex
	calls  int
	record intel.Record
	err    error
}

func (f *fakeEnricher) Enrich(_ context.Context, _, address string) (intel.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return intel.Record{}, f.err
	}
	r := f.record
	r.Address = address
	return r, nil
}

func TestClassify_EnrichmentCachedAcrossEvents(t *testing.T) {
	fake := &fakeEnricher{record: intel.Record{Blockchain: "ethereum", Category: intel.CategoryWhale, EntityName: "Fund X"}}
	e := testEngine(t, WithEnricher(fake, intel.NewMemoryEnrichCache(time.Hour)))

	ev := ethEvent(userA, userB, 250_000)
	first := e.Classify(context.Background(), ev)
	second := e.Classify(context.Background(), ev)

	require.Equal(t, model.ClassBuy, first.Classification, "whale accumulating is a buy signal")
	assert.Contains(t, first.WhaleSignals, "enriched_whale")
	assert.Equal(t, first.Classification, second.Classification)
	assert.Equal(t, 1, fake.calls, "second classification must hit the cache")
}

func TestClassify_EnricherFailureDoesNotFailEvent(t *testing.T) {
	fake := &fakeEnricher{err: errors.New("vendor down")}
	e := testEngine(t, WithEnricher(fake, intel.NewMemoryEnrichCache(time.Hour)))

	out := e.Classify(context.Background(), ethEvent(userA, userB, 250_000))

	assert.Equal(t, model.ClassTransfer, out.Classification, "pipeline degrades to the heuristic verdict")
	found := false
	for _, line := range out.Evidence {
		if len(line) > 10 && line[:10] == "enrichment" {
			found = true
		}
	}
	assert.True(t, found, "skip must be visible in evidence: %v", out.Evidence)
}

type fakeWarehouse struct {
	profile WalletProfile
	err     error
}

func (f *fakeWarehouse) Profile(context.Context, string, string) (WalletProfile, error) {
	return f.profile, f.err
}

func TestClassify_WarehouseHistoryBreaksTie(t *testing.T) {
	fake := &fakeWarehouse{profile: WalletProfile{Address: userA, BuyRatio: 0.85, TxCount: 120}}
	e := testEngine(t, WithWarehouse(fake))

	out := e.Classify(context.Background(), ethEvent(userA, userB, 2_000_000))

	assert.Equal(t, model.ClassBuy, out.Classification)
}

func TestClassify_MissingPartiesFallBackToTransfer(t *testing.T) {
	e := New(intel.NewSnapshotStore(), price.NewStatic(nil), config.Default())

	// No AIS, no price, unknown sender below every gate.
	ev := &model.RawEvent{
		Blockchain: "ethereum", TxHash: "0xzero",
		From: userA, To: userA, Symbol: "XYZ", Amount: 1,
		Timestamp: time.Now().Unix(),
	}
	ev.From = "" // strip even the self-transfer shape
	ev.To = ""

	out := e.Classify(context.Background(), ev)
	assert.Equal(t, model.ClassTransfer, out.Classification)
}

func TestWhaleScore_Bands(t *testing.T) {
	e := testEngine(t)

	cases := []struct {
		name    string
		usd     float64
		signals []string
		raw     map[string]string
		want    float64
	}{
		{"mega whale band", 25_000_000, nil, nil, 90},
		{"whale band", 1_500_000, nil, nil, 75},
		{"large trader band", 150_000, nil, nil, 55},
		{"medium trader band", 20_000, nil, nil, 30},
		{"proportional below bands", 5_000, nil, nil, 15},
		{"counterparty and tag bonuses", 1_500_000, []string{"heavy_wallet", "whale_tag"}, nil, 95},
		{"gas urgency bonus", 150_000, nil, map[string]string{"gas_urgency": "high"}, 60},
		{"clamped at 100", 25_000_000, []string{"heavy_wallet", "whale_tag", "verified_protocol"}, map[string]string{"gas_urgency": "high"}, 100},
		{"market maker penalty", 150_000, []string{"market_maker"}, nil, 40},
		{"floor at zero", 1_000, []string{"mixer_sanctioned"}, nil, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := &model.ClassifiedEvent{
				RawEvent:     model.RawEvent{USDValue: tc.usd, Raw: tc.raw},
				WhaleSignals: tc.signals,
			}
			assert.InDelta(t, tc.want, e.whaleScore(ev), 0.001)
		})
	}
}
