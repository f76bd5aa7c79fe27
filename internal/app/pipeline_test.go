package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaletide/whaletide/internal/adapters"
	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/dedup"
	"github.com/whaletide/whaletide/internal/engine"
	"github.com/whaletide/whaletide/internal/intel"
	"github.com/whaletide/whaletide/internal/metrics"
	"github.com/whaletide/whaletide/internal/model"
	"github.com/whaletide/whaletide/internal/price"
	"github.com/whaletide/whaletide/internal/store"
)

const binanceHot = "0x28c6c06298d514db089934071355e5743bf21d60"

func testPipeline() (*Pipeline, *store.Store, *dedup.Deduplicator) {
	ais := intel.NewSnapshotStore()
	ais.Add(intel.Seed()...)
	eng := engine.New(ais, price.NewStatic(map[string]float64{"WETH": 3000}), config.Default())

	st := store.New(1000, time.Hour)
	dd := dedup.New()
	return NewPipeline(64, dd, eng, st, metrics.New()), st, dd
}

func rawEvent(hash string, usd float64) *model.RawEvent {
	return &model.RawEvent{
		Source:     model.SourceEthPoll,
		Blockchain: "ethereum",
		TxHash:     hash,
		From:       "0x1111111111111111111111111111111111111111",
		To:         binanceHot,
		Symbol:     "WETH",
		Amount:     usd / 3000,
		USDValue:   usd,
		Timestamp:  time.Now().Unix(),
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	p, st, dd := testPipeline()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Events() <- rawEvent("0xabc", 5_000_000)
	p.Events() <- rawEvent("0xabc", 5_000_000) // duplicate

	require.Eventually(t, func() bool { return st.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the duplicate drain

	events := st.Recent(store.Filter{})
	require.Len(t, events, 1)
	assert.Equal(t, model.ClassSell, events[0].Classification, "deposit to a seeded CEX wallet")
	assert.True(t, events[0].IsWhale)

	assert.Equal(t, int64(1), dd.Stats().DuplicatesCaught)
	assert.Equal(t, int64(1), st.Counters()["WETH"].Sells)
}

func TestPipeline_InvalidEventDiscarded(t *testing.T) {
	p, st, dd := testPipeline()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Events() <- &model.RawEvent{Blockchain: "ethereum"} // missing hash and amount
	p.Events() <- rawEvent("0xok", 50_000)

	require.Eventually(t, func() bool { return st.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), dd.Stats().TotalReceived, "invalid event never reaches dedup")
}

type flappyAdapter struct {
	starts chan struct{}
}

func (f *flappyAdapter) Name() string { return "flappy" }
func (f *flappyAdapter) Stats() adapters.Stats { return adapters.Stats{} }
func (f *flappyAdapter) ObserveDrops(fn func()) {}
func (f *flappyAdapter) Start(ctx context.Context, _ chan *model.RawEvent) error {
	select {
	case f.starts <- struct{}{}:
	default:
	}
	return assertErr
}

// steadyAdapter blocks healthily until the context ends.
type steadyAdapter struct{}

func (steadyAdapter) Name() string { return "steady" }
func (steadyAdapter) Stats() adapters.Stats { return adapters.Stats{} }
func (steadyAdapter) ObserveDrops(fn func()) {}
func (steadyAdapter) Start(ctx context.Context, _ chan *model.RawEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

var assertErr = context.DeadlineExceeded

func TestSupervisor_RestartsFailingAdapter(t *testing.T) {
	s := NewSupervisor(config.SupervisorConfig{
		MaxConsecutiveFailures: 3,
		BackoffBaseSec:         1,
		BackoffCapSec:          1,
	}, metrics.New())

	a := &flappyAdapter{starts: make(chan struct{}, 16)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, nil, []adapters.Adapter{a, steadyAdapter{}}, make(chan *model.RawEvent, 1))
	}()

	// Two starts prove at least one restart happened.
	for i := 0; i < 2; i++ {
		select {
		case <-a.starts:
		case <-ctx.Done():
			t.Fatal("adapter was not restarted")
		}
	}

	// Let the failure streak run out and check degradation.
	require.Eventually(t, func() bool {
		return s.Health()["flappy"] == "degraded"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done, "one failing adapter never tears down the group")
}

func TestSupervisor_AllAdaptersDegradedStopsGroup(t *testing.T) {
	s := NewSupervisor(config.SupervisorConfig{
		MaxConsecutiveFailures: 2,
		BackoffBaseSec:         1,
		BackoffCapSec:          1,
	}, metrics.New())

	a := &flappyAdapter{starts: make(chan struct{}, 16)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.Run(ctx, nil, []adapters.Adapter{a}, make(chan *model.RawEvent, 1))
	assert.ErrorIs(t, err, ErrAllAdaptersDegraded, "losing every event source ends the run")
	assert.NoError(t, ctx.Err(), "the group must stop on its own, not via the timeout")
}

func TestSupervisor_CoreTaskFailureStopsGroup(t *testing.T) {
	s := NewSupervisor(config.SupervisorConfig{}, metrics.New())

	boom := Task{Name: "boom", Run: func(ctx context.Context) error {
		return assertErr
	}}

	err := s.Run(context.Background(), []Task{boom}, nil, nil)
	assert.ErrorIs(t, err, assertErr)
}

func TestWriteSummary(t *testing.T) {
	_, st, dd := testPipeline()
	st.Add(&model.ClassifiedEvent{
		RawEvent:       model.RawEvent{Symbol: "WETH", USDValue: 10_000, Timestamp: time.Now().Unix()},
		Classification: model.ClassBuy,
	})
	dd.Accept(&model.RawEvent{Blockchain: "ethereum", TxHash: "0x1", Amount: 1, Timestamp: time.Now().Unix()})

	var sb strings.Builder
	WriteSummary(&sb, st, dd)

	out := sb.String()
	assert.Contains(t, out, "WETH")
	assert.Contains(t, out, "↑")
	assert.Contains(t, out, "unique=1")
}
