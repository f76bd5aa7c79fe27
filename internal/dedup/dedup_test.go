package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaletide/whaletide/internal/model"
)

func evmEvent(hash string, logIndex int) *model.RawEvent {
	return &model.RawEvent{
		Source:     model.SourceEthPoll,
		Blockchain: "ethereum",
		TxHash:     hash,
		LogIndex:   logIndex,
		From:       "0xaaa",
		To:         "0xbbb",
		Symbol:     "WETH",
		Amount:     10,
		USDValue:   30000,
		Timestamp:  time.Now().Unix(),
	}
}

func TestAccept_ExactlyOnce(t *testing.T) {
	d := New()

	_, emitted := d.Accept(evmEvent("0xabc", 0))
	assert.True(t, emitted, "first arrival must be emitted")

	_, emitted = d.Accept(evmEvent("0xabc", 0))
	assert.False(t, emitted, "second arrival must be suppressed")

	_, emitted = d.Accept(evmEvent("0xabc", 1))
	assert.True(t, emitted, "different log index is a different event")

	stats := d.Stats()
	assert.Equal(t, int64(3), stats.TotalReceived)
	assert.Equal(t, int64(1), stats.DuplicatesCaught)
	assert.Equal(t, int64(2), stats.UniqueTransactions)
}

func TestAccept_SolanaKeyIgnoresInstructionDetails(t *testing.T) {
	d := New()

	a := &model.RawEvent{
		Source:     model.SourceSolanaWS,
		Blockchain: "solana",
		TxHash:     "5sig",
		From:       "ownerA",
		To:         "ownerB",
		Symbol:     "SOL",
		Amount:     500,
		USDValue:   70000,
		Timestamp:  time.Now().Unix(),
	}
	b := *a
	b.Source = model.SourceSolanaPoll
	b.From = "ownerC" // parsed report names a different hop

	_, emitted := d.Accept(a)
	assert.True(t, emitted)
	_, emitted = d.Accept(&b)
	assert.False(t, emitted, "signature alone must collapse parsed and raw reports")
}

func TestAccept_XRPKeyIncludesSequence(t *testing.T) {
	d := New()

	a := &model.RawEvent{Blockchain: "xrp", TxHash: "ABC", Sequence: 1, Amount: 1, USDValue: 5000, Timestamp: time.Now().Unix()}
	b := &model.RawEvent{Blockchain: "xrp", TxHash: "ABC", Sequence: 2, Amount: 1, USDValue: 5000, Timestamp: time.Now().Unix()}

	_, emitted := d.Accept(a)
	assert.True(t, emitted)
	_, emitted = d.Accept(b)
	assert.True(t, emitted, "different sequence is a different event")
}

func TestAccept_MergeEnrichesStoredEvent(t *testing.T) {
	d := New()

	// Vendor feed arrives first with no USD value and unknown sender.
	vendor := &model.RawEvent{
		Source:     model.SourceWhaleAlertWS,
		Blockchain: "ethereum",
		TxHash:     "0xdef",
		LogIndex:   0,
		From:       "unknown",
		To:         "0xbbb",
		Symbol:     "LINK",
		Amount:     5000,
		Timestamp:  time.Now().Unix(),
	}
	stored, emitted := d.Accept(vendor)
	require.True(t, emitted)

	// Native adapter reports the same transfer with richer data.
	native := evmEvent("0xdef", 0)
	native.Symbol = "LINK"
	native.USDValue = 75000
	native.BlockNumber = 19000000

	merged, emitted := d.Accept(native)
	assert.False(t, emitted)
	assert.Same(t, stored, merged)
	assert.Equal(t, 75000.0, stored.USDValue, "usd value from richer source")
	assert.Equal(t, "0xaaa", stored.From, "unknown sender replaced")
	assert.Equal(t, int64(19000000), stored.BlockNumber)
	assert.Equal(t, int64(1), d.Stats().DuplicatesCaught)
}

func TestAccept_ConcurrentSingleEmission(t *testing.T) {
	d := New()

	const workers = 32
	var wg sync.WaitGroup
	emissions := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, emitted := d.Accept(evmEvent("0xrace", 0))
			emissions <- emitted
		}()
	}
	wg.Wait()
	close(emissions)

	emittedCount := 0
	for e := range emissions {
		if e {
			emittedCount++
		}
	}
	assert.Equal(t, 1, emittedCount, "exactly one concurrent caller wins")
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	d := New()

	old := evmEvent("0xold", 0)
	old.Timestamp = time.Now().Add(-3 * time.Hour).Unix()
	d.Accept(old)
	d.Accept(evmEvent("0xnew", 0))

	removed := d.Sweep(2 * time.Hour)
	assert.Equal(t, 1, removed)

	// The swept key dedups as new again; the fresh key is still held.
	_, emitted := d.Accept(evmEvent("0xnew", 0))
	assert.False(t, emitted)
}

func TestStats_PerChainBreakdown(t *testing.T) {
	d := New()

	for i := 0; i < 4; i++ {
		d.Accept(evmEvent(fmt.Sprintf("0x%d", i), 0))
	}
	d.Accept(evmEvent("0x0", 0)) // duplicate

	stats := d.Stats()
	eth := stats.ByChain["ethereum"]
	assert.Equal(t, int64(5), eth.Total)
	assert.Equal(t, int64(1), eth.Duplicates)
	assert.InDelta(t, 20.0, eth.Rate, 0.001)
	assert.InDelta(t, 20.0, stats.DedupRatio, 0.001)
}
