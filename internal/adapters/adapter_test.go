package adapters

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaletide/whaletide/internal/model"
)

func TestSeenSet_BoundedDedup(t *testing.T) {
	s := newSeenSet(3)

	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.True(t, s.Add("c"))

	// Capacity exceeded: the oldest key is forgotten and dedups as new.
	assert.True(t, s.Add("d"))
	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("d"))
}

func TestBackoff_CappedExponential(t *testing.T) {
	base, cap := time.Second, 30*time.Second

	assert.Equal(t, time.Second, backoff(0, base, cap))
	assert.Equal(t, 2*time.Second, backoff(1, base, cap))
	assert.Equal(t, 8*time.Second, backoff(3, base, cap))
	assert.Equal(t, 30*time.Second, backoff(10, base, cap))
}

func TestEmit_DeliversWhenCapacityAvailable(t *testing.T) {
	c := &counters{}
	out := make(chan *model.RawEvent, 4)

	ev := &model.RawEvent{TxHash: "0x1"}
	c.emit(context.Background(), out, ev, "test")

	require.Len(t, out, 1)
	assert.Same(t, ev, <-out)
	assert.Equal(t, int64(1), c.Stats().Produced)
	assert.Zero(t, c.Stats().Dropped)
}

func TestEmit_SaturatedQueueDropsOldest(t *testing.T) {
	c := &counters{}
	observed := 0
	c.ObserveDrops(func() { observed++ })

	out := make(chan *model.RawEvent, 2)
	out <- &model.RawEvent{TxHash: "0xold1"}
	out <- &model.RawEvent{TxHash: "0xold2"}

	fresh := &model.RawEvent{TxHash: "0xfresh"}
	c.emit(context.Background(), out, fresh, "test")

	assert.Equal(t, int64(1), c.Stats().Dropped, "queue head discarded")
	assert.Equal(t, 1, observed, "drop observer mirrors the counter")
	assert.Equal(t, int64(1), c.Stats().Produced)

	// Remaining queue: the surviving old event, then the fresh one.
	first := <-out
	second := <-out
	assert.Equal(t, "0xold2", first.TxHash)
	assert.Same(t, fresh, second)
}

func TestEmit_CancelledContextGivesUp(t *testing.T) {
	c := &counters{}
	out := make(chan *model.RawEvent) // unbuffered, nobody reading

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		c.emit(ctx, out, &model.RawEvent{TxHash: "0x1"}, "test")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit must return promptly on a cancelled context")
	}
	assert.Zero(t, c.Stats().Produced)
}

func TestNormalizeChain(t *testing.T) {
	cases := map[string]string{
		"ripple":   "xrp",
		"matic":    "polygon",
		"Ethereum": "ethereum",
		"solana":   "solana",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeChain(in), fmt.Sprintf("normalizeChain(%q)", in))
	}
}
