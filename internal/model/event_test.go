package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrend(t *testing.T) {
	cases := []struct {
		name        string
		buyPct      float64
		directional int64
		want        string
	}{
		{"strong buying", 75, 10, "bullish"},
		{"strong selling", 20, 10, "bearish"},
		{"balanced", 50, 10, "neutral"},
		{"boundary high", 60, 10, "neutral"},
		{"boundary low", 40, 10, "neutral"},
		{"no directional data", 0, 0, "neutral"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Trend(tc.buyPct, tc.directional))
		})
	}
}

func TestRawEventValidate(t *testing.T) {
	ev := &RawEvent{Source: SourceEthPoll, Blockchain: "ethereum", TxHash: "0xabc", Amount: 1}
	assert.NoError(t, ev.Validate())

	assert.Error(t, (&RawEvent{Blockchain: "ethereum", Amount: 1}).Validate())
	assert.Error(t, (&RawEvent{TxHash: "0xabc", Amount: 1}).Validate())
	assert.Error(t, (&RawEvent{Blockchain: "xrp", TxHash: "F00D", Amount: 0}).Validate())
}
