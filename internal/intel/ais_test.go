package intel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_EVMCaseInsensitiveOnly(t *testing.T) {
	s := NewSnapshotStore()
	s.Add(
		Record{Address: "0xABCDEF0123", Blockchain: "ethereum", Category: CategoryCEX, EntityName: "Binance"},
		Record{Address: "So1anaCaseSensitive", Blockchain: "solana", Category: CategoryWhale},
	)

	_, ok := s.Lookup("ethereum", "0xabcdef0123")
	assert.True(t, ok, "EVM addresses fold case")
	_, ok = s.Lookup("ETHEREUM", "0xABCDEF0123")
	assert.True(t, ok, "blockchain name folds case")

	_, ok = s.Lookup("solana", "So1anaCaseSensitive")
	assert.True(t, ok)
	_, ok = s.Lookup("solana", "so1anacasesensitive")
	assert.False(t, ok, "Solana addresses are case sensitive")
}

func TestReplace_SwapsWholeSnapshot(t *testing.T) {
	s := NewSnapshotStore()
	s.Add(Record{Address: "0xold", Blockchain: "ethereum", Category: CategoryCEX})

	s.Replace([]Record{{Address: "0xnew", Blockchain: "ethereum", Category: CategoryBridge}})

	_, ok := s.Lookup("ethereum", "0xold")
	assert.False(t, ok)
	r, ok := s.Lookup("ethereum", "0xnew")
	require.True(t, ok)
	assert.Equal(t, CategoryBridge, r.Category)
	assert.Equal(t, 1, s.Len())
}

func TestVerified_RequiresCorroboration(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want bool
	}{
		{"entity name corroborates", Record{Category: CategoryDEXRouter, EntityName: "Uniswap"}, true},
		{"protocol tag corroborates", Record{Category: CategoryLendingPool, Tags: []string{"defi"}}, true},
		{"high confidence corroborates", Record{Category: CategoryBridge, Confidence: 0.9}, true},
		{"bare protocol category rejected", Record{Category: CategoryDEXRouter, Confidence: 0.5}, false},
		{"non-protocol category rejected", Record{Category: CategoryCEX, EntityName: "Binance"}, false},
		{"unrelated tag rejected", Record{Category: CategoryStakingContract, Tags: []string{"whale"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.rec.Verified())
		})
	}
}

func TestSeed_CoversMajorVenues(t *testing.T) {
	s := NewSnapshotStore()
	s.Add(Seed()...)

	binance, ok := s.Lookup("ethereum", "0x28c6c06298d514db089934071355e5743bf21d60")
	require.True(t, ok)
	assert.Equal(t, CategoryCEX, binance.Category)

	uni, ok := s.Lookup("ethereum", "0x7a250d5630b4cf539739df2c5dacb4c659f2488d")
	require.True(t, ok)
	assert.Equal(t, CategoryDEXRouter, uni.Category)
	assert.True(t, uni.Verified(), "seeded protocols must pass the corroboration rule")
}
