package intel

import (
	"strings"
	"sync"
)

// Category labels the role of an address as recorded by the offline
// address-intelligence pipeline.
type Category string

const (
	CategoryCEX             Category = "cex"
	CategoryDEXRouter       Category = "dex_router"
	CategoryDEXFactory      Category = "dex_factory"
	CategoryLendingPool     Category = "lending_pool"
	CategoryStakingContract Category = "staking_contract"
	CategoryBridge          Category = "bridge"
	CategoryMarketMaker     Category = "market_maker"
	CategoryMixerSanctioned Category = "mixer_sanctioned"
	CategoryWhale           Category = "whale"
	CategoryContractUnknown Category = "contract_unknown"
	CategoryEOAUnknown      Category = "eoa_unknown"
)

// IsProtocol reports whether the category belongs to the verified-protocol
// set used by the DEX/protocol classification phase.
func (c Category) IsProtocol() bool {
	switch c {
	case CategoryDEXRouter, CategoryDEXFactory, CategoryLendingPool, CategoryStakingContract, CategoryBridge:
		return true
	}
	return false
}

// Record is one address-intelligence entry. The engine treats records as
// read-only snapshots; the producing pipeline is out of process.
type Record struct {
	Address    string   `db:"address" json:"address"`
	Blockchain string   `db:"blockchain" json:"blockchain"`
	Category   Category `db:"category" json:"category"`
	EntityName string   `db:"entity_name" json:"entity_name"`
	Confidence float64  `db:"confidence" json:"confidence"`
	BalanceUSD float64  `db:"balance_usd" json:"balance_usd"`
	Tags       []string `json:"tags"`
}

// HasTag reports whether the record carries the given tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Verified reports whether the record is trustworthy enough to classify a
// transaction as a protocol interaction. The category alone is not enough:
// at least one corroborating signal is required so a coincidental weak tag
// on a user wallet never turns a user-to-user transfer into a protocol
// interaction.
func (r *Record) Verified() bool {
	if !r.Category.IsProtocol() {
		return false
	}
	if r.EntityName != "" {
		return true
	}
	for _, t := range r.Tags {
		switch t {
		case "dex", "lending", "staking", "bridge", "defi", "protocol", "verified":
			return true
		}
	}
	return r.Confidence >= 0.8
}

// Store is the read-only address-intelligence lookup used by engine phases.
type Store interface {
	Lookup(blockchain, address string) (Record, bool)
}

// SnapshotStore is an in-memory AIS snapshot. Writers are external; the
// process loads a snapshot at startup and replaces it atomically on refresh.
type SnapshotStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewSnapshotStore creates an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{records: make(map[string]Record)}
}

// key normalizes the lookup key. EVM addresses are case-insensitive;
// Solana and XRP addresses are case-sensitive, so only 0x addresses are
// lowercased.
func key(blockchain, address string) string {
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		address = strings.ToLower(address)
	}
	return strings.ToLower(blockchain) + "|" + address
}

// Replace swaps in a full snapshot.
func (s *SnapshotStore) Replace(records []Record) {
	next := make(map[string]Record, len(records))
	for _, r := range records {
		next[key(r.Blockchain, r.Address)] = r
	}
	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
}

// Add inserts or overwrites individual records; used by tests and by the
// seed table.
func (s *SnapshotStore) Add(records ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[key(r.Blockchain, r.Address)] = r
	}
}

// Lookup implements Store.
func (s *SnapshotStore) Lookup(blockchain, address string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key(blockchain, address)]
	return r, ok
}

// Len returns the number of records in the current snapshot.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
