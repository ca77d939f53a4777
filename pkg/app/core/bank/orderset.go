package bank

import (
	"sort"
	"sync"

	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
)

// OrderSet is the set of order ids a user owns, per side. The order store
// stays the source of truth; users keep only ids.
type OrderSet struct {
	mu  sync.RWMutex
	ids map[orderbook.Side]map[int64]struct{}
}

func NewOrderSet() *OrderSet {
	return &OrderSet{ids: map[orderbook.Side]map[int64]struct{}{
		orderbook.Buy:  {},
		orderbook.Sell: {},
	}}
}

func (s *OrderSet) Has(side orderbook.Side, id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[side][id]
	return ok
}

func (s *OrderSet) Add(side orderbook.Side, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[side] == nil {
		s.ids[side] = make(map[int64]struct{})
	}
	s.ids[side][id] = struct{}{}
}

func (s *OrderSet) Remove(side orderbook.Side, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids[side], id)
}

// List returns the ids of one side in ascending order.
func (s *OrderSet) List(side orderbook.Side) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.ids[side]))
	for id := range s.ids[side] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns a deep copy suitable for Restore.
func (s *OrderSet) Snapshot() map[orderbook.Side][]int64 {
	return map[orderbook.Side][]int64{
		orderbook.Buy:  s.List(orderbook.Buy),
		orderbook.Sell: s.List(orderbook.Sell),
	}
}

// Restore replaces the set with a snapshot.
func (s *OrderSet) Restore(snap map[orderbook.Side][]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[orderbook.Side]map[int64]struct{}, len(snap))
	for side, ids := range snap {
		m := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			m[id] = struct{}{}
		}
		s.ids[side] = m
	}
}
