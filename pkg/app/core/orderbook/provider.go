package orderbook

import (
	"github.com/cockroachdb/pebble"

	"github.com/wysohn/RealEconomy/pkg/storage"
)

// OrderProvider pages through the live orders of one side, optionally limited
// to a category, in book order (asks cheapest first, bids dearest first).
// Each call reads the committed state at that moment.
type OrderProvider struct {
	store    *Store
	side     Side
	category *uint32
}

// ListedOrders returns a lazy provider over the orders of side. A nil
// category lists every category.
func (s *Store) ListedOrders(side Side, category *uint32) *OrderProvider {
	return &OrderProvider{store: s, side: side, category: category}
}

func (p *OrderProvider) prefix() []byte {
	if p.category != nil {
		return categoryPrefix(p.side, *p.category)
	}
	return listedPrefix(p.side)
}

// Size counts the orders currently listed.
func (p *OrderProvider) Size() (int, error) {
	n := 0
	err := storage.ScanPrefix(p.store.db, p.prefix(), func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// Page returns up to limit orders starting at offset.
func (p *OrderProvider) Page(offset, limit int) ([]OrderInfo, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return nil, nil
	}

	snap := p.store.db.NewSnapshot()
	defer snap.Close()

	ids := make([]int64, 0, limit)
	skipped := 0
	err := storage.ScanPrefix(snap, p.prefix(), func(key, _ []byte) bool {
		if skipped < offset {
			skipped++
			return true
		}
		ids = append(ids, idFromIndexKey(key))
		return len(ids) < limit
	})
	if err != nil {
		return nil, err
	}
	return loadOrders(snap, p.side, ids)
}

func loadOrders(r pebble.Reader, side Side, ids []int64) ([]OrderInfo, error) {
	out := make([]OrderInfo, 0, len(ids))
	for _, id := range ids {
		o, err := loadOrder(r, side, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}
