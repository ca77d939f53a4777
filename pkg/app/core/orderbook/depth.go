package orderbook

import (
	"github.com/google/uuid"

	"github.com/wysohn/RealEconomy/pkg/storage"
)

// Depth aggregates the live orders of one book into price levels, at most
// limit levels per side (0 = all). Bids are sorted high to low, asks low to
// high.
func (s *Store) Depth(listing, currency uuid.UUID, limit int) (bids, asks []PriceLevel, err error) {
	if bids, err = s.levels(listing, currency, Buy, limit); err != nil {
		return nil, nil, err
	}
	if asks, err = s.levels(listing, currency, Sell, limit); err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

func (s *Store) levels(listing, currency uuid.UUID, side Side, limit int) ([]PriceLevel, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	var ids []int64
	if err := storage.ScanPrefix(snap, bookSidePrefix(listing, currency, side), func(key, _ []byte) bool {
		ids = append(ids, idFromIndexKey(key))
		return true
	}); err != nil {
		return nil, err
	}

	orders, err := loadOrders(snap, side, ids)
	if err != nil {
		return nil, err
	}

	var levels []PriceLevel
	for _, o := range orders {
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Stock += o.Stock
			continue
		}
		if limit > 0 && len(levels) == limit {
			break
		}
		levels = append(levels, PriceLevel{Price: o.Price, Stock: o.Stock})
	}
	return levels, nil
}
