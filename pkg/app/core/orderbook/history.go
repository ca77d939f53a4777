package orderbook

import (
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wysohn/RealEconomy/pkg/storage"
)

// DefaultWindowDays is the history window used when callers pass days <= 0.
const DefaultWindowDays = 7

// trades returns the committed trades of a book within the last days, oldest
// first.
func (s *Store) trades(days int, listing, currency uuid.UUID) ([]TradeLog, error) {
	if days <= 0 {
		days = DefaultWindowDays
	}
	since := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixNano()
	prefix := tradePrefix(listing, currency)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: storage.Key(prefix, storage.Int64(since)),
		UpperBound: storage.KeyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []TradeLog
	for iter.First(); iter.Valid(); iter.Next() {
		var t TradeLog
		if err := storage.DecodeJSON(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		out = append(out, t)
	}
	return out, iter.Error()
}

// LastTradingPrice returns the most recent trade within the window, or nil.
func (s *Store) LastTradingPrice(days int, listing, currency uuid.UUID) (*PricePoint, error) {
	trades, err := s.trades(days, listing, currency)
	if err != nil || len(trades) == 0 {
		return nil, err
	}
	return point(trades[len(trades)-1]), nil
}

// LastTradingAverage returns the mean ask price of the trades within the
// window. ok is false when there were none.
func (s *Store) LastTradingAverage(days int, listing, currency uuid.UUID) (avg decimal.Decimal, ok bool, err error) {
	trades, err := s.trades(days, listing, currency)
	if err != nil || len(trades) == 0 {
		return decimal.Zero, false, err
	}
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.Ask)
	}
	return sum.Div(decimal.NewFromInt(int64(len(trades)))), true, nil
}

// HighestPoint returns the highest traded price within the window, or nil.
func (s *Store) HighestPoint(days int, listing, currency uuid.UUID) (*PricePoint, error) {
	return s.extreme(days, listing, currency, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
}

// LowestPoint returns the lowest traded price within the window, or nil.
func (s *Store) LowestPoint(days int, listing, currency uuid.UUID) (*PricePoint, error) {
	return s.extreme(days, listing, currency, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
}

func (s *Store) extreme(days int, listing, currency uuid.UUID, wins func(a, b decimal.Decimal) bool) (*PricePoint, error) {
	trades, err := s.trades(days, listing, currency)
	if err != nil || len(trades) == 0 {
		return nil, err
	}
	best := trades[0]
	for _, t := range trades[1:] {
		if wins(t.Ask, best.Ask) {
			best = t
		}
	}
	return point(best), nil
}

// LowestAsk returns the best live SELL order of a book, or nil.
func (s *Store) LowestAsk(listing, currency uuid.UUID) (*OrderInfo, error) {
	return s.top(listing, currency, Sell)
}

// HighestBid returns the best live BUY order of a book, or nil.
func (s *Store) HighestBid(listing, currency uuid.UUID) (*OrderInfo, error) {
	return s.top(listing, currency, Buy)
}

func (s *Store) top(listing, currency uuid.UUID, side Side) (*OrderInfo, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	var id int64
	err := storage.ScanPrefix(snap, bookSidePrefix(listing, currency, side), func(key, _ []byte) bool {
		id = idFromIndexKey(key)
		return false
	})
	if err != nil || id == 0 {
		return nil, err
	}
	return loadOrder(snap, side, id)
}

func point(t TradeLog) *PricePoint {
	return &PricePoint{Price: t.Ask, Amount: t.Amount, Timestamp: t.Timestamp}
}
