package orderbook

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// dump returns every key/value of the store.
func dump(t *rapid.T, s *Store) map[string]string {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	defer iter.Close()

	out := make(map[string]string)
	for iter.First(); iter.Valid(); iter.Next() {
		out[string(iter.Key())] = string(iter.Value())
	}
	return out
}

// Best pair computed by brute force must equal PeekMatchingOrders.
func TestPeekMatchingOrdersProperty(t *testing.T) {
	listings := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	currency := uuid.New()

	rapid.Check(t, func(rt *rapid.T) {
		s, _ := newTestStore(t)
		issuer := newIssuer()

		var placed []OrderInfo
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		for i := 0; i < n; i++ {
			side := Buy
			if rapid.Bool().Draw(rt, "sell") {
				side = Sell
			}
			o := NewOrder{
				ListingID: listings[rapid.IntRange(0, len(listings)-1).Draw(rt, "listing")],
				Side:      side,
				Price:     decimal.New(rapid.Int64Range(1, 20).Draw(rt, "cents"), -1),
				Currency:  currency,
				Stock:     rapid.Int64Range(1, 50).Draw(rt, "stock"),
			}
			id := place(t, s, issuer, o)
			info, err := s.GetInfo(id, side)
			if err != nil {
				rt.Fatalf("GetInfo: %v", err)
			}
			placed = append(placed, *info)
		}

		want := bruteForceMatch(placed)
		got, err := s.PeekMatchingOrders()
		if err != nil {
			rt.Fatalf("peek: %v", err)
		}
		switch {
		case want == nil && got == nil:
		case want == nil || got == nil:
			rt.Fatalf("peek = %+v, brute force = %+v", got, want)
		case got.SellID != want.SellID || got.BuyID != want.BuyID:
			rt.Fatalf("peek matched sell %d/buy %d, want sell %d/buy %d", got.SellID, got.BuyID, want.SellID, want.BuyID)
		}
		if got != nil && got.Bid.LessThan(got.Ask) {
			rt.Fatalf("bid %s below ask %s", got.Bid, got.Ask)
		}
	})
}

func bruteForceMatch(orders []OrderInfo) *TradeInfo {
	type book struct{ bid, ask *OrderInfo }
	books := make(map[uuid.UUID]*book)
	for i := range orders {
		o := &orders[i]
		b := books[o.ListingID]
		if b == nil {
			b = &book{}
			books[o.ListingID] = b
		}
		if o.Side == Sell {
			if b.ask == nil || o.Price.LessThan(b.ask.Price) ||
				(o.Price.Equal(b.ask.Price) && o.Timestamp < b.ask.Timestamp) {
				b.ask = o
			}
		} else {
			if b.bid == nil || o.Price.GreaterThan(b.bid.Price) ||
				(o.Price.Equal(b.bid.Price) && o.Timestamp < b.bid.Timestamp) {
				b.bid = o
			}
		}
	}

	var best *TradeInfo
	for _, b := range books {
		if b.bid == nil || b.ask == nil || b.bid.Price.LessThan(b.ask.Price) {
			continue
		}
		c := &TradeInfo{
			BuyID: b.bid.OrderID, SellID: b.ask.OrderID,
			Ask: b.ask.Price, Bid: b.bid.Price,
			askTime: b.ask.Timestamp, bidTime: b.bid.Timestamp,
		}
		if better(c, best) {
			best = c
		}
	}
	return best
}

// Any mix of add/edit/cancel followed by a rollback leaves the store as it
// was.
func TestRollbackRestoresStoreProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, _ := newTestStore(t)
		issuer := newIssuer()
		listing, currency := uuid.New(), uuid.New()

		var committed []int64
		for i := rapid.IntRange(0, 5).Draw(rt, "seed"); i > 0; i-- {
			committed = append(committed, place(t, s, issuer, NewOrder{
				ListingID: listing, Side: Sell, Price: decimal.NewFromInt(int64(i)), Currency: currency, Stock: 10, Temporary: i%2 == 0,
			}))
		}
		before := dump(rt, s)
		notified := issuer.count(Sell) + issuer.count(Buy)

		tx := s.Begin()
		ops := rapid.IntRange(1, 20).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				_, err := tx.AddOrder(NewOrder{
					ListingID: listing, Side: Buy, Price: decimal.NewFromInt(rapid.Int64Range(1, 9).Draw(rt, "p")),
					Currency: currency, Stock: 3, Temporary: rapid.Bool().Draw(rt, "temp"),
				}, issuer)
				if err != nil {
					rt.Fatalf("AddOrder: %v", err)
				}
			case 1:
				if len(committed) == 0 {
					continue
				}
				id := committed[rapid.IntRange(0, len(committed)-1).Draw(rt, "edit")]
				if err := tx.EditOrder(id, Sell, rapid.Int64Range(1, 99).Draw(rt, "stock")); err != nil && !errors.Is(err, ErrNotFound) {
					rt.Fatalf("EditOrder: %v", err)
				}
			case 2:
				if len(committed) == 0 {
					continue
				}
				id := committed[rapid.IntRange(0, len(committed)-1).Draw(rt, "cancel")]
				if _, err := tx.CancelOrder(id, Sell, nil); err != nil {
					rt.Fatalf("CancelOrder: %v", err)
				}
			case 3:
				if err := tx.LogOrder(TradeLog{ListingID: listing, Currency: currency, Ask: decimal.NewFromInt(1), Amount: 1}); err != nil {
					rt.Fatalf("LogOrder: %v", err)
				}
			}
		}
		if err := tx.Rollback(); err != nil {
			rt.Fatalf("Rollback: %v", err)
		}

		after := dump(rt, s)
		if len(before) != len(after) {
			rt.Fatalf("key count changed: %d -> %d", len(before), len(after))
		}
		for k, v := range before {
			if after[k] != v {
				rt.Fatalf("key %q changed", k)
			}
		}
		if got := issuer.count(Sell) + issuer.count(Buy); got != notified {
			rt.Fatalf("issuer notified of rolled back orders: %d -> %d", notified, got)
		}
	})
}
