package orderbook

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wysohn/RealEconomy/pkg/storage"
	"github.com/wysohn/RealEconomy/pkg/util"
)

type testIssuer struct {
	mu  sync.Mutex
	id  uuid.UUID
	ids map[Side][]int64
}

func newIssuer() *testIssuer {
	return &testIssuer{id: uuid.New(), ids: make(map[Side][]int64)}
}

func (i *testIssuer) ID() uuid.UUID { return i.id }

func (i *testIssuer) AddOrderID(side Side, id int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids[side] = append(i.ids[side], id)
}

func (i *testIssuer) RemoveOrderID(side Side, id int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ids := i.ids[side]
	for k, v := range ids {
		if v == id {
			i.ids[side] = append(ids[:k:k], ids[k+1:]...)
			return
		}
	}
}

func (i *testIssuer) has(side Side, id int64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, v := range i.ids[side] {
		if v == id {
			return true
		}
	}
	return false
}

func (i *testIssuer) count(side Side) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.ids[side])
}

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t testing.TB) (*Store, *util.ManualClock) {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clock := util.NewManualClock(testStart)
	return NewStore(db, clock, nil), clock
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// place commits a single order and returns its id.
func place(t testing.TB, s *Store, issuer OrderIssuer, o NewOrder) int64 {
	t.Helper()
	var id int64
	err := s.Update(func(tx *Tx) error {
		var err error
		id, err = tx.AddOrder(o, issuer)
		return err
	})
	if err != nil {
		t.Fatalf("AddOrder(%+v): %v", o, err)
	}
	return id
}

func TestAddOrderCommitNotifiesIssuer(t *testing.T) {
	s, _ := newTestStore(t)
	issuer := newIssuer()
	listing, usd := uuid.New(), uuid.New()

	tx := s.Begin()
	id1, err := tx.AddOrder(NewOrder{ListingID: listing, Side: Sell, Price: price("2"), Currency: usd, Stock: 10}, issuer)
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}
	id2, err := tx.AddOrder(NewOrder{ListingID: listing, Side: Sell, Price: price("3"), Currency: usd, Stock: 5}, issuer)
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}
	buyID, err := tx.AddOrder(NewOrder{ListingID: listing, Side: Buy, Price: price("1"), Currency: usd, Stock: 5}, issuer)
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}

	if id1 != 1 || id2 != 2 || buyID != 1 {
		t.Errorf("ids = %d, %d, buy %d; want 1, 2, buy 1", id1, id2, buyID)
	}
	if issuer.count(Sell) != 0 {
		t.Error("issuer notified before commit")
	}
	if _, err := s.GetInfo(id1, Sell); !errors.Is(err, ErrNotFound) {
		t.Errorf("uncommitted order visible: %v", err)
	}
	if o, err := tx.GetInfo(id1, Sell); err != nil || o.Stock != 10 {
		t.Errorf("tx.GetInfo = %+v, %v", o, err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if issuer.count(Sell) != 2 || issuer.count(Buy) != 1 {
		t.Errorf("issuer ids = %v", issuer.ids)
	}

	o, err := s.GetInfo(id2, Sell)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if o.Issuer != issuer.id || !o.Price.Equal(price("3")) || o.Stock != 5 {
		t.Errorf("unexpected order %+v", o)
	}
}

func TestAddOrderValidation(t *testing.T) {
	s, _ := newTestStore(t)
	issuer := newIssuer()

	tests := []struct {
		name  string
		order NewOrder
	}{
		{"zero price", NewOrder{Side: Sell, Price: decimal.Zero, Stock: 1}},
		{"negative price", NewOrder{Side: Sell, Price: price("-1"), Stock: 1}},
		{"zero stock", NewOrder{Side: Buy, Price: price("1"), Stock: 0}},
		{"bad side", NewOrder{Side: 9, Price: price("1"), Stock: 1}},
		{"too expensive", NewOrder{Side: Sell, Price: MaxPrice.Add(decimal.NewFromInt(1)), Stock: 1}},
		{"too precise", NewOrder{Side: Buy, Price: price("1.000000005"), Stock: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Update(func(tx *Tx) error {
				_, err := tx.AddOrder(tt.order, issuer)
				return err
			})
			if !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
}

// visibilityIssuer records whether its order was already readable when the
// store handed over the id.
type visibilityIssuer struct {
	*testIssuer
	store   *Store
	visible bool
}

func (i *visibilityIssuer) AddOrderID(side Side, id int64) {
	if _, err := i.store.GetInfo(id, side); err == nil {
		i.visible = true
	}
	i.testIssuer.AddOrderID(side, id)
}

func TestIssuerKnowsOrderBeforeItIsVisible(t *testing.T) {
	s, _ := newTestStore(t)
	issuer := &visibilityIssuer{testIssuer: newIssuer(), store: s}

	id := place(t, s, issuer, NewOrder{ListingID: uuid.New(), Side: Buy, Price: price("1"), Currency: uuid.New(), Stock: 3})
	if issuer.visible {
		t.Error("order was readable before its issuer held the id")
	}
	if !issuer.has(Buy, id) {
		t.Errorf("issuer ids = %v", issuer.ids)
	}

	// a rolled back order never reaches the issuer
	tx := s.Begin()
	if _, err := tx.AddOrder(NewOrder{ListingID: uuid.New(), Side: Buy, Price: price("1"), Currency: uuid.New(), Stock: 3}, issuer); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if issuer.count(Buy) != 1 {
		t.Errorf("issuer ids after rollback = %v", issuer.ids)
	}
}

func TestEditAndCancel(t *testing.T) {
	s, _ := newTestStore(t)
	issuer := newIssuer()
	id := place(t, s, issuer, NewOrder{ListingID: uuid.New(), Side: Sell, Price: price("2"), Currency: uuid.New(), Stock: 10})

	if err := s.Update(func(tx *Tx) error { return tx.EditOrder(id, Sell, 0) }); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("EditOrder(0) = %v, want ErrInvalidOrder", err)
	}
	if err := s.Update(func(tx *Tx) error { return tx.EditOrder(id, Sell, 6) }); err != nil {
		t.Fatalf("EditOrder: %v", err)
	}
	if o, _ := s.GetInfo(id, Sell); o == nil || o.Stock != 6 {
		t.Errorf("stock after edit = %+v", o)
	}

	var got []int64
	cb := func(v int64) { got = append(got, v) }
	err := s.Update(func(tx *Tx) error {
		if _, err := tx.CancelOrder(id, Sell, cb); err != nil {
			return err
		}
		_, err := tx.CancelOrder(999, Sell, cb)
		return err
	})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if len(got) != 2 || got[0] != id || got[1] != 0 {
		t.Errorf("callbacks = %v, want [%d 0]", got, id)
	}
	if _, err := s.GetInfo(id, Sell); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelled order still present: %v", err)
	}
}

func TestTxClosed(t *testing.T) {
	s, _ := newTestStore(t)
	tx := s.Begin()
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Errorf("Rollback after Commit = %v", err)
	}
	if _, err := tx.AddOrder(NewOrder{Side: Buy, Price: price("1"), Stock: 1}, newIssuer()); !errors.Is(err, ErrTxClosed) {
		t.Errorf("AddOrder on closed tx = %v", err)
	}
	// the mutex was released
	done := make(chan struct{})
	go func() {
		s.Begin().Rollback()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Begin blocked after commit")
	}
}

func TestUpdateRollsBackOnPanic(t *testing.T) {
	s, _ := newTestStore(t)
	issuer := newIssuer()

	func() {
		defer func() { recover() }()
		_ = s.Update(func(tx *Tx) error {
			if _, err := tx.AddOrder(NewOrder{Side: Buy, Price: price("1"), Stock: 1}, issuer); err != nil {
				return err
			}
			panic("settlement exploded")
		})
	}()

	if _, err := s.GetInfo(1, Buy); !errors.Is(err, ErrNotFound) {
		t.Errorf("order survived panic: %v", err)
	}
	if issuer.count(Buy) != 0 {
		t.Error("issuer notified for rolled back order")
	}
}

func TestPeekMatchingOrdersPriority(t *testing.T) {
	s, _ := newTestStore(t)
	seller, buyer := newIssuer(), newIssuer()
	wheat, cocoa, usd := uuid.New(), uuid.New(), uuid.New()

	sell := func(l uuid.UUID, p string) int64 {
		return place(t, s, seller, NewOrder{ListingID: l, Side: Sell, Price: price(p), Currency: usd, Stock: 10})
	}
	buy := func(l uuid.UUID, p string) int64 {
		return place(t, s, buyer, NewOrder{ListingID: l, Side: Buy, Price: price(p), Currency: usd, Stock: 4})
	}

	if info, err := s.PeekMatchingOrders(); err != nil || info != nil {
		t.Fatalf("empty store peek = %+v, %v", info, err)
	}

	sell(wheat, "2.00")
	cheapEarly := sell(wheat, "1.50")
	sell(wheat, "1.50")
	buy(wheat, "1.40")
	if info, _ := s.PeekMatchingOrders(); info != nil {
		t.Fatalf("bid below ask matched: %+v", info)
	}

	buy(wheat, "1.60")
	highEarly := buy(wheat, "1.80")
	buy(wheat, "1.80")

	// a crossing book elsewhere with a higher ask must lose
	sell(cocoa, "1.70")
	buy(cocoa, "5.00")

	info, err := s.PeekMatchingOrders()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if info == nil {
		t.Fatal("expected a match")
	}
	if info.SellID != cheapEarly || info.BuyID != highEarly {
		t.Errorf("matched sell %d buy %d, want sell %d buy %d", info.SellID, info.BuyID, cheapEarly, highEarly)
	}
	if info.ListingID != wheat || !info.Ask.Equal(price("1.50")) || !info.Bid.Equal(price("1.80")) {
		t.Errorf("unexpected trade info %+v", info)
	}
	if info.Stock != 10 || info.Amount != 4 || info.Seller != seller.id || info.Buyer != buyer.id {
		t.Errorf("unexpected parties/stock %+v", info)
	}

	// peek does not consume
	again, _ := s.PeekMatchingOrders()
	if again == nil || again.SellID != info.SellID {
		t.Error("peek is not idempotent")
	}
}

func TestPeekPriorityAtFullScale(t *testing.T) {
	s, _ := newTestStore(t)
	seller, buyer := newIssuer(), newIssuer()
	l, usd := uuid.New(), uuid.New()

	place(t, s, seller, NewOrder{ListingID: l, Side: Sell, Price: price("1.00000002"), Currency: usd, Stock: 5})
	place(t, s, buyer, NewOrder{ListingID: l, Side: Buy, Price: price("1.00000001"), Currency: usd, Stock: 5})
	high := place(t, s, buyer, NewOrder{ListingID: l, Side: Buy, Price: price("1.00000003"), Currency: usd, Stock: 5})

	info, err := s.PeekMatchingOrders()
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.BuyID != high {
		t.Fatalf("peek = %+v, want buy %d", info, high)
	}
	bid, err := s.HighestBid(l, usd)
	if err != nil || bid == nil || !bid.Price.Equal(price("1.00000003")) {
		t.Errorf("HighestBid = %+v, %v", bid, err)
	}
}

func TestCheckPrice(t *testing.T) {
	tests := []struct {
		price string
		ok    bool
	}{
		{"1", true},
		{"0.00000001", true},
		{"1.01000000", true},
		{"1.000000005", false},
		{"0", false},
		{"-2", false},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			err := CheckPrice(price(tt.price))
			if tt.ok && err != nil {
				t.Errorf("CheckPrice = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("CheckPrice = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

func TestPeekSeparatesCurrencies(t *testing.T) {
	s, _ := newTestStore(t)
	issuer := newIssuer()
	wheat, usd, eur := uuid.New(), uuid.New(), uuid.New()

	place(t, s, issuer, NewOrder{ListingID: wheat, Side: Sell, Price: price("1"), Currency: usd, Stock: 1})
	place(t, s, issuer, NewOrder{ListingID: wheat, Side: Buy, Price: price("9"), Currency: eur, Stock: 1})

	if info, _ := s.PeekMatchingOrders(); info != nil {
		t.Errorf("orders in different currencies matched: %+v", info)
	}
}

func TestClearTemporaryOrders(t *testing.T) {
	s, _ := newTestStore(t)
	issuer := newIssuer()
	l, c := uuid.New(), uuid.New()

	place(t, s, issuer, NewOrder{ListingID: l, Side: Buy, Price: price("1"), Currency: c, Stock: 1, Temporary: true})
	keep := place(t, s, issuer, NewOrder{ListingID: l, Side: Buy, Price: price("1"), Currency: c, Stock: 1})
	place(t, s, issuer, NewOrder{ListingID: l, Side: Sell, Price: price("2"), Currency: c, Stock: 1, Temporary: true})

	n, err := s.ClearTemporaryBuyOrders()
	if err != nil || n != 1 {
		t.Fatalf("ClearTemporaryBuyOrders = %d, %v", n, err)
	}
	n, err = s.ClearTemporarySellOrders()
	if err != nil || n != 1 {
		t.Fatalf("ClearTemporarySellOrders = %d, %v", n, err)
	}

	for _, side := range []Side{Buy, Sell} {
		orders, err := s.ListedOrders(side, nil).Page(0, 100)
		if err != nil {
			t.Fatal(err)
		}
		for _, o := range orders {
			if o.Temporary {
				t.Errorf("temporary order %d survived", o.OrderID)
			}
		}
	}
	if _, err := s.GetInfo(keep, Buy); err != nil {
		t.Errorf("permanent order removed: %v", err)
	}
}

func TestPriceHistory(t *testing.T) {
	s, clock := newTestStore(t)
	listing, usd := uuid.New(), uuid.New()
	logTrade := func(ask string, amount int64) {
		t.Helper()
		err := s.Update(func(tx *Tx) error {
			return tx.LogOrder(TradeLog{ListingID: listing, Currency: usd, Ask: price(ask), Amount: amount})
		})
		if err != nil {
			t.Fatalf("LogOrder: %v", err)
		}
	}

	logTrade("9.00", 1) // falls out of the window
	clock.Advance(10 * 24 * time.Hour)
	logTrade("2.00", 10)
	logTrade("4.00", 3)
	logTrade("3.00", 5)

	last, err := s.LastTradingPrice(7, listing, usd)
	if err != nil || last == nil || !last.Price.Equal(price("3")) || last.Amount != 5 {
		t.Errorf("LastTradingPrice = %+v, %v", last, err)
	}
	avg, ok, err := s.LastTradingAverage(7, listing, usd)
	if err != nil || !ok || !avg.Equal(price("3")) {
		t.Errorf("LastTradingAverage = %s, %v, %v", avg, ok, err)
	}
	high, _ := s.HighestPoint(7, listing, usd)
	low, _ := s.LowestPoint(7, listing, usd)
	if high == nil || !high.Price.Equal(price("4")) || low == nil || !low.Price.Equal(price("2")) {
		t.Errorf("high %+v low %+v", high, low)
	}

	wide, _ := s.HighestPoint(30, listing, usd)
	if wide == nil || !wide.Price.Equal(price("9")) {
		t.Errorf("30 day high = %+v", wide)
	}

	if p, err := s.LastTradingPrice(7, uuid.New(), usd); err != nil || p != nil {
		t.Errorf("unknown listing = %+v, %v", p, err)
	}
	if _, ok, _ := s.LastTradingAverage(7, uuid.New(), usd); ok {
		t.Error("average of nothing reported ok")
	}
}

func TestLowestAskHighestBidAndDepth(t *testing.T) {
	s, _ := newTestStore(t)
	issuer := newIssuer()
	l, c := uuid.New(), uuid.New()

	for _, p := range []string{"3", "2", "2"} {
		place(t, s, issuer, NewOrder{ListingID: l, Side: Sell, Price: price(p), Currency: c, Stock: 5})
	}
	for _, p := range []string{"1", "1.5"} {
		place(t, s, issuer, NewOrder{ListingID: l, Side: Buy, Price: price(p), Currency: c, Stock: 2})
	}

	ask, err := s.LowestAsk(l, c)
	if err != nil || ask == nil || !ask.Price.Equal(price("2")) || ask.OrderID != 2 {
		t.Errorf("LowestAsk = %+v, %v", ask, err)
	}
	bid, err := s.HighestBid(l, c)
	if err != nil || bid == nil || !bid.Price.Equal(price("1.5")) {
		t.Errorf("HighestBid = %+v, %v", bid, err)
	}

	bids, asks, err := s.Depth(l, c, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(asks) != 2 || !asks[0].Price.Equal(price("2")) || asks[0].Stock != 10 || asks[1].Stock != 5 {
		t.Errorf("asks = %+v", asks)
	}
	if len(bids) != 2 || !bids[0].Price.Equal(price("1.5")) {
		t.Errorf("bids = %+v", bids)
	}

	_, limited, _ := s.Depth(l, c, 1)
	if len(limited) != 1 {
		t.Errorf("limited asks = %+v", limited)
	}
}

func TestListedOrdersPaging(t *testing.T) {
	s, _ := newTestStore(t)
	issuer := newIssuer()
	crop, err := s.CategoryID("crop")
	if err != nil {
		t.Fatal(err)
	}
	food, _ := s.CategoryID("food")

	prices := []string{"5", "1", "3", "2", "4"}
	for i, p := range prices {
		cat := crop
		if i%2 == 1 {
			cat = food
		}
		place(t, s, issuer, NewOrder{ListingID: uuid.New(), CategoryID: cat, Side: Sell, Price: price(p), Currency: uuid.New(), Stock: 1})
	}

	all := s.ListedOrders(Sell, nil)
	if n, _ := all.Size(); n != 5 {
		t.Fatalf("Size = %d", n)
	}
	page, err := all.Page(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || !page[0].Price.Equal(price("2")) || !page[1].Price.Equal(price("3")) {
		t.Errorf("page = %+v", page)
	}

	cropOrders, _ := s.ListedOrders(Sell, &crop).Page(0, 10)
	if len(cropOrders) != 3 || !cropOrders[0].Price.Equal(price("3")) {
		t.Errorf("crop orders = %+v", cropOrders)
	}
	if buys, _ := s.ListedOrders(Buy, nil).Size(); buys != 0 {
		t.Errorf("buy side size = %d", buys)
	}
}

func TestCategoryIDIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.CategoryID("crop")
	b, _ := s.CategoryID("food")
	again, _ := s.CategoryID("crop")
	if a != 1 || b != 2 || again != a {
		t.Errorf("ids = %d %d %d", a, b, again)
	}
	names, err := s.CategoryNames()
	if err != nil || names[a] != "crop" || names[b] != "food" {
		t.Errorf("CategoryNames = %v, %v", names, err)
	}
}

func TestOrdersByIssuer(t *testing.T) {
	s, _ := newTestStore(t)
	alice, bob := newIssuer(), newIssuer()
	l, c := uuid.New(), uuid.New()

	place(t, s, alice, NewOrder{ListingID: l, Side: Sell, Price: price("1"), Currency: c, Stock: 1})
	place(t, s, bob, NewOrder{ListingID: l, Side: Sell, Price: price("1"), Currency: c, Stock: 1})
	place(t, s, alice, NewOrder{ListingID: l, Side: Sell, Price: price("2"), Currency: c, Stock: 1})

	orders, err := s.OrdersByIssuer(alice.id, Sell)
	if err != nil || len(orders) != 2 {
		t.Fatalf("OrdersByIssuer = %v, %v", orders, err)
	}
	for _, o := range orders {
		if o.Issuer != alice.id {
			t.Errorf("foreign order %+v", o)
		}
	}
}
