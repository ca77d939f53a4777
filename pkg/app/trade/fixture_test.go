package trade

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/listing"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
	"github.com/wysohn/RealEconomy/pkg/app/core/trader"
	"github.com/wysohn/RealEconomy/pkg/storage"
	"github.com/wysohn/RealEconomy/pkg/util"
)

type fixture struct {
	t          testing.TB
	db         *pebble.DB
	clock      *util.ManualClock
	orders     *orderbook.Store
	listings   *listing.Registry
	bank       *bank.CentralBank
	currencies *bank.Currencies
	usd        *bank.Currency
	traders    *trader.Registry
	broker     *Broker
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	clock := util.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	orders := orderbook.NewStore(db, clock, nil)
	listings, err := listing.NewRegistry(db, orders, nil)
	if err != nil {
		t.Fatal(err)
	}
	cb := bank.NewCentralBank("Server", "USD", nil)
	currencies := bank.NewCurrencies()
	currencies.Register(cb)
	traders, err := trader.NewRegistry(db, cb, orders, clock, nil)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		t:          t,
		db:         db,
		clock:      clock,
		orders:     orders,
		listings:   listings,
		bank:       cb,
		currencies: currencies,
		usd:        cb.BaseCurrency(),
		traders:    traders,
	}
	f.broker = f.newBroker(traders)
	return f
}

// newBroker builds a broker over the fixture's stores that asks providers
// in order.
func (f *fixture) newBroker(providers ...bank.UserProvider) *Broker {
	b := NewBroker(BrokerConfig{
		Orders:     f.orders,
		Listings:   f.listings,
		Currencies: f.currencies,
		Interval:   time.Millisecond,
		Clock:      f.clock,
	})
	for _, p := range providers {
		b.RegisterUserProvider(p)
	}
	return b
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// trader registers a trader with cash in its TRADING account and the given
// inventory.
func (f *fixture) trader(name, cash string, holdings ...asset.Asset) *trader.Trader {
	f.t.Helper()
	tr, err := f.traders.Register(name)
	if err != nil {
		f.t.Fatal(err)
	}
	if c := dec(cash); c.IsPositive() {
		if !f.bank.DepositAccount(tr.ID(), bank.Trading, c, f.usd) {
			f.t.Fatalf("fund %s", name)
		}
	}
	for _, a := range holdings {
		f.bank.AddAccountAsset(tr.ID(), a)
	}
	return tr
}

// order places an order directly in the store.
func (f *fixture) order(issuer orderbook.OrderIssuer, side orderbook.Side, sig asset.Signature, price string, stock int64) int64 {
	f.t.Helper()
	listingID, err := f.listings.SignatureToUUID(sig)
	if err != nil {
		f.t.Fatal(err)
	}
	lst, _ := f.listings.Get(listingID)

	var id int64
	err = f.orders.Update(func(tx *orderbook.Tx) error {
		id, err = tx.AddOrder(orderbook.NewOrder{
			ListingID:  listingID,
			CategoryID: lst.CategoryID,
			Side:       side,
			Price:      dec(price),
			Currency:   f.usd.ID,
			Stock:      stock,
		}, issuer)
		return err
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return id
}

func (f *fixture) balance(id uuid.UUID) decimal.Decimal {
	bal, _ := f.bank.Balance(id, bank.Trading)
	return bal
}

func (f *fixture) stock(id int64, side orderbook.Side) (int64, bool) {
	o, err := f.orders.GetInfo(id, side)
	if err != nil {
		return 0, false
	}
	return o.Stock, true
}

func (f *fixture) newMediator() *Mediator {
	m := NewMediator(f.orders, f.listings, nil, nil)
	f.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

// stubUser is a bank user unknown to any registry.
type stubUser struct {
	id     uuid.UUID
	orders *bank.OrderSet
	got    []bank.TradeResult
}

func newStubUser() *stubUser { return &stubUser{id: uuid.New(), orders: bank.NewOrderSet()} }

func (u *stubUser) ID() uuid.UUID                                 { return u.id }
func (u *stubUser) AddOrderID(side orderbook.Side, id int64)      { u.orders.Add(side, id) }
func (u *stubUser) HasOrderID(side orderbook.Side, id int64) bool { return u.orders.Has(side, id) }
func (u *stubUser) RemoveOrderID(side orderbook.Side, id int64)   { u.orders.Remove(side, id) }
func (u *stubUser) SaveState() any                                { return u.orders.Snapshot() }
func (u *stubUser) RestoreState(s any)                            { u.orders.Restore(s.(map[orderbook.Side][]int64)) }
func (u *stubUser) HandleTransactionResult(_ orderbook.TradeInfo, _ orderbook.Side, r bank.TradeResult) {
	u.got = append(u.got, r)
}
