package trade

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
)

var wheat = asset.Item("WHEAT")

func TestCleanMatch(t *testing.T) {
	f := newFixture(t)
	seller := f.trader("Seller", "0", wheat.Asset(dec("10")))
	buyer := f.trader("Buyer", "100")

	sellID := f.order(seller, orderbook.Sell, wheat, "2.00", 10)
	buyID := f.order(buyer, orderbook.Buy, wheat, "3.00", 10)

	var settled []Settlement
	f.broker.OnSettled(func(s Settlement) { settled = append(settled, s) })

	result, err := f.broker.ProcessOrder()
	if err != nil || result != bank.ResultOK {
		t.Fatalf("ProcessOrder = %v, %v", result, err)
	}

	if got := f.balance(seller.ID()); !got.Equal(dec("20")) {
		t.Errorf("seller balance = %s, want 20", got)
	}
	if got := f.balance(buyer.ID()); !got.Equal(dec("80")) {
		t.Errorf("buyer balance = %s, want 80", got)
	}
	if got := f.bank.CountAccountAsset(buyer.ID(), wheat); !got.Equal(dec("10")) {
		t.Errorf("buyer wheat = %s", got)
	}
	if got := f.bank.CountAccountAsset(seller.ID(), wheat); !got.IsZero() {
		t.Errorf("seller wheat = %s", got)
	}
	if _, ok := f.stock(sellID, orderbook.Sell); ok {
		t.Error("sell order still live")
	}
	if _, ok := f.stock(buyID, orderbook.Buy); ok {
		t.Error("buy order still live")
	}
	if seller.HasOrderID(orderbook.Sell, sellID) || buyer.HasOrderID(orderbook.Buy, buyID) {
		t.Error("order ids not released")
	}

	listingID, _ := f.listings.SignatureToUUID(wheat)
	last, err := f.orders.LastTradingPrice(7, listingID, f.usd.ID)
	if err != nil || last == nil || !last.Price.Equal(dec("2")) || last.Amount != 10 {
		t.Errorf("last trade = %+v, %v", last, err)
	}

	if len(settled) != 1 || settled[0].Amount != 10 || !settled[0].Pay.Equal(dec("20")) {
		t.Errorf("settlements = %+v", settled)
	}
	if n := seller.Notices(); len(n) != 1 || n[0].Result != bank.ResultOK || n[0].Side != orderbook.Sell {
		t.Errorf("seller notices = %+v", n)
	}

	if result, err := f.broker.ProcessOrder(); result != 0 || err != nil {
		t.Errorf("empty book: %v, %v", result, err)
	}
	if s := f.broker.Stats(); s.Settled != 1 || s.Volume != 10 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPartialFill(t *testing.T) {
	f := newFixture(t)
	seller := f.trader("Seller", "0", wheat.Asset(dec("10")))
	buyer := f.trader("Buyer", "100")

	sellID := f.order(seller, orderbook.Sell, wheat, "2.00", 10)
	buyID := f.order(buyer, orderbook.Buy, wheat, "2.50", 4)

	if result, err := f.broker.ProcessOrder(); err != nil || result != bank.ResultOK {
		t.Fatalf("ProcessOrder = %v, %v", result, err)
	}

	if stock, ok := f.stock(sellID, orderbook.Sell); !ok || stock != 6 {
		t.Errorf("sell stock = %d (live %v), want 6", stock, ok)
	}
	if _, ok := f.stock(buyID, orderbook.Buy); ok {
		t.Error("buy order still live")
	}
	if !seller.HasOrderID(orderbook.Sell, sellID) {
		t.Error("seller lost the id of a live order")
	}
	if got := f.balance(buyer.ID()); !got.Equal(dec("92")) {
		t.Errorf("buyer balance = %s, want 92", got)
	}
	if got := f.bank.CountAccountAsset(seller.ID(), wheat); !got.Equal(dec("6")) {
		t.Errorf("seller wheat = %s", got)
	}
}

func TestRefusals(t *testing.T) {
	tests := []struct {
		name           string
		sellerHas      string
		buyerCash      string
		bid            int64
		want           bank.TradeResult
		sellLive       bool
		buyLive        bool
		sellerCash     string
		buyerCashAfter string
	}{
		{
			name:      "insufficient assets",
			sellerHas: "0", buyerCash: "100", bid: 10,
			want:     bank.ResultInsufficientAssets,
			sellLive: false, buyLive: true,
			sellerCash: "0", buyerCashAfter: "100",
		},
		{
			name:      "withdraw refused",
			sellerHas: "10", buyerCash: "5", bid: 10,
			want:     bank.ResultWithdrawRefused,
			sellLive: true, buyLive: false,
			sellerCash: "0", buyerCashAfter: "5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seller := f.trader("Seller", "0", wheat.Asset(dec(tt.sellerHas)))
			buyer := f.trader("Buyer", tt.buyerCash)

			sellID := f.order(seller, orderbook.Sell, wheat, "2.00", 10)
			buyID := f.order(buyer, orderbook.Buy, wheat, "2.00", tt.bid)
			before := f.bank.CountAccountAsset(seller.ID(), wheat)

			result, err := f.broker.ProcessOrder()
			if err != nil || result != tt.want {
				t.Fatalf("ProcessOrder = %v, %v; want %v", result, err, tt.want)
			}

			if _, ok := f.stock(sellID, orderbook.Sell); ok != tt.sellLive {
				t.Errorf("sell live = %v, want %v", ok, tt.sellLive)
			}
			if _, ok := f.stock(buyID, orderbook.Buy); ok != tt.buyLive {
				t.Errorf("buy live = %v, want %v", ok, tt.buyLive)
			}
			if seller.HasOrderID(orderbook.Sell, sellID) != tt.sellLive {
				t.Error("seller order ids out of sync with the store")
			}
			if buyer.HasOrderID(orderbook.Buy, buyID) != tt.buyLive {
				t.Error("buyer order ids out of sync with the store")
			}

			if got := f.balance(seller.ID()); !got.Equal(dec(tt.sellerCash)) {
				t.Errorf("seller balance = %s", got)
			}
			if got := f.balance(buyer.ID()); !got.Equal(dec(tt.buyerCashAfter)) {
				t.Errorf("buyer balance = %s", got)
			}
			if got := f.bank.CountAccountAsset(seller.ID(), wheat); !got.Equal(before) {
				t.Errorf("seller wheat = %s, want %s", got, before)
			}
			if got := f.bank.CountAccountAsset(buyer.ID(), wheat); !got.IsZero() {
				t.Errorf("buyer wheat = %s", got)
			}

			listingID, _ := f.listings.SignatureToUUID(wheat)
			if last, _ := f.orders.LastTradingPrice(7, listingID, f.usd.ID); last != nil {
				t.Errorf("trade logged on refusal: %+v", last)
			}
			if n := buyer.Notices(); len(n) != 1 || n[0].Result != tt.want {
				t.Errorf("buyer notices = %+v", n)
			}
		})
	}
}

func TestMissingAccountAndUnknownParty(t *testing.T) {
	f := newFixture(t)
	seller := f.trader("Seller", "0", wheat.Asset(dec("10")))

	// known to a provider but without a TRADING account
	ghost := newStubUser()
	f.broker.RegisterUserProvider(bank.UserProviderFunc(func(id uuid.UUID) bank.User {
		if id == ghost.id {
			return ghost
		}
		return nil
	}))

	sellID := f.order(seller, orderbook.Sell, wheat, "1", 10)
	ghostBuy := f.order(ghost, orderbook.Buy, wheat, "1", 10)

	result, err := f.broker.ProcessOrder()
	if err != nil || result != bank.ResultNoAccountBuyer {
		t.Fatalf("ProcessOrder = %v, %v", result, err)
	}
	if _, ok := f.stock(ghostBuy, orderbook.Buy); ok {
		t.Error("buy order of account-less user still live")
	}
	if _, ok := f.stock(sellID, orderbook.Sell); !ok {
		t.Error("sell order cancelled")
	}
	if len(ghost.got) != 1 || ghost.got[0] != bank.ResultNoAccountBuyer {
		t.Errorf("ghost results = %v", ghost.got)
	}

	// not resolvable by any provider
	stranger := newStubUser()
	strangerBuy := f.order(stranger, orderbook.Buy, wheat, "1", 10)
	result, err = f.broker.ProcessOrder()
	if err != nil || result != bank.ResultInvalidInfo {
		t.Fatalf("ProcessOrder = %v, %v", result, err)
	}
	if _, ok := f.stock(strangerBuy, orderbook.Buy); ok {
		t.Error("order of unknown issuer still live")
	}
	if _, ok := f.stock(sellID, orderbook.Sell); !ok {
		t.Error("sell order cancelled")
	}
}

func TestOrderNotOwned(t *testing.T) {
	f := newFixture(t)
	seller := f.trader("Seller", "0", wheat.Asset(dec("10")))
	buyer := f.trader("Buyer", "100")

	sellID := f.order(seller, orderbook.Sell, wheat, "1", 10)
	buyID := f.order(buyer, orderbook.Buy, wheat, "1", 10)
	buyer.RemoveOrderID(orderbook.Buy, buyID)

	result, err := f.broker.ProcessOrder()
	if err != nil || result != bank.ResultInvalidInfo {
		t.Fatalf("ProcessOrder = %v, %v", result, err)
	}
	if _, ok := f.stock(buyID, orderbook.Buy); ok {
		t.Error("disowned buy order still live")
	}
	if _, ok := f.stock(sellID, orderbook.Sell); !ok {
		t.Error("sell order cancelled")
	}
}

// flakySig panics on its failAt-th Asset call.
type flakySig struct {
	calls  int
	failAt int
}

func (s *flakySig) Kind() string     { return "flaky" }
func (s *flakySig) Key() string      { return "flaky:test" }
func (s *flakySig) Category() string { return "test" }
func (s *flakySig) Record() asset.Record {
	return asset.Record{Kind: "flaky"}
}
func (s *flakySig) String() string { return "Flaky" }
func (s *flakySig) Asset(q decimal.Decimal) asset.Asset {
	s.calls++
	if s.calls == s.failAt {
		panic("delivery exploded")
	}
	return asset.Asset{Signature: s, Quantity: q}
}

func TestSettlementPanicRestoresEverything(t *testing.T) {
	f := newFixture(t)
	// call 1 is the seller-side removal, call 2 credits the buyer after both
	// balances were already moved
	sig := &flakySig{failAt: 2}
	seller := f.trader("Seller", "0")
	buyer := f.trader("Buyer", "50")
	f.bank.AddAccountAsset(seller.ID(), asset.Asset{Signature: sig, Quantity: dec("10")})

	sellID := f.order(seller, orderbook.Sell, sig, "2", 10)
	buyID := f.order(buyer, orderbook.Buy, sig, "2", 10)

	result, err := f.broker.ProcessOrder()
	if !errors.Is(err, ErrUnhandled) || result != 0 {
		t.Fatalf("ProcessOrder = %v, %v; want ErrUnhandled", result, err)
	}

	if got := f.balance(buyer.ID()); !got.Equal(dec("50")) {
		t.Errorf("buyer balance = %s, want 50", got)
	}
	if got := f.balance(seller.ID()); !got.IsZero() {
		t.Errorf("seller balance = %s, want 0", got)
	}
	if got := f.bank.CountAccountAsset(seller.ID(), sig); !got.Equal(dec("10")) {
		t.Errorf("seller holds %s, want 10", got)
	}
	if stock, ok := f.stock(sellID, orderbook.Sell); !ok || stock != 10 {
		t.Errorf("sell order = %d live %v", stock, ok)
	}
	if stock, ok := f.stock(buyID, orderbook.Buy); !ok || stock != 10 {
		t.Errorf("buy order = %d live %v", stock, ok)
	}
	if !seller.HasOrderID(orderbook.Sell, sellID) || !buyer.HasOrderID(orderbook.Buy, buyID) {
		t.Error("order ids lost")
	}
	listingID, _ := f.listings.SignatureToUUID(sig)
	if last, _ := f.orders.LastTradingPrice(7, listingID, f.usd.ID); last != nil {
		t.Errorf("trade logged: %+v", last)
	}

	// the store lock must have been released by the rollback
	if _, err := f.orders.ClearTemporaryBuyOrders(); err != nil {
		t.Fatal(err)
	}
}

func TestRunHaltsOnUnhandled(t *testing.T) {
	f := newFixture(t)
	sig := &flakySig{failAt: 1}
	seller := f.trader("Seller", "0")
	buyer := f.trader("Buyer", "50")
	f.bank.AddAccountAsset(seller.ID(), asset.Asset{Signature: sig, Quantity: dec("10")})
	f.order(seller, orderbook.Sell, sig, "2", 10)
	f.order(buyer, orderbook.Buy, sig, "2", 10)

	if err := f.broker.Run(context.Background()); !errors.Is(err, ErrUnhandled) {
		t.Fatalf("Run = %v, want ErrUnhandled", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.broker.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestSellerPriceAndConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)

		askCents := rapid.Int64Range(1, 10_000).Draw(rt, "ask")
		bidCents := rapid.Int64Range(askCents, 20_000).Draw(rt, "bid")
		sellStock := rapid.Int64Range(1, 50).Draw(rt, "sellStock")
		buyStock := rapid.Int64Range(1, 50).Draw(rt, "buyStock")
		held := rapid.Int64Range(1, 60).Draw(rt, "held")

		ask := decimal.New(askCents, -2)
		bid := decimal.New(bidCents, -2)

		seller := f.trader("Seller", "0", wheat.Asset(decimal.NewFromInt(held)))
		buyer := f.trader("Buyer", "10000")
		f.order(seller, orderbook.Sell, wheat, ask.String(), sellStock)
		f.order(buyer, orderbook.Buy, wheat, bid.String(), buyStock)

		sellerBefore := f.balance(seller.ID())
		buyerBefore := f.balance(buyer.ID())

		var got Settlement
		f.broker.OnSettled(func(s Settlement) { got = s })
		result, err := f.broker.ProcessOrder()
		if err != nil || result != bank.ResultOK {
			rt.Fatalf("ProcessOrder = %v, %v", result, err)
		}

		traded := min(sellStock, buyStock, held)
		pay := ask.Mul(decimal.NewFromInt(traded))
		if got.Amount != traded || !got.Pay.Equal(pay) {
			rt.Fatalf("settled %d for %s, want %d for %s", got.Amount, got.Pay, traded, pay)
		}

		sellerAfter := f.balance(seller.ID())
		buyerAfter := f.balance(buyer.ID())
		if !sellerAfter.Sub(sellerBefore).Equal(pay) || !buyerBefore.Sub(buyerAfter).Equal(pay) {
			rt.Fatalf("seller +%s buyer -%s, want %s", sellerAfter.Sub(sellerBefore), buyerBefore.Sub(buyerAfter), pay)
		}
		if !sellerAfter.Add(buyerAfter).Equal(sellerBefore.Add(buyerBefore)) {
			rt.Fatal("money created or destroyed")
		}
		if got := f.bank.CountAccountAsset(buyer.ID(), wheat); got.IntPart() != traded {
			rt.Fatalf("buyer wheat = %s, want %d", got, traded)
		}
		if got := f.bank.CountAccountAsset(seller.ID(), wheat); got.IntPart() != held-traded {
			rt.Fatalf("seller wheat = %s, want %d", got, held-traded)
		}
	})
}
