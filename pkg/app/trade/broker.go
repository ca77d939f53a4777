// Package trade moves orders in and out of the order store: the mediator
// serializes user submissions and the broker settles matched pairs against
// the bank ledger.
package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/listing"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
	"github.com/wysohn/RealEconomy/pkg/util"
)

// ErrUnhandled is returned by ProcessOrder when settlement failed with an
// error or panic. The broker stops after it.
var ErrUnhandled = errors.New("settlement produced no result")

// ListingSource resolves listing ids.
type ListingSource interface {
	Get(id uuid.UUID) (listing.Listing, bool)
}

// CurrencySource resolves currency ids.
type CurrencySource interface {
	Get(id uuid.UUID) (*bank.Currency, bool)
}

// Settlement describes one processed match.
type Settlement struct {
	Trade     orderbook.TradeInfo
	Result    bank.TradeResult
	Listing   listing.Listing
	Currency  *bank.Currency
	Amount    int64           // units delivered, zero unless Result is OK
	Pay       decimal.Decimal // ask x amount
	Timestamp time.Time
}

// Stats counts broker activity since start.
type Stats struct {
	Processed int64 `json:"processed"`
	Settled   int64 `json:"settled"`
	Refused   int64 `json:"refused"`
	Volume    int64 `json:"volume"`
}

// BrokerConfig holds the broker's collaborators.
type BrokerConfig struct {
	Orders     *orderbook.Store
	Listings   ListingSource
	Currencies CurrencySource
	Interval   time.Duration
	Clock      util.Clock
	Logger     *zap.SugaredLogger
}

// Broker repeatedly takes the best matchable pair from the order store and
// settles it.
type Broker struct {
	orders     *orderbook.Store
	listings   ListingSource
	currencies CurrencySource
	interval   time.Duration
	clock      util.Clock
	log        *zap.SugaredLogger

	mu        sync.RWMutex
	providers []bank.UserProvider
	onSettled []func(Settlement)

	processed atomic.Int64
	settled   atomic.Int64
	refused   atomic.Int64
	volume    atomic.Int64
}

// NewBroker creates a broker. Interval defaults to one second and Clock to
// the wall clock.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	return &Broker{
		orders:     cfg.Orders,
		listings:   cfg.Listings,
		currencies: cfg.Currencies,
		interval:   cfg.Interval,
		clock:      cfg.Clock,
		log:        util.OrNop(cfg.Logger),
	}
}

// RegisterUserProvider adds a provider. Providers are asked in the order
// they were registered.
func (b *Broker) RegisterUserProvider(p bank.UserProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.providers = append(b.providers, p)
}

// OnSettled registers a hook that receives every processed match. Hooks run
// on the broker goroutine after the order store was committed.
func (b *Broker) OnSettled(fn func(Settlement)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSettled = append(b.onSettled, fn)
}

func (b *Broker) findUser(id uuid.UUID) bank.User {
	b.mu.RLock()
	providers := b.providers
	b.mu.RUnlock()
	return bank.FindUser(providers, id)
}

// Stats returns the counters accumulated since the broker was created.
func (b *Broker) Stats() Stats {
	return Stats{
		Processed: b.processed.Load(),
		Settled:   b.settled.Load(),
		Refused:   b.refused.Load(),
		Volume:    b.volume.Load(),
	}
}

// Run calls ProcessOrder every interval until ctx is done. A settlement in
// progress always completes. Returns the error that made the broker stop
// itself, or nil on cancellation.
func (b *Broker) Run(ctx context.Context) error {
	b.log.Infow("broker_started", "interval", b.interval)
	for {
		if _, err := b.ProcessOrder(); err != nil {
			if errors.Is(err, ErrUnhandled) {
				b.log.Errorw("broker_halted", "err", err)
				return err
			}
			b.log.Warnw("process_order_failed", "err", err)
		}

		select {
		case <-ctx.Done():
			b.log.Infow("broker_stopped", "processed", b.processed.Load(), "settled", b.settled.Load())
			return nil
		case <-b.clock.After(b.interval):
		}
	}
}

// ProcessOrder settles at most one matched pair. It returns 0 when nothing
// matched.
func (b *Broker) ProcessOrder() (bank.TradeResult, error) {
	info, err := b.orders.PeekMatchingOrders()
	if err != nil {
		return 0, fmt.Errorf("peek matching orders: %w", err)
	}
	if info == nil {
		return 0, nil
	}
	b.processed.Inc()

	buyer := b.findUser(info.Buyer)
	seller := b.findUser(info.Seller)
	if buyer == nil || seller == nil {
		var sides []orderbook.Side
		if buyer == nil {
			sides = append(sides, orderbook.Buy)
		}
		if seller == nil {
			sides = append(sides, orderbook.Sell)
		}
		b.log.Warnw("unknown_trade_party", "buyer", info.Buyer, "seller", info.Seller, "buyer_found", buyer != nil, "seller_found", seller != nil)
		return b.refuse(info, buyer, seller, bank.ResultInvalidInfo, sides...)
	}

	cur, ok := b.currencies.Get(info.Currency)
	if !ok || cur.OwnerBank() == nil {
		b.log.Warnw("unknown_trade_currency", "currency", info.Currency, "buy_id", info.BuyID, "sell_id", info.SellID)
		return b.refuse(info, buyer, seller, bank.ResultInvalidInfo, orderbook.Buy, orderbook.Sell)
	}
	cb := cur.OwnerBank()

	if !cb.HasAccount(buyer.ID(), bank.Trading) {
		return b.refuse(info, buyer, seller, bank.ResultNoAccountBuyer, orderbook.Buy)
	}
	if !cb.HasAccount(seller.ID(), bank.Trading) {
		return b.refuse(info, buyer, seller, bank.ResultNoAccountSeller, orderbook.Sell)
	}

	lst, ok := b.listings.Get(info.ListingID)
	if !ok {
		b.log.Warnw("unknown_trade_listing", "listing", info.ListingID)
		return b.refuse(info, buyer, seller, bank.ResultInvalidInfo, orderbook.Buy, orderbook.Sell)
	}

	var (
		out    settleOutcome
		failed error
	)
	cb.Exclusive(func() {
		out, failed = b.settle(*info, buyer, seller, cb, cur, lst)
	})
	if failed != nil {
		return 0, fmt.Errorf("%w: buy %d sell %d: %v", ErrUnhandled, info.BuyID, info.SellID, failed)
	}

	for _, side := range out.cancelled {
		if side == orderbook.Buy {
			buyer.RemoveOrderID(orderbook.Buy, info.BuyID)
		} else {
			seller.RemoveOrderID(orderbook.Sell, info.SellID)
		}
	}

	trade := out.trade
	if out.result == bank.ResultOK {
		b.settled.Inc()
		b.volume.Add(out.amount)
		b.log.Infow("trade_settled",
			"listing", lst.Name,
			"buy_id", trade.BuyID,
			"sell_id", trade.SellID,
			"amount", out.amount,
			"ask", trade.Ask,
			"pay", out.pay,
			"currency", cur.Code,
		)
	} else {
		b.refused.Inc()
		b.log.Infow("trade_refused", "listing", lst.Name, "buy_id", trade.BuyID, "sell_id", trade.SellID, "result", out.result)
	}

	buyer.HandleTransactionResult(trade, orderbook.Buy, out.result)
	seller.HandleTransactionResult(trade, orderbook.Sell, out.result)
	b.notify(Settlement{
		Trade:     trade,
		Result:    out.result,
		Listing:   lst,
		Currency:  cur,
		Amount:    out.amount,
		Pay:       out.pay,
		Timestamp: b.clock.Now(),
	})
	return out.result, nil
}

type settleOutcome struct {
	trade     orderbook.TradeInfo
	result    bank.TradeResult
	amount    int64
	pay       decimal.Decimal
	cancelled []orderbook.Side
}

// settle runs with the bank's settlement lock held. It re-reads both orders
// inside the order transaction, so cancellations that landed after the peek
// are seen. Soft refusals commit their cancellation and restore the parties'
// ledger entries; errors and panics restore them and roll the order store
// back. A settled trade commits the parties' ledger records together with the
// order changes.
func (b *Broker) settle(info orderbook.TradeInfo, buyer, seller bank.User, cb *bank.CentralBank, cur *bank.Currency, lst listing.Listing) (settleOutcome, error) {
	tx := b.orders.Begin()
	defer tx.Rollback()

	out := settleOutcome{trade: info}

	buy, err := liveOrder(tx, info.BuyID, orderbook.Buy)
	if err != nil {
		return settleOutcome{}, err
	}
	sell, err := liveOrder(tx, info.SellID, orderbook.Sell)
	if err != nil {
		return settleOutcome{}, err
	}
	if buy == nil || sell == nil {
		if buy == nil {
			out.cancelled = append(out.cancelled, orderbook.Buy)
		}
		if sell == nil {
			out.cancelled = append(out.cancelled, orderbook.Sell)
		}
		b.log.Infow("matched_order_gone", "buy_id", info.BuyID, "sell_id", info.SellID, "sides", out.cancelled)
		out.result = bank.ResultInvalidInfo
		return out, nil
	}
	info.Amount = buy.Stock
	info.Stock = sell.Stock
	out.trade = info

	cancel := func(side orderbook.Side) error {
		id := info.BuyID
		if side == orderbook.Sell {
			id = info.SellID
		}
		if _, err := tx.CancelOrder(id, side, nil); err != nil {
			return err
		}
		out.cancelled = append(out.cancelled, side)
		return nil
	}

	var stale []orderbook.Side
	if !buyer.HasOrderID(orderbook.Buy, info.BuyID) {
		stale = append(stale, orderbook.Buy)
	}
	if !seller.HasOrderID(orderbook.Sell, info.SellID) {
		stale = append(stale, orderbook.Sell)
	}
	if len(stale) > 0 {
		b.log.Warnw("order_not_owned", "buy_id", info.BuyID, "sell_id", info.SellID, "sides", stale)
		for _, side := range stale {
			if err := cancel(side); err != nil {
				return settleOutcome{}, err
			}
		}
		if err := tx.Commit(); err != nil {
			return settleOutcome{}, err
		}
		out.result = bank.ResultInvalidInfo
		return out, nil
	}

	refuse := func(result bank.TradeResult, side orderbook.Side) (bank.TradeResult, error) {
		if err := cancel(side); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		return result, nil
	}

	var failed error
	sig := lst.Signature
	unit := util.NewFailSensitive(bank.ResultOK, func() (bank.TradeResult, error) {
		amount := min(info.Stock, info.Amount)
		removed := cb.RemoveAccountAsset(seller.ID(), sig, decimal.NewFromInt(amount))
		held := asset.Sum(removed)
		traded := held.Floor()
		if rest := held.Sub(traded); rest.IsPositive() {
			cb.AddAccountAsset(seller.ID(), sig.Asset(rest))
		}
		if !traded.IsPositive() {
			return refuse(bank.ResultInsufficientAssets, orderbook.Sell)
		}

		pay := info.Ask.Mul(traded)
		if !cb.WithdrawAccount(buyer.ID(), bank.Trading, pay, cur) {
			return refuse(bank.ResultWithdrawRefused, orderbook.Buy)
		}
		if !cb.DepositAccount(seller.ID(), bank.Trading, pay, cur) {
			return refuse(bank.ResultDepositRefused, orderbook.Sell)
		}
		cb.AddAccountAsset(buyer.ID(), sig.Asset(traded))

		n := traded.IntPart()
		newSell := info.Stock - n
		newBuy := info.Amount - n
		if newSell < 0 || newBuy < 0 {
			return 0, fmt.Errorf("negative stock after trade: sell %d buy %d", newSell, newBuy)
		}
		for _, step := range []struct {
			side  orderbook.Side
			id    int64
			stock int64
		}{
			{orderbook.Sell, info.SellID, newSell},
			{orderbook.Buy, info.BuyID, newBuy},
		} {
			if step.stock == 0 {
				if err := cancel(step.side); err != nil {
					return 0, err
				}
				continue
			}
			if err := tx.EditOrder(step.id, step.side, step.stock); err != nil {
				return 0, err
			}
		}

		if err := tx.LogOrder(orderbook.TradeLog{
			ListingID:  info.ListingID,
			CategoryID: info.CategoryID,
			Seller:     seller.ID(),
			Buyer:      buyer.ID(),
			Ask:        info.Ask,
			Currency:   info.Currency,
			Amount:     n,
		}); err != nil {
			return 0, err
		}
		if err := tx.Stage(func(w pebble.Writer) error {
			return cb.StageHolders(w, buyer.ID(), seller.ID())
		}); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}

		out.amount = n
		out.pay = pay
		return bank.ResultOK, nil
	}).
		AddState("buyer", buyer.SaveState, buyer.RestoreState).
		AddState("seller", seller.SaveState, seller.RestoreState).
		AddState("ledger",
			func() any { return cb.SaveState(buyer.ID(), seller.ID()) },
			func(s any) { cb.RestoreState(s.(bank.State)) },
		).
		OnFail(func() {
			_ = tx.Rollback()
		}).
		HandleError(func(err error) {
			failed = err
			var pe *util.PanicError
			if errors.As(err, &pe) {
				b.log.Errorw("settlement_panic", "buy_id", info.BuyID, "sell_id", info.SellID, "panic", pe.Value, "stack", string(pe.Stack))
				return
			}
			b.log.Errorw("settlement_failed", "buy_id", info.BuyID, "sell_id", info.SellID, "err", err)
		})

	result, ok := unit.Run()
	if !ok {
		return settleOutcome{}, failed
	}
	out.result = result
	if result != bank.ResultOK {
		out.amount = 0
		out.pay = decimal.Zero
	}
	return out, nil
}

// liveOrder reads an order through tx. A missing order yields nil.
func liveOrder(tx *orderbook.Tx, id int64, side orderbook.Side) (*orderbook.OrderInfo, error) {
	o, err := tx.GetInfo(id, side)
	if errors.Is(err, orderbook.ErrNotFound) {
		return nil, nil
	}
	return o, err
}

// refuse cancels the given sides outside of settlement and reports result to
// the parties that are known.
func (b *Broker) refuse(info *orderbook.TradeInfo, buyer, seller bank.User, result bank.TradeResult, sides ...orderbook.Side) (bank.TradeResult, error) {
	err := b.orders.Update(func(tx *orderbook.Tx) error {
		for _, side := range sides {
			id := info.BuyID
			if side == orderbook.Sell {
				id = info.SellID
			}
			if _, err := tx.CancelOrder(id, side, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cancel refused orders: %w", err)
	}
	b.refused.Inc()

	for _, side := range sides {
		if side == orderbook.Buy && buyer != nil {
			buyer.RemoveOrderID(orderbook.Buy, info.BuyID)
		}
		if side == orderbook.Sell && seller != nil {
			seller.RemoveOrderID(orderbook.Sell, info.SellID)
		}
	}
	if buyer != nil {
		buyer.HandleTransactionResult(*info, orderbook.Buy, result)
	}
	if seller != nil {
		seller.HandleTransactionResult(*info, orderbook.Sell, result)
	}
	b.log.Infow("orders_cancelled", "buy_id", info.BuyID, "sell_id", info.SellID, "result", result, "sides", sides)
	return result, nil
}

func (b *Broker) notify(s Settlement) {
	b.mu.RLock()
	hooks := b.onSettled
	b.mu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
}
