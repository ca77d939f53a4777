package trade

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/listing"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
	"github.com/wysohn/RealEconomy/pkg/storage"
	"github.com/wysohn/RealEconomy/pkg/util"
)

var (
	ErrNotOwner       = errors.New("order is not owned by issuer")
	ErrDenied         = errors.New("asset may not be traded")
	ErrMediatorClosed = errors.New("mediator closed")
)

const taskQueueSize = 1024

// ListingIndex resolves and creates listings for signatures.
type ListingIndex interface {
	SignatureToUUID(sig asset.Signature) (uuid.UUID, error)
	Get(id uuid.UUID) (listing.Listing, bool)
}

// SellRequest lists Amount units of Signature at Price.
type SellRequest struct {
	Issuer    bank.User       `validate:"required"`
	Signature asset.Signature `validate:"required"`
	Price     decimal.Decimal `validate:"gt=0"`
	Currency  *bank.Currency  `validate:"required"`
	Amount    int64           `validate:"gt=0"`
	Temporary bool
}

// BidRequest bids on the listing of the sell order SellOrderID.
type BidRequest struct {
	Issuer      bank.User       `validate:"required"`
	SellOrderID int64           `validate:"gt=0"`
	Price       decimal.Decimal `validate:"gt=0"`
	Currency    *bank.Currency  `validate:"required"`
	Amount      int64           `validate:"gt=0"`
}

// PlaceBidRequest bids directly on a signature.
type PlaceBidRequest struct {
	Issuer    bank.User       `validate:"required"`
	Signature asset.Signature `validate:"required"`
	Price     decimal.Decimal `validate:"gt=0"`
	Currency  *bank.Currency  `validate:"required"`
	Amount    int64           `validate:"gt=0"`
	Temporary bool
}

// CancelRequest cancels one of the issuer's orders.
type CancelRequest struct {
	Issuer  bank.User      `validate:"required"`
	Side    orderbook.Side `validate:"oneof=1 2"`
	OrderID int64          `validate:"gt=0"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Mediator serializes order submissions onto one worker goroutine. Calls
// check their input synchronously and return before the order is stored.
type Mediator struct {
	orders   *orderbook.Store
	listings ListingIndex
	validate *validator.Validate
	journal  storage.Journal
	log      *zap.SugaredLogger

	denyMu sync.RWMutex
	denied map[string]struct{} // signature keys

	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	done   chan struct{}
}

// NewMediator starts the worker goroutine. journal may be nil.
func NewMediator(orders *orderbook.Store, listings ListingIndex, journal storage.Journal, log *zap.SugaredLogger) *Mediator {
	if journal == nil {
		journal = storage.NewNopJournal()
	}
	m := &Mediator{
		orders:   orders,
		listings: listings,
		validate: newValidator(),
		journal:  journal,
		log:      util.OrNop(log),
		denied:   make(map[string]struct{}),
		tasks:    make(chan func(), taskQueueSize),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Mediator) loop() {
	defer close(m.done)
	for task := range m.tasks {
		m.runTask(task)
	}
}

func (m *Mediator) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("mediator_task_panic", "panic", r)
		}
	}()
	task()
}

func (m *Mediator) submit(task func()) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMediatorClosed
	}
	m.tasks <- task
	return nil
}

// SetDenied replaces the set of signatures that may not be traded.
func (m *Mediator) SetDenied(sigs []asset.Signature) {
	denied := make(map[string]struct{}, len(sigs))
	for _, s := range sigs {
		denied[s.Key()] = struct{}{}
	}
	m.denyMu.Lock()
	m.denied = denied
	m.denyMu.Unlock()
}

func (m *Mediator) isDenied(sig asset.Signature) bool {
	m.denyMu.RLock()
	defer m.denyMu.RUnlock()
	_, ok := m.denied[sig.Key()]
	return ok
}

func hasTradingAccount(issuer bank.User, cur *bank.Currency) bool {
	cb := cur.OwnerBank()
	return cb != nil && cb.HasAccount(issuer.ID(), bank.Trading)
}

// SellAsset queues a SELL order. It returns false if the issuer has no
// TRADING account at the currency's bank.
func (m *Mediator) SellAsset(req SellRequest) (bool, error) {
	if err := m.validate.Struct(req); err != nil {
		return false, fmt.Errorf("%w: %v", orderbook.ErrInvalidOrder, err)
	}
	if err := orderbook.CheckPrice(req.Price); err != nil {
		return false, err
	}
	if m.isDenied(req.Signature) {
		return false, fmt.Errorf("%w: %s", ErrDenied, req.Signature)
	}
	if !hasTradingAccount(req.Issuer, req.Currency) {
		return false, nil
	}

	err := m.submit(func() {
		m.place(req.Issuer, req.Signature, orderbook.Sell, req.Price, req.Currency, req.Amount, req.Temporary)
	})
	return err == nil, err
}

// BidAsset queues a BUY order against the listing of an existing sell order.
func (m *Mediator) BidAsset(req BidRequest) (bool, error) {
	if err := m.validate.Struct(req); err != nil {
		return false, fmt.Errorf("%w: %v", orderbook.ErrInvalidOrder, err)
	}
	if err := orderbook.CheckPrice(req.Price); err != nil {
		return false, err
	}
	if !hasTradingAccount(req.Issuer, req.Currency) {
		return false, nil
	}

	sell, err := m.orders.GetInfo(req.SellOrderID, orderbook.Sell)
	if err != nil {
		return false, fmt.Errorf("sell order %d: %w", req.SellOrderID, err)
	}
	lst, ok := m.listings.Get(sell.ListingID)
	if !ok {
		return false, fmt.Errorf("listing %s of sell order %d: %w", sell.ListingID, sell.OrderID, orderbook.ErrNotFound)
	}
	if m.isDenied(lst.Signature) {
		return false, fmt.Errorf("%w: %s", ErrDenied, lst.Signature)
	}

	err = m.submit(func() {
		m.place(req.Issuer, lst.Signature, orderbook.Buy, req.Price, req.Currency, req.Amount, false)
	})
	return err == nil, err
}

// PlaceBid queues a BUY order for a signature without a reference order.
func (m *Mediator) PlaceBid(req PlaceBidRequest) (bool, error) {
	if err := m.validate.Struct(req); err != nil {
		return false, fmt.Errorf("%w: %v", orderbook.ErrInvalidOrder, err)
	}
	if err := orderbook.CheckPrice(req.Price); err != nil {
		return false, err
	}
	if m.isDenied(req.Signature) {
		return false, fmt.Errorf("%w: %s", ErrDenied, req.Signature)
	}
	if !hasTradingAccount(req.Issuer, req.Currency) {
		return false, nil
	}

	err := m.submit(func() {
		m.place(req.Issuer, req.Signature, orderbook.Buy, req.Price, req.Currency, req.Amount, req.Temporary)
	})
	return err == nil, err
}

func (m *Mediator) place(issuer bank.User, sig asset.Signature, side orderbook.Side, price decimal.Decimal, cur *bank.Currency, amount int64, temp bool) {
	listingID, err := m.listings.SignatureToUUID(sig)
	if err != nil {
		m.log.Errorw("listing_resolve_failed", "signature", sig.Key(), "err", err)
		return
	}
	lst, _ := m.listings.Get(listingID)

	var orderID int64
	err = m.orders.Update(func(tx *orderbook.Tx) error {
		orderID, err = tx.AddOrder(orderbook.NewOrder{
			ListingID:  listingID,
			CategoryID: lst.CategoryID,
			Side:       side,
			Price:      price,
			Currency:   cur.ID,
			Stock:      amount,
			Temporary:  temp,
		}, issuer)
		return err
	})
	if err != nil {
		m.log.Errorw("order_add_failed", "issuer", issuer.ID(), "side", side, "signature", sig.Key(), "err", err)
		return
	}

	m.journal.Record("order_added", map[string]any{
		"orderId":   orderID,
		"side":      side,
		"issuer":    issuer.ID(),
		"listing":   listingID,
		"signature": sig.Key(),
		"price":     price,
		"currency":  cur.Code,
		"stock":     amount,
		"temporary": temp,
	})
	m.log.Debugw("order_added", "order_id", orderID, "side", side, "signature", sig.Key(), "price", price, "stock", amount)
}

// CancelOrder queues the cancellation of one of the issuer's orders.
func (m *Mediator) CancelOrder(req CancelRequest) (bool, error) {
	if err := m.validate.Struct(req); err != nil {
		return false, fmt.Errorf("%w: %v", orderbook.ErrInvalidOrder, err)
	}
	if !req.Issuer.HasOrderID(req.Side, req.OrderID) {
		return false, fmt.Errorf("%w: %s %d", ErrNotOwner, req.Side, req.OrderID)
	}

	err := m.submit(func() {
		var cancelled int64
		err := m.orders.Update(func(tx *orderbook.Tx) error {
			// the broker may have consumed the order in the meantime; drop the
			// id either way
			_, err := tx.CancelOrder(req.OrderID, req.Side, func(id int64) {
				cancelled = id
				req.Issuer.RemoveOrderID(req.Side, req.OrderID)
			})
			return err
		})
		if err != nil {
			m.log.Errorw("order_cancel_failed", "order_id", req.OrderID, "side", req.Side, "err", err)
			return
		}
		m.journal.Record("order_cancelled", map[string]any{
			"orderId": req.OrderID,
			"side":    req.Side,
			"issuer":  req.Issuer.ID(),
			"found":   cancelled != 0,
		})
	})
	return err == nil, err
}

// GetInfo reads a committed order.
func (m *Mediator) GetInfo(orderID int64, side orderbook.Side) (*orderbook.OrderInfo, error) {
	return m.orders.GetInfo(orderID, side)
}

// Await blocks until every task queued before the call has run.
func (m *Mediator) Await(ctx context.Context) error {
	ch := make(chan struct{})
	if err := m.submit(func() { close(ch) }); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for the queue to drain or ctx to end.
func (m *Mediator) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.tasks)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		m.log.Infow("mediator_stopped")
		return nil
	case <-ctx.Done():
		m.log.Warnw("mediator_close_timeout", "pending", len(m.tasks))
		return ctx.Err()
	}
}
