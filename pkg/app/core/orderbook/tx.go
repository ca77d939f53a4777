package orderbook

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/wysohn/RealEconomy/pkg/storage"
)

// Tx is the pending set of order mutations. Reads through a Tx see its own
// writes. New order ids are handed to their issuers before the batch becomes
// visible and taken back if the commit fails; cancel callbacks run only after
// a successful Commit.
type Tx struct {
	store  *Store
	batch  *pebble.Batch
	issued []issued
	hooks  []func()
	done   bool
}

type issued struct {
	issuer OrderIssuer
	side   Side
	id     int64
}

func (tx *Tx) check() error {
	if tx.done {
		return ErrTxClosed
	}
	return nil
}

// AddOrder inserts a new order and returns its id. The issuer learns the id
// during Commit, before any reader can see the order.
func (tx *Tx) AddOrder(o NewOrder, issuer OrderIssuer) (int64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	if issuer == nil {
		return 0, fmt.Errorf("%w: issuer required", ErrInvalidOrder)
	}
	if !o.Side.Valid() {
		return 0, fmt.Errorf("%w: side %d", ErrInvalidOrder, o.Side)
	}
	if err := CheckPrice(o.Price); err != nil {
		return 0, err
	}
	if o.Stock <= 0 {
		return 0, fmt.Errorf("%w: stock %d", ErrInvalidOrder, o.Stock)
	}

	seq, err := readCounter(tx.batch, orderSeqKey(o.Side))
	if err != nil {
		return 0, fmt.Errorf("read order sequence: %w", err)
	}
	seq++
	if err := tx.batch.Set(orderSeqKey(o.Side), storage.EncodeCounter(seq), nil); err != nil {
		return 0, err
	}

	info := &OrderInfo{
		OrderID:    int64(seq),
		Side:       o.Side,
		ListingID:  o.ListingID,
		CategoryID: o.CategoryID,
		Issuer:     issuer.ID(),
		Price:      o.Price,
		Currency:   o.Currency,
		Stock:      o.Stock,
		Timestamp:  tx.store.clock.Now().UnixNano(),
		Temporary:  o.Temporary,
	}
	if err := tx.put(info); err != nil {
		return 0, fmt.Errorf("add order: %w", err)
	}

	tx.issued = append(tx.issued, issued{issuer: issuer, side: info.Side, id: info.OrderID})
	return info.OrderID, nil
}

// EditOrder replaces the remaining stock of an order. newStock must be
// positive; use CancelOrder to remove an order.
func (tx *Tx) EditOrder(orderID int64, side Side, newStock int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	if newStock <= 0 {
		return fmt.Errorf("%w: new stock %d", ErrInvalidOrder, newStock)
	}

	o, err := loadOrder(tx.batch, side, orderID)
	if err != nil {
		return err
	}
	o.Stock = newStock
	return storage.SetJSON(tx.batch, orderKey(side, orderID), o, nil)
}

// CancelOrder removes an order. cb, if not nil, receives the id after commit,
// or 0 if the order did not exist. cb must not begin another Tx.
func (tx *Tx) CancelOrder(orderID int64, side Side, cb func(int64)) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}

	o, err := loadOrder(tx.batch, side, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if cb != nil {
				tx.hooks = append(tx.hooks, func() { cb(0) })
			}
			return false, nil
		}
		return false, err
	}

	if err := tx.remove(o); err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if cb != nil {
		tx.hooks = append(tx.hooks, func() { cb(orderID) })
	}
	return true, nil
}

// GetInfo reads an order, including uncommitted changes of this Tx.
func (tx *Tx) GetInfo(orderID int64, side Side) (*OrderInfo, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return loadOrder(tx.batch, side, orderID)
}

// LogOrder appends a trade to the trade log.
func (tx *Tx) LogOrder(t TradeLog) error {
	if err := tx.check(); err != nil {
		return err
	}
	if t.Amount <= 0 {
		return fmt.Errorf("%w: trade amount %d", ErrInvalidOrder, t.Amount)
	}
	if t.Timestamp == 0 {
		t.Timestamp = tx.store.clock.Now().UnixNano()
	}

	seq, err := readCounter(tx.batch, seqKey("trade"))
	if err != nil {
		return err
	}
	seq++
	if err := tx.batch.Set(seqKey("trade"), storage.EncodeCounter(seq), nil); err != nil {
		return err
	}
	return storage.SetJSON(tx.batch, tradeKey(&t, seq), t, nil)
}

// Stage adds raw writes of another module to the batch so they commit
// atomically with the order mutations.
func (tx *Tx) Stage(fn func(w pebble.Writer) error) error {
	if err := tx.check(); err != nil {
		return err
	}
	return fn(tx.batch)
}

// Commit makes the pending mutations durable and visible. Issuers receive
// their new ids before the batch commits; cancel callbacks run after it, and
// both finish before the next Tx can begin.
func (tx *Tx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.done = true
	defer tx.store.txMu.Unlock()

	issued, hooks := tx.issued, tx.hooks
	tx.issued, tx.hooks = nil, nil

	for _, n := range issued {
		n.issuer.AddOrderID(n.side, n.id)
	}
	err := tx.batch.Commit(pebble.Sync)
	_ = tx.batch.Close()
	if err != nil {
		for _, n := range issued {
			n.issuer.RemoveOrderID(n.side, n.id)
		}
		return fmt.Errorf("commit orders: %w", err)
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// Rollback discards the pending mutations and callbacks. It is a no-op on a
// finished Tx, so it is safe to defer.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.hooks, tx.issued = nil, nil
	err := tx.batch.Close()
	tx.store.txMu.Unlock()
	return err
}

func (tx *Tx) put(o *OrderInfo) error {
	if err := storage.SetJSON(tx.batch, orderKey(o.Side, o.OrderID), o, nil); err != nil {
		return err
	}
	for _, key := range indexKeys(o) {
		if err := tx.batch.Set(key, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) remove(o *OrderInfo) error {
	if err := tx.batch.Delete(orderKey(o.Side, o.OrderID), nil); err != nil {
		return err
	}
	for _, key := range indexKeys(o) {
		if err := tx.batch.Delete(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func indexKeys(o *OrderInfo) [][]byte {
	keys := [][]byte{bookKey(o), listedKey(o), categoryIndexKey(o), issuerKey(o)}
	if o.Temporary {
		keys = append(keys, tempKey(o.Side, o.OrderID))
	}
	return keys
}
