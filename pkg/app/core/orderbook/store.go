// Package orderbook persists orders and trades in pebble and answers the
// matching and price-history queries of the market.
package orderbook

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/pkg/storage"
	"github.com/wysohn/RealEconomy/pkg/util"
)

// Store is the order query module. Mutations go through a Tx; only one Tx is
// open at a time. Reads on the Store observe the last committed state.
type Store struct {
	db    *pebble.DB
	clock util.Clock
	log   *zap.SugaredLogger

	txMu  sync.Mutex // held for the lifetime of a Tx
	catMu sync.Mutex // category table
}

// NewStore wraps an open pebble database. The caller owns db.
func NewStore(db *pebble.DB, clock util.Clock, log *zap.SugaredLogger) *Store {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Store{db: db, clock: clock, log: util.OrNop(log)}
}

// Begin opens a transaction, blocking until the previous one is committed or
// rolled back.
func (s *Store) Begin() *Tx {
	s.txMu.Lock()
	return &Tx{store: s, batch: s.db.NewIndexedBatch()}
}

// Update runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back when fn returns an error or panics.
func (s *Store) Update(fn func(tx *Tx) error) error {
	tx := s.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warnw("rollback_failed", "err", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// GetInfo returns a committed order, or ErrNotFound.
func (s *Store) GetInfo(orderID int64, side Side) (*OrderInfo, error) {
	return loadOrder(s.db, side, orderID)
}

// OrdersByIssuer lists the committed orders an issuer has on one side.
func (s *Store) OrdersByIssuer(issuer uuid.UUID, side Side) ([]OrderInfo, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	var ids []int64
	err := storage.ScanPrefix(snap, issuerPrefix(issuer, side), func(key, _ []byte) bool {
		ids = append(ids, idFromIndexKey(key))
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan issuer orders: %w", err)
	}

	orders := make([]OrderInfo, 0, len(ids))
	for _, id := range ids {
		o, err := loadOrder(snap, side, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// PeekMatchingOrders returns the best matchable pair across every
// (listing, currency) book, or nil when no bid reaches an ask. The lowest ask
// wins (earlier ask first on ties), then the highest bid (earlier bid first).
// Nothing is modified.
func (s *Store) PeekMatchingOrders() (*TradeInfo, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	prefix := []byte(prefixBook)
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: storage.KeyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	groupLen := len(prefixBook) + 32
	var best *TradeInfo

	for valid := iter.First(); valid; {
		key := iter.Key()
		if len(key) < groupLen {
			valid = iter.Next()
			continue
		}
		group := append([]byte(nil), key[:groupLen]...)

		bidID, hasBid := firstID(iter, storage.Key(group, sideByte(Buy)))
		askID, hasAsk := firstID(iter, storage.Key(group, sideByte(Sell)))

		if hasBid && hasAsk {
			candidate, err := s.pair(snap, bidID, askID)
			if err != nil {
				return nil, err
			}
			if candidate != nil && better(candidate, best) {
				best = candidate
			}
		}

		next := storage.KeyUpperBound(group)
		if next == nil {
			break
		}
		valid = iter.SeekGE(next)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return best, nil
}

// firstID seeks to the first index key under prefix and returns its order id.
func firstID(iter *pebble.Iterator, prefix []byte) (int64, bool) {
	if !iter.SeekGE(prefix) || !bytes.HasPrefix(iter.Key(), prefix) {
		return 0, false
	}
	return idFromIndexKey(iter.Key()), true
}

func (s *Store) pair(r pebble.Reader, bidID, askID int64) (*TradeInfo, error) {
	bid, err := loadOrder(r, Buy, bidID)
	if err != nil {
		return nil, fmt.Errorf("load bid %d: %w", bidID, err)
	}
	ask, err := loadOrder(r, Sell, askID)
	if err != nil {
		return nil, fmt.Errorf("load ask %d: %w", askID, err)
	}
	if bid.Price.LessThan(ask.Price) {
		return nil, nil
	}

	return &TradeInfo{
		BuyID:      bid.OrderID,
		SellID:     ask.OrderID,
		ListingID:  ask.ListingID,
		CategoryID: ask.CategoryID,
		Buyer:      bid.Issuer,
		Seller:     ask.Issuer,
		Ask:        ask.Price,
		Bid:        bid.Price,
		Currency:   ask.Currency,
		Stock:      ask.Stock,
		Amount:     bid.Stock,
		askTime:    ask.Timestamp,
		bidTime:    bid.Timestamp,
	}, nil
}

// better reports whether a has priority over b.
func better(a, b *TradeInfo) bool {
	if b == nil {
		return true
	}
	if c := a.Ask.Cmp(b.Ask); c != 0 {
		return c < 0
	}
	if a.askTime != b.askTime {
		return a.askTime < b.askTime
	}
	if c := a.Bid.Cmp(b.Bid); c != 0 {
		return c > 0
	}
	if a.bidTime != b.bidTime {
		return a.bidTime < b.bidTime
	}
	return a.SellID < b.SellID
}

// ClearTemporaryBuyOrders deletes every temporary BUY order.
func (s *Store) ClearTemporaryBuyOrders() (int, error) {
	return s.clearTemporary(Buy)
}

// ClearTemporarySellOrders deletes every temporary SELL order.
func (s *Store) ClearTemporarySellOrders() (int, error) {
	return s.clearTemporary(Sell)
}

func (s *Store) clearTemporary(side Side) (int, error) {
	removed := 0
	err := s.Update(func(tx *Tx) error {
		var ids []int64
		err := storage.ScanPrefix(tx.batch, tempPrefix(side), func(key, _ []byte) bool {
			ids = append(ids, idFromIndexKey(key))
			return true
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			ok, err := tx.CancelOrder(id, side, nil)
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear temporary %s orders: %w", side, err)
	}
	if removed > 0 {
		s.log.Infow("temporary_orders_cleared", "side", side.String(), "count", removed)
	}
	return removed, nil
}

// CategoryID returns the id of a category, creating it if needed. Ids are
// monotonic and persisted immediately, outside any order transaction.
func (s *Store) CategoryID(name string) (uint32, error) {
	s.catMu.Lock()
	defer s.catMu.Unlock()

	var id uint32
	found, err := storage.GetJSON(s.db, categoryNameKey(name), &id)
	if err != nil {
		return 0, err
	}
	if found {
		return id, nil
	}

	next, err := readCounter(s.db, seqKey("category"))
	if err != nil {
		return 0, err
	}
	next++
	id = uint32(next)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(seqKey("category"), storage.EncodeCounter(next), nil); err != nil {
		return 0, err
	}
	if err := storage.SetJSON(b, categoryNameKey(name), id, nil); err != nil {
		return 0, err
	}
	if err := b.Set(categoryIDKey(id), []byte(name), nil); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit category %q: %w", name, err)
	}
	return id, nil
}

// CategoryNames returns the category table as id -> name.
func (s *Store) CategoryNames() (map[uint32]string, error) {
	names := make(map[uint32]string)
	err := storage.ScanPrefix(s.db, []byte(prefixCatID), func(key, value []byte) bool {
		if len(key) < len(prefixCatID)+4 {
			return true
		}
		names[binary.BigEndian.Uint32(key[len(prefixCatID):])] = string(value)
		return true
	})
	return names, err
}

func loadOrder(r pebble.Reader, side Side, id int64) (*OrderInfo, error) {
	var o OrderInfo
	found, err := storage.GetJSON(r, orderKey(side, id), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s #%d", ErrNotFound, side, id)
	}
	return &o, nil
}

func readCounter(r pebble.Reader, key []byte) (uint64, error) {
	data, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return storage.DecodeCounter(data)
}
