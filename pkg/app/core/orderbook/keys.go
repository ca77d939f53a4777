package orderbook

import (
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wysohn/RealEconomy/pkg/storage"
)

// Pebble key schema. Every index key ends with {ts}{id} so that orders at
// the same price keep FIFO order and the order id can be read back from the
// last 8 bytes.
//
//	ord:{side}{id}                               -> OrderInfo
//	bk:{listing}{currency}{side}{price}{ts}{id}  -> book index
//	ls:{side}{price}{ts}{id}                     -> all listings, side ordering
//	lc:{side}{category}{price}{ts}{id}           -> per category, side ordering
//	tmp:{side}{id}                               -> temporary orders
//	iss:{issuer}{side}{id}                       -> orders per issuer
//	trd:{listing}{currency}{ts}{seq}             -> TradeLog
//	seq:{name}                                   -> counters
//	cat:n:{name} / cat:i:{id}                    -> category table
const (
	prefixOrder    = "ord:"
	prefixBook     = "bk:"
	prefixListed   = "ls:"
	prefixCategory = "lc:"
	prefixTemp     = "tmp:"
	prefixIssuer   = "iss:"
	prefixTrade    = "trd:"
	prefixSeq      = "seq:"
	prefixCatName  = "cat:n:"
	prefixCatID    = "cat:i:"
)

// PriceScale is the number of decimal places an order price may carry. Index
// keys encode prices at exactly this scale, so CheckPrice keeps every stored
// price representable.
const PriceScale = 8

// MaxPrice is the largest accepted order price.
var MaxPrice = decimal.New(1, 20)

func sideByte(s Side) []byte {
	if s == Buy {
		return []byte{'b'}
	}
	return []byte{'s'}
}

// priceKey encodes p as 16 sortable bytes. Buy prices are bit-inverted so an
// ascending scan yields the highest bid first.
func priceKey(p decimal.Decimal, side Side) []byte {
	n := p.Shift(PriceScale).Truncate(0).BigInt()
	if n.Sign() < 0 {
		n = new(big.Int)
	}
	b := make([]byte, 16)
	n.FillBytes(b)
	if side == Buy {
		for i := range b {
			b[i] = ^b[i]
		}
	}
	return b
}

func orderKey(side Side, id int64) []byte {
	return storage.Key([]byte(prefixOrder), sideByte(side), storage.Int64(id))
}

func bookGroupPrefix(listing, currency uuid.UUID) []byte {
	return storage.Key([]byte(prefixBook), listing[:], currency[:])
}

func bookSidePrefix(listing, currency uuid.UUID, side Side) []byte {
	return storage.Key(bookGroupPrefix(listing, currency), sideByte(side))
}

func orderSuffix(o *OrderInfo) []byte {
	return storage.Key(priceKey(o.Price, o.Side), storage.Int64(o.Timestamp), storage.Int64(o.OrderID))
}

func bookKey(o *OrderInfo) []byte {
	return storage.Key(bookSidePrefix(o.ListingID, o.Currency, o.Side), orderSuffix(o))
}

func listedPrefix(side Side) []byte {
	return storage.Key([]byte(prefixListed), sideByte(side))
}

func listedKey(o *OrderInfo) []byte {
	return storage.Key(listedPrefix(o.Side), orderSuffix(o))
}

func categoryPrefix(side Side, category uint32) []byte {
	return storage.Key([]byte(prefixCategory), sideByte(side), storage.Uint32(category))
}

func categoryIndexKey(o *OrderInfo) []byte {
	return storage.Key(categoryPrefix(o.Side, o.CategoryID), orderSuffix(o))
}

func tempPrefix(side Side) []byte {
	return storage.Key([]byte(prefixTemp), sideByte(side))
}

func tempKey(side Side, id int64) []byte {
	return storage.Key(tempPrefix(side), storage.Int64(id))
}

func issuerPrefix(issuer uuid.UUID, side Side) []byte {
	return storage.Key([]byte(prefixIssuer), issuer[:], sideByte(side))
}

func issuerKey(o *OrderInfo) []byte {
	return storage.Key(issuerPrefix(o.Issuer, o.Side), storage.Int64(o.OrderID))
}

func tradePrefix(listing, currency uuid.UUID) []byte {
	return storage.Key([]byte(prefixTrade), listing[:], currency[:])
}

func tradeKey(t *TradeLog, seq uint64) []byte {
	return storage.Key(tradePrefix(t.ListingID, t.Currency), storage.Int64(t.Timestamp), storage.Uint64(seq))
}

func seqKey(name string) []byte {
	return []byte(prefixSeq + name)
}

func orderSeqKey(side Side) []byte {
	return seqKey("order:" + side.String())
}

func categoryNameKey(name string) []byte {
	return []byte(prefixCatName + name)
}

func categoryIDKey(id uint32) []byte {
	return storage.Key([]byte(prefixCatID), storage.Uint32(id))
}

// idFromIndexKey reads the order id stored in the last 8 bytes of an index key.
func idFromIndexKey(key []byte) int64 {
	id, err := storage.ReadUint64(key, len(key)-8)
	if err != nil {
		return 0
	}
	return int64(id)
}
