package orderbook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("order not found")
	ErrInvalidOrder = errors.New("invalid order")
	ErrTxClosed     = errors.New("transaction already closed")
)

// CheckPrice returns ErrInvalidOrder unless p is positive, at most MaxPrice
// and carries no more than PriceScale decimal places.
func CheckPrice(p decimal.Decimal) error {
	if !p.IsPositive() || p.GreaterThan(MaxPrice) {
		return fmt.Errorf("%w: price %s", ErrInvalidOrder, p)
	}
	if !p.Equal(p.Truncate(PriceScale)) {
		return fmt.Errorf("%w: price %s has more than %d decimals", ErrInvalidOrder, p, PriceScale)
	}
	return nil
}

// Side of an order
type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// ParseSide accepts "buy"/"bid" and "sell"/"ask" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "bid":
		return Buy, nil
	case "sell", "ask":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", v)
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// OrderInfo is a live order as persisted in the store.
type OrderInfo struct {
	OrderID    int64           `json:"orderId"`
	Side       Side            `json:"side"`
	ListingID  uuid.UUID       `json:"listingId"`
	CategoryID uint32          `json:"categoryId"`
	Issuer     uuid.UUID       `json:"issuer"`
	Price      decimal.Decimal `json:"price"`
	Currency   uuid.UUID       `json:"currency"`
	Stock      int64           `json:"stock"`
	Timestamp  int64           `json:"timestamp"` // unix nanos
	Temporary  bool            `json:"temporary"`
}

// NewOrder describes an order to insert. The issuer and id are supplied by
// AddOrder.
type NewOrder struct {
	ListingID  uuid.UUID
	CategoryID uint32
	Side       Side
	Price      decimal.Decimal
	Currency   uuid.UUID
	Stock      int64
	Temporary  bool
}

// OrderIssuer is the principal that owns an order. The store hands it the
// assigned id while committing and takes the id back if the commit fails.
type OrderIssuer interface {
	ID() uuid.UUID
	AddOrderID(side Side, orderID int64)
	RemoveOrderID(side Side, orderID int64)
}

// TradeInfo joins the best matchable buy and sell order for the broker.
type TradeInfo struct {
	BuyID      int64           `json:"buyId"`
	SellID     int64           `json:"sellId"`
	ListingID  uuid.UUID       `json:"listingId"`
	CategoryID uint32          `json:"categoryId"`
	Buyer      uuid.UUID       `json:"buyer"`
	Seller     uuid.UUID       `json:"seller"`
	Ask        decimal.Decimal `json:"ask"`
	Bid        decimal.Decimal `json:"bid"`
	Currency   uuid.UUID       `json:"currency"`
	Stock      int64           `json:"stock"`  // remaining on the sell order
	Amount     int64           `json:"amount"` // remaining on the buy order

	askTime int64
	bidTime int64
}

// TradeLog is one settled trade. Ask is the seller's price, which is what the
// buyer paid.
type TradeLog struct {
	ListingID  uuid.UUID       `json:"listingId"`
	CategoryID uint32          `json:"categoryId"`
	Seller     uuid.UUID       `json:"seller"`
	Buyer      uuid.UUID       `json:"buyer"`
	Ask        decimal.Decimal `json:"ask"`
	Currency   uuid.UUID       `json:"currency"`
	Amount     int64           `json:"amount"`
	Timestamp  int64           `json:"timestamp"`
}

// PricePoint is a traded price with its volume and time.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Amount    int64           `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

// PriceLevel aggregates the stock resting at one price.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Stock int64           `json:"stock"`
}
