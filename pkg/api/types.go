package api

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// ListingInfo describes a tradable asset class
type ListingInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Signature  string `json:"signature"` // signature key, e.g. "item:WHEAT"
	Kind       string `json:"kind"`
	CategoryID uint32 `json:"categoryId"`
	Category   string `json:"category"`
}

// PricePoint is a traded price
type PricePoint struct {
	Price     string `json:"price"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// PriceSummary aggregates a listing's trades over a window plus the
// current top of book
type PriceSummary struct {
	Listing    string      `json:"listing"`
	Currency   string      `json:"currency"`
	Days       int         `json:"days"`
	Last       *PricePoint `json:"last,omitempty"`
	Average    string      `json:"average,omitempty"`
	High       *PricePoint `json:"high,omitempty"`
	Low        *PricePoint `json:"low,omitempty"`
	LowestAsk  *OrderInfo  `json:"lowestAsk,omitempty"`
	HighestBid *OrderInfo  `json:"highestBid,omitempty"`
}

// DepthSnapshot is the aggregated book of one listing
type DepthSnapshot struct {
	Listing   string       `json:"listing"`
	Currency  string       `json:"currency"`
	Bids      []PriceLevel `json:"bids"` // Sorted high to low
	Asks      []PriceLevel `json:"asks"` // Sorted low to high
	Timestamp int64        `json:"timestamp"`
}

// PriceLevel represents a [price, stock] tuple
type PriceLevel struct {
	Price string `json:"price"`
	Stock int64  `json:"stock"`
}

// OrderInfo represents a live order
type OrderInfo struct {
	ID        int64  `json:"id"`
	Side      string `json:"side"` // "BUY" or "SELL"
	Listing   string `json:"listing"`
	Category  uint32 `json:"categoryId"`
	Issuer    string `json:"issuer"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	Stock     int64  `json:"stock"`
	Temporary bool   `json:"temporary"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// OrderPage is one page of listed orders
type OrderPage struct {
	Total  int         `json:"total"`
	Offset int         `json:"offset"`
	Orders []OrderInfo `json:"orders"`
}

// HoldingInfo is one bank-held asset
type HoldingInfo struct {
	Signature string `json:"signature"`
	Quantity  string `json:"quantity"`
}

// NoticeInfo is a settlement outcome reported to a trader
type NoticeInfo struct {
	Side      string `json:"side"`
	Result    string `json:"result"`
	BuyID     int64  `json:"buyId"`
	SellID    int64  `json:"sellId"`
	Timestamp int64  `json:"timestamp"`
}

// TraderInfo represents a trader with its balance, inventory and orders
type TraderInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Balance   string        `json:"balance"`
	Currency  string        `json:"currency"`
	Inventory []HoldingInfo `json:"inventory"`
	BuyOrders []int64       `json:"buyOrders"`
	Sells     []int64       `json:"sellOrders"`
	Notices   []NoticeInfo  `json:"notices"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades", "trades:{listingId}"]
}

// TradeUpdate is broadcast when the broker settles a match
type TradeUpdate struct {
	Type      string `json:"type"` // "trade"
	Listing   string `json:"listing"`
	Signature string `json:"signature"`
	Result    string `json:"result"`
	Price     string `json:"price"`
	Amount    int64  `json:"amount"`
	Pay       string `json:"pay"`
	Currency  string `json:"currency"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Timestamp int64  `json:"timestamp"`
}

// ==============================
// REST Request Types
// ==============================

// RegisterTraderRequest is the payload for POST /api/v1/traders
type RegisterTraderRequest struct {
	Name string `json:"name" validate:"required,max=64"`
}

// DepositRequest is the payload for POST /api/v1/traders/{id}/deposit
type DepositRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

// SellOrderRequest is the payload for POST /api/v1/orders/sell
type SellOrderRequest struct {
	Trader    string `json:"trader" validate:"required,uuid"`
	Kind      string `json:"kind" validate:"omitempty,oneof=item labour"`
	Material  string `json:"material" validate:"required_without=Trade"`
	Trade     string `json:"trade"`
	Price     string `json:"price" validate:"required,numeric"`
	Currency  string `json:"currency"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Temporary bool   `json:"temporary"`
}

// BidOrderRequest is the payload for POST /api/v1/orders/bid
type BidOrderRequest struct {
	Trader      string `json:"trader" validate:"required,uuid"`
	SellOrderID int64  `json:"sellOrderId" validate:"gt=0"`
	Price       string `json:"price" validate:"required,numeric"`
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount" validate:"gt=0"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel
type CancelOrderRequest struct {
	Trader  string `json:"trader" validate:"required,uuid"`
	Side    string `json:"side" validate:"required"`
	OrderID int64  `json:"orderId" validate:"gt=0"`
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status  string `json:"status"`            // "queued", "rejected"
	Message string `json:"message,omitempty"` // Reason if rejected
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
