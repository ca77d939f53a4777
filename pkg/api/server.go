package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/params"
	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
	"github.com/wysohn/RealEconomy/pkg/app/core/trader"
	"github.com/wysohn/RealEconomy/pkg/app/economy"
	"github.com/wysohn/RealEconomy/pkg/app/trade"
	"github.com/wysohn/RealEconomy/pkg/util"
)

const maxPageSize = 100

// Server handles REST API and WebSocket connections
type Server struct {
	app      *economy.App
	cfg      params.API
	days     int
	router   *mux.Router
	hub      *Hub // WebSocket hub
	validate *validator.Validate
	log      *zap.SugaredLogger
	http     *http.Server
}

// NewServer creates a new API server and subscribes the WebSocket hub to
// the broker's settlements
func NewServer(app *economy.App, cfg params.API, priceWindowDays int, log *zap.SugaredLogger) *Server {
	log = util.OrNop(log)
	s := &Server{
		app:      app,
		cfg:      cfg,
		days:     priceWindowDays,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		validate: validator.New(),
		log:      log,
	}

	s.setupRoutes()
	app.Broker.OnSettled(s.BroadcastSettlement)
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/listings", s.handleGetListings).Methods("GET")
	api.HandleFunc("/listings/{id}", s.handleGetListing).Methods("GET")
	api.HandleFunc("/listings/{id}/prices", s.handleGetPrices).Methods("GET")
	api.HandleFunc("/listings/{id}/depth", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/categories", s.handleGetCategories).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/sell", s.handleSell).Methods("POST")
	api.HandleFunc("/orders/bid", s.handleBid).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/orders/{side}/{id:[0-9]+}", s.handleGetOrder).Methods("GET")

	// Traders
	api.HandleFunc("/traders", s.handleRegisterTrader).Methods("POST")
	api.HandleFunc("/traders/{id}", s.handleGetTrader).Methods("GET")
	if s.cfg.AllowDeposits {
		api.HandleFunc("/traders/{id}/deposit", s.handleDeposit).Methods("POST")
	}

	api.HandleFunc("/broker/stats", s.handleBrokerStats).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves until Shutdown is called
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_server_starting", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetListings(w http.ResponseWriter, r *http.Request) {
	names, err := s.app.Listings.CategoryNames()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "categories unavailable", err.Error())
		return
	}

	listings := s.app.Listings.List()
	response := make([]ListingInfo, len(listings))
	for i, l := range listings {
		response[i] = ListingInfo{
			ID:         l.ID.String(),
			Name:       l.Name,
			Signature:  l.Signature.Key(),
			Kind:       l.Signature.Kind(),
			CategoryID: l.CategoryID,
			Category:   names[l.CategoryID],
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := s.listingID(w, r)
	if !ok {
		return
	}
	l, _ := s.app.Listings.Get(id)
	names, err := s.app.Listings.CategoryNames()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "categories unavailable", err.Error())
		return
	}
	respondJSON(w, ListingInfo{
		ID:         l.ID.String(),
		Name:       l.Name,
		Signature:  l.Signature.Key(),
		Kind:       l.Signature.Kind(),
		CategoryID: l.CategoryID,
		Category:   names[l.CategoryID],
	})
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	id, ok := s.listingID(w, r)
	if !ok {
		return
	}
	cur, ok := s.currency(w, r.URL.Query().Get("currency"))
	if !ok {
		return
	}
	days := s.days
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid days", v)
			return
		}
		days = n
	}

	orders := s.app.Orders
	summary := PriceSummary{Listing: id.String(), Currency: cur.Code, Days: days}
	last, err := orders.LastTradingPrice(days, id, cur.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "price history unavailable", err.Error())
		return
	}
	summary.Last = toPricePoint(last)
	if avg, ok, err := orders.LastTradingAverage(days, id, cur.ID); err == nil && ok {
		summary.Average = avg.StringFixed(8)
	}
	if high, err := orders.HighestPoint(days, id, cur.ID); err == nil {
		summary.High = toPricePoint(high)
	}
	if low, err := orders.LowestPoint(days, id, cur.ID); err == nil {
		summary.Low = toPricePoint(low)
	}
	if ask, err := orders.LowestAsk(id, cur.ID); err == nil && ask != nil {
		o := toOrderInfo(*ask)
		summary.LowestAsk = &o
	}
	if bid, err := orders.HighestBid(id, cur.ID); err == nil && bid != nil {
		o := toOrderInfo(*bid)
		summary.HighestBid = &o
	}
	respondJSON(w, summary)
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	id, ok := s.listingID(w, r)
	if !ok {
		return
	}
	cur, ok := s.currency(w, r.URL.Query().Get("currency"))
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 20)

	bidLevels, askLevels, err := s.app.Orders.Depth(id, cur.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "depth unavailable", err.Error())
		return
	}
	respondJSON(w, DepthSnapshot{
		Listing:   id.String(),
		Currency:  cur.Code,
		Bids:      toLevels(bidLevels),
		Asks:      toLevels(askLevels),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetCategories(w http.ResponseWriter, r *http.Request) {
	names, err := s.app.Listings.CategoryNames()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "categories unavailable", err.Error())
		return
	}
	type category struct {
		ID   uint32 `json:"id"`
		Name string `json:"name"`
	}
	response := make([]category, 0, len(names))
	for id, name := range names {
		response = append(response, category{ID: id, Name: name})
	}
	sort.Slice(response, func(i, j int) bool { return response[i].ID < response[j].ID })
	respondJSON(w, response)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side := orderbook.Sell
	if v := q.Get("side"); v != "" {
		parsed, err := orderbook.ParseSide(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid side", v)
			return
		}
		side = parsed
	}
	var category *uint32
	if v := q.Get("category"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid category", v)
			return
		}
		c := uint32(n)
		category = &c
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 20)
	if limit > maxPageSize {
		limit = maxPageSize
	}

	provider := s.app.Orders.ListedOrders(side, category)
	total, err := provider.Size()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "orders unavailable", err.Error())
		return
	}
	orders, err := provider.Page(offset, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "orders unavailable", err.Error())
		return
	}
	page := OrderPage{Total: total, Offset: offset, Orders: make([]OrderInfo, len(orders))}
	for i, o := range orders {
		page.Orders[i] = toOrderInfo(o)
	}
	respondJSON(w, page)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	side, err := orderbook.ParseSide(vars["side"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", vars["side"])
		return
	}
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	info, err := s.app.Mediator.GetInfo(id, side)
	if errors.Is(err, orderbook.ErrNotFound) {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "order unavailable", err.Error())
		return
	}
	respondJSON(w, toOrderInfo(*info))
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var req SellOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	tr, ok := s.trader(w, req.Trader)
	if !ok {
		return
	}
	cur, ok := s.currency(w, req.Currency)
	if !ok {
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = asset.KindItem
	}
	sig, err := asset.Record{Kind: kind, Material: req.Material, Trade: req.Trade}.Decode()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature", err.Error())
		return
	}

	ok, err = s.app.Mediator.SellAsset(trade.SellRequest{
		Issuer:    tr,
		Signature: sig,
		Price:     decimal.RequireFromString(req.Price),
		Currency:  cur,
		Amount:    req.Amount,
		Temporary: req.Temporary,
	})
	s.respondSubmit(w, "sell", ok, err)
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	var req BidOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	tr, ok := s.trader(w, req.Trader)
	if !ok {
		return
	}
	cur, ok := s.currency(w, req.Currency)
	if !ok {
		return
	}

	ok, err := s.app.Mediator.BidAsset(trade.BidRequest{
		Issuer:      tr,
		SellOrderID: req.SellOrderID,
		Price:       decimal.RequireFromString(req.Price),
		Currency:    cur,
		Amount:      req.Amount,
	})
	s.respondSubmit(w, "bid", ok, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	tr, ok := s.trader(w, req.Trader)
	if !ok {
		return
	}
	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", req.Side)
		return
	}

	ok, err = s.app.Mediator.CancelOrder(trade.CancelRequest{Issuer: tr, Side: side, OrderID: req.OrderID})
	s.respondSubmit(w, "cancel", ok, err)
}

func (s *Server) handleRegisterTrader(w http.ResponseWriter, r *http.Request) {
	var req RegisterTraderRequest
	if !s.decode(w, r, &req) {
		return
	}
	tr, err := s.app.Traders.Register(req.Name)
	switch {
	case errors.Is(err, trader.ErrNameTaken):
		respondError(w, http.StatusConflict, "name taken", req.Name)
		return
	case errors.Is(err, trader.ErrInvalidName):
		respondError(w, http.StatusBadRequest, "invalid name", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "registration failed", err.Error())
		return
	}
	s.log.Infow("trader_registered", "trader", tr.ID(), "name", tr.Name())
	respondStatus(w, http.StatusCreated, s.traderInfo(tr))
}

func (s *Server) handleGetTrader(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.trader(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	respondJSON(w, s.traderInfo(tr))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.trader(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	var req DepositRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount := decimal.RequireFromString(req.Amount)
	if !amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	cb := s.app.Bank
	deposited := false
	err := cb.Apply(func() {
		deposited = cb.DepositAccount(tr.ID(), bank.Trading, amount, cb.BaseCurrency())
	}, tr.ID())
	if err != nil {
		s.log.Errorw("deposit_not_persisted", "trader", tr.ID(), "err", err)
		respondError(w, http.StatusInternalServerError, "deposit not persisted", "")
		return
	}
	if !deposited {
		respondError(w, http.StatusConflict, "deposit refused", "")
		return
	}
	s.log.Infow("trader_deposit", "trader", tr.ID(), "amount", amount)
	respondJSON(w, s.traderInfo(tr))
}

func (s *Server) handleBrokerStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.Broker.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from the broker)
// ==============================

// BroadcastSettlement publishes a processed match on "trades" and
// "trades:{listingId}"
func (s *Server) BroadcastSettlement(st trade.Settlement) {
	update := TradeUpdate{
		Type:      "trade",
		Listing:   st.Trade.ListingID.String(),
		Result:    st.Result.String(),
		Price:     st.Trade.Ask.String(),
		Amount:    st.Amount,
		Pay:       st.Pay.String(),
		Buyer:     st.Trade.Buyer.String(),
		Seller:    st.Trade.Seller.String(),
		Timestamp: st.Timestamp.UnixMilli(),
	}
	if st.Listing.Signature != nil {
		update.Signature = st.Listing.Signature.Key()
	}
	if st.Currency != nil {
		update.Currency = st.Currency.Code
	}

	s.hub.BroadcastToChannel("trades", update)
	s.hub.BroadcastToChannel("trades:"+update.Listing, update)
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return false
	}
	return true
}

func (s *Server) listingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid listing id", raw)
		return uuid.Nil, false
	}
	if _, ok := s.app.Listings.Get(id); !ok {
		respondError(w, http.StatusNotFound, "listing not found", raw)
		return uuid.Nil, false
	}
	return id, true
}

// currency resolves a currency code, defaulting to the central bank's
func (s *Server) currency(w http.ResponseWriter, code string) (*bank.Currency, bool) {
	if code == "" {
		return s.app.Bank.BaseCurrency(), true
	}
	cur, ok := s.app.Currencies.ByCode(code)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown currency", code)
		return nil, false
	}
	return cur, true
}

func (s *Server) trader(w http.ResponseWriter, raw string) (*trader.Trader, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trader id", raw)
		return nil, false
	}
	tr, ok := s.app.Traders.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "trader not found", raw)
		return nil, false
	}
	return tr, true
}

func (s *Server) traderInfo(tr *trader.Trader) TraderInfo {
	cb := s.app.Bank
	bal, _ := cb.Balance(tr.ID(), bank.Trading)
	info := TraderInfo{
		ID:        tr.ID().String(),
		Name:      tr.Name(),
		Balance:   bal.String(),
		Currency:  cb.BaseCurrency().Code,
		Inventory: []HoldingInfo{},
		BuyOrders: tr.Orders().List(orderbook.Buy),
		Sells:     tr.Orders().List(orderbook.Sell),
		Notices:   []NoticeInfo{},
	}
	for _, a := range cb.Inventory(tr.ID()) {
		info.Inventory = append(info.Inventory, HoldingInfo{Signature: a.Signature.Key(), Quantity: a.Quantity.String()})
	}
	for _, n := range tr.Notices() {
		info.Notices = append(info.Notices, NoticeInfo{
			Side:      n.Side.String(),
			Result:    n.Result.String(),
			BuyID:     n.Trade.BuyID,
			SellID:    n.Trade.SellID,
			Timestamp: n.Timestamp.UnixMilli(),
		})
	}
	return info
}

func (s *Server) respondSubmit(w http.ResponseWriter, op string, ok bool, err error) {
	switch {
	case errors.Is(err, orderbook.ErrInvalidOrder):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
	case errors.Is(err, trade.ErrDenied):
		respondError(w, http.StatusForbidden, "asset may not be traded", err.Error())
	case errors.Is(err, trade.ErrNotOwner), errors.Is(err, orderbook.ErrNotFound):
		respondError(w, http.StatusNotFound, "order not found", err.Error())
	case errors.Is(err, trade.ErrMediatorClosed):
		respondError(w, http.StatusServiceUnavailable, "market closed", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, op+" failed", err.Error())
	case !ok:
		respondStatus(w, http.StatusConflict, SubmitOrderResponse{Status: "rejected", Message: "no trading account"})
	default:
		respondStatus(w, http.StatusAccepted, SubmitOrderResponse{Status: "queued"})
	}
}

func toPricePoint(p *orderbook.PricePoint) *PricePoint {
	if p == nil {
		return nil
	}
	return &PricePoint{Price: p.Price.String(), Amount: p.Amount, Timestamp: p.Timestamp / int64(time.Millisecond)}
}

func toOrderInfo(o orderbook.OrderInfo) OrderInfo {
	return OrderInfo{
		ID:        o.OrderID,
		Side:      o.Side.String(),
		Listing:   o.ListingID.String(),
		Category:  o.CategoryID,
		Issuer:    o.Issuer.String(),
		Price:     o.Price.String(),
		Currency:  o.Currency.String(),
		Stock:     o.Stock,
		Temporary: o.Temporary,
		Timestamp: o.Timestamp / int64(time.Millisecond),
	}
}

func toLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price.String(), Stock: l.Stock}
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
