// Package simulation drives producer agents: each tick they bid for the
// inputs they lack, turn inputs into outputs and offer what they produced.
package simulation

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
)

// priceScale keeps agent prices within what the order store accepts.
const priceScale = orderbook.PriceScale

// Bundle is an amount of one signature per production cycle.
type Bundle struct {
	Signature asset.Signature
	Amount    decimal.Decimal
}

// Pricing controls how agents move their prices.
type Pricing struct {
	Initial decimal.Decimal
	Step    decimal.Decimal // multiplicative, 0.01 = 1%
	Floor   decimal.Decimal
}

// DefaultPricing starts at 1.00 and moves 1% per adjustment.
func DefaultPricing() Pricing {
	return Pricing{
		Initial: decimal.NewFromInt(1),
		Step:    decimal.New(1, -2),
		Floor:   decimal.New(1, -2),
	}
}

// Agent is a simulated producer. It is a bank user with an account at the
// central bank; its inventory lives there.
type Agent struct {
	id         uuid.UUID
	name       string
	needed     []Bundle
	production []Bundle

	orders *bank.OrderSet
	log    *zap.SugaredLogger

	mu       sync.Mutex
	rules    Pricing
	pricing  map[string]decimal.Decimal // signature key -> last price
	listings map[uuid.UUID]string       // listing id -> signature key
	listed   map[string]bool            // outputs offered in the previous ask round
}

// NewAgent creates an agent. An agent without inputs produces every cycle.
func NewAgent(id uuid.UUID, name string, needed, production []Bundle, rules Pricing, log *zap.SugaredLogger) *Agent {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Agent{
		id:         id,
		name:       name,
		needed:     needed,
		production: production,
		orders:     bank.NewOrderSet(),
		log:        log,
		rules:      rules,
		pricing:    make(map[string]decimal.Decimal),
		listings:   make(map[uuid.UUID]string),
		listed:     make(map[string]bool),
	}
}

func (a *Agent) ID() uuid.UUID          { return a.id }
func (a *Agent) Name() string           { return a.name }
func (a *Agent) Needed() []Bundle       { return a.needed }
func (a *Agent) Production() []Bundle   { return a.production }
func (a *Agent) Orders() *bank.OrderSet { return a.orders }

// CurrentPricing returns the price the agent last used for sig, or the
// initial price.
func (a *Agent) CurrentPricing(sig asset.Signature) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.priceLocked(sig.Key())
}

// SetPricing overrides the current price of sig.
func (a *Agent) SetPricing(sig asset.Signature, price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pricing[sig.Key()] = price.Round(priceScale)
}

func (a *Agent) priceLocked(key string) decimal.Decimal {
	if p, ok := a.pricing[key]; ok {
		return p
	}
	return a.rules.Initial.Round(priceScale)
}

func (a *Agent) uptick(key string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.priceLocked(key).Mul(decimal.NewFromInt(1).Add(a.rules.Step)).Round(priceScale)
	a.pricing[key] = p
	return p
}

func (a *Agent) downtick(key string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.priceLocked(key).DivRound(decimal.NewFromInt(1).Add(a.rules.Step), priceScale)
	if floor := a.rules.Floor.Round(priceScale); p.LessThan(floor) {
		p = floor
	}
	a.pricing[key] = p
	return p
}

func (a *Agent) pricingSnapshot() map[string]decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(a.pricing))
	for k, v := range a.pricing {
		out[k] = v
	}
	return out
}

func (a *Agent) bindListing(id uuid.UUID, sig asset.Signature) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listings[id] = sig.Key()
}

// CanProduce reports whether the agent holds every input at cb.
func (a *Agent) CanProduce(cb *bank.CentralBank) bool {
	for _, need := range a.needed {
		if cb.CountAccountAsset(a.id, need.Signature).LessThan(need.Amount) {
			return false
		}
	}
	return true
}

// Produce consumes one cycle of inputs and deposits one cycle of outputs,
// atomically with respect to settlement at cb. Returns false if inputs were
// missing.
func (a *Agent) Produce(cb *bank.CentralBank) bool {
	produced := false
	err := cb.Apply(func() {
		if !a.CanProduce(cb) {
			return
		}
		for _, need := range a.needed {
			cb.RemoveAccountAsset(a.id, need.Signature, need.Amount)
		}
		for _, out := range a.production {
			cb.AddAccountAsset(a.id, out.Signature.Asset(out.Amount))
		}
		produced = true
	}, a.id)
	if err != nil {
		a.log.Errorw("production_not_persisted", "agent", a.name, "err", err)
	}
	return produced
}

func (a *Agent) AddOrderID(side orderbook.Side, orderID int64) { a.orders.Add(side, orderID) }

func (a *Agent) HasOrderID(side orderbook.Side, orderID int64) bool {
	return a.orders.Has(side, orderID)
}

func (a *Agent) RemoveOrderID(side orderbook.Side, orderID int64) { a.orders.Remove(side, orderID) }

type agentState struct {
	orders  map[orderbook.Side][]int64
	pricing map[string]decimal.Decimal
}

func (a *Agent) SaveState() any {
	return agentState{orders: a.orders.Snapshot(), pricing: a.pricingSnapshot()}
}

func (a *Agent) RestoreState(state any) {
	s, ok := state.(agentState)
	if !ok {
		return
	}
	a.orders.Restore(s.orders)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pricing = make(map[string]decimal.Decimal, len(s.pricing))
	for k, v := range s.pricing {
		a.pricing[k] = v
	}
}

// HandleTransactionResult adapts the bid price of the traded signature: an
// unaffordable bid moves down, a seller that could not deliver moves it up.
func (a *Agent) HandleTransactionResult(info orderbook.TradeInfo, side orderbook.Side, result bank.TradeResult) {
	if side != orderbook.Buy {
		return
	}
	a.mu.Lock()
	key, ok := a.listings[info.ListingID]
	a.mu.Unlock()
	if !ok {
		return
	}

	switch result {
	case bank.ResultWithdrawRefused:
		p := a.downtick(key)
		a.log.Debugw("agent_downtick", "agent", a.name, "signature", key, "price", p)
	case bank.ResultInsufficientAssets:
		p := a.uptick(key)
		a.log.Debugw("agent_uptick", "agent", a.name, "signature", key, "price", p)
	}
}
