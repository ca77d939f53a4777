package simulation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
	"github.com/wysohn/RealEconomy/pkg/app/trade"
	"github.com/wysohn/RealEconomy/pkg/util"
)

// OrderPlacer submits agent orders. Implemented by trade.Mediator.
type OrderPlacer interface {
	PlaceBid(req trade.PlaceBidRequest) (bool, error)
	SellAsset(req trade.SellRequest) (bool, error)
	CancelOrder(req trade.CancelRequest) (bool, error)
}

type SimulatorConfig struct {
	Agents *Manager
	Placer OrderPlacer
	Bank   *bank.CentralBank
	// Funding deposits the base currency an agent lacks to cover its bids.
	Funding bool
	Clock   util.Clock
	Logger  *zap.SugaredLogger
}

// Simulator runs the agents' rounds.
type Simulator struct {
	agents  *Manager
	placer  OrderPlacer
	bank    *bank.CentralBank
	funding bool
	clock   util.Clock
	log     *zap.SugaredLogger
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	return &Simulator{
		agents:  cfg.Agents,
		placer:  cfg.Placer,
		bank:    cfg.Bank,
		funding: cfg.Funding,
		clock:   cfg.Clock,
		log:     util.OrNop(cfg.Logger),
	}
}

// Run calls Iterate every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	s.log.Infow("simulator_started", "interval", interval, "agents", len(s.agents.Agents()))
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("simulator_stopped")
			return nil
		case <-s.clock.After(interval):
		}
		s.Iterate()
	}
}

// Iterate runs one tick for every agent: withdraw last tick's orders, bid
// for missing inputs, produce, then offer the surplus.
func (s *Simulator) Iterate() {
	produced := 0
	agents := s.agents.Agents()
	for _, a := range agents {
		s.cancelPrevious(a)
		s.bidRound(a)
		if a.Produce(s.bank) {
			produced++
		}
		s.askRound(a)
	}
	s.log.Infow("simulation_tick", "agents", len(agents), "produced", produced)
}

func (s *Simulator) cancelPrevious(a *Agent) {
	for _, side := range []orderbook.Side{orderbook.Buy, orderbook.Sell} {
		for _, id := range a.orders.List(side) {
			if _, err := s.placer.CancelOrder(trade.CancelRequest{Issuer: a, Side: side, OrderID: id}); err != nil {
				s.log.Warnw("agent_cancel_failed", "agent", a.name, "side", side, "order_id", id, "err", err)
			}
		}
	}
}

type bid struct {
	sig   asset.Signature
	qty   int64
	price decimal.Decimal
}

func (s *Simulator) bidRound(a *Agent) {
	cur := s.bank.BaseCurrency()

	var (
		bids  []bid
		total = decimal.Zero
	)
	for _, need := range a.needed {
		held := s.bank.CountAccountAsset(a.id, need.Signature)
		if !held.LessThan(need.Amount) {
			continue
		}
		qty := need.Amount.Sub(held).Ceil().IntPart()
		price := a.uptick(need.Signature.Key())
		bids = append(bids, bid{sig: need.Signature, qty: qty, price: price})
		total = total.Add(price.Mul(decimal.NewFromInt(qty)))
	}
	if len(bids) == 0 {
		return
	}

	if s.funding {
		err := s.bank.Apply(func() {
			bal, _ := s.bank.Balance(a.id, bank.Trading)
			if short := total.Sub(bal); short.IsPositive() {
				s.bank.DepositAccount(a.id, bank.Trading, short, cur)
			}
		}, a.id)
		if err != nil {
			s.log.Errorw("agent_funding_not_persisted", "agent", a.name, "err", err)
		}
	}

	for _, b := range bids {
		ok, err := s.placer.PlaceBid(trade.PlaceBidRequest{
			Issuer:    a,
			Signature: b.sig,
			Price:     b.price,
			Currency:  cur,
			Amount:    b.qty,
			Temporary: true,
		})
		if err != nil || !ok {
			s.log.Warnw("agent_bid_failed", "agent", a.name, "signature", b.sig.Key(), "ok", ok, "err", err)
			continue
		}
		s.log.Debugw("agent_bid", "agent", a.name, "signature", b.sig.Key(), "qty", b.qty, "price", b.price)
	}
}

func (s *Simulator) askRound(a *Agent) {
	cur := s.bank.BaseCurrency()
	for _, out := range a.production {
		key := out.Signature.Key()
		surplus := s.bank.CountAccountAsset(a.id, out.Signature)
		for _, need := range a.needed {
			if need.Signature.Key() == key {
				surplus = surplus.Sub(need.Amount)
			}
		}

		qty := surplus.Floor().IntPart()
		a.mu.Lock()
		wasListed := a.listed[key]
		a.listed[key] = qty > 0
		a.mu.Unlock()
		if qty <= 0 {
			continue
		}

		// still holding what was offered last tick
		price := a.CurrentPricing(out.Signature)
		if wasListed {
			price = a.downtick(key)
		}

		ok, err := s.placer.SellAsset(trade.SellRequest{
			Issuer:    a,
			Signature: out.Signature,
			Price:     price,
			Currency:  cur,
			Amount:    qty,
			Temporary: true,
		})
		if err != nil || !ok {
			s.log.Warnw("agent_ask_failed", "agent", a.name, "signature", key, "ok", ok, "err", err)
		}
	}
}
