// Package economy assembles the market: storage, listings, the order store,
// the central bank, traders, agents, the mediator, the broker and the
// simulator.
package economy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wysohn/RealEconomy/params"
	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/listing"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
	"github.com/wysohn/RealEconomy/pkg/app/core/trader"
	"github.com/wysohn/RealEconomy/pkg/app/simulation"
	"github.com/wysohn/RealEconomy/pkg/app/trade"
	"github.com/wysohn/RealEconomy/pkg/storage"
	"github.com/wysohn/RealEconomy/pkg/util"
)

var ErrNotStarted = errors.New("economy not started")

type App struct {
	cfg   params.Config
	log   *zap.SugaredLogger
	clock util.Clock

	db      *pebble.DB
	ownsDB  bool
	journal storage.Journal

	Orders     *orderbook.Store
	Listings   *listing.Registry
	Bank       *bank.CentralBank
	Currencies *bank.Currencies
	Traders    *trader.Registry
	Agents     *simulation.Manager
	Mediator   *trade.Mediator
	Broker     *trade.Broker
	Simulator  *simulation.Simulator

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

// New opens the database under cfg.Storage.DataDir and builds the app.
func New(cfg params.Config, log *zap.SugaredLogger) (*App, error) {
	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	app, err := NewWithDB(cfg, db, util.RealClock{}, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	app.ownsDB = true
	return app, nil
}

// NewWithDB builds the app on an already opened database. The caller keeps
// ownership of db.
func NewWithDB(cfg params.Config, db *pebble.DB, clock util.Clock, log *zap.SugaredLogger) (*App, error) {
	log = util.OrNop(log)
	a := &App{cfg: cfg, log: log, clock: clock, db: db}

	a.Orders = orderbook.NewStore(db, clock, log.Named("orders"))
	listings, err := listing.NewRegistry(db, a.Orders, log.Named("listings"))
	if err != nil {
		return nil, fmt.Errorf("listing registry: %w", err)
	}
	a.Listings = listings

	a.Bank = bank.NewCentralBank(cfg.Market.BankName, cfg.Market.BaseCurrency, log.Named("bank"))
	if err := a.Bank.Attach(bank.NewLedgerStore(db)); err != nil {
		return nil, err
	}
	a.Currencies = bank.NewCurrencies()
	a.Currencies.Register(a.Bank)

	traders, err := trader.NewRegistry(db, a.Bank, a.Orders, clock, log.Named("traders"))
	if err != nil {
		return nil, fmt.Errorf("trader registry: %w", err)
	}
	a.Traders = traders

	a.journal = storage.NewNopJournal()
	if cfg.Storage.JournalFile != "" {
		j, err := storage.NewFileJournal(cfg.Storage.JournalFile)
		if err != nil {
			return nil, err
		}
		a.journal = j
	}
	a.Mediator = trade.NewMediator(a.Orders, a.Listings, a.journal, log.Named("mediator"))

	rules := simulation.DefaultPricing()
	if cfg.Simulator.InitialPrice.IsPositive() {
		rules.Initial = cfg.Simulator.InitialPrice
	}
	if cfg.Simulator.PriceStep.IsPositive() {
		rules.Step = cfg.Simulator.PriceStep
	}
	a.Agents = simulation.NewManager(cfg.Simulator.AgentsFile, a.Listings, a.Bank, rules, log.Named("agents"))
	a.Agents.RegisterReloadObserver(a)

	a.Broker = trade.NewBroker(trade.BrokerConfig{
		Orders:     a.Orders,
		Listings:   a.Listings,
		Currencies: a.Currencies,
		Interval:   cfg.Market.BrokerInterval,
		Clock:      clock,
		Logger:     log.Named("broker"),
	})
	a.Broker.RegisterUserProvider(a.Traders)
	a.Broker.RegisterUserProvider(a.Agents)

	a.Simulator = simulation.NewSimulator(simulation.SimulatorConfig{
		Agents:  a.Agents,
		Placer:  a.Mediator,
		Bank:    a.Bank,
		Funding: cfg.Simulator.Funding,
		Clock:   clock,
		Logger:  log.Named("simulator"),
	})
	return a, nil
}

// Start purges temporary orders left by a previous run, loads the agents
// and launches the broker and, if enabled, the simulator.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.group != nil {
		return errors.New("economy already started")
	}

	if err := a.purgeTemporary(); err != nil {
		return err
	}
	if err := a.Agents.Load(); err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	a.Mediator.SetDenied(a.Agents.Denied())

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.Broker.Run(gctx) })
	if a.cfg.Simulator.Enabled {
		g.Go(func() error { return a.Simulator.Run(gctx, a.cfg.Simulator.Interval) })
	}
	a.cancel = cancel
	a.group = g

	a.log.Infow("economy_started",
		"bank", a.Bank.Name,
		"currency", a.Bank.BaseCurrency().Code,
		"listings", a.Listings.Count(),
		"agents", len(a.Agents.Agents()),
		"simulator", a.cfg.Simulator.Enabled)
	return nil
}

// Wait blocks until the broker or the simulator stops and returns the
// first error.
func (a *App) Wait() error {
	a.mu.Lock()
	g := a.group
	a.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// Stop halts the periodic tasks, drains the mediator, purges temporary
// orders, saves the agents and checkpoints the bank. The database is closed
// if New opened it.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	var errs []error
	if a.cancel != nil {
		a.cancel()
		if err := a.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	graceCtx := ctx
	if a.cfg.Market.MediatorGrace > 0 {
		var cancel context.CancelFunc
		graceCtx, cancel = context.WithTimeout(ctx, a.cfg.Market.MediatorGrace)
		defer cancel()
	}
	if err := a.Mediator.Close(graceCtx); err != nil {
		errs = append(errs, fmt.Errorf("close mediator: %w", err))
	}

	if err := a.purgeTemporary(); err != nil {
		errs = append(errs, err)
	}
	if a.group != nil {
		if err := a.Agents.Save(); err != nil {
			errs = append(errs, fmt.Errorf("save agents: %w", err))
		}
	}
	if err := a.Bank.Checkpoint(); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint bank: %w", err))
	}
	if j, ok := a.journal.(*storage.FileJournal); ok {
		if err := j.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.ownsDB {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}

	a.log.Infow("economy_stopped", "stats", a.Broker.Stats())
	return errors.Join(errs...)
}

func (a *App) purgeTemporary() error {
	buys, err := a.Orders.ClearTemporaryBuyOrders()
	if err != nil {
		return fmt.Errorf("purge temporary buy orders: %w", err)
	}
	sells, err := a.Orders.ClearTemporarySellOrders()
	if err != nil {
		return fmt.Errorf("purge temporary sell orders: %w", err)
	}
	if buys+sells > 0 {
		a.log.Infow("temporary_orders_purged", "buy", buys, "sell", sells)
	}
	return nil
}

// BeforeAgentReload withdraws the orders of agents about to be replaced.
func (a *App) BeforeAgentReload(agents []*simulation.Agent) {
	for _, agent := range agents {
		for _, side := range []orderbook.Side{orderbook.Buy, orderbook.Sell} {
			for _, id := range agent.Orders().List(side) {
				if _, err := a.Mediator.CancelOrder(trade.CancelRequest{Issuer: agent, Side: side, OrderID: id}); err != nil {
					a.log.Warnw("agent_order_not_cancelled", "agent", agent.Name(), "order_id", id, "err", err)
				}
			}
		}
	}
}
