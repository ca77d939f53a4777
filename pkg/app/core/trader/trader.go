// Package trader keeps the human market participants. Traders are bank users
// identified by uuid; their order ids live in memory and are rebuilt from the
// order store on startup.
package trader

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
)

// maxNotices bounds the settlement notices a trader keeps.
const maxNotices = 32

// Notice is one settlement outcome reported to a trader.
type Notice struct {
	Side      orderbook.Side      `json:"side"`
	Result    bank.TradeResult    `json:"result"`
	Trade     orderbook.TradeInfo `json:"trade"`
	Timestamp time.Time           `json:"timestamp"`
}

// Trader is a human principal.
type Trader struct {
	id      uuid.UUID
	name    string
	created time.Time

	orders *bank.OrderSet
	log    *zap.SugaredLogger

	mu      sync.Mutex
	notices []Notice
}

func newTrader(id uuid.UUID, name string, created time.Time, log *zap.SugaredLogger) *Trader {
	return &Trader{
		id:      id,
		name:    name,
		created: created,
		orders:  bank.NewOrderSet(),
		log:     log,
	}
}

func (t *Trader) ID() uuid.UUID          { return t.id }
func (t *Trader) Name() string           { return t.name }
func (t *Trader) Created() time.Time     { return t.created }
func (t *Trader) Orders() *bank.OrderSet { return t.orders }

func (t *Trader) AddOrderID(side orderbook.Side, orderID int64) { t.orders.Add(side, orderID) }

func (t *Trader) HasOrderID(side orderbook.Side, orderID int64) bool {
	return t.orders.Has(side, orderID)
}

func (t *Trader) RemoveOrderID(side orderbook.Side, orderID int64) { t.orders.Remove(side, orderID) }

func (t *Trader) SaveState() any { return t.orders.Snapshot() }

func (t *Trader) RestoreState(state any) {
	if snap, ok := state.(map[orderbook.Side][]int64); ok {
		t.orders.Restore(snap)
	}
}

// HandleTransactionResult records the outcome; nothing else reacts to it.
func (t *Trader) HandleTransactionResult(info orderbook.TradeInfo, side orderbook.Side, result bank.TradeResult) {
	t.log.Infow("trader_settlement",
		"trader", t.name,
		"side", side,
		"result", result,
		"buy_id", info.BuyID,
		"sell_id", info.SellID,
	)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.notices = append(t.notices, Notice{Side: side, Result: result, Trade: info, Timestamp: time.Now()})
	if over := len(t.notices) - maxNotices; over > 0 {
		t.notices = append([]Notice(nil), t.notices[over:]...)
	}
}

// Notices returns the most recent settlement outcomes, oldest first.
func (t *Trader) Notices() []Notice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Notice(nil), t.notices...)
}
