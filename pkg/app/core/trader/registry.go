package trader

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
	"github.com/wysohn/RealEconomy/pkg/storage"
	"github.com/wysohn/RealEconomy/pkg/util"
)

var (
	ErrNameTaken   = errors.New("trader name already registered")
	ErrInvalidName = errors.New("invalid trader name")
)

// Pebble key schema
//
//	usr:{uuid} -> record
const prefixTrader = "usr:"

type record struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

func traderKey(id uuid.UUID) []byte {
	return storage.Key([]byte(prefixTrader), id[:])
}

// OrderLookup lists the live orders of an issuer.
type OrderLookup interface {
	OrdersByIssuer(issuer uuid.UUID, side orderbook.Side) ([]orderbook.OrderInfo, error)
}

// Registry holds every trader in memory, backed by pebble.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Trader
	byName map[string]*Trader

	db    *pebble.DB
	bank  *bank.CentralBank
	clock util.Clock
	log   *zap.SugaredLogger
}

// NewRegistry loads the persisted traders and rebuilds their order id sets
// from orders.
func NewRegistry(db *pebble.DB, cb *bank.CentralBank, orders OrderLookup, clock util.Clock, log *zap.SugaredLogger) (*Registry, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	r := &Registry{
		byID:   make(map[uuid.UUID]*Trader),
		byName: make(map[string]*Trader),
		db:     db,
		bank:   cb,
		clock:  clock,
		log:    util.OrNop(log),
	}

	var loadErr error
	err := storage.ScanPrefix(db, []byte(prefixTrader), func(_, v []byte) bool {
		var rec record
		if err := storage.DecodeJSON(v, &rec); err != nil {
			loadErr = fmt.Errorf("decode trader: %w", err)
			return false
		}
		t := newTrader(rec.ID, rec.Name, rec.Created, r.log)
		r.byID[rec.ID] = t
		r.byName[strings.ToLower(rec.Name)] = t
		return true
	})
	if err == nil {
		err = loadErr
	}
	if err != nil {
		return nil, fmt.Errorf("load traders: %w", err)
	}

	for _, t := range r.byID {
		if err := cb.Apply(func() { cb.PutAccount(t.id, bank.Trading) }, t.id); err != nil {
			return nil, fmt.Errorf("account of %s: %w", t.name, err)
		}
		if orders == nil {
			continue
		}
		for _, side := range []orderbook.Side{orderbook.Buy, orderbook.Sell} {
			live, err := orders.OrdersByIssuer(t.id, side)
			if err != nil {
				return nil, fmt.Errorf("orders of %s: %w", t.name, err)
			}
			for _, o := range live {
				t.AddOrderID(side, o.OrderID)
			}
		}
	}

	r.log.Infow("traders_loaded", "count", len(r.byID))
	return r, nil
}

// Register creates a trader and opens its TRADING account.
func (r *Registry) Register(name string) (*Trader, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 64 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[strings.ToLower(name)]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	t := newTrader(uuid.New(), name, r.clock.Now().UTC(), r.log)
	rec := record{ID: t.id, Name: t.name, Created: t.created}
	if err := storage.SetJSON(r.db, traderKey(t.id), rec, pebble.Sync); err != nil {
		return nil, fmt.Errorf("save trader: %w", err)
	}
	if err := r.bank.Apply(func() { r.bank.PutAccount(t.id, bank.Trading) }, t.id); err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}

	r.byID[t.id] = t
	r.byName[strings.ToLower(name)] = t
	r.log.Infow("trader_registered", "trader", name, "id", t.id)
	return t, nil
}

// Get returns the trader with id, if any.
func (r *Registry) Get(id uuid.UUID) (*Trader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// ByName looks a trader up case-insensitively.
func (r *Registry) ByName(name string) (*Trader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// FindUser implements bank.UserProvider.
func (r *Registry) FindUser(id uuid.UUID) bank.User {
	if t, ok := r.Get(id); ok {
		return t
	}
	return nil
}

// List returns every trader sorted by name.
func (r *Registry) List() []*Trader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Trader, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
