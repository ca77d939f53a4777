package bank

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var currencyNamespace = uuid.MustParse("6f0c3f8e-6a4c-4c1e-9a51-2f1d2b9e7c10")

// CurrencyID derives the stable id of a currency code.
func CurrencyID(code string) uuid.UUID {
	return uuid.NewSHA1(currencyNamespace, []byte(strings.ToUpper(code)))
}

// Currency is issued by exactly one central bank. Only accounts at that bank
// can hold or trade it.
type Currency struct {
	ID   uuid.UUID
	Code string
	bank *CentralBank
}

// OwnerBank returns the issuing bank.
func (c *Currency) OwnerBank() *CentralBank { return c.bank }

func (c *Currency) String() string { return c.Code }

// Currencies resolves currency ids.
type Currencies struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Currency
	byCode map[string]*Currency
}

func NewCurrencies() *Currencies {
	return &Currencies{
		byID:   make(map[uuid.UUID]*Currency),
		byCode: make(map[string]*Currency),
	}
}

// Register adds the base currency of bank.
func (c *Currencies) Register(bank *CentralBank) {
	cur := bank.BaseCurrency()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[cur.ID] = cur
	c.byCode[cur.Code] = cur
}

func (c *Currencies) Get(id uuid.UUID) (*Currency, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur, ok := c.byID[id]
	return cur, ok
}

func (c *Currencies) ByCode(code string) (*Currency, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur, ok := c.byCode[strings.ToUpper(code)]
	return cur, ok
}

// List returns every currency sorted by code.
func (c *Currencies) List() []*Currency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Currency, 0, len(c.byID))
	for _, cur := range c.byID {
		out = append(out, cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
