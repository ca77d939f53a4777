// Package bank is the ledger: per-user accounts in a central bank's currency
// and bank-held asset inventories.
package bank

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/util"
)

var bankNamespace = uuid.MustParse("0b1d1c57-3f52-4a0b-8f8e-d2c4e1b0a9f3")

// Account is one balance of a user at a bank.
type Account struct {
	Type    AccountType     `json:"type"`
	Balance decimal.Decimal `json:"balance"`
}

type holder struct {
	accounts  map[AccountType]*Account
	inventory map[string]asset.Asset // signature key -> holding
}

func newHolder() *holder {
	return &holder{
		accounts:  make(map[AccountType]*Account),
		inventory: make(map[string]asset.Asset),
	}
}

// CentralBank owns a currency and keeps the accounts and inventories of its
// users. Every method is safe for concurrent use; Exclusive additionally
// serializes multi-step operations such as trade settlement.
type CentralBank struct {
	ID   uuid.UUID
	Name string

	base *Currency
	log  *zap.SugaredLogger

	settleMu sync.Mutex

	mu      sync.RWMutex
	holders map[uuid.UUID]*holder
	ledger  *LedgerStore
}

// NewCentralBank creates a bank issuing currencyCode. Ids derive from the
// name and code so they survive restarts.
func NewCentralBank(name, currencyCode string, log *zap.SugaredLogger) *CentralBank {
	b := &CentralBank{
		ID:      uuid.NewSHA1(bankNamespace, []byte(name)),
		Name:    name,
		log:     util.OrNop(log),
		holders: make(map[uuid.UUID]*holder),
	}
	code := strings.ToUpper(currencyCode)
	b.base = &Currency{ID: CurrencyID(code), Code: code, bank: b}
	return b
}

// BaseCurrency returns the currency this bank issues.
func (b *CentralBank) BaseCurrency() *Currency { return b.base }

// Exclusive runs fn while holding the bank's settlement lock.
func (b *CentralBank) Exclusive(fn func()) {
	b.settleMu.Lock()
	defer b.settleMu.Unlock()
	fn()
}

func (b *CentralBank) holderLocked(user uuid.UUID) *holder {
	h, ok := b.holders[user]
	if !ok {
		h = newHolder()
		b.holders[user] = h
	}
	return h
}

// HasAccount reports whether user has an account of type t.
func (b *CentralBank) HasAccount(user uuid.UUID, t AccountType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.holders[user]
	if !ok {
		return false
	}
	_, ok = h.accounts[t]
	return ok
}

// PutAccount opens an account of type t. Returns false if it already existed.
func (b *CentralBank) PutAccount(user uuid.UUID, t AccountType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.holderLocked(user)
	if _, ok := h.accounts[t]; ok {
		return false
	}
	h.accounts[t] = &Account{Type: t, Balance: decimal.Zero}
	return true
}

// Balance returns the balance of an account.
func (b *CentralBank) Balance(user uuid.UUID, t AccountType) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.holders[user]
	if !ok {
		return decimal.Zero, false
	}
	acc, ok := h.accounts[t]
	if !ok {
		return decimal.Zero, false
	}
	return acc.Balance, true
}

// DepositAccount credits value to an account. Returns false if the currency
// is not issued by this bank, the account doesn't exist or value is not
// positive.
func (b *CentralBank) DepositAccount(user uuid.UUID, t AccountType, value decimal.Decimal, cur *Currency) bool {
	if cur == nil || cur.bank != b || !value.IsPositive() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.accountLocked(user, t)
	if acc == nil {
		return false
	}
	acc.Balance = acc.Balance.Add(value)
	return true
}

// WithdrawAccount debits value from an account. Returns false on
// insufficient funds or the same conditions as DepositAccount.
func (b *CentralBank) WithdrawAccount(user uuid.UUID, t AccountType, value decimal.Decimal, cur *Currency) bool {
	if cur == nil || cur.bank != b || !value.IsPositive() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.accountLocked(user, t)
	if acc == nil || acc.Balance.LessThan(value) {
		return false
	}
	acc.Balance = acc.Balance.Sub(value)
	return true
}

func (b *CentralBank) accountLocked(user uuid.UUID, t AccountType) *Account {
	h, ok := b.holders[user]
	if !ok {
		return nil
	}
	return h.accounts[t]
}

// AddAccountAsset deposits an asset into the user's bank-held inventory.
func (b *CentralBank) AddAccountAsset(user uuid.UUID, a asset.Asset) {
	if a.Signature == nil || !a.Quantity.IsPositive() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.holderLocked(user)
	key := a.Signature.Key()
	held, ok := h.inventory[key]
	if !ok {
		h.inventory[key] = a
		return
	}
	held.Quantity = held.Quantity.Add(a.Quantity)
	h.inventory[key] = held
}

// RemoveAccountAsset removes up to amount of sig from the user's inventory
// and returns what was removed. The result is empty when nothing is held.
func (b *CentralBank) RemoveAccountAsset(user uuid.UUID, sig asset.Signature, amount decimal.Decimal) []asset.Asset {
	if sig == nil || !amount.IsPositive() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.holders[user]
	if !ok {
		return nil
	}
	key := sig.Key()
	held, ok := h.inventory[key]
	if !ok || !held.Quantity.IsPositive() {
		return nil
	}

	take := decimal.Min(held.Quantity, amount)
	held.Quantity = held.Quantity.Sub(take)
	if held.Quantity.IsZero() {
		delete(h.inventory, key)
	} else {
		h.inventory[key] = held
	}
	return []asset.Asset{held.Signature.Asset(take)}
}

// CountAccountAsset returns how much of sig the user holds.
func (b *CentralBank) CountAccountAsset(user uuid.UUID, sig asset.Signature) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.holders[user]
	if !ok {
		return decimal.Zero
	}
	held, ok := h.inventory[sig.Key()]
	if !ok {
		return decimal.Zero
	}
	return held.Quantity
}

// Inventory lists the user's holdings sorted by signature key.
func (b *CentralBank) Inventory(user uuid.UUID) []asset.Asset {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.holders[user]
	if !ok {
		return nil
	}
	out := make([]asset.Asset, 0, len(h.inventory))
	for _, a := range h.inventory {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature.Key() < out[j].Signature.Key() })
	return out
}

// State is a value copy of the accounts and inventories of some holders.
type State struct {
	users   []uuid.UUID // nil covers every holder
	holders map[uuid.UUID]*holder
}

// SaveState snapshots the accounts and inventories of users, or of every
// holder when no user is given.
func (b *CentralBank) SaveState(users ...uuid.UUID) State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(users) == 0 {
		return State{holders: copyHolders(b.holders)}
	}
	src := make(map[uuid.UUID]*holder, len(users))
	for _, u := range users {
		if h, ok := b.holders[u]; ok {
			src[u] = h
		}
	}
	return State{users: append([]uuid.UUID(nil), users...), holders: copyHolders(src)}
}

// RestoreState puts the snapshotted holders back. Holders the snapshot does
// not cover keep their current state. The snapshot stays reusable.
func (b *CentralBank) RestoreState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	restored := copyHolders(s.holders)
	if s.users == nil {
		b.holders = restored
		return
	}
	for _, u := range s.users {
		if h, ok := restored[u]; ok {
			b.holders[u] = h
		} else {
			delete(b.holders, u)
		}
	}
}

func copyHolders(src map[uuid.UUID]*holder) map[uuid.UUID]*holder {
	dst := make(map[uuid.UUID]*holder, len(src))
	for id, h := range src {
		c := newHolder()
		for t, acc := range h.accounts {
			copied := *acc
			c.accounts[t] = &copied
		}
		for k, a := range h.inventory {
			c.inventory[k] = a
		}
		dst[id] = c
	}
	return dst
}
