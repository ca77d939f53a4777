package bank

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/storage"
)

// Pebble key schema
//
//	bnk:{bankID}{userID} -> holderRecord (accounts and inventory of one user)
const prefixBank = "bnk:"

// LedgerStore persists bank holders to pebble.
type LedgerStore struct {
	db *pebble.DB
}

func NewLedgerStore(db *pebble.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

type holderRecord struct {
	User      uuid.UUID       `json:"user"`
	Accounts  []Account       `json:"accounts"`
	Inventory []holdingRecord `json:"inventory"`
}

type holdingRecord struct {
	Signature asset.Record    `json:"signature"`
	Quantity  decimal.Decimal `json:"quantity"`
}

func ledgerPrefix(bank uuid.UUID) []byte {
	return storage.Key([]byte(prefixBank), bank[:])
}

func holderKey(bank, user uuid.UUID) []byte {
	return storage.Key(ledgerPrefix(bank), user[:])
}

// Attach loads the bank's persisted holders (if any) and makes Persist,
// StageHolders and Checkpoint write to store.
func (b *CentralBank) Attach(store *LedgerStore) error {
	prefix := ledgerPrefix(b.ID)
	holders := make(map[uuid.UUID]*holder)
	var decodeErr error
	err := storage.ScanPrefix(store.db, prefix, func(key, value []byte) bool {
		if len(key) != len(prefix)+16 {
			return true
		}
		var hr holderRecord
		if err := storage.DecodeJSON(value, &hr); err != nil {
			decodeErr = fmt.Errorf("decode holder %x: %w", key[len(prefix):], err)
			return false
		}
		holders[hr.User] = b.holderFromRecord(hr)
		return true
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return fmt.Errorf("load ledger %s: %w", b.Name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(holders) > 0 {
		b.holders = holders
	}
	b.ledger = store
	b.log.Infow("ledger_attached", "bank", b.Name, "holders", len(holders))
	return nil
}

func (b *CentralBank) holderFromRecord(hr holderRecord) *holder {
	h := newHolder()
	for _, acc := range hr.Accounts {
		copied := acc
		h.accounts[acc.Type] = &copied
	}
	for _, item := range hr.Inventory {
		sig, err := item.Signature.Decode()
		if err != nil {
			b.log.Warnw("ledger_holding_skipped", "user", hr.User, "err", err)
			continue
		}
		h.inventory[sig.Key()] = sig.Asset(item.Quantity)
	}
	return h
}

func recordOf(user uuid.UUID, h *holder) holderRecord {
	hr := holderRecord{User: user}
	for _, acc := range h.accounts {
		hr.Accounts = append(hr.Accounts, *acc)
	}
	keys := make([]string, 0, len(h.inventory))
	for k := range h.inventory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a := h.inventory[k]
		hr.Inventory = append(hr.Inventory, holdingRecord{Signature: a.Signature.Record(), Quantity: a.Quantity})
	}
	sort.Slice(hr.Accounts, func(i, j int) bool { return hr.Accounts[i].Type < hr.Accounts[j].Type })
	return hr
}

// StageHolders writes the current records of users into w, which the caller
// commits. A user without a holder has its record deleted. No-op when no
// store is attached.
func (b *CentralBank) StageHolders(w pebble.Writer, users ...uuid.UUID) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ledger == nil {
		return nil
	}
	for _, user := range users {
		key := holderKey(b.ID, user)
		h, ok := b.holders[user]
		if !ok {
			if err := w.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		if err := storage.SetJSON(w, key, recordOf(user, h), nil); err != nil {
			return fmt.Errorf("stage holder %s: %w", user, err)
		}
	}
	return nil
}

// Persist writes the records of users in their own batch.
func (b *CentralBank) Persist(users ...uuid.UUID) error {
	b.mu.RLock()
	store := b.ledger
	b.mu.RUnlock()
	if store == nil {
		return nil
	}

	batch := store.db.NewBatch()
	defer batch.Close()
	if err := b.StageHolders(batch, users...); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("persist ledger %s: %w", b.Name, err)
	}
	return nil
}

// Apply runs fn under the settlement lock and persists the holders of users
// before releasing it. Mutations outside of settlement go through Apply.
func (b *CentralBank) Apply(fn func(), users ...uuid.UUID) error {
	b.settleMu.Lock()
	defer b.settleMu.Unlock()
	fn()
	return b.Persist(users...)
}

// Checkpoint persists every holder. No-op when no store is attached.
func (b *CentralBank) Checkpoint() error {
	b.settleMu.Lock()
	defer b.settleMu.Unlock()

	b.mu.RLock()
	users := make([]uuid.UUID, 0, len(b.holders))
	for user := range b.holders {
		users = append(users, user)
	}
	b.mu.RUnlock()

	if err := b.Persist(users...); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}
