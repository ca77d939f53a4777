// Package listing maps asset signatures to persistent listing ids.
package listing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/storage"
	"github.com/wysohn/RealEconomy/pkg/util"
)

const prefixListing = "lst:"

// Listing is the persistent identity of a tradable asset class.
type Listing struct {
	ID         uuid.UUID
	Signature  asset.Signature
	Name       string
	CategoryID uint32
}

type record struct {
	ID         uuid.UUID    `json:"id"`
	Signature  asset.Record `json:"signature"`
	Name       string       `json:"name"`
	CategoryID uint32       `json:"categoryId"`
}

// CategoryStore allocates category ids. Implemented by the order store.
type CategoryStore interface {
	CategoryID(name string) (uint32, error)
	CategoryNames() (map[uint32]string, error)
}

// Registry keeps signature <-> listing id bijective. Listings are created on
// first use and never deleted.
type Registry struct {
	mu         sync.RWMutex
	db         *pebble.DB
	categories CategoryStore
	log        *zap.SugaredLogger

	byID  map[uuid.UUID]*Listing
	bySig map[string]*Listing // signature key -> listing
}

// NewRegistry loads every persisted listing from db.
func NewRegistry(db *pebble.DB, categories CategoryStore, log *zap.SugaredLogger) (*Registry, error) {
	r := &Registry{
		db:         db,
		categories: categories,
		log:        util.OrNop(log),
		byID:       make(map[uuid.UUID]*Listing),
		bySig:      make(map[string]*Listing),
	}

	var loadErr error
	err := storage.ScanPrefix(db, []byte(prefixListing), func(_, value []byte) bool {
		var rec record
		if err := storage.DecodeJSON(value, &rec); err != nil {
			loadErr = fmt.Errorf("decode listing: %w", err)
			return false
		}
		sig, err := rec.Signature.Decode()
		if err != nil {
			r.log.Warnw("listing_skipped", "listing", rec.ID, "err", err)
			return true
		}
		l := &Listing{ID: rec.ID, Signature: sig, Name: rec.Name, CategoryID: rec.CategoryID}
		r.byID[l.ID] = l
		r.bySig[sig.Key()] = l
		return true
	})
	if err == nil {
		err = loadErr
	}
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}

	r.log.Infow("listings_loaded", "count", len(r.byID))
	return r, nil
}

// NewListing creates a listing for sig if none exists.
// Returns true only when a listing was created.
func (r *Registry) NewListing(sig asset.Signature) (bool, error) {
	_, created, err := r.ensure(sig)
	return created, err
}

// SignatureToUUID returns the listing id of sig, creating the listing if
// needed.
func (r *Registry) SignatureToUUID(sig asset.Signature) (uuid.UUID, error) {
	l, _, err := r.ensure(sig)
	if err != nil {
		return uuid.Nil, err
	}
	return l.ID, nil
}

func (r *Registry) ensure(sig asset.Signature) (Listing, bool, error) {
	if sig == nil {
		return Listing{}, false, fmt.Errorf("cannot list nil signature")
	}

	r.mu.RLock()
	l, exists := r.bySig[sig.Key()]
	r.mu.RUnlock()
	if exists {
		return *l, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// re-check under the write lock
	if l, exists := r.bySig[sig.Key()]; exists {
		return *l, false, nil
	}

	categoryID, err := r.categories.CategoryID(sig.Category())
	if err != nil {
		return Listing{}, false, fmt.Errorf("category %q: %w", sig.Category(), err)
	}

	l = &Listing{ID: uuid.New(), Signature: sig, Name: sig.String(), CategoryID: categoryID}
	if err := r.persist(l); err != nil {
		return Listing{}, false, err
	}
	r.byID[l.ID] = l
	r.bySig[sig.Key()] = l

	r.log.Infow("listing_created", "listing", l.ID, "signature", sig.Key(), "category", sig.Category())
	return *l, true, nil
}

func (r *Registry) persist(l *Listing) error {
	rec := record{ID: l.ID, Signature: l.Signature.Record(), Name: l.Name, CategoryID: l.CategoryID}
	if err := storage.SetJSON(r.db, listingKey(l.ID), rec, pebble.Sync); err != nil {
		return fmt.Errorf("save listing %s: %w", l.ID, err)
	}
	return nil
}

// FromSignature looks up the listing of sig without creating it.
func (r *Registry) FromSignature(sig asset.Signature) (Listing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.bySig[sig.Key()]
	if !ok {
		return Listing{}, false
	}
	return *l, true
}

// Get looks up a listing by id.
func (r *Registry) Get(id uuid.UUID) (Listing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byID[id]
	if !ok {
		return Listing{}, false
	}
	return *l, true
}

// List returns every listing sorted by name.
func (r *Registry) List() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Listing, 0, len(r.byID))
	for _, l := range r.byID {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Count returns the number of listings.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// SetListingName changes the display name of a listing.
func (r *Registry) SetListingName(id uuid.UUID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("listing %s not found", id)
	}
	prev := l.Name
	l.Name = name
	if err := r.persist(l); err != nil {
		l.Name = prev
		return err
	}
	return nil
}

// NewCategory returns the id of a category, creating it if needed.
func (r *Registry) NewCategory(name string) (uint32, error) {
	return r.categories.CategoryID(name)
}

// CategoryNames returns the category table.
func (r *Registry) CategoryNames() (map[uint32]string, error) {
	return r.categories.CategoryNames()
}

func listingKey(id uuid.UUID) []byte {
	return storage.Key([]byte(prefixListing), id[:])
}
