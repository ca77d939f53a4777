package simulation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wysohn/RealEconomy/pkg/app/core/asset"
	"github.com/wysohn/RealEconomy/pkg/app/core/bank"
	"github.com/wysohn/RealEconomy/pkg/util"
)

// ListingInfoProvider lets agents register the signatures they trade.
type ListingInfoProvider interface {
	NewListing(sig asset.Signature) (bool, error)
	SignatureToUUID(sig asset.Signature) (uuid.UUID, error)
}

// ReloadObserver is told about the current agents right before they are
// replaced by a reload.
type ReloadObserver interface {
	BeforeAgentReload(agents []*Agent)
}

// catalogFile is the YAML layout of the agents file.
type catalogFile struct {
	Materials map[string]string      `yaml:"materials,omitempty"`
	Denied    []string               `yaml:"denyItemsList,omitempty"`
	Simulator map[string]agentRecord `yaml:"simulator,omitempty"`
}

type agentRecord struct {
	UUID       string            `yaml:"uuid"`
	Needed     []bundleRecord    `yaml:"resourcesNeeded,omitempty"`
	Production []bundleRecord    `yaml:"production"`
	Pricing    map[string]string `yaml:"pricing,omitempty"` // signature key -> price
}

type bundleRecord struct {
	Signature asset.Record `yaml:"signature"`
	Amount    float64      `yaml:"amount"`
}

// Manager owns the agents and their catalog file. It resolves agent ids for
// the broker.
type Manager struct {
	path     string
	listings ListingInfoProvider
	bank     *bank.CentralBank
	rules    Pricing
	log      *zap.SugaredLogger

	mu        sync.RWMutex
	agents    map[uuid.UUID]*Agent
	denied    []asset.Signature
	materials map[string]string
	observers []ReloadObserver
}

func NewManager(path string, listings ListingInfoProvider, cb *bank.CentralBank, rules Pricing, log *zap.SugaredLogger) *Manager {
	return &Manager{
		path:     path,
		listings: listings,
		bank:     cb,
		rules:    rules,
		log:      util.OrNop(log),
		agents:   make(map[uuid.UUID]*Agent),
	}
}

// RegisterReloadObserver adds an observer for Load.
func (m *Manager) RegisterReloadObserver(o ReloadObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Load replaces the agents with the ones in the catalog file. A missing file
// or an empty simulator section is seeded from the built-in recipes and
// written back.
func (m *Manager) Load() error {
	for _, o := range m.observerList() {
		o.BeforeAgentReload(m.Agents())
	}

	file, err := m.read()
	if err != nil {
		return err
	}
	seeded := false
	if len(file.Simulator) == 0 {
		file.Simulator = seedCatalog()
		if len(file.Denied) == 0 {
			file.Denied = append([]string(nil), seedDenied...)
		}
		seeded = true
	}
	if len(file.Materials) > 0 {
		asset.SetItemCategories(file.Materials)
	}

	agents := make(map[uuid.UUID]*Agent, len(file.Simulator))
	for name, rec := range file.Simulator {
		agent, err := m.build(name, rec)
		if err != nil {
			m.log.Warnw("agent_skipped", "agent", name, "err", err)
			continue
		}
		if _, dup := agents[agent.id]; dup {
			m.log.Warnw("agent_duplicate_uuid", "agent", name, "uuid", agent.id)
			continue
		}
		agents[agent.id] = agent
	}

	denied := make([]asset.Signature, 0, len(file.Denied))
	for _, material := range file.Denied {
		denied = append(denied, asset.Item(material))
	}

	m.mu.Lock()
	m.agents = agents
	m.denied = denied
	m.materials = file.Materials
	m.mu.Unlock()

	m.log.Infow("agents_loaded", "count", len(agents), "seeded", seeded, "file", m.path)
	if seeded {
		return m.Save()
	}
	return nil
}

func (m *Manager) read() (catalogFile, error) {
	var file catalogFile
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return file, nil
	}
	if err != nil {
		return file, fmt.Errorf("read agents file: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("parse agents file %s: %w", m.path, err)
	}
	return file, nil
}

func (m *Manager) build(name string, rec agentRecord) (*Agent, error) {
	id, err := uuid.Parse(rec.UUID)
	if err != nil {
		return nil, fmt.Errorf("uuid %q: %w", rec.UUID, err)
	}
	if len(rec.Production) == 0 {
		return nil, errors.New("empty production outputs")
	}

	needed, err := decodeBundles(rec.Needed)
	if err != nil {
		return nil, err
	}
	production, err := decodeBundles(rec.Production)
	if err != nil {
		return nil, err
	}
	if len(needed) == 0 {
		m.log.Debugw("agent_without_inputs", "agent", name)
	}

	agent := NewAgent(id, name, needed, production, m.rules, m.log)
	for key, raw := range rec.Pricing {
		price, err := decimal.NewFromString(raw)
		if err != nil || !price.IsPositive() {
			m.log.Warnw("agent_price_ignored", "agent", name, "signature", key, "price", raw)
			continue
		}
		agent.pricing[key] = price.Round(priceScale)
	}

	if err := m.bind(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// bind lists every signature the agent trades and opens its account.
func (m *Manager) bind(a *Agent) error {
	for _, b := range append(append([]Bundle(nil), a.needed...), a.production...) {
		created, err := m.listings.NewListing(b.Signature)
		if err != nil {
			return fmt.Errorf("listing for %s: %w", b.Signature, err)
		}
		if created {
			m.log.Debugw("agent_listing_created", "agent", a.name, "signature", b.Signature.Key())
		}
		listingID, err := m.listings.SignatureToUUID(b.Signature)
		if err != nil {
			return fmt.Errorf("listing for %s: %w", b.Signature, err)
		}
		a.bindListing(listingID, b.Signature)
	}
	if err := m.bank.Apply(func() { m.bank.PutAccount(a.id, bank.Trading) }, a.id); err != nil {
		return fmt.Errorf("account of %s: %w", a.name, err)
	}
	return nil
}

func decodeBundles(recs []bundleRecord) ([]Bundle, error) {
	out := make([]Bundle, 0, len(recs))
	for _, r := range recs {
		sig, err := r.Signature.Decode()
		if err != nil {
			return nil, err
		}
		if r.Amount <= 0 {
			return nil, fmt.Errorf("non-positive amount for %s", sig)
		}
		out = append(out, Bundle{Signature: sig, Amount: decimal.NewFromFloat(r.Amount)})
	}
	return out, nil
}

func seedCatalog() map[string]agentRecord {
	out := make(map[string]agentRecord, len(seedRecipes))
	for _, r := range seedRecipes {
		rec := agentRecord{UUID: uuid.NewString()}
		for _, in := range r.needs {
			rec.Needed = append(rec.Needed, bundleRecord{Signature: asset.Item(in.material).Record(), Amount: in.amount})
		}
		for _, out := range r.output {
			rec.Production = append(rec.Production, bundleRecord{Signature: asset.Item(out.material).Record(), Amount: out.amount})
		}
		out[r.name] = rec
	}
	return out
}

// Save writes the agents, including their current prices, to the catalog
// file.
func (m *Manager) Save() error {
	m.mu.RLock()
	file := catalogFile{
		Materials: m.materials,
		Simulator: make(map[string]agentRecord, len(m.agents)),
	}
	for _, sig := range m.denied {
		if item, ok := sig.(asset.ItemSignature); ok {
			file.Denied = append(file.Denied, item.Material)
		}
	}
	for _, a := range m.agents {
		rec := agentRecord{UUID: a.id.String(), Pricing: make(map[string]string)}
		for _, b := range a.needed {
			rec.Needed = append(rec.Needed, bundleRecord{Signature: b.Signature.Record(), Amount: b.Amount.InexactFloat64()})
		}
		for _, b := range a.production {
			rec.Production = append(rec.Production, bundleRecord{Signature: b.Signature.Record(), Amount: b.Amount.InexactFloat64()})
		}
		for key, price := range a.pricingSnapshot() {
			rec.Pricing[key] = price.String()
		}
		file.Simulator[a.name] = rec
	}
	m.mu.RUnlock()

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write agents file: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// Agents returns every agent sorted by name.
func (m *Manager) Agents() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Add registers an agent that is not part of the catalog file until the next
// Save.
func (m *Manager) Add(a *Agent) error {
	if err := m.bind(a); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.id] = a
	return nil
}

// Denied returns the signatures that may not be traded.
func (m *Manager) Denied() []asset.Signature {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]asset.Signature(nil), m.denied...)
}

// FindUser implements bank.UserProvider.
func (m *Manager) FindUser(id uuid.UUID) bank.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.agents[id]; ok {
		return a
	}
	return nil
}

func (m *Manager) observerList() []ReloadObserver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ReloadObserver(nil), m.observers...)
}
