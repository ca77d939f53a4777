// Package asset defines asset signatures: the structural identity that
// decides whether two assets are interchangeable on the market.
package asset

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Signature kinds
const (
	KindItem   = "item"
	KindLabour = "labour"
	KindLoan   = "loan"
)

// Signature identifies a class of fungible assets. Two signatures are equal
// iff their keys are equal.
type Signature interface {
	Kind() string
	// Key is the canonical identity, also used as map key.
	Key() string
	Category() string
	// Asset creates qty units of this signature.
	Asset(qty decimal.Decimal) Asset
	// Record returns the serializable form.
	Record() Record
	String() string
}

// Equal reports whether a and b denote interchangeable assets.
func Equal(a, b Signature) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Key() == b.Key()
}

// Asset is a quantity of a signature.
type Asset struct {
	Signature Signature
	Quantity  decimal.Decimal
}

// Sum adds up the quantities of assets.
func Sum(assets []Asset) decimal.Decimal {
	total := decimal.Zero
	for _, a := range assets {
		total = total.Add(a.Quantity)
	}
	return total
}

// Record is the flat persisted form of a signature (JSON and YAML).
type Record struct {
	Kind     string `json:"kind" yaml:"kind"`
	Material string `json:"material,omitempty" yaml:"material,omitempty"`
	Variant  string `json:"variant,omitempty" yaml:"variant,omitempty"`
	Trade    string `json:"trade,omitempty" yaml:"trade,omitempty"`
	LoanID   string `json:"loanId,omitempty" yaml:"loanId,omitempty"`
}

// Decoder rebuilds a signature from its record.
type Decoder func(Record) (Signature, error)

var ErrUnknownKind = errors.New("unknown signature kind")

var (
	decodersMu sync.RWMutex
	decoders   = map[string]Decoder{
		KindItem:   decodeItem,
		KindLabour: decodeLabour,
		KindLoan:   decodeLoan,
	}
)

// Register adds a decoder for a new signature kind.
func Register(kind string, dec Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[kind] = dec
}

// Decode rebuilds a signature from r.
func (r Record) Decode() (Signature, error) {
	decodersMu.RLock()
	dec, ok := decoders[r.Kind]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	return dec(r)
}

// ItemSignature is a world item such as WHEAT or an enchanted book variant.
type ItemSignature struct {
	Material string
	Variant  string
}

// Item returns the signature for a plain material.
func Item(material string) ItemSignature {
	return ItemSignature{Material: strings.ToUpper(material)}
}

func (s ItemSignature) Kind() string { return KindItem }

func (s ItemSignature) Key() string {
	if s.Variant == "" {
		return KindItem + ":" + s.Material
	}
	return KindItem + ":" + s.Material + "#" + s.Variant
}

func (s ItemSignature) Category() string             { return ItemCategory(s.Material) }
func (s ItemSignature) Asset(q decimal.Decimal) Asset { return Asset{Signature: s, Quantity: q} }

func (s ItemSignature) Record() Record {
	return Record{Kind: KindItem, Material: s.Material, Variant: s.Variant}
}

func (s ItemSignature) String() string {
	if s.Variant == "" {
		return s.Material
	}
	return s.Material + "(" + s.Variant + ")"
}

func decodeItem(r Record) (Signature, error) {
	if r.Material == "" {
		return nil, errors.New("item signature without material")
	}
	return ItemSignature{Material: strings.ToUpper(r.Material), Variant: r.Variant}, nil
}

// LabourSignature is a labour-point token for a trade.
type LabourSignature struct {
	Trade string
}

func (s LabourSignature) Kind() string                  { return KindLabour }
func (s LabourSignature) Key() string                   { return KindLabour + ":" + strings.ToLower(s.Trade) }
func (s LabourSignature) Category() string              { return "labour" }
func (s LabourSignature) Asset(q decimal.Decimal) Asset { return Asset{Signature: s, Quantity: q} }
func (s LabourSignature) Record() Record                { return Record{Kind: KindLabour, Trade: s.Trade} }
func (s LabourSignature) String() string                { return "Labour[" + s.Trade + "]" }

func decodeLabour(r Record) (Signature, error) {
	if r.Trade == "" {
		return nil, errors.New("labour signature without trade")
	}
	return LabourSignature{Trade: r.Trade}, nil
}

// LoanSignature is a share of a specific loan instrument.
type LoanSignature struct {
	LoanID uuid.UUID
}

func (s LoanSignature) Kind() string                  { return KindLoan }
func (s LoanSignature) Key() string                   { return KindLoan + ":" + s.LoanID.String() }
func (s LoanSignature) Category() string              { return "loan" }
func (s LoanSignature) Asset(q decimal.Decimal) Asset { return Asset{Signature: s, Quantity: q} }
func (s LoanSignature) Record() Record                { return Record{Kind: KindLoan, LoanID: s.LoanID.String()} }
func (s LoanSignature) String() string                { return "Loan[" + s.LoanID.String() + "]" }

func decodeLoan(r Record) (Signature, error) {
	id, err := uuid.Parse(r.LoanID)
	if err != nil {
		return nil, fmt.Errorf("loan signature: %w", err)
	}
	return LoanSignature{LoanID: id}, nil
}
