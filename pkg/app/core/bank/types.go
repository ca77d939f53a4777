package bank

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wysohn/RealEconomy/pkg/app/core/orderbook"
)

// AccountType selects one of a user's accounts at a bank.
type AccountType uint8

const (
	Trading AccountType = iota + 1
	Checking
)

func (t AccountType) String() string {
	switch t {
	case Trading:
		return "TRADING"
	case Checking:
		return "CHECKING"
	default:
		return fmt.Sprintf("AccountType(%d)", uint8(t))
	}
}

// ParseAccountType parses "trading" or "checking".
func ParseAccountType(s string) (AccountType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRADING":
		return Trading, nil
	case "CHECKING":
		return Checking, nil
	default:
		return 0, fmt.Errorf("unknown account type %q", s)
	}
}

func (t AccountType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *AccountType) UnmarshalText(b []byte) error {
	parsed, err := ParseAccountType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TradeResult is the outcome of settling one matched pair.
type TradeResult int

const (
	ResultOK TradeResult = iota + 1
	ResultInvalidInfo
	ResultWithdrawRefused
	ResultDepositRefused
	ResultInsufficientAssets
	ResultNoAccountBuyer
	ResultNoAccountSeller
)

func (r TradeResult) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultInvalidInfo:
		return "INVALID_INFO"
	case ResultWithdrawRefused:
		return "WITHDRAW_REFUSED"
	case ResultDepositRefused:
		return "DEPOSIT_REFUSED"
	case ResultInsufficientAssets:
		return "INSUFFICIENT_ASSETS"
	case ResultNoAccountBuyer:
		return "NO_ACCOUNT_BUYER"
	case ResultNoAccountSeller:
		return "NO_ACCOUNT_SELLER"
	default:
		return fmt.Sprintf("TradeResult(%d)", int(r))
	}
}

func (r TradeResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// User is a principal that trades through the market. It owns order ids,
// can snapshot its own state, and is told how each settlement went.
type User interface {
	orderbook.OrderIssuer

	HasOrderID(side orderbook.Side, orderID int64) bool
	RemoveOrderID(side orderbook.Side, orderID int64)

	SaveState() any
	RestoreState(state any)

	HandleTransactionResult(info orderbook.TradeInfo, side orderbook.Side, result TradeResult)
}

// UserProvider resolves user ids. FindUser returns nil for unknown ids.
type UserProvider interface {
	FindUser(id uuid.UUID) User
}

// UserProviderFunc adapts a function to UserProvider.
type UserProviderFunc func(id uuid.UUID) User

func (f UserProviderFunc) FindUser(id uuid.UUID) User { return f(id) }

// FindUser asks providers in order; the first non-nil user wins.
func FindUser(providers []UserProvider, id uuid.UUID) User {
	for _, p := range providers {
		if u := p.FindUser(id); u != nil {
			return u
		}
	}
	return nil
}
