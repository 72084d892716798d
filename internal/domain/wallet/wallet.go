// Package wallet models what a payer can pay with: the premium flag and BLKD
// credit balance of the account, and its conventional payment instruments.
package wallet

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/blkd-checkout/internal/domain/money"
)

// Sentinel errors for wallet lookups.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInstrumentNotFound = errors.New("instrument not found")
	// ErrBalanceTooLow is matched by *BalanceError.
	ErrBalanceTooLow = errors.New("balance too low")
)

// BalanceError is returned by Settle when a guarded debit fails. An empty
// InstrumentID means the BLKD credit balance was short.
type BalanceError struct {
	PayerID      string
	InstrumentID string
}

func (e *BalanceError) Error() string {
	if e.InstrumentID == "" {
		return fmt.Sprintf("credit of %q: %s", e.PayerID, ErrBalanceTooLow)
	}
	return fmt.Sprintf("instrument %q: %s", e.InstrumentID, ErrBalanceTooLow)
}

// Is reports whether target is ErrBalanceTooLow.
func (e *BalanceError) Is(target error) bool {
	return target == ErrBalanceTooLow
}

// Credit reports whether the credit debit failed.
func (e *BalanceError) Credit() bool {
	return e.InstrumentID == ""
}

// Account is a payer's standing on the platform.
type Account struct {
	PayerID string
	Premium bool
	// Credit is the BLKD loyalty balance.
	Credit money.Money
}

// InstrumentKind is the type of a conventional payment instrument.
type InstrumentKind string

const (
	KindCard   InstrumentKind = "card"
	KindBank   InstrumentKind = "bank"
	KindWallet InstrumentKind = "wallet"
)

// Valid reports whether k is a known kind.
func (k InstrumentKind) Valid() bool {
	switch k {
	case KindCard, KindBank, KindWallet:
		return true
	}
	return false
}

// Instrument is a card, bank account or external wallet owned by a payer.
type Instrument struct {
	ID      string
	PayerID string
	Kind    InstrumentKind
	Label   string
	// Balance is the amount the instrument can cover.
	Balance money.Money
}

// Covers reports whether the instrument can pay amount.
func (i Instrument) Covers(amount money.Money) bool {
	return i.Balance.Currency == amount.Currency && !i.Balance.LessThan(amount)
}

// Settlement debits the balances used by a payment. It is applied before the
// gateway charge and released if the charge does not go through.
type Settlement struct {
	PayerID string
	// CreditSpent is debited from the account's BLKD balance.
	CreditSpent money.Money
	// InstrumentID is empty for credit-only payments.
	InstrumentID string
	Amount       money.Money
}

func (s Settlement) String() string {
	return fmt.Sprintf("payer %s: credit %s, instrument %q %s", s.PayerID, s.CreditSpent, s.InstrumentID, s.Amount)
}

// Repository defines persistence operations for accounts and instruments.
type Repository interface {
	GetAccount(ctx context.Context, payerID string) (*Account, error)
	GetInstrument(ctx context.Context, id string) (*Instrument, error)
	// Settle applies a Settlement atomically. It returns a *BalanceError
	// when either balance no longer covers its debit.
	Settle(ctx context.Context, s Settlement) error
	// Release credits back a Settlement applied by Settle.
	Release(ctx context.Context, s Settlement) error
}
