// Package credit allocates a payment between the payer's BLKD loyalty credit
// and a conventional payment instrument.
package credit

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/blkd-checkout/internal/domain/money"
)

// ErrNoRate is returned when a credit unit cannot be valued in a currency.
var ErrNoRate = errors.New("no exchange rate")

var one = decimal.NewFromInt(1)

// RateSource values one unit of from in units of to.
type RateSource interface {
	Rate(from, to money.Currency) (decimal.Decimal, error)
}

// FixedRate values one credit unit at a fixed amount of any payment
// currency. Conversions between equal currencies are always 1.
type FixedRate struct {
	Unit  money.Currency
	Value decimal.Decimal
}

var _ RateSource = FixedRate{}

// Parity is the 1:1 policy observed in the checkout flows.
func Parity() FixedRate {
	return FixedRate{Unit: money.BLKD, Value: one}
}

// Rate implements RateSource.
func (r FixedRate) Rate(from, to money.Currency) (decimal.Decimal, error) {
	switch {
	case from == to:
		return one, nil
	case from == r.Unit && r.Value.IsPositive():
		return r.Value, nil
	default:
		return decimal.Zero, errors.Wrapf(ErrNoRate, "%s to %s", from, to)
	}
}

// Allocation splits TotalDue into CreditApplied and RemainingDue.
// CreditApplied + RemainingDue == TotalDue holds exactly.
type Allocation struct {
	TotalDue      money.Money
	CreditApplied money.Money
	RemainingDue  money.Money
	// CreditSpent is CreditApplied expressed in credit units, i.e. what is
	// debited from the loyalty balance.
	CreditSpent money.Money
	Rate        decimal.Decimal
}

// FullyCovered reports whether credit pays the whole total, in which case
// no conventional instrument is needed.
func (a Allocation) FullyCovered() bool {
	return a.RemainingDue.IsZero()
}

// Allocator computes allocations. It holds no mutable state.
type Allocator struct {
	rates RateSource
}

// NewAllocator creates an Allocator using the given rate source.
func NewAllocator(rates RateSource) *Allocator {
	return &Allocator{rates: rates}
}

// AllocatePayment applies up to availableCredit against totalDue when
// useCredit is set. RemainingDue is always computed by subtraction.
func (a *Allocator) AllocatePayment(totalDue, availableCredit money.Money, useCredit bool) (Allocation, error) {
	if err := totalDue.Validate("total due"); err != nil {
		return Allocation{}, err
	}
	if err := availableCredit.Validate("available credit"); err != nil {
		return Allocation{}, err
	}

	noCredit := Allocation{
		TotalDue:      totalDue,
		CreditApplied: money.Zero(totalDue.Currency),
		RemainingDue:  totalDue,
		CreditSpent:   money.Zero(availableCredit.Currency),
		Rate:          one,
	}
	if !useCredit {
		return noCredit, nil
	}

	rate, err := a.rates.Rate(availableCredit.Currency, totalDue.Currency)
	if err != nil {
		return Allocation{}, err
	}
	noCredit.Rate = rate

	// Truncate so the credit never covers more than its value.
	value := availableCredit.Amount.Mul(rate).Truncate(totalDue.Currency.MinorUnits())
	applied := decimal.Min(value, totalDue.Amount)
	if !applied.IsPositive() {
		return noCredit, nil
	}

	spent := applied.Div(rate).RoundCeil(availableCredit.Currency.MinorUnits())
	spent = decimal.Min(spent, availableCredit.Amount)

	return Allocation{
		TotalDue:      totalDue,
		CreditApplied: money.Money{Amount: applied, Currency: totalDue.Currency},
		RemainingDue:  money.Money{Amount: totalDue.Amount.Sub(applied), Currency: totalDue.Currency},
		CreditSpent:   money.Money{Amount: spent, Currency: availableCredit.Currency},
		Rate:          rate,
	}, nil
}
