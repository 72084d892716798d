// Package fee computes the platform service fee added to an order subtotal.
//
// The fee schedule is configuration owned elsewhere: a Calculator is bound to
// one immutable Snapshot of schedules, so a calculation is deterministic for
// the inputs and the snapshot it ran against.
package fee

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/blkd-checkout/internal/domain/money"
)

// ErrNoSchedule is returned when no fee schedule exists for a currency.
var ErrNoSchedule = errors.New("no fee schedule for currency")

var hundred = decimal.NewFromInt(100)

// Schedule is the percentage-plus-flat fee for one currency.
type Schedule struct {
	Currency money.Currency
	// Percentage is expressed in percent: 2.9 means 2.9%.
	Percentage decimal.Decimal
	FlatFee    decimal.Decimal
	MinFee     decimal.Decimal
	// MaxFee of zero leaves the fee uncapped.
	MaxFee decimal.Decimal
}

// Validate rejects schedules that would produce negative or inverted bands.
func (s Schedule) Validate() error {
	switch {
	case s.Percentage.IsNegative():
		return errors.Errorf("schedule %s: negative percentage", s.Currency)
	case s.FlatFee.IsNegative():
		return errors.Errorf("schedule %s: negative flat fee", s.Currency)
	case s.MinFee.IsNegative():
		return errors.Errorf("schedule %s: negative min fee", s.Currency)
	case s.MaxFee.IsNegative():
		return errors.Errorf("schedule %s: negative max fee", s.Currency)
	case s.MaxFee.IsPositive() && s.MaxFee.LessThan(s.MinFee):
		return errors.Errorf("schedule %s: max fee below min fee", s.Currency)
	}
	return nil
}

// Table resolves a schedule by currency.
type Table interface {
	Lookup(currency money.Currency) (Schedule, bool)
}

// Loader reads the full set of schedules from their source of truth.
type Loader interface {
	LoadSchedules(ctx context.Context) ([]Schedule, error)
}

// Snapshot is an immutable set of schedules keyed by currency.
type Snapshot struct {
	schedules map[money.Currency]Schedule
	loadedAt  time.Time
}

var _ Table = (*Snapshot)(nil)

// NewSnapshot validates and indexes the schedules. A later schedule for the
// same currency replaces an earlier one.
func NewSnapshot(schedules []Schedule, loadedAt time.Time) (*Snapshot, error) {
	m := make(map[money.Currency]Schedule, len(schedules))
	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		m[s.Currency] = s
	}
	return &Snapshot{schedules: m, loadedAt: loadedAt}, nil
}

// Lookup implements Table.
func (s *Snapshot) Lookup(currency money.Currency) (Schedule, bool) {
	sch, ok := s.schedules[currency]
	return sch, ok
}

// LoadedAt returns when the snapshot was read from its source.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Len returns the number of currencies covered.
func (s *Snapshot) Len() int {
	return len(s.schedules)
}

// Calculation is the result of CalculateTotal. Total equals Subtotal plus
// ServiceFee exactly.
type Calculation struct {
	Subtotal   money.Money
	ServiceFee money.Money
	Total      money.Money
	Waived     bool
}

// Calculator computes service fees against a fee table.
type Calculator struct {
	table Table
}

// NewCalculator binds a Calculator to a table.
func NewCalculator(table Table) *Calculator {
	return &Calculator{table: table}
}

// CalculateTotal computes the service fee and grand total for a subtotal.
// Premium-subscription holders pay no fee. The subtotal is rounded to the
// currency's minor units before the fee is derived from it.
func (c *Calculator) CalculateTotal(subtotal money.Money, hasPremiumWaiver bool) (Calculation, error) {
	if err := subtotal.Validate("subtotal"); err != nil {
		return Calculation{}, err
	}
	subtotal = subtotal.Round()

	if hasPremiumWaiver {
		return Calculation{
			Subtotal:   subtotal,
			ServiceFee: money.Zero(subtotal.Currency),
			Total:      subtotal,
			Waived:     true,
		}, nil
	}

	sch, ok := c.table.Lookup(subtotal.Currency)
	if !ok {
		return Calculation{}, errors.Wrap(ErrNoSchedule, string(subtotal.Currency))
	}

	serviceFee := money.Money{
		Amount:   sch.apply(subtotal.Amount),
		Currency: subtotal.Currency,
	}.Round()

	return Calculation{
		Subtotal:   subtotal,
		ServiceFee: serviceFee,
		Total:      subtotal.Add(serviceFee),
	}, nil
}

// apply returns the unrounded fee clamped to the schedule's band.
func (s Schedule) apply(subtotal decimal.Decimal) decimal.Decimal {
	amount := subtotal.Mul(s.Percentage).Div(hundred).Add(s.FlatFee)
	if amount.LessThan(s.MinFee) {
		amount = s.MinFee
	}
	if s.MaxFee.IsPositive() && amount.GreaterThan(s.MaxFee) {
		amount = s.MaxFee
	}
	return amount
}
