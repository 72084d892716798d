// Package money provides the monetary value type shared by fee calculation,
// credit allocation and checkout.
package money

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for negative, non-finite or out of range
// monetary values.
var ErrInvalidAmount = errors.New("invalid amount")

// ErrInvalidCurrency is returned for malformed currency codes.
var ErrInvalidCurrency = errors.New("invalid currency")

// AmountError describes which value was rejected and why. It matches
// ErrInvalidAmount with errors.Is.
type AmountError struct {
	Field  string
	Reason string
}

func (e *AmountError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid amount: %s", e.Reason)
	}
	return fmt.Sprintf("invalid amount for %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalidAmount.
func (e *AmountError) Is(target error) bool {
	return target == ErrInvalidAmount
}

// Currency is an ISO-4217-like code or the platform's loyalty unit.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	// BLKD is the platform's loyalty credit unit.
	BLKD Currency = "BLKD"
)

const defaultMinorUnits int32 = 2

// minorUnits lists currencies whose precision differs from two decimal places.
var minorUnits = map[Currency]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"KWD": 3,
	"BHD": 3,
	"OMR": 3,
}

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(code string) (Currency, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 3 || len(code) > 4 {
		return "", errors.Wrapf(ErrInvalidCurrency, "%q", code)
	}
	for i := range len(code) {
		if code[i] < 'A' || code[i] > 'Z' {
			return "", errors.Wrapf(ErrInvalidCurrency, "%q", code)
		}
	}
	return Currency(code), nil
}

// MinorUnits returns the number of decimal places used by the currency.
func (c Currency) MinorUnits() int32 {
	if n, ok := minorUnits[c]; ok {
		return n
	}
	return defaultMinorUnits
}

func (c Currency) String() string {
	return string(c)
}

// Money is a non-negative decimal amount in a currency.
type Money struct {
	Amount   decimal.Decimal
	Currency Currency
}

// Amounts are stored as NUMERIC(20,4).
const (
	maxIntegerDigits = 16
	maxScale         = 18
)

// CheckRange rejects amounts with more than 16 integer digits or more than
// 18 decimal places. It only looks at the coefficient and exponent, so it is
// cheap even for inputs like "1e3000000".
func CheckRange(amount decimal.Decimal) error {
	if reason := outOfRange(amount); reason != "" {
		return &AmountError{Reason: reason}
	}
	return nil
}

func outOfRange(amount decimal.Decimal) string {
	exp := amount.Exponent()
	if exp < -maxScale {
		return fmt.Sprintf("more than %d decimal places", maxScale)
	}
	if !amount.IsZero() && amount.NumDigits()+int(exp) > maxIntegerDigits {
		return "must be less than 1e16"
	}
	return ""
}

// New returns Money for a non-negative amount within range.
func New(amount decimal.Decimal, currency Currency) (Money, error) {
	if err := CheckRange(amount); err != nil {
		return Money{}, err
	}
	if amount.IsNegative() {
		return Money{}, &AmountError{Reason: "must not be negative"}
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// Parse parses a decimal string such as "103.20".
func Parse(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, &AmountError{Reason: fmt.Sprintf("not a finite decimal: %q", amount)}
	}
	return New(d, currency)
}

// MustParse is like Parse but panics on error. Intended for tests and seeds.
func MustParse(amount string, currency Currency) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in the currency.
func Zero(currency Currency) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// Validate checks the invariants for values built without a constructor.
func (m Money) Validate(field string) error {
	if reason := outOfRange(m.Amount); reason != "" {
		return &AmountError{Field: field, Reason: reason}
	}
	if m.Amount.IsNegative() {
		return &AmountError{Field: field, Reason: "must not be negative"}
	}
	if m.Currency == "" {
		return errors.Wrapf(ErrInvalidCurrency, "%s: empty currency", field)
	}
	return nil
}

// Round rounds half-up to the currency's minor units. Amounts are never
// negative, so decimal's half-away-from-zero rounding is half-up here.
func (m Money) Round() Money {
	return Money{Amount: m.Amount.Round(m.Currency.MinorUnits()), Currency: m.Currency}
}

// Add returns m + o. Currencies must match.
func (m Money) Add(o Money) Money {
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}
}

// Sub returns m - o. Currencies must match.
func (m Money) Sub(o Money) Money {
	return Money{Amount: m.Amount.Sub(o.Amount), Currency: m.Currency}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// Equal compares amount and currency; trailing zeros are ignored.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// LessThan compares amounts only.
func (m Money) LessThan(o Money) bool {
	return m.Amount.LessThan(o.Amount)
}

// StringFixed formats the amount with the currency's minor units.
func (m Money) StringFixed() string {
	return m.Amount.StringFixed(m.Currency.MinorUnits())
}

func (m Money) String() string {
	return m.StringFixed() + " " + string(m.Currency)
}
