package checkout

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/blkd-checkout/internal/domain/credit"
	"github.com/xenking/blkd-checkout/internal/domain/fee"
	"github.com/xenking/blkd-checkout/internal/domain/money"
)

// SubjectKind tells what a checkout pays for.
type SubjectKind string

const (
	KindOrder   SubjectKind = "order"
	KindInvoice SubjectKind = "invoice"
)

// LineItem is a single product line of an order.
type LineItem struct {
	ProductID string          `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// Subject is either an order (Items) or an invoice (InvoiceID and
// InvoiceAmount), selected by Kind.
type Subject struct {
	Kind          SubjectKind     `json:"kind"`
	Items         []LineItem      `json:"items,omitempty"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
	InvoiceAmount decimal.Decimal `json:"invoice_amount"`
}

// Subtotal validates the subject and returns the amount it is worth in
// currency.
func (s Subject) Subtotal(currency money.Currency) (money.Money, error) {
	switch s.Kind {
	case KindOrder:
		if len(s.Items) == 0 {
			return money.Money{}, ErrEmptyItems
		}
		total := decimal.Zero
		for _, item := range s.Items {
			if item.ProductID == "" {
				return money.Money{}, errors.Wrap(ErrInvalidRequest, "product id required")
			}
			if item.Quantity <= 0 {
				return money.Money{}, &InvalidQuantityError{ProductID: item.ProductID}
			}
			if item.UnitPrice.IsNegative() {
				return money.Money{}, &money.AmountError{Field: "unit price of " + item.ProductID, Reason: "must not be negative"}
			}
			total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}
		return money.New(total, currency)
	case KindInvoice:
		if s.InvoiceID == "" {
			return money.Money{}, errors.Wrap(ErrInvalidRequest, "invoice id required")
		}
		if s.InvoiceAmount.IsNegative() {
			return money.Money{}, &money.AmountError{Field: "invoice amount", Reason: "must not be negative"}
		}
		return money.New(s.InvoiceAmount, currency)
	default:
		return money.Money{}, errors.Wrapf(ErrInvalidRequest, "unknown subject kind %q", s.Kind)
	}
}

// Session is a persisted checkout. Version increases on every update and
// guards against concurrent writers.
type Session struct {
	ID       string
	PayerID  string
	Currency money.Currency
	Subject  Subject
	State    State
	Version  int64

	Fee fee.Calculation

	UseCredit    bool
	InstrumentID string
	// Allocation is set once a payment method has been selected.
	Allocation *credit.Allocation

	TransactionID string
	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingDue is what the conventional instrument is charged. Before a
// payment method is chosen it is the whole total.
func (s *Session) RemainingDue() money.Money {
	if s.Allocation == nil {
		return s.Fee.Total
	}
	return s.Allocation.RemainingDue
}

func (s *Session) clearPayment() {
	s.UseCredit = false
	s.InstrumentID = ""
	s.Allocation = nil
	s.TransactionID = ""
	s.FailureReason = ""
}
