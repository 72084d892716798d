package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/blkd-checkout/internal/domain/credit"
	"github.com/xenking/blkd-checkout/internal/domain/fee"
	"github.com/xenking/blkd-checkout/internal/domain/money"
)

// QuoteFee prices a subtotal without starting a checkout.
func (h *Handler) QuoteFee(w http.ResponseWriter, r *http.Request) {
	var (
		subtotal decimal.Decimal
		currency string
		premium  bool
	)
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "subtotal":
			subtotal, err = decodeDecimal(d)
		case "currency":
			currency, err = d.Str()
		case "premium":
			premium, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	calc, err := h.quoteFee(r, subtotal, currency, premium)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		encodeMoney(e, "subtotal", calc.Subtotal)
		encodeMoney(e, "serviceFee", calc.ServiceFee)
		encodeMoney(e, "total", calc.Total)
		e.FieldStart("currency")
		e.Str(string(calc.Total.Currency))
		e.FieldStart("waived")
		e.Bool(calc.Waived)
		e.ObjEnd()
	})
}

func (h *Handler) quoteFee(r *http.Request, subtotal decimal.Decimal, currency string, premium bool) (fee.Calculation, error) {
	cur, err := money.ParseCurrency(currency)
	if err != nil {
		return fee.Calculation{}, err
	}
	amount, err := money.New(subtotal, cur)
	if err != nil {
		return fee.Calculation{}, err
	}
	snap, err := h.fees.Snapshot(r.Context())
	if err != nil {
		return fee.Calculation{}, errors.Wrap(err, "fee schedules")
	}
	return fee.NewCalculator(snap).CalculateTotal(amount, premium)
}

// QuoteAllocation splits a total between credit and an instrument without
// touching any session.
func (h *Handler) QuoteAllocation(w http.ResponseWriter, r *http.Request) {
	var (
		totalDue, available decimal.Decimal
		currency            string
		creditCurrency      = string(money.BLKD)
		useCredit           bool
	)
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "totalDue":
			totalDue, err = decodeDecimal(d)
		case "currency":
			currency, err = d.Str()
		case "availableCredit":
			available, err = decodeDecimal(d)
		case "creditCurrency":
			creditCurrency, err = d.Str()
		case "useCredit":
			useCredit, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	alloc, err := h.quoteAllocation(totalDue, currency, available, creditCurrency, useCredit)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		encodeAllocationFields(e, alloc)
		encodeMoney(e, "totalDue", alloc.TotalDue)
		e.FieldStart("currency")
		e.Str(string(alloc.TotalDue.Currency))
		e.FieldStart("fullyCovered")
		e.Bool(alloc.FullyCovered())
		e.ObjEnd()
	})
}

func (h *Handler) quoteAllocation(
	totalDue decimal.Decimal, currency string,
	available decimal.Decimal, creditCurrency string,
	useCredit bool,
) (credit.Allocation, error) {
	cur, err := money.ParseCurrency(currency)
	if err != nil {
		return credit.Allocation{}, err
	}
	creditCur, err := money.ParseCurrency(creditCurrency)
	if err != nil {
		return credit.Allocation{}, err
	}
	total, err := money.New(totalDue, cur)
	if err != nil {
		return credit.Allocation{}, err
	}
	balance, err := money.New(available, creditCur)
	if err != nil {
		return credit.Allocation{}, err
	}
	return h.allocator.AllocatePayment(total, balance, useCredit)
}

func encodeAllocationFields(e *jx.Encoder, a credit.Allocation) {
	encodeMoney(e, "creditApplied", a.CreditApplied)
	encodeMoney(e, "remainingDue", a.RemainingDue)
	encodeMoney(e, "creditSpent", a.CreditSpent)
	e.FieldStart("creditCurrency")
	e.Str(string(a.CreditSpent.Currency))
	e.FieldStart("rate")
	e.Str(a.Rate.String())
}
