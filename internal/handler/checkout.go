package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/blkd-checkout/internal/domain/checkout"
	"github.com/xenking/blkd-checkout/internal/domain/credit"
	"github.com/xenking/blkd-checkout/internal/domain/fee"
	"github.com/xenking/blkd-checkout/internal/domain/money"
	"github.com/xenking/blkd-checkout/internal/domain/wallet"
)

// StartCheckout creates a session for an order or an invoice.
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkout.StartRequest
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "payerId":
			v, err := d.Str()
			req.PayerID = v
			return err
		case "currency":
			v, err := d.Str()
			req.Currency = money.Currency(v)
			return err
		case "kind":
			v, err := d.Str()
			req.Subject.Kind = checkout.SubjectKind(v)
			return err
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				item, err := decodeLineItem(d)
				req.Subject.Items = append(req.Subject.Items, item)
				return err
			})
		case "invoice":
			return d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "id":
					req.Subject.InvoiceID, err = d.Str()
				case "amount":
					req.Subject.InvoiceAmount, err = decodeDecimal(d)
				default:
					err = d.Skip()
				}
				return err
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}
	if req.Subject.Kind == "" {
		switch {
		case req.Subject.InvoiceID != "":
			req.Subject.Kind = checkout.KindInvoice
		case len(req.Subject.Items) > 0:
			req.Subject.Kind = checkout.KindOrder
		}
	}

	sess, err := h.checkouts.Start(r.Context(), req)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/checkouts/"+sess.ID)
	writeSession(w, http.StatusCreated, sess)
}

func decodeLineItem(d *jx.Decoder) (checkout.LineItem, error) {
	var item checkout.LineItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			item.ProductID, err = d.Str()
		case "unitPrice":
			item.UnitPrice, err = decodeDecimal(d)
		case "quantity":
			item.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	return item, err
}

// GetCheckout returns a session.
func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	sess, err := h.checkouts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}
	writeSession(w, http.StatusOK, sess)
}

// ProceedCheckout moves a reviewed session to payment selection.
func (h *Handler) ProceedCheckout(w http.ResponseWriter, r *http.Request) {
	sess, err := h.checkouts.Proceed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}
	writeSession(w, http.StatusOK, sess)
}

// SelectPayment chooses credit use and an instrument.
func (h *Handler) SelectPayment(w http.ResponseWriter, r *http.Request) {
	var sel checkout.PaymentSelection
	err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "useCredit":
			sel.UseCredit, err = d.Bool()
		case "instrumentId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			sel.InstrumentID, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	sess, err := h.checkouts.SelectPayment(r.Context(), chi.URLParam(r, "id"), sel)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}
	writeSession(w, http.StatusOK, sess)
}

// ConfirmCheckout settles and charges the session. A declined charge answers
// 402 with the failed session.
func (h *Handler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	sess, err := h.checkouts.Confirm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if sess != nil && errors.Is(err, checkout.ErrGatewayFailure) {
			writeSession(w, http.StatusPaymentRequired, sess)
			return
		}
		h.writeCheckoutError(w, r, err)
		return
	}
	writeSession(w, http.StatusOK, sess)
}

// RetryCheckout returns a failed session to payment selection.
func (h *Handler) RetryCheckout(w http.ResponseWriter, r *http.Request) {
	sess, err := h.checkouts.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}
	writeSession(w, http.StatusOK, sess)
}

// mapCheckoutError converts domain errors to HTTP status codes and messages.
// Unknown errors map to 500 with a generic message.
func mapCheckoutError(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidBody),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrInvalidCurrency),
		errors.Is(err, checkout.ErrInvalidRequest),
		errors.Is(err, checkout.ErrEmptyItems):
		return http.StatusBadRequest, err.Error()
	}

	var iqErr *checkout.InvalidQuantityError
	if errors.As(err, &iqErr) {
		return http.StatusBadRequest, iqErr.Error()
	}

	switch {
	case errors.Is(err, checkout.ErrSessionNotFound):
		return http.StatusNotFound, "checkout session not found"
	case errors.Is(err, wallet.ErrAccountNotFound):
		return http.StatusNotFound, "payer account not found"
	case errors.Is(err, checkout.ErrIllegalTransition),
		errors.Is(err, checkout.ErrConcurrentUpdate):
		return http.StatusConflict, err.Error()
	case errors.Is(err, checkout.ErrInsufficientFunds),
		errors.Is(err, checkout.ErrInstrumentRequired),
		errors.Is(err, checkout.ErrInstrumentMismatch),
		errors.Is(err, fee.ErrNoSchedule),
		errors.Is(err, credit.ErrNoRate):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, checkout.ErrGatewayFailure):
		return http.StatusPaymentRequired, err.Error()
	}

	return http.StatusInternalServerError, "internal error"
}

func (h *Handler) writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := mapCheckoutError(err)
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	writeError(w, status, msg)
}

func writeSession(w http.ResponseWriter, status int, s *checkout.Session) {
	writeJSON(w, status, func(e *jx.Encoder) {
		encodeSession(e, s)
	})
}

func encodeSession(e *jx.Encoder, s *checkout.Session) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(s.ID)
	e.FieldStart("payerId")
	e.Str(s.PayerID)
	e.FieldStart("state")
	e.Str(string(s.State))
	e.FieldStart("version")
	e.Int64(s.Version)
	e.FieldStart("terminal")
	e.Bool(s.State.Terminal())
	e.FieldStart("currency")
	e.Str(string(s.Currency))

	e.FieldStart("kind")
	e.Str(string(s.Subject.Kind))
	switch s.Subject.Kind {
	case checkout.KindOrder:
		e.FieldStart("items")
		e.ArrStart()
		for _, item := range s.Subject.Items {
			e.ObjStart()
			e.FieldStart("productId")
			e.Str(item.ProductID)
			e.FieldStart("unitPrice")
			e.Str(item.UnitPrice.String())
			e.FieldStart("quantity")
			e.Int(item.Quantity)
			e.ObjEnd()
		}
		e.ArrEnd()
	case checkout.KindInvoice:
		e.FieldStart("invoice")
		e.ObjStart()
		e.FieldStart("id")
		e.Str(s.Subject.InvoiceID)
		e.FieldStart("amount")
		e.Str(s.Subject.InvoiceAmount.String())
		e.ObjEnd()
	}

	encodeMoney(e, "subtotal", s.Fee.Subtotal)
	encodeMoney(e, "serviceFee", s.Fee.ServiceFee)
	encodeMoney(e, "total", s.Fee.Total)
	e.FieldStart("feeWaived")
	e.Bool(s.Fee.Waived)

	e.FieldStart("useCredit")
	e.Bool(s.UseCredit)
	if s.InstrumentID != "" {
		e.FieldStart("instrumentId")
		e.Str(s.InstrumentID)
	}
	if s.Allocation != nil {
		e.FieldStart("allocation")
		e.ObjStart()
		encodeAllocationFields(e, *s.Allocation)
		e.ObjEnd()
	}
	encodeMoney(e, "remainingDue", s.RemainingDue())

	if s.TransactionID != "" {
		e.FieldStart("transactionId")
		e.Str(s.TransactionID)
	}
	if s.FailureReason != "" {
		e.FieldStart("failureReason")
		e.Str(s.FailureReason)
	}
	encodeTime(e, "createdAt", s.CreatedAt)
	encodeTime(e, "updatedAt", s.UpdatedAt)
	e.ObjEnd()
}
