package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/blkd-checkout/internal/domain/wallet"
)

// ListInstruments returns the payer's credit balance and instruments for the
// payment selection step.
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	payerID := chi.URLParam(r, "payerId")

	account, err := h.wallets.GetAccount(r.Context(), payerID)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}
	instruments, err := h.wallets.ListInstruments(r.Context(), payerID)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("payerId")
		e.Str(account.PayerID)
		e.FieldStart("premium")
		e.Bool(account.Premium)
		encodeMoney(e, "credit", account.Credit)
		e.FieldStart("creditCurrency")
		e.Str(string(account.Credit.Currency))
		e.FieldStart("instruments")
		e.ArrStart()
		for _, inst := range instruments {
			encodeInstrument(e, inst)
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

func encodeInstrument(e *jx.Encoder, inst wallet.Instrument) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(inst.ID)
	e.FieldStart("kind")
	e.Str(string(inst.Kind))
	if inst.Label != "" {
		e.FieldStart("label")
		e.Str(inst.Label)
	}
	encodeMoney(e, "balance", inst.Balance)
	e.FieldStart("currency")
	e.Str(string(inst.Balance.Currency))
	e.ObjEnd()
}
