// Package handler implements the checkout HTTP API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/blkd-checkout/internal/domain/checkout"
	"github.com/xenking/blkd-checkout/internal/domain/credit"
	"github.com/xenking/blkd-checkout/internal/domain/wallet"
)

// CheckoutService is the checkout flow driven by the API.
type CheckoutService interface {
	Start(ctx context.Context, req checkout.StartRequest) (*checkout.Session, error)
	Get(ctx context.Context, id string) (*checkout.Session, error)
	Proceed(ctx context.Context, id string) (*checkout.Session, error)
	SelectPayment(ctx context.Context, id string, sel checkout.PaymentSelection) (*checkout.Session, error)
	Confirm(ctx context.Context, id string) (*checkout.Session, error)
	Retry(ctx context.Context, id string) (*checkout.Session, error)
}

var _ CheckoutService = (*checkout.Service)(nil)

// Wallets lists what a payer can pay with.
type Wallets interface {
	GetAccount(ctx context.Context, payerID string) (*wallet.Account, error)
	ListInstruments(ctx context.Context, payerID string) ([]wallet.Instrument, error)
}

// Handler serves quotes, payer wallets and checkout sessions.
type Handler struct {
	checkouts CheckoutService
	wallets   Wallets
	fees      checkout.FeeSource
	allocator *credit.Allocator
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	checkouts CheckoutService,
	wallets Wallets,
	fees checkout.FeeSource,
	allocator *credit.Allocator,
) *Handler {
	return &Handler{
		checkouts: checkouts,
		wallets:   wallets,
		fees:      fees,
		allocator: allocator,
	}
}

// Routes registers the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/quotes", func(r chi.Router) {
		r.Post("/fee", h.QuoteFee)
		r.Post("/allocation", h.QuoteAllocation)
	})
	r.Get("/payers/{payerId}/instruments", h.ListInstruments)
	r.Route("/checkouts", func(r chi.Router) {
		r.Post("/", h.StartCheckout)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetCheckout)
			r.Post("/proceed", h.ProceedCheckout)
			r.Post("/payment", h.SelectPayment)
			r.Post("/confirm", h.ConfirmCheckout)
			r.Post("/retry", h.RetryCheckout)
		})
	})
}

// Mount registers the API under /api on r. Middlewares apply to the API
// routes only. Unmatched paths answer with the JSON error body.
func (h *Handler) Mount(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(middlewares...)
		h.Routes(r)
	})
}

// Router returns a standalone router serving the API under /api.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}
