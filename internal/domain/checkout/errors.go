package checkout

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/blkd-checkout/internal/domain/money"
)

// Sentinel errors for checkout flow validation.
var (
	ErrSessionNotFound    = errors.New("checkout session not found")
	ErrIllegalTransition  = errors.New("illegal checkout transition")
	ErrConcurrentUpdate   = errors.New("checkout session was modified concurrently")
	ErrInvalidRequest     = errors.New("invalid checkout request")
	ErrEmptyItems         = errors.New("items required")
	ErrInstrumentRequired = errors.New("payment instrument required")
	ErrInstrumentMismatch = errors.New("payment instrument does not match checkout")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrGatewayFailure     = errors.New("payment gateway failure")
)

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// InsufficientFundsError indicates the chosen instrument cannot cover the
// amount left after credit. An empty InstrumentID means the BLKD credit
// balance was short. Available is zero Money when the balance is unknown.
type InsufficientFundsError struct {
	InstrumentID string
	Required     money.Money
	Available    money.Money
}

func (e *InsufficientFundsError) Error() string {
	source := "credit"
	if e.InstrumentID != "" {
		source = "instrument " + e.InstrumentID
	}
	if e.Available.Currency == "" {
		return fmt.Sprintf("insufficient funds on %s: %s required", source, e.Required)
	}
	return fmt.Sprintf("insufficient funds on %s: %s required, %s available",
		source, e.Required, e.Available)
}

// Is reports whether target is ErrInsufficientFunds.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Gateway failure reasons not produced by the gateway itself.
const (
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonUnavailable = "gateway_unavailable"
	ReasonError       = "gateway_error"
	ReasonSettlement  = "settlement_failed"
)

// GatewayError is a declined or failed charge. Reason is a short code such
// as "card_declined" or "timeout".
type GatewayError struct {
	Reason string
}

func (e *GatewayError) Error() string {
	return "payment gateway failure: " + e.Reason
}

// Is reports whether target is ErrGatewayFailure.
func (e *GatewayError) Is(target error) bool {
	return target == ErrGatewayFailure
}
