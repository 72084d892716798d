package checkout

import (
	"context"

	"github.com/xenking/blkd-checkout/internal/domain/money"
)

// ChargeRequest asks the payment gateway to charge an instrument.
type ChargeRequest struct {
	SessionID    string
	InstrumentID string
	Amount       money.Money
}

// ChargeResult is a successful charge.
type ChargeResult struct {
	TransactionID string
}

// Gateway charges conventional payment instruments. Declines are returned
// as *GatewayError.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}
