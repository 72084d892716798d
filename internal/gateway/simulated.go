// Package gateway provides payment gateway implementations for checkout.
package gateway

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/blkd-checkout/internal/domain/checkout"
)

// ReasonDeclined is the decline code of the default decision function.
const ReasonDeclined = "card_declined"

// Decision returns a decline reason for req, or "" to approve it.
type Decision func(req checkout.ChargeRequest) string

// DeclineRatio declines the given share of charges at random.
func DeclineRatio(ratio float64) Decision {
	return func(checkout.ChargeRequest) string {
		if ratio > 0 && rand.Float64() < ratio {
			return ReasonDeclined
		}
		return ""
	}
}

// Simulated stands in for a real payment processor: it waits for a fixed
// latency and approves or declines according to its Decision.
type Simulated struct {
	latency time.Duration
	decide  Decision
}

var _ checkout.Gateway = (*Simulated)(nil)

// NewSimulated creates a Simulated gateway. A nil decide approves every charge.
func NewSimulated(latency time.Duration, decide Decision) *Simulated {
	if decide == nil {
		decide = func(checkout.ChargeRequest) string { return "" }
	}
	return &Simulated{latency: latency, decide: decide}
}

// Charge implements checkout.Gateway.
func (g *Simulated) Charge(ctx context.Context, req checkout.ChargeRequest) (checkout.ChargeResult, error) {
	if g.latency > 0 {
		timer := time.NewTimer(g.latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return checkout.ChargeResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	lg := zctx.From(ctx).With(
		zap.String("session_id", req.SessionID),
		zap.String("instrument_id", req.InstrumentID),
		zap.Stringer("amount", req.Amount),
	)
	if reason := g.decide(req); reason != "" {
		lg.Info("Charge declined", zap.String("reason", reason))
		return checkout.ChargeResult{}, &checkout.GatewayError{Reason: reason}
	}

	res := checkout.ChargeResult{TransactionID: "sim-" + uuid.NewString()}
	lg.Debug("Charge approved", zap.String("transaction_id", res.TransactionID))
	return res, nil
}
