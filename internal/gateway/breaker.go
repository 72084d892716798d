package gateway

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/xenking/blkd-checkout/internal/domain/checkout"
)

// BreakerConfig configures the circuit breaker around a gateway.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Breaker stops calling a failing gateway for a while. Declines are regular
// answers and do not count as failures, and neither do calls the caller
// canceled.
type Breaker struct {
	next checkout.Gateway
	cb   *gobreaker.CircuitBreaker[checkout.ChargeResult]
}

var _ checkout.Gateway = (*Breaker)(nil)

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next checkout.Gateway, cfg BreakerConfig, lg *zap.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, checkout.ErrGatewayFailure) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Breaker{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[checkout.ChargeResult](settings),
	}
}

// Charge implements checkout.Gateway.
func (b *Breaker) Charge(ctx context.Context, req checkout.ChargeRequest) (checkout.ChargeResult, error) {
	res, err := b.cb.Execute(func() (checkout.ChargeResult, error) {
		return b.next.Charge(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return checkout.ChargeResult{}, &checkout.GatewayError{Reason: checkout.ReasonUnavailable}
	}
	return res, err
}

// Check reports an error while the breaker is open. It fits health readiness
// checks.
func (b *Breaker) Check(context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return errors.New("payment gateway circuit is open")
	}
	return nil
}
