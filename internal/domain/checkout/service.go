package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/blkd-checkout/internal/domain/credit"
	"github.com/xenking/blkd-checkout/internal/domain/fee"
	"github.com/xenking/blkd-checkout/internal/domain/money"
	"github.com/xenking/blkd-checkout/internal/domain/wallet"
)

// SessionRepository defines persistence operations for sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Update stores s only if the stored session is still in state from at
	// version fromVersion, and returns ErrConcurrentUpdate otherwise.
	Update(ctx context.Context, s *Session, from State, fromVersion int64) error
}

// FeeSource provides the fee schedules in effect.
type FeeSource interface {
	Snapshot(ctx context.Context) (*fee.Snapshot, error)
}

// StartRequest holds the input for starting a checkout.
type StartRequest struct {
	PayerID  string
	Currency money.Currency
	Subject  Subject
}

// PaymentSelection is the payer's choice of how to pay.
type PaymentSelection struct {
	UseCredit    bool
	InstrumentID string
}

// Option configures a Service.
type Option func(*Service)

// WithEvents sets the publisher that receives transition events.
func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMeter records checkout outcomes with the meter.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) { s.meter = m }
}

// WithChargeTimeout bounds each gateway call.
func WithChargeTimeout(d time.Duration) Option {
	return func(s *Service) { s.chargeTimeout = d }
}

// Service drives checkout sessions through their states.
type Service struct {
	sessions  SessionRepository
	wallets   wallet.Repository
	fees      FeeSource
	allocator *credit.Allocator
	gateway   Gateway
	events    EventPublisher

	meter         metric.Meter
	outcomes      metric.Int64Counter
	chargeTimeout time.Duration

	now   func() time.Time
	newID func() string
}

// NewService creates a checkout Service with the required domain dependencies.
func NewService(
	sessions SessionRepository,
	wallets wallet.Repository,
	fees FeeSource,
	allocator *credit.Allocator,
	gateway Gateway,
	opts ...Option,
) (*Service, error) {
	s := &Service{
		sessions:      sessions,
		wallets:       wallets,
		fees:          fees,
		allocator:     allocator,
		gateway:       gateway,
		events:        NopPublisher{},
		meter:         noop.NewMeterProvider().Meter("checkout"),
		chargeTimeout: 10 * time.Second,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}

	outcomes, err := s.meter.Int64Counter("checkout.outcomes",
		metric.WithDescription("Checkouts that reached succeeded or failed"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create outcomes counter")
	}
	s.outcomes = outcomes

	return s, nil
}

// Start validates the subject, prices it for the payer and persists a new
// session in the reviewing state.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if req.PayerID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "payer id required")
	}
	currency, err := money.ParseCurrency(string(req.Currency))
	if err != nil {
		return nil, err
	}
	subtotal, err := req.Subject.Subtotal(currency)
	if err != nil {
		return nil, err
	}

	account, err := s.wallets.GetAccount(ctx, req.PayerID)
	if err != nil {
		return nil, errors.Wrap(err, "get account")
	}
	calc, err := s.price(ctx, subtotal, account.Premium)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &Session{
		ID:        s.newID(),
		PayerID:   req.PayerID,
		Currency:  currency,
		Subject:   req.Subject,
		State:     StateReviewing,
		Version:   1,
		Fee:       calc,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, errors.Wrap(err, "create session")
	}

	zctx.From(ctx).Info("Checkout started",
		zap.String("session_id", sess.ID),
		zap.String("payer_id", sess.PayerID),
		zap.Stringer("total", sess.Fee.Total),
	)
	s.publish(ctx, sess)

	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get session")
	}
	return sess, nil
}

// Proceed moves a reviewed session to payment selection.
func (s *Service) Proceed(ctx context.Context, id string) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != StateReviewing {
		return nil, errors.Wrapf(ErrIllegalTransition, "proceed in %s", sess.State)
	}
	if err := s.transition(ctx, sess, StateSelectingPayment, nil); err != nil {
		return nil, err
	}
	return sess, nil
}

// SelectPayment allocates the total between credit and an instrument and
// moves the session to confirming. A session in confirming goes back to
// selecting_payment first. When the selection is rejected the session stays
// in selecting_payment.
func (s *Service) SelectPayment(ctx context.Context, id string, sel PaymentSelection) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State == StateConfirming {
		if err := s.transition(ctx, sess, StateSelectingPayment, nil); err != nil {
			return nil, err
		}
	}
	if !CanTransition(sess.State, StateConfirming) {
		return nil, errors.Wrapf(ErrIllegalTransition, "select payment in %s", sess.State)
	}

	account, err := s.wallets.GetAccount(ctx, sess.PayerID)
	if err != nil {
		return nil, errors.Wrap(err, "get account")
	}
	alloc, err := s.allocator.AllocatePayment(sess.Fee.Total, account.Credit, sel.UseCredit)
	if err != nil {
		return nil, errors.Wrap(err, "allocate payment")
	}

	instrumentID := ""
	if !alloc.FullyCovered() {
		if err := s.checkInstrument(ctx, sess, sel.InstrumentID, alloc.RemainingDue); err != nil {
			return nil, err
		}
		instrumentID = sel.InstrumentID
	}

	err = s.transition(ctx, sess, StateConfirming, func(sess *Session) {
		sess.UseCredit = sel.UseCredit
		sess.InstrumentID = instrumentID
		sess.Allocation = &alloc
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) checkInstrument(ctx context.Context, sess *Session, id string, due money.Money) error {
	if id == "" {
		return ErrInstrumentRequired
	}
	inst, err := s.wallets.GetInstrument(ctx, id)
	if err != nil {
		if errors.Is(err, wallet.ErrInstrumentNotFound) {
			return errors.Wrapf(ErrInstrumentMismatch, "instrument %s not found", id)
		}
		return errors.Wrap(err, "get instrument")
	}
	if inst.PayerID != sess.PayerID {
		return errors.Wrapf(ErrInstrumentMismatch, "instrument %s belongs to another payer", id)
	}
	if inst.Balance.Currency != sess.Currency {
		return errors.Wrapf(ErrInstrumentMismatch, "instrument %s is in %s, checkout is in %s",
			id, inst.Balance.Currency, sess.Currency)
	}
	if !inst.Covers(due) {
		return &InsufficientFundsError{InstrumentID: id, Required: due, Available: inst.Balance}
	}
	return nil
}

// Confirm debits the payer's balances and charges the remaining amount. On a
// failure the debit is released, the session moves to failed and is returned
// together with the cause. Charges are never retried automatically.
func (s *Service) Confirm(ctx context.Context, id string) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Allocation == nil {
		return nil, errors.Wrapf(ErrIllegalTransition, "confirm in %s without payment", sess.State)
	}
	if err := s.transition(ctx, sess, StateProcessing, nil); err != nil {
		return nil, err
	}

	// The outcome must be recorded even if the caller goes away.
	persistCtx := context.WithoutCancel(ctx)

	alloc := sess.Allocation
	settlement := wallet.Settlement{
		PayerID:      sess.PayerID,
		CreditSpent:  alloc.CreditSpent,
		InstrumentID: sess.InstrumentID,
		Amount:       alloc.RemainingDue,
	}
	// Debit before charging: an approved charge must never end in failed.
	if err := s.wallets.Settle(persistCtx, settlement); err != nil {
		return s.fail(persistCtx, sess, ReasonSettlement, s.settlementError(persistCtx, sess, err))
	}

	var txID string
	if alloc.FullyCovered() {
		txID = "credit-" + s.newID()
	} else {
		res, err := s.charge(ctx, sess)
		if err != nil {
			s.release(persistCtx, sess, settlement)
			gwErr := asGatewayError(err)
			return s.fail(persistCtx, sess, gwErr.Reason, gwErr)
		}
		txID = res.TransactionID
	}

	err = s.transition(persistCtx, sess, StateSucceeded, func(sess *Session) {
		sess.TransactionID = txID
	})
	if err != nil {
		zctx.From(ctx).Error("Record approved payment",
			zap.String("session_id", sess.ID),
			zap.String("transaction_id", txID),
			zap.Error(err),
		)
		return nil, err
	}
	return sess, nil
}

// charge calls the gateway. A result the gateway returns is final even if
// the deadline passed meanwhile.
func (s *Service) charge(ctx context.Context, sess *Session) (ChargeResult, error) {
	if s.chargeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.chargeTimeout)
		defer cancel()
	}
	return s.gateway.Charge(ctx, ChargeRequest{
		SessionID:    sess.ID,
		InstrumentID: sess.InstrumentID,
		Amount:       sess.Allocation.RemainingDue,
	})
}

func (s *Service) release(ctx context.Context, sess *Session, settlement wallet.Settlement) {
	if err := s.wallets.Release(ctx, settlement); err != nil {
		zctx.From(ctx).Error("Release settlement",
			zap.String("session_id", sess.ID),
			zap.Stringer("settlement", settlement),
			zap.Error(err),
		)
	}
}

// settlementError reports which balance fell short and what it holds now.
func (s *Service) settlementError(ctx context.Context, sess *Session, err error) error {
	var balErr *wallet.BalanceError
	if !errors.As(err, &balErr) {
		return errors.Wrap(err, "settle")
	}

	if balErr.Credit() {
		out := &InsufficientFundsError{Required: sess.Allocation.CreditSpent}
		if account, err := s.wallets.GetAccount(ctx, sess.PayerID); err == nil {
			out.Available = account.Credit
		}
		return out
	}
	out := &InsufficientFundsError{InstrumentID: balErr.InstrumentID, Required: sess.Allocation.RemainingDue}
	if inst, err := s.wallets.GetInstrument(ctx, balErr.InstrumentID); err == nil {
		out.Available = inst.Balance
	}
	return out
}

func asGatewayError(err error) *GatewayError {
	var gwErr *GatewayError
	switch {
	case errors.As(err, &gwErr):
		return gwErr
	case errors.Is(err, context.DeadlineExceeded):
		return &GatewayError{Reason: ReasonTimeout}
	case errors.Is(err, context.Canceled):
		return &GatewayError{Reason: ReasonCanceled}
	default:
		return &GatewayError{Reason: ReasonError}
	}
}

// fail moves a processing session to failed and returns it with cause.
func (s *Service) fail(ctx context.Context, sess *Session, reason string, cause error) (*Session, error) {
	zctx.From(ctx).Warn("Checkout failed",
		zap.String("session_id", sess.ID),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	err := s.transition(ctx, sess, StateFailed, func(sess *Session) {
		sess.FailureReason = reason
	})
	if err != nil {
		return nil, errors.Wrap(err, "record failure")
	}
	return sess, cause
}

// Retry returns a failed session to payment selection with a fresh price.
func (s *Service) Retry(ctx context.Context, id string) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != StateFailed {
		return nil, errors.Wrapf(ErrIllegalTransition, "retry in %s", sess.State)
	}

	account, err := s.wallets.GetAccount(ctx, sess.PayerID)
	if err != nil {
		return nil, errors.Wrap(err, "get account")
	}
	calc, err := s.price(ctx, sess.Fee.Subtotal, account.Premium)
	if err != nil {
		return nil, err
	}

	err = s.transition(ctx, sess, StateSelectingPayment, func(sess *Session) {
		sess.clearPayment()
		sess.Fee = calc
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) price(ctx context.Context, subtotal money.Money, premium bool) (fee.Calculation, error) {
	snap, err := s.fees.Snapshot(ctx)
	if err != nil {
		return fee.Calculation{}, errors.Wrap(err, "fee schedules")
	}
	calc, err := fee.NewCalculator(snap).CalculateTotal(subtotal, premium)
	if err != nil {
		return fee.Calculation{}, errors.Wrap(err, "calculate total")
	}
	return calc, nil
}

// transition applies mutate, moves sess to state to and persists it with a
// compare-and-set on the previous state and version. sess is left unchanged
// when the transition is rejected.
func (s *Service) transition(ctx context.Context, sess *Session, to State, mutate func(*Session)) error {
	from, version := sess.State, sess.Version
	if !CanTransition(from, to) {
		return errors.Wrapf(ErrIllegalTransition, "%s to %s", from, to)
	}

	next := *sess
	if mutate != nil {
		mutate(&next)
	}
	next.State = to
	next.Version = version + 1
	next.UpdatedAt = s.now()

	if err := s.sessions.Update(ctx, &next, from, version); err != nil {
		return errors.Wrapf(err, "update session %s", sess.ID)
	}
	*sess = next

	zctx.From(ctx).Info("Checkout transition",
		zap.String("session_id", sess.ID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if to == StateSucceeded || to == StateFailed {
		s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(to))))
	}
	s.publish(ctx, sess)

	return nil
}

func (s *Service) publish(ctx context.Context, sess *Session) {
	e := Event{
		ID:            s.newID(),
		Type:          EventType(sess.State),
		SessionID:     sess.ID,
		PayerID:       sess.PayerID,
		State:         sess.State,
		Total:         sess.Fee.Total,
		RemainingDue:  sess.RemainingDue(),
		TransactionID: sess.TransactionID,
		Reason:        sess.FailureReason,
		OccurredAt:    sess.UpdatedAt,
	}
	if err := s.events.Publish(ctx, e); err != nil {
		zctx.From(ctx).Warn("Publish checkout event",
			zap.String("session_id", sess.ID),
			zap.String("type", e.Type),
			zap.Error(err),
		)
	}
}
