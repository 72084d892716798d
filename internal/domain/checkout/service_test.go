package checkout

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/blkd-checkout/internal/domain/credit"
	"github.com/xenking/blkd-checkout/internal/domain/fee"
	"github.com/xenking/blkd-checkout/internal/domain/money"
	"github.com/xenking/blkd-checkout/internal/domain/wallet"
)

// --- Mock implementations ---

type memSessions struct {
	mu       sync.Mutex
	byID     map[string]Session
	conflict bool
}

func newMemSessions() *memSessions {
	return &memSessions{byID: map[string]Session{}}
}

func (m *memSessions) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = *s
	return nil
}

func (m *memSessions) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *memSessions) Update(_ context.Context, s *Session, from State, fromVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if m.conflict || cur.State != from || cur.Version != fromVersion {
		return ErrConcurrentUpdate
	}
	m.byID[s.ID] = *s
	return nil
}

// mockWallets keeps balances so that debits made by one session are seen by
// the next.
type mockWallets struct {
	accounts    map[string]*wallet.Account
	instruments map[string]*wallet.Instrument
	settleErr   error
	settled     []wallet.Settlement
	released    []wallet.Settlement
}

func (m *mockWallets) GetAccount(_ context.Context, payerID string) (*wallet.Account, error) {
	a, ok := m.accounts[payerID]
	if !ok {
		return nil, wallet.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockWallets) GetInstrument(_ context.Context, id string) (*wallet.Instrument, error) {
	i, ok := m.instruments[id]
	if !ok {
		return nil, wallet.ErrInstrumentNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *mockWallets) Settle(_ context.Context, s wallet.Settlement) error {
	if m.settleErr != nil {
		return m.settleErr
	}
	account, ok := m.accounts[s.PayerID]
	if !ok || account.Credit.LessThan(s.CreditSpent) {
		return &wallet.BalanceError{PayerID: s.PayerID}
	}
	var inst *wallet.Instrument
	if s.InstrumentID != "" && s.Amount.Amount.IsPositive() {
		inst, ok = m.instruments[s.InstrumentID]
		if !ok || !inst.Covers(s.Amount) {
			return &wallet.BalanceError{PayerID: s.PayerID, InstrumentID: s.InstrumentID}
		}
	}

	account.Credit = account.Credit.Sub(s.CreditSpent)
	if inst != nil {
		inst.Balance = inst.Balance.Sub(s.Amount)
	}
	m.settled = append(m.settled, s)
	return nil
}

func (m *mockWallets) Release(_ context.Context, s wallet.Settlement) error {
	account := m.accounts[s.PayerID]
	account.Credit = account.Credit.Add(s.CreditSpent)
	if inst, ok := m.instruments[s.InstrumentID]; ok && s.Amount.Amount.IsPositive() {
		inst.Balance = inst.Balance.Add(s.Amount)
	}
	m.released = append(m.released, s)
	return nil
}

func (m *mockWallets) credit(payerID string) decimal.Decimal {
	return m.accounts[payerID].Credit.Amount
}

func (m *mockWallets) balance(id string) decimal.Decimal {
	return m.instruments[id].Balance.Amount
}

type staticFees struct {
	snap *fee.Snapshot
	err  error
}

func (f staticFees) Snapshot(context.Context) (*fee.Snapshot, error) {
	return f.snap, f.err
}

type mockGateway struct {
	calls []ChargeRequest
	err   error
	block bool
	// delay is spent before answering, ignoring ctx.
	delay time.Duration
}

func (m *mockGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	m.calls = append(m.calls, req)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.block {
		<-ctx.Done()
		return ChargeResult{}, ctx.Err()
	}
	if m.err != nil {
		return ChargeResult{}, m.err
	}
	return ChargeResult{TransactionID: "tx-" + req.SessionID}, nil
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []string {
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// --- Helpers ---

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fixture struct {
	svc      *Service
	sessions *memSessions
	wallets  *mockWallets
	gateway  *mockGateway
	events   *recordingPublisher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	snap, err := fee.NewSnapshot([]fee.Schedule{{
		Currency:   money.USD,
		Percentage: d("2.9"),
		FlatFee:    d("0.30"),
		MinFee:     d("0.30"),
		MaxFee:     d("25"),
	}}, time.Now())
	require.NoError(t, err)

	f := &fixture{
		sessions: newMemSessions(),
		wallets: &mockWallets{
			accounts: map[string]*wallet.Account{
				"alice": {PayerID: "alice", Credit: money.MustParse("3420", money.BLKD)},
				"bob":   {PayerID: "bob", Credit: money.MustParse("50", money.BLKD)},
				"carol": {PayerID: "carol", Premium: true, Credit: money.MustParse("0", money.BLKD)},
			},
			instruments: map[string]*wallet.Instrument{
				"bob-card":   {ID: "bob-card", PayerID: "bob", Kind: wallet.KindCard, Balance: money.MustParse("200", money.USD)},
				"bob-low":    {ID: "bob-low", PayerID: "bob", Kind: wallet.KindBank, Balance: money.MustParse("10", money.USD)},
				"bob-eur":    {ID: "bob-eur", PayerID: "bob", Kind: wallet.KindWallet, Balance: money.MustParse("500", money.EUR)},
				"alice-card": {ID: "alice-card", PayerID: "alice", Kind: wallet.KindCard, Balance: money.MustParse("1000", money.USD)},
			},
		},
		gateway: &mockGateway{},
		events:  &recordingPublisher{},
	}

	opts = append([]Option{WithEvents(f.events)}, opts...)
	svc, err := NewService(f.sessions, f.wallets, staticFees{snap: snap},
		credit.NewAllocator(credit.Parity()), f.gateway, opts...)
	require.NoError(t, err)

	var n int
	svc.newID = func() string {
		n++
		return "id-" + strings.Repeat("x", n)
	}
	svc.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	f.svc = svc

	return f
}

func orderFor(payerID string) StartRequest {
	return StartRequest{
		PayerID:  payerID,
		Currency: money.USD,
		Subject: Subject{
			Kind: KindOrder,
			Items: []LineItem{
				{ProductID: "p1", UnitPrice: d("40.00"), Quantity: 2},
				{ProductID: "p2", UnitPrice: d("20.00"), Quantity: 1},
			},
		},
	}
}

func (f *fixture) startAndProceed(t *testing.T, payerID string) *Session {
	t.Helper()
	ctx := context.Background()

	sess, err := f.svc.Start(ctx, orderFor(payerID))
	require.NoError(t, err)
	sess, err = f.svc.Proceed(ctx, sess.ID)
	require.NoError(t, err)
	return sess
}

// --- Tests ---

func TestStart(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.Start(context.Background(), orderFor("alice"))
	require.NoError(t, err)

	assert.Equal(t, StateReviewing, sess.State)
	assert.Equal(t, int64(1), sess.Version)
	assert.True(t, d("100").Equal(sess.Fee.Subtotal.Amount))
	assert.True(t, d("3.20").Equal(sess.Fee.ServiceFee.Amount))
	assert.True(t, d("103.20").Equal(sess.Fee.Total.Amount))
	assert.True(t, sess.RemainingDue().Equal(sess.Fee.Total))

	stored, err := f.svc.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Fee, stored.Fee)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, "checkout.reviewing", f.events.events[0].Type)
	assert.Equal(t, "alice", f.events.events[0].PayerID)
}

func TestStart_PremiumWaiver(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.Start(context.Background(), orderFor("carol"))
	require.NoError(t, err)
	assert.True(t, sess.Fee.Waived)
	assert.True(t, sess.Fee.ServiceFee.IsZero())
	assert.True(t, d("100").Equal(sess.Fee.Total.Amount))
}

func TestStart_Invoice(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.Start(context.Background(), StartRequest{
		PayerID:  "bob",
		Currency: "usd",
		Subject:  Subject{Kind: KindInvoice, InvoiceID: "inv-7", InvoiceAmount: d("12.50")},
	})
	require.NoError(t, err)
	assert.Equal(t, money.USD, sess.Currency)
	assert.True(t, d("13.16").Equal(sess.Fee.Total.Amount))
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     StartRequest
		wantErr error
	}{
		{
			name:    "missing payer",
			req:     StartRequest{Currency: money.USD, Subject: Subject{Kind: KindInvoice, InvoiceID: "i", InvoiceAmount: d("1")}},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "empty items",
			req:     StartRequest{PayerID: "alice", Currency: money.USD, Subject: Subject{Kind: KindOrder}},
			wantErr: ErrEmptyItems,
		},
		{
			name: "negative price",
			req: StartRequest{PayerID: "alice", Currency: money.USD, Subject: Subject{
				Kind: KindOrder, Items: []LineItem{{ProductID: "p1", UnitPrice: d("-1"), Quantity: 1}},
			}},
			wantErr: money.ErrInvalidAmount,
		},
		{
			name:    "invoice without id",
			req:     StartRequest{PayerID: "alice", Currency: money.USD, Subject: Subject{Kind: KindInvoice, InvoiceAmount: d("1")}},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unknown kind",
			req:     StartRequest{PayerID: "alice", Currency: money.USD, Subject: Subject{Kind: "subscription"}},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "bad currency",
			req:     StartRequest{PayerID: "alice", Currency: "US", Subject: Subject{Kind: KindInvoice, InvoiceID: "i", InvoiceAmount: d("1")}},
			wantErr: money.ErrInvalidCurrency,
		},
		{
			name:    "unknown payer",
			req:     orderFor("mallory"),
			wantErr: wallet.ErrAccountNotFound,
		},
		{
			name:    "no schedule for currency",
			req:     StartRequest{PayerID: "alice", Currency: money.GBP, Subject: Subject{Kind: KindInvoice, InvoiceID: "i", InvoiceAmount: d("1")}},
			wantErr: fee.ErrNoSchedule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Start(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := f.svc.Start(ctx, StartRequest{PayerID: "alice", Currency: money.USD, Subject: Subject{
		Kind: KindOrder, Items: []LineItem{{ProductID: "p1", UnitPrice: d("1"), Quantity: 0}},
	}})
	var iqErr *InvalidQuantityError
	require.ErrorAs(t, err, &iqErr)
	assert.Equal(t, "p1", iqErr.ProductID)

	assert.Empty(t, f.events.events)
}

func TestCheckout_CreditOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startAndProceed(t, "alice")

	sess, err := f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{UseCredit: true})
	require.NoError(t, err)
	assert.Equal(t, StateConfirming, sess.State)
	require.NotNil(t, sess.Allocation)
	assert.True(t, sess.Allocation.FullyCovered())
	assert.Empty(t, sess.InstrumentID)

	sess, err = f.svc.Confirm(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, sess.State)
	assert.True(t, strings.HasPrefix(sess.TransactionID, "credit-"))
	assert.Empty(t, f.gateway.calls)

	require.Len(t, f.wallets.settled, 1)
	assert.True(t, d("103.20").Equal(f.wallets.settled[0].CreditSpent.Amount))
	assert.True(t, f.wallets.settled[0].Amount.IsZero())
	assert.True(t, d("3316.80").Equal(f.wallets.credit("alice")))

	assert.Equal(t, []string{
		"checkout.reviewing",
		"checkout.selecting_payment",
		"checkout.confirming",
		"checkout.processing",
		"checkout.succeeded",
	}, f.events.types())
}

func TestCheckout_PartialCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startAndProceed(t, "bob")

	sess, err := f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{UseCredit: true, InstrumentID: "bob-card"})
	require.NoError(t, err)
	assert.True(t, d("50").Equal(sess.Allocation.CreditApplied.Amount))
	assert.True(t, d("53.20").Equal(sess.RemainingDue().Amount))

	sess, err = f.svc.Confirm(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, sess.State)
	assert.Equal(t, "tx-"+sess.ID, sess.TransactionID)

	require.Len(t, f.gateway.calls, 1)
	assert.Equal(t, "bob-card", f.gateway.calls[0].InstrumentID)
	assert.True(t, d("53.20").Equal(f.gateway.calls[0].Amount.Amount))

	require.Len(t, f.wallets.settled, 1)
	assert.Equal(t, "bob-card", f.wallets.settled[0].InstrumentID)
	assert.True(t, d("50").Equal(f.wallets.settled[0].CreditSpent.Amount))
	assert.True(t, f.wallets.credit("bob").IsZero())
	assert.True(t, d("146.80").Equal(f.wallets.balance("bob-card")))
}

func TestSelectPayment_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startAndProceed(t, "bob")

	_, err := f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{UseCredit: true})
	require.ErrorIs(t, err, ErrInstrumentRequired)

	_, err = f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{InstrumentID: "alice-card"})
	require.ErrorIs(t, err, ErrInstrumentMismatch)

	_, err = f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{InstrumentID: "bob-eur"})
	require.ErrorIs(t, err, ErrInstrumentMismatch)

	_, err = f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{InstrumentID: "missing"})
	require.ErrorIs(t, err, ErrInstrumentMismatch)

	_, err = f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{UseCredit: true, InstrumentID: "bob-low"})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	var ifErr *InsufficientFundsError
	require.ErrorAs(t, err, &ifErr)
	assert.Equal(t, "bob-low", ifErr.InstrumentID)
	assert.True(t, d("53.20").Equal(ifErr.Required.Amount))

	stored, err := f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSelectingPayment, stored.State)
	assert.Nil(t, stored.Allocation)
}

func TestSelectPayment_ChangeFromConfirming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startAndProceed(t, "bob")

	sess, err := f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{InstrumentID: "bob-card"})
	require.NoError(t, err)
	assert.True(t, d("103.20").Equal(sess.RemainingDue().Amount))

	sess, err = f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{UseCredit: true, InstrumentID: "bob-card"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirming, sess.State)
	assert.True(t, d("53.20").Equal(sess.RemainingDue().Amount))
}

func TestConfirm_GatewayFailureAndRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startAndProceed(t, "bob")
	selection := PaymentSelection{UseCredit: true, InstrumentID: "bob-card"}

	_, err := f.svc.SelectPayment(ctx, sess.ID, selection)
	require.NoError(t, err)

	f.gateway.err = &GatewayError{Reason: "card_declined"}
	failed, err := f.svc.Confirm(ctx, sess.ID)
	require.ErrorIs(t, err, ErrGatewayFailure)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "card_declined", gwErr.Reason)

	require.NotNil(t, failed)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, "card_declined", failed.FailureReason)
	assert.Len(t, f.gateway.calls, 1)

	// The declined charge gives the debited balances back.
	assert.Len(t, f.wallets.settled, 1)
	assert.Len(t, f.wallets.released, 1)
	assert.True(t, d("50").Equal(f.wallets.credit("bob")))
	assert.True(t, d("200").Equal(f.wallets.balance("bob-card")))

	retried, err := f.svc.Retry(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSelectingPayment, retried.State)
	assert.Nil(t, retried.Allocation)
	assert.Empty(t, retried.FailureReason)

	f.gateway.err = nil
	_, err = f.svc.SelectPayment(ctx, sess.ID, selection)
	require.NoError(t, err)
	done, err := f.svc.Confirm(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, done.State)
	assert.Len(t, f.gateway.calls, 2)
	assert.True(t, f.wallets.credit("bob").IsZero())
	assert.True(t, d("146.80").Equal(f.wallets.balance("bob-card")))
}

func TestConfirm_GatewayTimeout(t *testing.T) {
	f := newFixture(t, WithChargeTimeout(10*time.Millisecond))
	ctx := context.Background()
	sess := f.startAndProceed(t, "bob")

	_, err := f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{InstrumentID: "bob-card"})
	require.NoError(t, err)

	f.gateway.block = true
	failed, err := f.svc.Confirm(ctx, sess.ID)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ReasonTimeout, gwErr.Reason)
	assert.Equal(t, StateFailed, failed.State)
	assert.Len(t, f.wallets.released, 1)
}

func TestConfirm_LateApprovalIsKept(t *testing.T) {
	f := newFixture(t, WithChargeTimeout(10*time.Millisecond))
	ctx := context.Background()
	sess := f.startAndProceed(t, "bob")

	_, err := f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{InstrumentID: "bob-card"})
	require.NoError(t, err)

	// The gateway answers after the deadline without looking at ctx.
	f.gateway.delay = 30 * time.Millisecond
	done, err := f.svc.Confirm(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, done.State)
	assert.Equal(t, "tx-"+sess.ID, done.TransactionID)
	assert.Empty(t, f.wallets.released)
	assert.True(t, d("96.80").Equal(f.wallets.balance("bob-card")))
}

func TestConfirm_CanceledRequestStillRecordsFailure(t *testing.T) {
	f := newFixture(t)
	sess := f.startAndProceed(t, "bob")

	_, err := f.svc.SelectPayment(context.Background(), sess.ID, PaymentSelection{InstrumentID: "bob-card"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f.gateway.block = true
	go cancel()

	failed, err := f.svc.Confirm(ctx, sess.ID)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ReasonCanceled, gwErr.Reason)

	stored, err := f.svc.Get(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
}

func TestConfirm_InstrumentShortfall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startAndProceed(t, "bob")

	_, err := f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{InstrumentID: "bob-card"})
	require.NoError(t, err)

	// The card was drawn down after payment selection.
	f.wallets.instruments["bob-card"].Balance = money.MustParse("20", money.USD)

	failed, err := f.svc.Confirm(ctx, sess.ID)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	var ifErr *InsufficientFundsError
	require.ErrorAs(t, err, &ifErr)
	assert.Equal(t, "bob-card", ifErr.InstrumentID)
	assert.True(t, money.MustParse("103.20", money.USD).Equal(ifErr.Required))
	assert.True(t, money.MustParse("20", money.USD).Equal(ifErr.Available))
	assert.Equal(t, "insufficient funds on instrument bob-card: 103.20 USD required, 20.00 USD available", err.Error())

	require.NotNil(t, failed)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, ReasonSettlement, failed.FailureReason)
	assert.Empty(t, f.gateway.calls)
	assert.True(t, d("50").Equal(f.wallets.credit("bob")))
}

func TestConfirm_CreditSpentByAnotherSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.startAndProceed(t, "bob")
	second := f.startAndProceed(t, "bob")
	selection := PaymentSelection{UseCredit: true, InstrumentID: "bob-card"}

	// Both sessions plan to spend the same 50 BLKD.
	_, err := f.svc.SelectPayment(ctx, first.ID, selection)
	require.NoError(t, err)
	_, err = f.svc.SelectPayment(ctx, second.ID, selection)
	require.NoError(t, err)

	done, err := f.svc.Confirm(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, done.State)

	failed, err := f.svc.Confirm(ctx, second.ID)
	var ifErr *InsufficientFundsError
	require.ErrorAs(t, err, &ifErr)
	assert.Empty(t, ifErr.InstrumentID)
	assert.True(t, money.MustParse("50", money.BLKD).Equal(ifErr.Required))
	assert.True(t, money.Zero(money.BLKD).Equal(ifErr.Available))
	assert.Equal(t, "insufficient funds on credit: 50.00 BLKD required, 0.00 BLKD available", err.Error())

	require.NotNil(t, failed)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, ReasonSettlement, failed.FailureReason)
	// The second session was never charged.
	require.Len(t, f.gateway.calls, 1)
	assert.Equal(t, first.ID, f.gateway.calls[0].SessionID)

	_, err = f.svc.Retry(ctx, second.ID)
	require.NoError(t, err)
	sess, err := f.svc.SelectPayment(ctx, second.ID, selection)
	require.NoError(t, err)
	assert.True(t, d("103.20").Equal(sess.RemainingDue().Amount))

	done, err = f.svc.Confirm(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, done.State)

	var charged []decimal.Decimal
	for _, call := range f.gateway.calls {
		if call.SessionID == second.ID {
			charged = append(charged, call.Amount.Amount)
		}
	}
	require.Len(t, charged, 1)
	assert.True(t, d("103.20").Equal(charged[0]))
	assert.True(t, d("43.60").Equal(f.wallets.balance("bob-card")))
}

func TestConfirm_SettlementError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startAndProceed(t, "bob")

	_, err := f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{InstrumentID: "bob-card"})
	require.NoError(t, err)

	f.wallets.settleErr = errors.New("connection reset")
	failed, err := f.svc.Confirm(ctx, sess.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, ReasonSettlement, failed.FailureReason)
	assert.Empty(t, f.gateway.calls)
}

func TestIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Start(ctx, orderFor("alice"))
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, sess.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{UseCredit: true})
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.svc.Retry(ctx, sess.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.svc.Proceed(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.svc.Proceed(ctx, sess.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.svc.SelectPayment(ctx, sess.ID, PaymentSelection{UseCredit: true})
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, sess.ID)
	require.NoError(t, err)

	// Succeeded is final.
	_, err = f.svc.Retry(ctx, sess.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)
	_, err = f.svc.Confirm(ctx, sess.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.svc.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Start(ctx, orderFor("alice"))
	require.NoError(t, err)

	f.sessions.conflict = true
	_, err = f.svc.Proceed(ctx, sess.ID)
	require.ErrorIs(t, err, ErrConcurrentUpdate)

	f.sessions.conflict = false
	stored, err := f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReviewing, stored.State)
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")

	sess, err := f.svc.Start(context.Background(), orderFor("alice"))
	require.NoError(t, err)
	assert.Equal(t, StateReviewing, sess.State)
	assert.Len(t, f.events.events, 1)
}
