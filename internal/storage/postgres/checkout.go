package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/blkd-checkout/internal/domain/checkout"
	"github.com/xenking/blkd-checkout/internal/domain/credit"
	"github.com/xenking/blkd-checkout/internal/domain/money"
)

const (
	sessionColumns = `id, payer_id, currency, subject, state, version,
		subtotal, service_fee, total, fee_waived,
		use_credit, instrument_id,
		credit_unit, credit_applied, remaining_due, credit_spent, credit_rate,
		transaction_id, failure_reason, created_at, updated_at`

	createSessionSQL = `INSERT INTO checkout_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	getSessionSQL = `SELECT ` + sessionColumns + ` FROM checkout_sessions WHERE id = $1`

	updateSessionSQL = `UPDATE checkout_sessions SET
			state = $2, version = $3,
			subtotal = $4, service_fee = $5, total = $6, fee_waived = $7,
			use_credit = $8, instrument_id = $9,
			credit_unit = $10, credit_applied = $11, remaining_due = $12, credit_spent = $13, credit_rate = $14,
			transaction_id = $15, failure_reason = $16, updated_at = $17
		WHERE id = $1 AND state = $18 AND version = $19`

	sessionExistsSQL = `SELECT EXISTS (SELECT 1 FROM checkout_sessions WHERE id = $1)`
)

var _ checkout.SessionRepository = (*SessionRepository)(nil)

// SessionRepository implements checkout.SessionRepository backed by PostgreSQL.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository returns a SessionRepository that uses the given pool.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// allocationColumns holds the nullable allocation columns.
type allocationColumns struct {
	unit      *string
	applied   *decimal.Decimal
	remaining *decimal.Decimal
	spent     *decimal.Decimal
	rate      *decimal.Decimal
}

func allocationToColumns(a *credit.Allocation) allocationColumns {
	if a == nil {
		return allocationColumns{}
	}
	unit := string(a.CreditSpent.Currency)
	return allocationColumns{
		unit:      &unit,
		applied:   &a.CreditApplied.Amount,
		remaining: &a.RemainingDue.Amount,
		spent:     &a.CreditSpent.Amount,
		rate:      &a.Rate,
	}
}

func (c allocationColumns) toAllocation(total money.Money) *credit.Allocation {
	if c.unit == nil || c.applied == nil || c.remaining == nil || c.spent == nil || c.rate == nil {
		return nil
	}
	return &credit.Allocation{
		TotalDue:      total,
		CreditApplied: money.Money{Amount: *c.applied, Currency: total.Currency},
		RemainingDue:  money.Money{Amount: *c.remaining, Currency: total.Currency},
		CreditSpent:   money.Money{Amount: *c.spent, Currency: money.Currency(*c.unit)},
		Rate:          *c.rate,
	}
}

// Create persists a new session. The subject is serialized to JSON for
// storage in the JSONB column.
func (r *SessionRepository) Create(ctx context.Context, s *checkout.Session) error {
	subject, err := json.Marshal(s.Subject)
	if err != nil {
		return errors.Wrap(err, "marshal subject")
	}
	alloc := allocationToColumns(s.Allocation)

	_, err = r.pool.Exec(ctx, createSessionSQL,
		s.ID, s.PayerID, string(s.Currency), subject, string(s.State), s.Version,
		s.Fee.Subtotal.Amount, s.Fee.ServiceFee.Amount, s.Fee.Total.Amount, s.Fee.Waived,
		s.UseCredit, s.InstrumentID,
		alloc.unit, alloc.applied, alloc.remaining, alloc.spent, alloc.rate,
		s.TransactionID, s.FailureReason, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create session %q", s.ID)
	}
	return nil
}

// Get returns a session by id.
func (r *SessionRepository) Get(ctx context.Context, id string) (*checkout.Session, error) {
	rows, err := r.pool.Query(ctx, getSessionSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get session %q", id)
	}

	s, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, checkout.ErrSessionNotFound
		}
		return nil, errors.Wrapf(err, "get session %q", id)
	}
	return &s, nil
}

// Update stores s if the row is still at state from and version fromVersion.
func (r *SessionRepository) Update(ctx context.Context, s *checkout.Session, from checkout.State, fromVersion int64) error {
	alloc := allocationToColumns(s.Allocation)

	tag, err := r.pool.Exec(ctx, updateSessionSQL,
		s.ID, string(s.State), s.Version,
		s.Fee.Subtotal.Amount, s.Fee.ServiceFee.Amount, s.Fee.Total.Amount, s.Fee.Waived,
		s.UseCredit, s.InstrumentID,
		alloc.unit, alloc.applied, alloc.remaining, alloc.spent, alloc.rate,
		s.TransactionID, s.FailureReason, s.UpdatedAt,
		string(from), fromVersion,
	)
	if err != nil {
		return errors.Wrapf(err, "update session %q", s.ID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, sessionExistsSQL, s.ID).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check session %q", s.ID)
	}
	if !exists {
		return checkout.ErrSessionNotFound
	}
	return checkout.ErrConcurrentUpdate
}

func scanSession(row pgx.CollectableRow) (checkout.Session, error) {
	var (
		s                  checkout.Session
		currency, state    string
		subject            []byte
		subtotal, fee, tot decimal.Decimal
		alloc              allocationColumns
	)
	err := row.Scan(
		&s.ID, &s.PayerID, &currency, &subject, &state, &s.Version,
		&subtotal, &fee, &tot, &s.Fee.Waived,
		&s.UseCredit, &s.InstrumentID,
		&alloc.unit, &alloc.applied, &alloc.remaining, &alloc.spent, &alloc.rate,
		&s.TransactionID, &s.FailureReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}

	if err := json.Unmarshal(subject, &s.Subject); err != nil {
		return s, errors.Wrap(err, "unmarshal subject")
	}
	if s.State, err = checkout.ParseState(state); err != nil {
		return s, err
	}

	s.Currency = money.Currency(currency)
	s.Fee.Subtotal = money.Money{Amount: subtotal, Currency: s.Currency}
	s.Fee.ServiceFee = money.Money{Amount: fee, Currency: s.Currency}
	s.Fee.Total = money.Money{Amount: tot, Currency: s.Currency}
	s.Allocation = alloc.toAllocation(s.Fee.Total)

	return s, nil
}
