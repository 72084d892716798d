package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/blkd-checkout/internal/domain/money"
	"github.com/xenking/blkd-checkout/internal/domain/wallet"
)

const (
	getAccountSQL = `SELECT payer_id, premium, credit_unit, credit_balance
		FROM accounts WHERE payer_id = $1`

	getInstrumentSQL = `SELECT id, payer_id, kind, label, currency, balance
		FROM instruments WHERE id = $1`

	listInstrumentsSQL = `SELECT id, payer_id, kind, label, currency, balance
		FROM instruments WHERE payer_id = $1 ORDER BY id`

	upsertAccountSQL = `INSERT INTO accounts (payer_id, premium, credit_unit, credit_balance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (payer_id) DO UPDATE SET
			premium = EXCLUDED.premium,
			credit_unit = EXCLUDED.credit_unit,
			credit_balance = EXCLUDED.credit_balance,
			updated_at = now()`

	upsertInstrumentSQL = `INSERT INTO instruments (id, payer_id, kind, label, currency, balance)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			label = EXCLUDED.label,
			currency = EXCLUDED.currency,
			balance = EXCLUDED.balance,
			updated_at = now()`

	debitCreditSQL = `UPDATE accounts
		SET credit_balance = credit_balance - $2, updated_at = now()
		WHERE payer_id = $1 AND credit_unit = $3 AND credit_balance >= $2`

	debitInstrumentSQL = `UPDATE instruments
		SET balance = balance - $3, updated_at = now()
		WHERE id = $1 AND payer_id = $2 AND currency = $4 AND balance >= $3`

	refundCreditSQL = `UPDATE accounts
		SET credit_balance = credit_balance + $2, updated_at = now()
		WHERE payer_id = $1 AND credit_unit = $3`

	refundInstrumentSQL = `UPDATE instruments
		SET balance = balance + $3, updated_at = now()
		WHERE id = $1 AND payer_id = $2 AND currency = $4`
)

var _ wallet.Repository = (*WalletRepository)(nil)

// WalletRepository implements wallet.Repository backed by PostgreSQL.
type WalletRepository struct {
	pool *pgxpool.Pool
}

// NewWalletRepository returns a WalletRepository that uses the given pool.
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// GetAccount returns the account of a payer.
func (r *WalletRepository) GetAccount(ctx context.Context, payerID string) (*wallet.Account, error) {
	rows, err := r.pool.Query(ctx, getAccountSQL, payerID)
	if err != nil {
		return nil, errors.Wrapf(err, "get account %q", payerID)
	}

	a, err := pgx.CollectExactlyOneRow(rows, scanAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wallet.ErrAccountNotFound
		}
		return nil, errors.Wrapf(err, "get account %q", payerID)
	}
	return &a, nil
}

// GetInstrument returns a payment instrument by id.
func (r *WalletRepository) GetInstrument(ctx context.Context, id string) (*wallet.Instrument, error) {
	rows, err := r.pool.Query(ctx, getInstrumentSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get instrument %q", id)
	}

	i, err := pgx.CollectExactlyOneRow(rows, scanInstrument)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wallet.ErrInstrumentNotFound
		}
		return nil, errors.Wrapf(err, "get instrument %q", id)
	}
	return &i, nil
}

// ListInstruments returns the instruments of a payer.
func (r *WalletRepository) ListInstruments(ctx context.Context, payerID string) ([]wallet.Instrument, error) {
	rows, err := r.pool.Query(ctx, listInstrumentsSQL, payerID)
	if err != nil {
		return nil, errors.Wrapf(err, "list instruments of %q", payerID)
	}
	return pgx.CollectRows(rows, scanInstrument)
}

// UpsertAccount creates or replaces an account.
func (r *WalletRepository) UpsertAccount(ctx context.Context, a wallet.Account) error {
	if err := a.Credit.Validate("credit balance"); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, upsertAccountSQL, a.PayerID, a.Premium, string(a.Credit.Currency), a.Credit.Amount)
	if err != nil {
		return errors.Wrapf(err, "upsert account %q", a.PayerID)
	}
	return nil
}

// UpsertInstrument creates or replaces an instrument.
func (r *WalletRepository) UpsertInstrument(ctx context.Context, i wallet.Instrument) error {
	if !i.Kind.Valid() {
		return errors.Errorf("unknown instrument kind %q", i.Kind)
	}
	if err := i.Balance.Validate("instrument balance"); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, upsertInstrumentSQL,
		i.ID, i.PayerID, string(i.Kind), i.Label, string(i.Balance.Currency), i.Balance.Amount)
	if err != nil {
		return errors.Wrapf(err, "upsert instrument %q", i.ID)
	}
	return nil
}

// Settle debits the credit balance and the instrument in one transaction.
// Each debit only applies while the balance still covers it.
func (r *WalletRepository) Settle(ctx context.Context, s wallet.Settlement) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if s.CreditSpent.Amount.IsPositive() {
			tag, err := tx.Exec(ctx, debitCreditSQL, s.PayerID, s.CreditSpent.Amount, string(s.CreditSpent.Currency))
			if err != nil {
				return errors.Wrap(err, "debit credit")
			}
			if tag.RowsAffected() == 0 {
				return &wallet.BalanceError{PayerID: s.PayerID}
			}
		}
		if s.InstrumentID != "" && s.Amount.Amount.IsPositive() {
			tag, err := tx.Exec(ctx, debitInstrumentSQL,
				s.InstrumentID, s.PayerID, s.Amount.Amount, string(s.Amount.Currency))
			if err != nil {
				return errors.Wrap(err, "debit instrument")
			}
			if tag.RowsAffected() == 0 {
				return &wallet.BalanceError{PayerID: s.PayerID, InstrumentID: s.InstrumentID}
			}
		}
		return nil
	})
}

// Release reverses a Settle in one transaction.
func (r *WalletRepository) Release(ctx context.Context, s wallet.Settlement) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if s.CreditSpent.Amount.IsPositive() {
			tag, err := tx.Exec(ctx, refundCreditSQL, s.PayerID, s.CreditSpent.Amount, string(s.CreditSpent.Currency))
			if err != nil {
				return errors.Wrap(err, "refund credit")
			}
			if tag.RowsAffected() == 0 {
				return errors.Wrapf(wallet.ErrAccountNotFound, "refund credit of %q", s.PayerID)
			}
		}
		if s.InstrumentID != "" && s.Amount.Amount.IsPositive() {
			tag, err := tx.Exec(ctx, refundInstrumentSQL,
				s.InstrumentID, s.PayerID, s.Amount.Amount, string(s.Amount.Currency))
			if err != nil {
				return errors.Wrap(err, "refund instrument")
			}
			if tag.RowsAffected() == 0 {
				return errors.Wrapf(wallet.ErrInstrumentNotFound, "refund instrument %q", s.InstrumentID)
			}
		}
		return nil
	})
}

func scanAccount(row pgx.CollectableRow) (wallet.Account, error) {
	var (
		a    wallet.Account
		unit string
	)
	err := row.Scan(&a.PayerID, &a.Premium, &unit, &a.Credit.Amount)
	a.Credit.Currency = money.Currency(unit)
	return a, err
}

func scanInstrument(row pgx.CollectableRow) (wallet.Instrument, error) {
	var (
		i              wallet.Instrument
		kind, currency string
	)
	err := row.Scan(&i.ID, &i.PayerID, &kind, &i.Label, &currency, &i.Balance.Amount)
	i.Kind = wallet.InstrumentKind(kind)
	i.Balance.Currency = money.Currency(currency)
	return i, err
}
