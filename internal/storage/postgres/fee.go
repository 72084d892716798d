package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/blkd-checkout/internal/domain/fee"
	"github.com/xenking/blkd-checkout/internal/domain/money"
)

const (
	listFeeSchedulesSQL = `SELECT currency, percentage, flat_fee, min_fee, max_fee
		FROM fee_schedules ORDER BY currency`

	upsertFeeScheduleSQL = `INSERT INTO fee_schedules (currency, percentage, flat_fee, min_fee, max_fee)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (currency) DO UPDATE SET
			percentage = EXCLUDED.percentage,
			flat_fee = EXCLUDED.flat_fee,
			min_fee = EXCLUDED.min_fee,
			max_fee = EXCLUDED.max_fee,
			updated_at = now()`
)

var _ fee.Loader = (*FeeScheduleRepository)(nil)

// FeeScheduleRepository implements fee.Loader backed by PostgreSQL.
type FeeScheduleRepository struct {
	pool *pgxpool.Pool
}

// NewFeeScheduleRepository returns a FeeScheduleRepository that uses the given pool.
func NewFeeScheduleRepository(pool *pgxpool.Pool) *FeeScheduleRepository {
	return &FeeScheduleRepository{pool: pool}
}

// LoadSchedules returns every configured schedule.
func (r *FeeScheduleRepository) LoadSchedules(ctx context.Context) ([]fee.Schedule, error) {
	rows, err := r.pool.Query(ctx, listFeeSchedulesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list fee schedules")
	}
	return pgx.CollectRows(rows, scanSchedule)
}

// Upsert creates or replaces the schedule of a currency.
func (r *FeeScheduleRepository) Upsert(ctx context.Context, s fee.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, upsertFeeScheduleSQL,
		string(s.Currency), s.Percentage, s.FlatFee, s.MinFee, s.MaxFee)
	if err != nil {
		return errors.Wrapf(err, "upsert fee schedule %s", s.Currency)
	}
	return nil
}

func scanSchedule(row pgx.CollectableRow) (fee.Schedule, error) {
	var (
		s        fee.Schedule
		currency string
	)
	err := row.Scan(&currency, &s.Percentage, &s.FlatFee, &s.MinFee, &s.MaxFee)
	s.Currency = money.Currency(currency)
	return s, err
}
