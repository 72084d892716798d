package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/blkd-checkout/internal/domain/fee"
	"github.com/xenking/blkd-checkout/internal/domain/money"
	"github.com/xenking/blkd-checkout/internal/domain/wallet"
	"github.com/xenking/blkd-checkout/internal/storage/postgres"
)

type seedFile struct {
	Schedules []struct {
		Currency   string          `json:"currency"`
		Percentage decimal.Decimal `json:"percentage"`
		FlatFee    decimal.Decimal `json:"flatFee"`
		MinFee     decimal.Decimal `json:"minFee"`
		MaxFee     decimal.Decimal `json:"maxFee"`
	} `json:"schedules"`
	Accounts []struct {
		PayerID string          `json:"payerId"`
		Premium bool            `json:"premium"`
		Credit  decimal.Decimal `json:"credit"`
	} `json:"accounts"`
	Instruments []struct {
		ID       string          `json:"id"`
		PayerID  string          `json:"payerId"`
		Kind     string          `json:"kind"`
		Label    string          `json:"label"`
		Currency string          `json:"currency"`
		Balance  decimal.Decimal `json:"balance"`
	} `json:"instruments"`
}

func main() {
	var (
		databaseURL string
		seedPath    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedPath, "seed-file", "db/seed/demo.json", "path to the seed JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedPath); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedPath string) error {
	slog.Info("reading seed file", slog.String("path", seedPath))

	data, err := os.ReadFile(seedPath)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return errors.Wrap(err, "parse seed JSON")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedSchedules(ctx, postgres.NewFeeScheduleRepository(pool), seed); err != nil {
		return errors.Wrap(err, "seed fee schedules")
	}

	wallets := postgres.NewWalletRepository(pool)
	if err := seedAccounts(ctx, wallets, seed); err != nil {
		return errors.Wrap(err, "seed accounts")
	}
	if err := seedInstruments(ctx, wallets, seed); err != nil {
		return errors.Wrap(err, "seed instruments")
	}

	return nil
}

func seedSchedules(ctx context.Context, repo *postgres.FeeScheduleRepository, seed seedFile) error {
	for _, s := range seed.Schedules {
		cur, err := money.ParseCurrency(s.Currency)
		if err != nil {
			return err
		}
		if err := repo.Upsert(ctx, fee.Schedule{
			Currency:   cur,
			Percentage: s.Percentage,
			FlatFee:    s.FlatFee,
			MinFee:     s.MinFee,
			MaxFee:     s.MaxFee,
		}); err != nil {
			return errors.Wrapf(err, "upsert schedule %s", cur)
		}

		slog.Info("upserted fee schedule",
			slog.String("currency", string(cur)),
			slog.String("percentage", s.Percentage.String()),
			slog.String("flat_fee", s.FlatFee.String()),
		)
	}
	return nil
}

func seedAccounts(ctx context.Context, repo *postgres.WalletRepository, seed seedFile) error {
	for _, a := range seed.Accounts {
		balance, err := money.New(a.Credit, money.BLKD)
		if err != nil {
			return errors.Wrapf(err, "account %s", a.PayerID)
		}
		if err := repo.UpsertAccount(ctx, wallet.Account{
			PayerID: a.PayerID,
			Premium: a.Premium,
			Credit:  balance,
		}); err != nil {
			return errors.Wrapf(err, "upsert account %s", a.PayerID)
		}

		slog.Info("upserted account",
			slog.String("payer_id", a.PayerID),
			slog.Bool("premium", a.Premium),
			slog.String("credit", balance.String()),
		)
	}
	return nil
}

func seedInstruments(ctx context.Context, repo *postgres.WalletRepository, seed seedFile) error {
	for _, i := range seed.Instruments {
		kind := wallet.InstrumentKind(i.Kind)
		if !kind.Valid() {
			return errors.Errorf("instrument %s: unknown kind %q", i.ID, i.Kind)
		}
		cur, err := money.ParseCurrency(i.Currency)
		if err != nil {
			return errors.Wrapf(err, "instrument %s", i.ID)
		}
		balance, err := money.New(i.Balance, cur)
		if err != nil {
			return errors.Wrapf(err, "instrument %s", i.ID)
		}
		if err := repo.UpsertInstrument(ctx, wallet.Instrument{
			ID:      i.ID,
			PayerID: i.PayerID,
			Kind:    kind,
			Label:   i.Label,
			Balance: balance,
		}); err != nil {
			return errors.Wrapf(err, "upsert instrument %s", i.ID)
		}

		slog.Info("upserted instrument", slog.String("id", i.ID), slog.String("payer_id", i.PayerID))
	}
	return nil
}
