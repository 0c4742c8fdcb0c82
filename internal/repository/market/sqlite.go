package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"

	domain "github.com/ahmethakanbesel/marketsync/internal/market"
	"github.com/ahmethakanbesel/marketsync/internal/platform/sqlite"
)

const batchSize = 500

// farFuture bounds as-of lookups that do not pin a point in time.
var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// UpsertBars writes bars in batches. A repeated (dataset, instrument, time)
// overwrites the stored values, so replaying a window is idempotent.
func (r *Repository) UpsertBars(ctx context.Context, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	now := sqlite.FormatTime(r.now())
	var total int64

	for i := 0; i < len(bars); i += batchSize {
		end := min(i+batchSize, len(bars))

		b := sqlite.Builder.Insert("bars").
			Columns("dataset", "instrument", "ts", "open", "high", "low", "close", "volume", "amount", "updated_at")
		for _, bar := range bars[i:end] {
			b = b.Values(bar.Dataset, bar.Instrument, sqlite.FormatTime(bar.Time),
				bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Amount, now)
		}
		query, args, err := b.Suffix(`ON CONFLICT (dataset, instrument, ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			amount = excluded.amount,
			updated_at = excluded.updated_at`).ToSql()
		if err != nil {
			return total, fmt.Errorf("build upsert bars: %w", err)
		}

		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("upsert bars: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	return total, nil
}

func (r *Repository) ListBars(ctx context.Context, dataset, instrument string, from, to time.Time) ([]domain.Bar, error) {
	b := sqlite.Builder.
		Select("dataset", "instrument", "ts", "open", "high", "low", "close", "volume", "amount").
		From("bars").
		Where(sq.Eq{"dataset": dataset, "instrument": instrument}).
		OrderBy("ts")
	b = between(b, "ts", from, to)

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list bars: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bars []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		var ts string
		if err := rows.Scan(&bar.Dataset, &bar.Instrument, &ts,
			&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &bar.Amount); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		if bar.Time, err = sqlite.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("parse bar time: %w", err)
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

// Instruments lists the distinct instruments with stored data in the range.
// Zero bounds are open.
func (r *Repository) Instruments(ctx context.Context, dataset string, from, to time.Time) ([]string, error) {
	var b sq.SelectBuilder
	if dataset == domain.AdjFactor {
		b = between(sqlite.Builder.Select("DISTINCT instrument").From("adj_factors"), "trade_date", from, to)
	} else {
		b = between(sqlite.Builder.Select("DISTINCT instrument").From("bars").Where(sq.Eq{"dataset": dataset}), "ts", from, to)
	}

	query, args, err := b.OrderBy("instrument").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build instruments: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AppendFactors records factors as of their AsOf (or now). A factor equal to
// the newest stored value for its trade date is not written again.
func (r *Repository) AppendFactors(ctx context.Context, factors []domain.Factor) (int64, error) {
	if len(factors) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append factors: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now()
	var inserted int64
	for _, f := range factors {
		date := sqlite.FormatTime(f.TradeDate)

		var current float64
		err := tx.QueryRowContext(ctx,
			`SELECT factor FROM adj_factors WHERE instrument = ? AND trade_date = ?
			 ORDER BY as_of DESC, id DESC LIMIT 1`,
			f.Instrument, date,
		).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return inserted, fmt.Errorf("append factors: latest: %w", err)
		case sameFactor(current, f.Factor):
			continue
		}

		asOf := f.AsOf
		if asOf.IsZero() {
			asOf = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO adj_factors (instrument, trade_date, factor, as_of) VALUES (?, ?, ?, ?)`,
			f.Instrument, date, f.Factor, sqlite.FormatTime(asOf),
		); err != nil {
			return inserted, fmt.Errorf("append factors: insert: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append factors: commit: %w", err)
	}
	return inserted, nil
}

func (r *Repository) LatestFactors(ctx context.Context, instrument string, asOf time.Time) ([]domain.Factor, error) {
	cutoff := farFuture
	if !asOf.IsZero() {
		cutoff = asOf
	}
	at := sqlite.FormatTime(cutoff)

	const query = `SELECT f.instrument, f.trade_date, f.factor, f.as_of
		FROM adj_factors f
		WHERE f.instrument = ? AND f.id = (
			SELECT g.id FROM adj_factors g
			WHERE g.instrument = f.instrument AND g.trade_date = f.trade_date AND g.as_of <= ?
			ORDER BY g.as_of DESC, g.id DESC LIMIT 1)
		ORDER BY f.trade_date`

	rows, err := r.db.QueryContext(ctx, query, instrument, at)
	if err != nil {
		return nil, fmt.Errorf("latest factors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Factor
	for rows.Next() {
		var f domain.Factor
		var date, asOfStr string
		if err := rows.Scan(&f.Instrument, &date, &f.Factor, &asOfStr); err != nil {
			return nil, fmt.Errorf("scan factor: %w", err)
		}
		f.TradeDate, _ = sqlite.ParseTime(date)
		f.AsOf, _ = sqlite.ParseTime(asOfStr)
		out = append(out, f)
	}
	return out, rows.Err()
}

func between(b sq.SelectBuilder, col string, from, to time.Time) sq.SelectBuilder {
	if !from.IsZero() {
		b = b.Where(sq.GtOrEq{col: sqlite.FormatTime(from)})
	}
	if !to.IsZero() {
		b = b.Where(sq.LtOrEq{col: sqlite.FormatTime(to)})
	}
	return b
}

func sameFactor(a, b float64) bool {
	return math.Abs(a-b) <= 1e-12*math.Max(math.Abs(a), math.Abs(b))
}
