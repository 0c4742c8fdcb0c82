package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	domain "github.com/ahmethakanbesel/marketsync/internal/checkpoint"
	"github.com/ahmethakanbesel/marketsync/internal/platform/sqlite"
)

const table = "ingestion_state"

var columns = []string{"dataset", "instrument", "checkpoint", "extra", "empty_streak", "dormant", "updated_at"}

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) Get(ctx context.Context, dataset, instrument string) (*domain.State, error) {
	query, args, err := sqlite.Builder.Select(columns...).From(table).
		Where(sq.Eq{"dataset": dataset, "instrument": instrument}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get checkpoint: %w", err)
	}

	st, err := scanState(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return st, nil
}

func (r *Repository) List(ctx context.Context, dataset string) ([]domain.State, error) {
	b := sqlite.Builder.Select(columns...).From(table).OrderBy("dataset", "instrument")
	if dataset != "" {
		b = b.Where(sq.Eq{"dataset": dataset})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list checkpoints: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []domain.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

func (r *Repository) Advance(ctx context.Context, u domain.Update, dormancyThreshold int) (*domain.State, error) {
	extra, err := json.Marshal(u.Extra)
	if err != nil {
		return nil, fmt.Errorf("marshal extra: %w", err)
	}
	if u.Extra == nil {
		extra = []byte("{}")
	}

	streak, dormant := 0, false
	if u.Empty {
		streak = 1
		dormant = dormancyThreshold > 0 && streak >= dormancyThreshold
	}

	// Every right-hand side below reads the pre-update row, so the statement
	// is a single atomic read-modify-write. Only windows that move the
	// checkpoint forward touch the empty streak; re-fetching covered ground
	// does not count twice.
	query, args, err := sqlite.Builder.Insert(table).Columns(columns...).
		Values(u.Dataset, u.Instrument, sqlite.FormatTime(u.Checkpoint), string(extra), streak, dormant, sqlite.FormatTime(r.now())).
		Suffix(`ON CONFLICT (dataset, instrument) DO UPDATE SET
			extra = CASE WHEN excluded.checkpoint >= ingestion_state.checkpoint THEN excluded.extra ELSE ingestion_state.extra END,
			checkpoint = MAX(ingestion_state.checkpoint, excluded.checkpoint),
			empty_streak = CASE
				WHEN excluded.checkpoint <= ingestion_state.checkpoint THEN ingestion_state.empty_streak
				WHEN excluded.empty_streak = 0 THEN 0
				ELSE ingestion_state.empty_streak + 1 END,
			dormant = CASE
				WHEN excluded.checkpoint <= ingestion_state.checkpoint THEN ingestion_state.dormant
				WHEN excluded.empty_streak = 0 THEN 0
				WHEN ? > 0 AND ingestion_state.empty_streak + 1 >= ? THEN 1
				ELSE 0 END,
			updated_at = excluded.updated_at`, dormancyThreshold, dormancyThreshold).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build advance checkpoint: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("advance checkpoint: %w", err)
	}
	return r.Get(ctx, u.Dataset, u.Instrument)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(s scanner) (*domain.State, error) {
	var st domain.State
	var checkpoint, extra, updated string
	if err := s.Scan(&st.Dataset, &st.Instrument, &checkpoint, &extra, &st.EmptyStreak, &st.Dormant, &updated); err != nil {
		return nil, err
	}
	var err error
	if st.Checkpoint, err = sqlite.ParseTime(checkpoint); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	st.UpdatedAt, _ = sqlite.ParseTime(updated)
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &st.Extra); err != nil {
			return nil, fmt.Errorf("parse extra: %w", err)
		}
	}
	return &st, nil
}
