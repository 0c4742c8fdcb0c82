package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/ahmethakanbesel/marketsync/internal/apperror"
	"github.com/ahmethakanbesel/marketsync/internal/platform/sqlite"
	domain "github.com/ahmethakanbesel/marketsync/internal/snapshot"
)

var columns = []string{
	"id", "dataset", "universe", "date_from", "date_to", "as_of", "status", "path",
	"instrument_count", "row_count", "error", "created_at", "finished_at",
}

var progressColumns = []string{"snapshot_id", "instrument", "rows", "first_date", "last_date", "done_at"}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, s *domain.Snapshot) error {
	universe, err := json.Marshal(s.Universe)
	if err != nil {
		return fmt.Errorf("marshal universe: %w", err)
	}
	query, args, err := sqlite.Builder.Insert("snapshots").Columns(columns...).
		Values(s.ID, s.Dataset, string(universe), sqlite.FormatTime(s.From), sqlite.FormatTime(s.To),
			sqlite.FormatTime(s.AsOf), string(s.Status), s.Path, s.InstrumentCount, s.RowCount,
			nullString(s.Error), sqlite.FormatTime(s.CreatedAt), sqlite.TimeArg(s.FinishedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert snapshot: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, s *domain.Snapshot) error {
	query, args, err := sqlite.Builder.Update("snapshots").
		SetMap(map[string]any{
			"status":           string(s.Status),
			"path":             s.Path,
			"instrument_count": s.InstrumentCount,
			"row_count":        s.RowCount,
			"error":            nullString(s.Error),
			"finished_at":      sqlite.TimeArg(s.FinishedAt),
		}).
		Where(sq.Eq{"id": s.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update snapshot: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Snapshot, error) {
	query, args, err := sqlite.Builder.Select(columns...).From("snapshots").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get snapshot: %w", err)
	}

	var (
		s                        domain.Snapshot
		universe, from, to, asOf string
		status, created          string
		errMsg, finished         sql.NullString
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&s.ID, &s.Dataset, &universe, &from, &to, &asOf,
		&status, &s.Path, &s.InstrumentCount, &s.RowCount, &errMsg, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.NotFound, "snapshot not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(universe), &s.Universe); err != nil {
		return nil, fmt.Errorf("parse universe: %w", err)
	}
	s.Status = domain.Status(status)
	s.Error = errMsg.String
	s.From, _ = sqlite.ParseTime(from)
	s.To, _ = sqlite.ParseTime(to)
	s.AsOf, _ = sqlite.ParseTime(asOf)
	s.CreatedAt, _ = sqlite.ParseTime(created)
	s.FinishedAt = sqlite.NullTime(finished)
	return &s, nil
}

// SaveProgress records the export state of one instrument, replacing any
// earlier row for it.
func (r *Repository) SaveProgress(ctx context.Context, p domain.Progress) error {
	query, args, err := sqlite.Builder.Insert("snapshot_progress").Columns(progressColumns...).
		Values(p.SnapshotID, p.Instrument, p.Rows, sqlite.TimeArg(p.FirstDate), sqlite.TimeArg(p.LastDate), sqlite.FormatTime(p.DoneAt)).
		Suffix(`ON CONFLICT (snapshot_id, instrument) DO UPDATE SET
			rows = excluded.rows,
			first_date = excluded.first_date,
			last_date = excluded.last_date,
			done_at = excluded.done_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build save progress: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (r *Repository) ListProgress(ctx context.Context, id string) ([]domain.Progress, error) {
	query, args, err := sqlite.Builder.Select(progressColumns...).From("snapshot_progress").
		Where(sq.Eq{"snapshot_id": id}).
		OrderBy("instrument").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list progress: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Progress
	for rows.Next() {
		var (
			p           domain.Progress
			first, last sql.NullString
			done        string
		)
		if err := rows.Scan(&p.SnapshotID, &p.Instrument, &p.Rows, &first, &last, &done); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		p.FirstDate = sqlite.NullTime(first)
		p.LastDate = sqlite.NullTime(last)
		p.DoneAt, _ = sqlite.ParseTime(done)
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
