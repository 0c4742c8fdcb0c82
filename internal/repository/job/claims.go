package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	domain "github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/platform/sqlite"
)

// Claims stores single-flight claims in the claims table.
type Claims struct {
	db  *sql.DB
	now func() time.Time
}

func NewClaims(db *sql.DB) *Claims {
	return &Claims{db: db, now: time.Now}
}

func (c *Claims) TryClaim(ctx context.Context, key, owner string, staleBefore time.Time) (bool, error) {
	now := sqlite.FormatTime(c.now())
	query, args, err := sqlite.Builder.Insert("claims").
		Columns("claim_key", "owner", "task_id", "claimed_at", "heartbeat_at").
		Values(key, owner, nil, now, now).
		Suffix(`ON CONFLICT (claim_key) DO UPDATE SET
			owner = excluded.owner,
			task_id = NULL,
			claimed_at = excluded.claimed_at,
			heartbeat_at = excluded.heartbeat_at
			WHERE claims.heartbeat_at < ?`, sqlite.FormatTime(staleBefore)).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build try claim: %w", err)
	}

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("try claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("try claim %s: %w", key, err)
	}
	return n == 1, nil
}

func (c *Claims) Heartbeat(ctx context.Context, key, owner string, taskID int64) error {
	b := sqlite.Builder.Update("claims").
		Set("heartbeat_at", sqlite.FormatTime(c.now())).
		Where(sq.Eq{"claim_key": key, "owner": owner})
	if taskID != 0 {
		b = b.Set("task_id", taskID)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build heartbeat: %w", err)
	}

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrClaimLost, key)
	}
	return nil
}

func (c *Claims) Release(ctx context.Context, key, owner string) error {
	query, args, err := sqlite.Builder.Delete("claims").
		Where(sq.Eq{"claim_key": key, "owner": owner}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build release: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (c *Claims) Get(ctx context.Context, key string) (*domain.Claim, error) {
	query, args, err := sqlite.Builder.
		Select("claim_key", "owner", "task_id", "claimed_at", "heartbeat_at").
		From("claims").Where(sq.Eq{"claim_key": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get claim: %w", err)
	}

	var cl domain.Claim
	var taskID sql.NullInt64
	var claimed, heartbeat string
	err = c.db.QueryRowContext(ctx, query, args...).Scan(&cl.Key, &cl.Owner, &taskID, &claimed, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim %s: %w", key, err)
	}
	cl.TaskID = taskID.Int64
	cl.ClaimedAt, _ = sqlite.ParseTime(claimed)
	cl.HeartbeatAt, _ = sqlite.ParseTime(heartbeat)
	return &cl, nil
}
