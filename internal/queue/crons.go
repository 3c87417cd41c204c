package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"subflow/internal/domain"
	"subflow/internal/lease"
)

const cronCols = `id,name,cron_expr,task_type,job,next_run,last_run,last_error,status,locked_at,locked_by,timeout_ms,max_attempts,priority,attempts,subscription_id,created_at,updated_at`

func scanCron(rs rowScanner) (domain.CronDefinition, error) {
	var (
		c                           domain.CronDefinition
		nextRun, createdAt, updated int64
		lastRun, lockedAt           sql.NullInt64
		lastErr, lockedBy, sub      sql.NullString
	)
	err := rs.Scan(&c.ID, &c.Name, &c.CronExpr, &c.TaskType, &c.Job, &nextRun, &lastRun, &lastErr, &c.Status,
		&lockedAt, &lockedBy, &c.TimeoutMs, &c.MaxAttempts, &c.Priority, &c.Attempts, &sub, &createdAt, &updated)
	if err != nil {
		return domain.CronDefinition{}, err
	}
	c.NextRun = fromMs(nextRun)
	c.CreatedAt = fromMs(createdAt)
	c.UpdatedAt = fromMs(updated)
	c.LastRun = timePtr(lastRun)
	c.LockedAt = timePtr(lockedAt)
	c.LastError = strPtr(lastErr)
	c.LockedBy = strPtr(lockedBy)
	c.SubscriptionRef = strPtr(sub)
	return c, nil
}

func scanCrons(rows *sql.Rows) ([]domain.CronDefinition, error) {
	defer rows.Close()
	var crons []domain.CronDefinition
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		crons = append(crons, c)
	}
	return crons, rows.Err()
}

// CreateCron stores a definition. NextRun must already be computed by the caller.
func (r *SQLiteRepo) CreateCron(ctx context.Context, c domain.CronDefinition) (string, error) {
	id := c.ID
	if id == "" {
		id = "crn_" + uuid.NewString()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = domain.DefaultMaxAttempts
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = domain.DefaultTimeoutMs
	}
	if c.Status == "" {
		c.Status = domain.CronActive
	}
	if c.Job == nil {
		c.Job = []byte{}
	}
	now := c.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO crons (id,name,cron_expr,task_type,job,next_run,last_run,last_error,status,timeout_ms,max_attempts,priority,attempts,subscription_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,0,?,?,?)
`, id, c.Name, c.CronExpr, c.TaskType, c.Job, ms(c.NextRun), nullMs(c.LastRun), nullStr(c.LastError), c.Status,
		c.TimeoutMs, c.MaxAttempts, c.Priority, nullStr(c.SubscriptionRef), ms(now), ms(now))
	return id, err
}

func (r *SQLiteRepo) GetCron(ctx context.Context, id string) (domain.CronDefinition, error) {
	c, err := scanCron(r.db.QueryRowContext(ctx, `SELECT `+cronCols+` FROM crons WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CronDefinition{}, domain.ErrNotFound
	}
	return c, err
}

func (r *SQLiteRepo) ListCrons(ctx context.Context) ([]domain.CronDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+cronCols+` FROM crons ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	return scanCrons(rows)
}

// UpdateCron writes the externally editable fields of next over prev, the
// snapshot the edit was computed from. Lock columns, lastRun and attempts belong
// to the tick engine and are left alone. The write only lands when the row still
// matches prev and no tick holds its lease; otherwise ErrConflict is returned and
// the caller must re-read before editing again.
func (r *SQLiteRepo) UpdateCron(ctx context.Context, prev, next domain.CronDefinition, now time.Time) error {
	free, freeArgs := r.crons.Claimable(now)
	args := []any{next.Name, next.CronExpr, next.TaskType, next.Job, ms(next.NextRun), nullStr(next.LastError), next.Status,
		next.TimeoutMs, next.MaxAttempts, next.Priority, nullStr(next.SubscriptionRef), ms(now),
		prev.ID, ms(prev.UpdatedAt), ms(prev.NextRun), prev.Status, prev.Attempts}
	res, err := r.db.ExecContext(ctx, `
UPDATE crons SET name=?,cron_expr=?,task_type=?,job=?,next_run=?,last_error=?,status=?,timeout_ms=?,max_attempts=?,priority=?,subscription_id=?,updated_at=?
WHERE id=? AND updated_at=? AND next_run=? AND status=? AND attempts=? AND `+free, append(args, freeArgs...)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.GetCron(ctx, prev.ID); err != nil {
		return err
	}
	return domain.ErrConflict
}

// DeleteCron removes a definition unless a tick currently holds its lease.
func (r *SQLiteRepo) DeleteCron(ctx context.Context, id string, now time.Time) error {
	free, freeArgs := r.crons.Claimable(now)
	res, err := r.db.ExecContext(ctx, `DELETE FROM crons WHERE id = ? AND `+free, append([]any{id}, freeArgs...)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.GetCron(ctx, id); err != nil {
		return err
	}
	return domain.ErrConflict
}

// DueCrons lists active definitions whose nextRun has arrived, oldest first.
func (r *SQLiteRepo) DueCrons(ctx context.Context, now time.Time) ([]domain.CronDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+cronCols+` FROM crons WHERE status = 'active' AND next_run <= ? ORDER BY next_run, id`, ms(now))
	if err != nil {
		return nil, err
	}
	return scanCrons(rows)
}

// AcquireCron leases the definition for one tick. The acquire re-checks that the
// definition is still active and due, so a caller working from a stale DueCrons
// listing cannot fire an occurrence that another instance already advanced past.
func (r *SQLiteRepo) AcquireCron(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return r.crons.Acquire(ctx, r.db, id, owner, now, lease.Guard{
		SQL:  "status = 'active' AND next_run <= ?",
		Args: []any{ms(now)},
	})
}

func (r *SQLiteRepo) ReleaseCron(ctx context.Context, id, owner string) error {
	return r.crons.Release(ctx, r.db, id, owner)
}

// FireCron records one occurrence: it inserts t, advances the definition to next
// and releases the lease, all in one transaction. If owner no longer holds the
// lease nothing is written and domain.ErrLockConflict is returned.
func (r *SQLiteRepo) FireCron(ctx context.Context, id, owner string, t domain.Task, now, next time.Time) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
UPDATE crons SET last_run = ?, next_run = ?, attempts = attempts + 1, last_error = NULL, updated_at = ?
WHERE id = ? AND locked_by = ?`, ms(now), ms(next), ms(now), id, owner)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", domain.ErrLockConflict
	}

	t = normalizeTask(t, now)
	if err := insertTask(ctx, tx, t); err != nil {
		return "", err
	}
	if err := r.crons.Release(ctx, tx, id, owner); err != nil {
		return "", err
	}
	return t.ID, tx.Commit()
}

// MarkCronErrored parks a definition whose expression cannot be evaluated.
// nextRun is left unchanged; the definition stays errored until edited.
func (r *SQLiteRepo) MarkCronErrored(ctx context.Context, id, owner, msg string, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
UPDATE crons SET status = 'errored', last_error = ?, updated_at = ?
WHERE id = ? AND locked_by = ?`, msg, ms(now), id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLockConflict
	}
	if err := r.crons.Release(ctx, tx, id, owner); err != nil {
		return err
	}
	return tx.Commit()
}
