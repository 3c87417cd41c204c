package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"subflow/internal/domain"
	"subflow/internal/lease"
)

const taskCols = `id,job,task_type,status,attempts,max_attempts,run_at,last_error,lock_at,lock_by,done_at,priority,timeout_ms,subscription_id,cron_id,idempotency_key,created_at,updated_at`

func scanTask(rs rowScanner) (domain.Task, error) {
	var (
		t                         domain.Task
		runAt, createdAt, updated int64
		lockAt, doneAt            sql.NullInt64
		lockBy, sub, cronID, idem sql.NullString
	)
	err := rs.Scan(&t.ID, &t.Job, &t.TaskType, &t.Status, &t.Attempts, &t.MaxAttempts, &runAt, &t.LastError,
		&lockAt, &lockBy, &doneAt, &t.Priority, &t.TimeoutMs, &sub, &cronID, &idem, &createdAt, &updated)
	if err != nil {
		return domain.Task{}, err
	}
	t.RunAt = fromMs(runAt)
	t.CreatedAt = fromMs(createdAt)
	t.UpdatedAt = fromMs(updated)
	t.LockAt = timePtr(lockAt)
	t.LockBy = strPtr(lockBy)
	t.DoneAt = timePtr(doneAt)
	t.SubscriptionRef = strPtr(sub)
	t.CronRef = strPtr(cronID)
	t.IdempotencyKey = strPtr(idem)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// normalizeTask fills defaults for a new task created at now.
func normalizeTask(t domain.Task, now time.Time) domain.Task {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = domain.DefaultMaxAttempts
	}
	if t.TimeoutMs <= 0 {
		t.TimeoutMs = domain.DefaultTimeoutMs
	}
	if t.Job == nil {
		t.Job = []byte{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.RunAt.Before(t.CreatedAt) {
		t.RunAt = t.CreatedAt
	}
	t.Status = domain.TaskPending
	t.Attempts = 0
	t.LastError = ""
	t.LockAt, t.LockBy, t.DoneAt = nil, nil, nil
	t.UpdatedAt = t.CreatedAt
	return t
}

func insertTask(ctx context.Context, db lease.Execer, t domain.Task) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO tasks (id,job,task_type,status,attempts,max_attempts,run_at,last_error,priority,timeout_ms,subscription_id,cron_id,idempotency_key,created_at,updated_at)
VALUES (?,?,?,'pending',0,?,?,'',?,?,?,?,?,?,?)
`, t.ID, t.Job, t.TaskType, t.MaxAttempts, ms(t.RunAt), t.Priority, t.TimeoutMs,
		nullStr(t.SubscriptionRef), nullStr(t.CronRef), nullStr(t.IdempotencyKey), ms(t.CreatedAt), ms(t.UpdatedAt))
	return err
}

func (r *SQLiteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	t = normalizeTask(t, time.Now().UTC())

	// Return the existing task for a repeated idempotency key
	if t.IdempotencyKey != nil {
		if id, ok, err := r.idempotent(ctx, *t.IdempotencyKey); err != nil || ok {
			return id, err
		}
	}
	if err := insertTask(ctx, r.db, t); err != nil {
		if t.IdempotencyKey != nil {
			// lost an insert race on the unique index
			if id, ok, qerr := r.idempotent(ctx, *t.IdempotencyKey); qerr == nil && ok {
				return id, nil
			}
		}
		return "", err
	}
	return t.ID, nil
}

func (r *SQLiteRepo) idempotent(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, "SELECT id FROM tasks WHERE idempotency_key = ?", key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// ClaimBatch leases up to limit due tasks to workerID in one statement. Tasks
// under a live lease are skipped. The result is ordered by priority, then runAt.
func (r *SQLiteRepo) ClaimBatch(ctx context.Context, limit int, now time.Time, workerID string) ([]domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	free, freeArgs := r.tasks.Claimable(now)
	q := fmt.Sprintf(`
UPDATE tasks SET lock_at = ?, lock_by = ?, updated_at = ?
WHERE id IN (
  SELECT id FROM tasks
  WHERE status = 'pending' AND run_at <= ? AND %s
  ORDER BY priority DESC, run_at ASC, id ASC
  LIMIT ?
)
RETURNING %s`, free, taskCols)
	args := []any{ms(now), workerID, ms(now), ms(now)}
	args = append(args, freeArgs...)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if !tasks[i].RunAt.Equal(tasks[j].RunAt) {
			return tasks[i].RunAt.Before(tasks[j].RunAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// Complete writes tr and releases the lease, provided workerID still holds it.
// It reports false when the lease was lost, in which case nothing changes.
func (r *SQLiteRepo) Complete(ctx context.Context, id, workerID string, tr domain.Transition) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, attempts = ?, run_at = ?, last_error = ?, done_at = ?, updated_at = ?
WHERE id = ? AND lock_by = ? AND status = 'pending'`,
		tr.Status, tr.Attempts, ms(tr.RunAt), tr.LastError, nullMs(tr.DoneAt), ms(time.Now().UTC()), id, workerID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := r.tasks.Release(ctx, tx, id, workerID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r *SQLiteRepo) RenewTask(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	return r.tasks.Renew(ctx, r.db, id, workerID, now)
}

func (r *SQLiteRepo) ReleaseTask(ctx context.Context, id, workerID string) error {
	return r.tasks.Release(ctx, r.db, id, workerID)
}

// Retry resets pending and failed tasks matched by f that are not under a live
// lease: status becomes pending, attempts restart at zero, the error and any
// expired lease are cleared and the task is due at now. Done tasks are not touched.
func (r *SQLiteRepo) Retry(ctx context.Context, f domain.TaskFilter, now time.Time) ([]domain.Task, error) {
	where, args := r.filter(f, now)
	free, freeArgs := r.tasks.Claimable(now)
	q := fmt.Sprintf(`
UPDATE tasks
SET status = 'pending', attempts = 0, last_error = '', lock_at = NULL, lock_by = NULL, done_at = NULL,
    run_at = MAX(?, created_at), updated_at = ?
WHERE %s AND status IN ('pending','failed') AND %s
RETURNING %s`, where, free, taskCols)
	all := append([]any{ms(now), ms(now)}, args...)
	all = append(all, freeArgs...)
	rows, err := r.db.QueryContext(ctx, q, all...)
	if err != nil {
		return nil, err
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Delete removes the tasks matched by f. If any of them is under a live lease
// nothing is deleted and domain.ErrConflict is returned.
func (r *SQLiteRepo) Delete(ctx context.Context, f domain.TaskFilter, now time.Time) (int, error) {
	where, args := r.filter(f, now)
	live, liveArgs := r.tasks.Live(now)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	q := fmt.Sprintf(`DELETE FROM tasks WHERE %s AND NOT EXISTS (SELECT 1 FROM tasks WHERE %s AND %s)`, where, where, live)
	all := append(append(append([]any{}, args...), args...), liveArgs...)
	res, err := tx.ExecContext(ctx, q, all...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var leased int
		cq := fmt.Sprintf(`SELECT COUNT(*) FROM tasks WHERE %s AND %s`, where, live)
		if err := tx.QueryRowContext(ctx, cq, append(append([]any{}, args...), liveArgs...)...).Scan(&leased); err != nil {
			return 0, err
		}
		if leased > 0 {
			return 0, domain.ErrConflict
		}
	}
	return int(n), tx.Commit()
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (r *SQLiteRepo) List(ctx context.Context, f domain.TaskFilter, o domain.TaskOrder, p domain.Page) (domain.TaskPage, error) {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	now := time.Now().UTC()
	where, args := r.filter(f, now)

	var page domain.TaskPage
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&page.TotalCount); err != nil {
		return page, err
	}

	cols := "t." + strings.ReplaceAll(taskCols, ",", ",t.")
	q := fmt.Sprintf(`
SELECT %s, s.display_name, s.source_url
FROM tasks t LEFT JOIN subscriptions s ON s.id = t.subscription_id
WHERE t.id IN (SELECT id FROM tasks WHERE %s)
ORDER BY %s
LIMIT ? OFFSET ?`, cols, where, orderBy(o))
	rows, err := r.db.QueryContext(ctx, q, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return page, err
	}
	for rows.Next() {
		var (
			node      domain.TaskNode
			name, src sql.NullString
		)
		node.Task, err = scanTask(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &name, &src)...)
		}))
		if err != nil {
			rows.Close()
			return page, err
		}
		if name.Valid {
			node.Subscription = &domain.SubscriptionRef{DisplayName: name.String, SourceURL: src.String}
		}
		page.Nodes = append(page.Nodes, node)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return page, err
	}
	rows.Close()

	if err := r.attachCrons(ctx, page.Nodes); err != nil {
		return page, err
	}
	page.HasNextPage = p.Offset+len(page.Nodes) < page.TotalCount
	return page, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// attachCrons loads the cron definitions referenced by nodes in one query.
func (r *SQLiteRepo) attachCrons(ctx context.Context, nodes []domain.TaskNode) error {
	var ids []any
	seen := map[string]bool{}
	for _, n := range nodes {
		if n.CronRef != nil && !seen[*n.CronRef] {
			seen[*n.CronRef] = true
			ids = append(ids, *n.CronRef)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+cronCols+` FROM crons WHERE id IN (`+placeholders(len(ids))+`)`, ids...)
	if err != nil {
		return err
	}
	crons, err := scanCrons(rows)
	if err != nil {
		return err
	}
	byID := make(map[string]*domain.CronDefinition, len(crons))
	for i := range crons {
		byID[crons[i].ID] = &crons[i]
	}
	for i := range nodes {
		if nodes[i].CronRef != nil {
			nodes[i].Cron = byID[*nodes[i].CronRef]
		}
	}
	return nil
}

// filter renders f as a WHERE clause over unqualified tasks columns.
func (r *SQLiteRepo) filter(f domain.TaskFilter, now time.Time) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.TaskType != "" {
		clauses = append(clauses, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if f.CronID != "" {
		clauses = append(clauses, "cron_id = ?")
		args = append(args, f.CronID)
	}
	if f.SubscriptionID != "" {
		clauses = append(clauses, "subscription_id = ?")
		args = append(args, f.SubscriptionID)
	}
	if f.Locked != nil {
		live, liveArgs := r.tasks.Live(now)
		if *f.Locked {
			clauses = append(clauses, live)
		} else {
			clauses = append(clauses, "NOT "+live)
		}
		args = append(args, liveArgs...)
	}
	return strings.Join(clauses, " AND "), args
}

func orderBy(o domain.TaskOrder) string {
	col := "t.created_at"
	switch o.Field {
	case domain.OrderPriority:
		col = "t.priority"
	case domain.OrderRunAt:
		col = "t.run_at"
	}
	dir := "ASC"
	if o.Desc {
		dir = "DESC"
	}
	return col + " " + dir + ", t.id " + dir
}

func (r *SQLiteRepo) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	var st domain.Stats
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var (
			status domain.TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return st, err
		}
		switch status {
		case domain.TaskPending:
			st.Pending = n
		case domain.TaskDone:
			st.Done = n
		case domain.TaskFailed:
			st.Failed = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}
	live, liveArgs := r.tasks.Live(now)
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+live, liveArgs...).Scan(&st.Leased); err != nil {
		return st, err
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crons`).Scan(&st.Crons); err != nil {
		return st, err
	}
	return st, nil
}

// RecoverExpired clears expired leases on tasks and crons. Claims already treat
// expired leases as free; this only tidies the rows for inspection.
func (r *SQLiteRepo) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, t := range []lease.Table{TaskLease, CronLease} {
		res, err := r.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET %s = NULL, %s = NULL WHERE %s IS NOT NULL AND %s + %s < ?`,
			t.Name, t.LockAt, t.LockBy, t.LockBy, t.LockAt, t.Timeout), ms(now))
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
