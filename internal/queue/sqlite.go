package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"subflow/internal/domain"
	"subflow/internal/lease"
)

// Open opens the SQLite database at path. Several processes may share the file:
// WAL lets readers proceed during writes, busy_timeout queues writers, and
// immediate transactions take the write lock at BEGIN.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  job BLOB NOT NULL,
  task_type TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','done','failed')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  run_at INTEGER NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  lock_at INTEGER,
  lock_by TEXT,
  done_at INTEGER,
  priority INTEGER NOT NULL DEFAULT 5,
  timeout_ms INTEGER NOT NULL DEFAULT 60000,
  subscription_id TEXT,
  cron_id TEXT,
  idempotency_key TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  CHECK ((lock_at IS NULL) = (lock_by IS NULL)),
  CHECK (attempts >= 0 AND attempts <= max_attempts),
  CHECK (run_at >= created_at)
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, run_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_cron ON tasks(cron_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS crons (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  job BLOB NOT NULL,
  next_run INTEGER NOT NULL,
  last_run INTEGER,
  last_error TEXT,
  status TEXT NOT NULL CHECK(status IN ('active','disabled','errored')) DEFAULT 'active',
  locked_at INTEGER,
  locked_by TEXT,
  timeout_ms INTEGER NOT NULL DEFAULT 60000,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  priority INTEGER NOT NULL DEFAULT 5,
  attempts INTEGER NOT NULL DEFAULT 0,
  subscription_id TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  CHECK ((locked_at IS NULL) = (locked_by IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_crons_due ON crons(status, next_run);
CREATE TABLE IF NOT EXISTS subscriptions (
  id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  source_url TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Lock column layouts of the two lockable tables.
var (
	TaskLease = lease.Table{Name: "tasks", LockAt: "lock_at", LockBy: "lock_by", Timeout: "timeout_ms", Updated: "updated_at"}
	CronLease = lease.Table{Name: "crons", LockAt: "locked_at", LockBy: "locked_by", Timeout: "timeout_ms", Updated: "updated_at"}
)

type Repository interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	ClaimBatch(ctx context.Context, limit int, now time.Time, workerID string) ([]domain.Task, error)
	Complete(ctx context.Context, id, workerID string, tr domain.Transition) (bool, error)
	RenewTask(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	ReleaseTask(ctx context.Context, id, workerID string) error
	Retry(ctx context.Context, f domain.TaskFilter, now time.Time) ([]domain.Task, error)
	Delete(ctx context.Context, f domain.TaskFilter, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.TaskFilter, o domain.TaskOrder, p domain.Page) (domain.TaskPage, error)
	Stats(ctx context.Context, now time.Time) (domain.Stats, error)
	RecoverExpired(ctx context.Context, now time.Time) (int, error)

	// Cron operations
	CreateCron(ctx context.Context, c domain.CronDefinition) (string, error)
	GetCron(ctx context.Context, id string) (domain.CronDefinition, error)
	ListCrons(ctx context.Context) ([]domain.CronDefinition, error)
	UpdateCron(ctx context.Context, prev, next domain.CronDefinition, now time.Time) error
	DeleteCron(ctx context.Context, id string, now time.Time) error
	DueCrons(ctx context.Context, now time.Time) ([]domain.CronDefinition, error)
	AcquireCron(ctx context.Context, id, owner string, now time.Time) (bool, error)
	ReleaseCron(ctx context.Context, id, owner string) error
	FireCron(ctx context.Context, id, owner string, t domain.Task, now, next time.Time) (string, error)
	MarkCronErrored(ctx context.Context, id, owner, msg string, now time.Time) error

	CreateSubscription(ctx context.Context, s domain.Subscription) (string, error)
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
}

type SQLiteRepo struct {
	db    *sql.DB
	tasks *lease.Manager
	crons *lease.Manager
}

var _ Repository = (*SQLiteRepo)(nil)

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo {
	return &SQLiteRepo{
		db:    db,
		tasks: lease.NewManager(TaskLease),
		crons: lease.NewManager(CronLease),
	}
}

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func rollback(tx *sql.Tx) { _ = tx.Rollback() }
