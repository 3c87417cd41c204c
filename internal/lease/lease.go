// Package lease implements time-bounded exclusive claims on table rows.
//
// A lease is the pair of lock columns on a row together with the row's timeout.
// Every operation is one conditional UPDATE so that concurrent processes sharing
// the database cannot both observe a row as free and both take it.
package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Table names the lock columns of a lockable table. Lock times and the timeout
// are stored as unix milliseconds.
type Table struct {
	Name    string
	ID      string
	LockAt  string
	LockBy  string
	Timeout string
	Updated string // optional updated_at column
}

// Guard is an extra SQL predicate ANDed into Acquire.
type Guard struct {
	SQL  string
	Args []any
}

type Manager struct {
	t Table
}

func NewManager(t Table) *Manager {
	if t.ID == "" {
		t.ID = "id"
	}
	return &Manager{t: t}
}

func (m *Manager) Table() Table { return m.t }

// Free reports whether a lease recorded at lockAt may be taken at now.
// A lease is held through lockAt+timeout inclusive.
func Free(lockAt *time.Time, timeout time.Duration, now time.Time) bool {
	if lockAt == nil {
		return true
	}
	return Expired(*lockAt, timeout, now)
}

func Expired(lockAt time.Time, timeout time.Duration, now time.Time) bool {
	return lockAt.Add(timeout).Before(now)
}

// Claimable returns the predicate matching rows whose lease can be taken at now,
// for use inside larger statements such as batch claims.
func (m *Manager) Claimable(now time.Time) (string, []any) {
	return fmt.Sprintf("(%s IS NULL OR %s + %s < ?)", m.t.LockBy, m.t.LockAt, m.t.Timeout),
		[]any{now.UnixMilli()}
}

// Live returns the predicate matching rows under an unexpired lease at now.
func (m *Manager) Live(now time.Time) (string, []any) {
	return fmt.Sprintf("(%s IS NOT NULL AND %s + %s >= ?)", m.t.LockBy, m.t.LockAt, m.t.Timeout),
		[]any{now.UnixMilli()}
}

// Acquire takes the lease on id for owner if it is free at now and all guards hold.
// Losing the race is reported as false, not as an error.
func (m *Manager) Acquire(ctx context.Context, db Execer, id, owner string, now time.Time, guards ...Guard) (bool, error) {
	free, freeArgs := m.Claimable(now)
	q := fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?%s WHERE %s = ? AND %s",
		m.t.Name, m.t.LockAt, m.t.LockBy, m.touch(), m.t.ID, free)
	args := []any{now.UnixMilli(), owner}
	if m.t.Updated != "" {
		args = append(args, now.UnixMilli())
	}
	args = append(args, id)
	args = append(args, freeArgs...)
	for _, g := range guards {
		q += " AND (" + g.SQL + ")"
		args = append(args, g.Args...)
	}
	return affected(db.ExecContext(ctx, q, args...))
}

// Release drops the lease if owner still holds it. A stale release is a no-op.
func (m *Manager) Release(ctx context.Context, db Execer, id, owner string) error {
	q := fmt.Sprintf("UPDATE %s SET %s = NULL, %s = NULL WHERE %s = ? AND %s = ?",
		m.t.Name, m.t.LockAt, m.t.LockBy, m.t.ID, m.t.LockBy)
	_, err := db.ExecContext(ctx, q, id, owner)
	return err
}

// Renew moves the lease start to now while owner holds it. It reports false when
// the lease was lost to another owner or the row is gone.
func (m *Manager) Renew(ctx context.Context, db Execer, id, owner string, now time.Time) (bool, error) {
	q := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ? AND %s = ?",
		m.t.Name, m.t.LockAt, m.t.ID, m.t.LockBy)
	return affected(db.ExecContext(ctx, q, now.UnixMilli(), id, owner))
}

func (m *Manager) touch() string {
	if m.t.Updated == "" {
		return ""
	}
	return fmt.Sprintf(", %s = ?", m.t.Updated)
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
