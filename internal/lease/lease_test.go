package lease_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"subflow/internal/lease"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func openTable(t *testing.T) (*sql.DB, *lease.Manager) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "lease.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE rows (
  id TEXT PRIMARY KEY,
  state TEXT NOT NULL DEFAULT 'open',
  lock_at INTEGER,
  lock_by TEXT,
  timeout_ms INTEGER NOT NULL,
  updated_at INTEGER NOT NULL DEFAULT 0,
  CHECK ((lock_at IS NULL) = (lock_by IS NULL))
)`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO rows (id, timeout_ms) VALUES ('r1', 30000)`); err != nil {
		t.Fatal(err)
	}
	return db, lease.NewManager(lease.Table{Name: "rows", LockAt: "lock_at", LockBy: "lock_by", Timeout: "timeout_ms", Updated: "updated_at"})
}

func holder(t *testing.T, db *sql.DB) (lockAt sql.NullInt64, lockBy sql.NullString) {
	t.Helper()
	if err := db.QueryRow(`SELECT lock_at, lock_by FROM rows WHERE id = 'r1'`).Scan(&lockAt, &lockBy); err != nil {
		t.Fatal(err)
	}
	if lockAt.Valid != lockBy.Valid {
		t.Fatalf("lock pair out of sync: lock_at=%v lock_by=%v", lockAt, lockBy)
	}
	return lockAt, lockBy
}

func TestFreeBoundary(t *testing.T) {
	timeout := 30 * time.Second
	cases := []struct {
		name string
		now  time.Time
		free bool
	}{
		{"just before expiry", t0.Add(29999 * time.Millisecond), false},
		{"at expiry", t0.Add(timeout), false},
		{"after expiry", t0.Add(30001 * time.Millisecond), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			at := t0
			if got := lease.Free(&at, timeout, tc.now); got != tc.free {
				t.Fatalf("Free = %v, want %v", got, tc.free)
			}
		})
	}
	if !lease.Free(nil, timeout, t0) {
		t.Fatal("unlocked row should be free")
	}
}

func TestAcquireHonoursLiveLease(t *testing.T) {
	db, m := openTable(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, db, "r1", "a", t0)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	for _, now := range []time.Time{t0.Add(29999 * time.Millisecond), t0.Add(30 * time.Second)} {
		ok, err = m.Acquire(ctx, db, "r1", "b", now)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatalf("acquired a live lease at %v", now)
		}
	}

	ok, err = m.Acquire(ctx, db, "r1", "b", t0.Add(30001*time.Millisecond))
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
	at, by := holder(t, db)
	if by.String != "b" || at.Int64 != t0.Add(30001*time.Millisecond).UnixMilli() {
		t.Fatalf("holder = %v@%v", by.String, at.Int64)
	}
}

func TestAcquireGuard(t *testing.T) {
	db, m := openTable(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, db, "r1", "a", t0, lease.Guard{SQL: "state = ?", Args: []any{"closed"}})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("acquired despite failing guard")
	}
	if _, by := holder(t, db); by.Valid {
		t.Fatal("row locked after failed acquire")
	}
}

func TestReleaseStaleIsNoop(t *testing.T) {
	db, m := openTable(t)
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, db, "r1", "a", t0); !ok {
		t.Fatal("acquire failed")
	}
	// a expired and b took over; a's late release must not drop b's lease
	if ok, _ := m.Acquire(ctx, db, "r1", "b", t0.Add(time.Minute)); !ok {
		t.Fatal("takeover failed")
	}
	if err := m.Release(ctx, db, "r1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, by := holder(t, db); by.String != "b" {
		t.Fatalf("holder = %q, want b", by.String)
	}

	if err := m.Release(ctx, db, "r1", "b"); err != nil {
		t.Fatal(err)
	}
	if at, by := holder(t, db); at.Valid || by.Valid {
		t.Fatal("lease still recorded after release")
	}
}

func TestRenew(t *testing.T) {
	db, m := openTable(t)
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, db, "r1", "a", t0); !ok {
		t.Fatal("acquire failed")
	}
	ok, err := m.Renew(ctx, db, "r1", "a", t0.Add(20*time.Second))
	if err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	// the renewed lease is still held 40s after the original acquire
	if ok, _ := m.Acquire(ctx, db, "r1", "b", t0.Add(40*time.Second)); ok {
		t.Fatal("renewed lease was taken")
	}

	ok, err = m.Renew(ctx, db, "r1", "b", t0.Add(41*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("non-owner renewed the lease")
	}
}

func TestClaimableAndLiveAreComplementary(t *testing.T) {
	db, m := openTable(t)
	ctx := context.Background()
	if ok, _ := m.Acquire(ctx, db, "r1", "a", t0); !ok {
		t.Fatal("acquire failed")
	}

	for _, now := range []time.Time{t0, t0.Add(30 * time.Second), t0.Add(30001 * time.Millisecond)} {
		free, freeArgs := m.Claimable(now)
		live, liveArgs := m.Live(now)
		var nFree, nLive int
		if err := db.QueryRow(`SELECT COUNT(*) FROM rows WHERE `+free, freeArgs...).Scan(&nFree); err != nil {
			t.Fatal(err)
		}
		if err := db.QueryRow(`SELECT COUNT(*) FROM rows WHERE `+live, liveArgs...).Scan(&nLive); err != nil {
			t.Fatal(err)
		}
		if nFree+nLive != 1 {
			t.Fatalf("at %v: free=%d live=%d", now, nFree, nLive)
		}
	}
}
