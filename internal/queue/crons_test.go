package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"subflow/internal/domain"
	"subflow/internal/queue"
)

func getCron(t *testing.T, r *queue.SQLiteRepo, id string) domain.CronDefinition {
	t.Helper()
	c, err := r.GetCron(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestUpdateCronRejectsLeasedAndStaleRows(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	id, err := r.CreateCron(ctx, domain.CronDefinition{Name: "c", CronExpr: "*/5 * * * *", TaskType: "noop", NextRun: t0, CreatedAt: t0, TimeoutMs: 2000})
	if err != nil {
		t.Fatal(err)
	}
	stale := getCron(t, r, id)

	if ok, err := r.AcquireCron(ctx, id, "ticker", t0); err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	held := getCron(t, r, id)
	edit := held
	edit.Priority = 9
	if err := r.UpdateCron(ctx, held, edit, t0.Add(time.Second)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("edit under a live lease: err = %v, want ErrConflict", err)
	}

	if err := r.MarkCronErrored(ctx, id, "ticker", "boom", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	edit = stale
	edit.Priority = 9
	if err := r.UpdateCron(ctx, stale, edit, t0.Add(2*time.Second)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("edit from a pre-tick read: err = %v, want ErrConflict", err)
	}
	if got := getCron(t, r, id); got.Status != domain.CronErrored || got.Priority == 9 {
		t.Fatalf("stale edit overwrote the row: %+v", got)
	}

	cur := getCron(t, r, id)
	edit = cur
	edit.Priority = 9
	edit.Status = domain.CronActive
	edit.LastError = nil
	edit.NextRun = t0.Add(5 * time.Minute)
	if err := r.UpdateCron(ctx, cur, edit, t0.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}
	got := getCron(t, r, id)
	if got.Status != domain.CronActive || got.Priority != 9 || got.LastError != nil || !got.UpdatedAt.Equal(t0.Add(3*time.Second)) {
		t.Fatalf("after edit %+v", got)
	}

	// The same read cannot be applied twice.
	if err := r.UpdateCron(ctx, cur, edit, t0.Add(4*time.Second)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("replayed edit: err = %v, want ErrConflict", err)
	}
	missing := domain.CronDefinition{ID: "crn_missing"}
	if err := r.UpdateCron(ctx, missing, missing, t0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing cron: err = %v, want ErrNotFound", err)
	}
}
