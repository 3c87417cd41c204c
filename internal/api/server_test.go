package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"subflow/internal/domain"
	"subflow/internal/queue"
)

func newTestServer(t *testing.T) (*Server, *queue.SQLiteRepo) {
	t.Helper()
	db, err := queue.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	repo := queue.NewSQLiteRepo(db)
	return newServer(repo, false, func() time.Time { return time.Now().UTC() }), repo
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func submit(t *testing.T, s *Server, body map[string]any) string {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/tasks", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body)
	}
	return decode[submitResp](t, rec).ID
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("%d %q", rec.Code, rec.Body)
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	s, _ := newTestServer(t)
	id := submit(t, s, map[string]any{"type": "shell", "job": map[string]any{"command": "true"}, "priority": 7})

	rec := do(t, s, http.MethodGet, "/api/tasks/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body)
	}
	task := decode[domain.Task](t, rec)
	if task.TaskType != "shell" || task.Priority != 7 || task.Status != domain.TaskPending {
		t.Fatalf("task %+v", task)
	}
	if string(task.Job) != `{"command":"true"}` {
		t.Fatalf("job = %s", task.Job)
	}

	if rec := do(t, s, http.MethodGet, "/api/tasks/tsk_missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: %d", rec.Code)
	}
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestServer(t)
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing type", map[string]any{"job": "x"}},
		{"negative attempts", map[string]any{"type": "shell", "max_attempts": -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(t, s, http.MethodPost, "/api/tasks", tc.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("code = %d", rec.Code)
			}
		})
	}
}

func TestListTasksFilterAndOrder(t *testing.T) {
	s, _ := newTestServer(t)
	low := submit(t, s, map[string]any{"type": "shell", "priority": 1})
	high := submit(t, s, map[string]any{"type": "http", "priority": 9})

	rec := do(t, s, http.MethodGet, "/api/tasks?order=priority", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("%d %s", rec.Code, rec.Body)
	}
	page := decode[domain.TaskPage](t, rec)
	if page.TotalCount != 2 || page.Nodes[0].ID != high || page.Nodes[1].ID != low {
		t.Fatalf("page %+v", page)
	}

	page = decode[domain.TaskPage](t, do(t, s, http.MethodGet, "/api/tasks?type=shell&status=pending", nil))
	if page.TotalCount != 1 || page.Nodes[0].ID != low {
		t.Fatalf("filtered page %+v", page)
	}

	if rec := do(t, s, http.MethodGet, "/api/tasks?status=running", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/tasks?order=name", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown order: %d", rec.Code)
	}
}

func TestDeleteLeasedTaskConflicts(t *testing.T) {
	s, repo := newTestServer(t)
	id := submit(t, s, map[string]any{"type": "shell"})
	ctx := context.Background()
	if got, err := repo.ClaimBatch(ctx, 1, time.Now().UTC(), "w1"); err != nil || len(got) != 1 {
		t.Fatalf("claim: %v %v", got, err)
	}

	if rec := do(t, s, http.MethodDelete, "/api/tasks/"+id, nil); rec.Code != http.StatusConflict {
		t.Fatalf("delete leased: %d %s", rec.Code, rec.Body)
	}
	if err := repo.ReleaseTask(ctx, id, "w1"); err != nil {
		t.Fatal(err)
	}
	if rec := do(t, s, http.MethodDelete, "/api/tasks/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, s, http.MethodDelete, "/api/tasks/"+id, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("delete again: %d", rec.Code)
	}
}

func TestDeleteTasksRequiresFilter(t *testing.T) {
	s, _ := newTestServer(t)
	submit(t, s, map[string]any{"type": "shell"})
	submit(t, s, map[string]any{"type": "http"})

	if rec := do(t, s, http.MethodDelete, "/api/tasks", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unfiltered delete: %d", rec.Code)
	}
	rec := do(t, s, http.MethodDelete, "/api/tasks?type=shell", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("%d %s", rec.Code, rec.Body)
	}
	if n := decode[deleteResp](t, rec).Deleted; n != 1 {
		t.Fatalf("deleted %d", n)
	}
}

func TestRetryFailedTask(t *testing.T) {
	s, repo := newTestServer(t)
	id := submit(t, s, map[string]any{"type": "shell", "max_attempts": 1})
	ctx := context.Background()
	now := time.Now().UTC()
	if got, _ := repo.ClaimBatch(ctx, 1, now, "w1"); len(got) != 1 {
		t.Fatal("claim failed")
	}
	tr := domain.Transition{Status: domain.TaskFailed, Attempts: 1, RunAt: now, LastError: "boom"}
	if ok, err := repo.Complete(ctx, id, "w1", tr); err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}

	rec := do(t, s, http.MethodPost, "/api/tasks/"+id+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("%d %s", rec.Code, rec.Body)
	}
	tasks := decode[[]domain.Task](t, rec)
	if len(tasks) != 1 || tasks[0].Status != domain.TaskPending || tasks[0].Attempts != 0 || tasks[0].LastError != "" {
		t.Fatalf("retried %+v", tasks)
	}

	rec = do(t, s, http.MethodPost, "/api/tasks/retry", domain.TaskFilter{Statuses: []domain.TaskStatus{domain.TaskFailed}})
	if rec.Code != http.StatusOK {
		t.Fatalf("%d %s", rec.Code, rec.Body)
	}
	if tasks := decode[[]domain.Task](t, rec); len(tasks) != 0 {
		t.Fatalf("nothing should be failed, retried %d", len(tasks))
	}
	if rec := do(t, s, http.MethodPost, "/api/tasks/retry", domain.TaskFilter{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unfiltered retry: %d", rec.Code)
	}
}

func TestCronLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/crons", map[string]any{"name": "bad", "cron_expr": "61 * * * *", "task_type": "shell"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad expression: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, s, http.MethodPost, "/api/crons", map[string]any{
		"name": "every-five", "cron_expr": "*/5 * * * *", "task_type": "shell", "job": map[string]any{"command": "true"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	created := decode[createCronResp](t, rec)
	next, err := time.Parse(time.RFC3339, created.NextRun)
	if err != nil {
		t.Fatal(err)
	}
	if next.Minute()%5 != 0 || next.Second() != 0 {
		t.Fatalf("next_run %v is not on a five-minute boundary", next)
	}

	rec = do(t, s, http.MethodPut, "/api/crons/"+created.ID, map[string]any{"status": "disabled", "priority": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}
	def := decode[domain.CronDefinition](t, rec)
	if def.Status != domain.CronDisabled || def.Priority != 2 || def.CronExpr != "*/5 * * * *" {
		t.Fatalf("updated %+v", def)
	}

	rec = do(t, s, http.MethodPut, "/api/crons/"+created.ID, map[string]any{"cron_expr": "not valid"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("update with bad expression: %d", rec.Code)
	}

	crons := decode[[]domain.CronDefinition](t, do(t, s, http.MethodGet, "/api/crons", nil))
	if len(crons) != 1 || crons[0].ID != created.ID {
		t.Fatalf("crons %+v", crons)
	}

	if rec := do(t, s, http.MethodDelete, "/api/crons/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, s, http.MethodGet, "/api/crons/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", rec.Code)
	}
}

func TestUpdateCronWhileTickHoldsLease(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	rec := do(t, s, http.MethodPost, "/api/crons", map[string]any{"name": "hourly", "cron_expr": "@hourly", "task_type": "noop"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	created := decode[createCronResp](t, rec)
	next, err := time.Parse(time.RFC3339, created.NextRun)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := repo.AcquireCron(ctx, created.ID, "ticker", next); err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}

	if rec := do(t, s, http.MethodPut, "/api/crons/"+created.ID, map[string]any{"name": "renamed"}); rec.Code != http.StatusConflict {
		t.Fatalf("edit under lease: %d %s", rec.Code, rec.Body)
	}
	if err := repo.ReleaseCron(ctx, created.ID, "ticker"); err != nil {
		t.Fatal(err)
	}
	rec = do(t, s, http.MethodPut, "/api/crons/"+created.ID, map[string]any{"name": "renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("edit after release: %d %s", rec.Code, rec.Body)
	}
	if def := decode[domain.CronDefinition](t, rec); def.Name != "renamed" || !def.NextRun.Equal(next) {
		t.Fatalf("updated %+v", def)
	}
}

func TestSubscriptionsAndStats(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/subscriptions", map[string]any{"display_name": "Feed", "source_url": "https://example.com/rss"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("%d %s", rec.Code, rec.Body)
	}
	subID := decode[submitResp](t, rec).ID
	if rec := do(t, s, http.MethodPost, "/api/subscriptions", map[string]any{"display_name": "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing source: %d", rec.Code)
	}

	submit(t, s, map[string]any{"type": "http", "subscription_id": subID})
	page := decode[domain.TaskPage](t, do(t, s, http.MethodGet, "/api/tasks?subscription_id="+subID, nil))
	if page.TotalCount != 1 || page.Nodes[0].Subscription == nil || page.Nodes[0].Subscription.SourceURL != "https://example.com/rss" {
		t.Fatalf("page %+v", page)
	}

	subs := decode[[]domain.Subscription](t, do(t, s, http.MethodGet, "/api/subscriptions", nil))
	if len(subs) != 1 || subs[0].DisplayName != "Feed" {
		t.Fatalf("subs %+v", subs)
	}

	st := decode[domain.Stats](t, do(t, s, http.MethodGet, "/api/stats", nil))
	if st.Pending != 1 || st.Crons != 0 {
		t.Fatalf("stats %+v", st)
	}
}
