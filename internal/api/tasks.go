package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"subflow/internal/domain"
)

type submitReq struct {
	Type           string          `json:"type"`
	Job            json.RawMessage `json:"job"`
	Priority       *int            `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	TimeoutMs      int64           `json:"timeout_ms"`
	RunAt          *time.Time      `json:"run_at"`
	SubscriptionID *string         `json:"subscription_id"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Type == "" {
		badRequest(w, "type is required")
		return
	}
	if req.MaxAttempts < 0 || req.TimeoutMs < 0 {
		badRequest(w, "max_attempts and timeout_ms must be >= 0")
		return
	}
	t := domain.Task{
		TaskType:        req.Type,
		Job:             []byte(req.Job),
		Priority:        domain.DefaultPriority,
		MaxAttempts:     req.MaxAttempts,
		TimeoutMs:       req.TimeoutMs,
		SubscriptionRef: req.SubscriptionID,
		IdempotencyKey:  req.IdempotencyKey,
	}
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.RunAt != nil {
		t.RunAt = req.RunAt.UTC()
	}
	id, err := s.repo.Enqueue(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	order := domain.TaskOrder{Field: domain.OrderCreatedAt, Desc: true}
	switch field := domain.OrderField(q.Get("order")); field {
	case "":
	case domain.OrderPriority, domain.OrderRunAt, domain.OrderCreatedAt:
		order.Field = field
		order.Desc = q.Get("dir") != "asc"
	default:
		badRequest(w, "order must be priority, run_at or created_at")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	page, err := s.repo.List(r.Context(), f, order, domain.Page{Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, err)
		return
	}
	if page.Nodes == nil {
		page.Nodes = []domain.TaskNode{}
	}
	writeJSON(w, http.StatusOK, page)
}

type deleteResp struct {
	Deleted int `json:"deleted"`
}

func (s *Server) deleteTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if f.Empty() {
		badRequest(w, "refusing to delete without a filter")
		return
	}
	n, err := s.repo.Delete(r.Context(), f, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResp{Deleted: n})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.repo.Delete(r.Context(), domain.TaskFilter{IDs: []string{id}}, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	if n == 0 {
		writeError(w, domain.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryTasks(w http.ResponseWriter, r *http.Request) {
	var f domain.TaskFilter
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		badRequest(w, err.Error())
		return
	}
	if f.Empty() {
		badRequest(w, "refusing to retry without a filter")
		return
	}
	s.retry(w, r, f)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	s.retry(w, r, domain.TaskFilter{IDs: []string{chi.URLParam(r, "id")}})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request, f domain.TaskFilter) {
	tasks, err := s.repo.Retry(r.Context(), f, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// parseFilter reads a task filter from query parameters. List values are
// comma separated.
func parseFilter(q url.Values) (domain.TaskFilter, error) {
	f := domain.TaskFilter{
		IDs:            splitList(q.Get("id")),
		TaskType:       q.Get("type"),
		CronID:         q.Get("cron_id"),
		SubscriptionID: q.Get("subscription_id"),
	}
	for _, st := range splitList(q.Get("status")) {
		status := domain.TaskStatus(st)
		if !status.Valid() {
			return f, &filterError{"unknown status " + strconv.Quote(st)}
		}
		f.Statuses = append(f.Statuses, status)
	}
	if v := q.Get("locked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, &filterError{"locked must be true or false"}
		}
		f.Locked = &b
	}
	return f, nil
}

type filterError struct{ msg string }

func (e *filterError) Error() string { return e.msg }

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
