package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subflow/internal/domain"
	"subflow/internal/schedule"
)

type cronReq struct {
	Name           string          `json:"name"`
	CronExpr       string          `json:"cron_expr"`
	TaskType       string          `json:"task_type"`
	Job            json.RawMessage `json:"job"`
	Priority       *int            `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	TimeoutMs      int64           `json:"timeout_ms"`
	Status         string          `json:"status"`
	SubscriptionID *string         `json:"subscription_id"`
}

type createCronResp struct {
	ID      string `json:"id"`
	NextRun string `json:"next_run"`
}

func (s *Server) createCron(w http.ResponseWriter, r *http.Request) {
	var req cronReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if req.CronExpr == "" {
		badRequest(w, "cron_expr is required")
		return
	}
	if req.TaskType == "" {
		badRequest(w, "task_type is required")
		return
	}
	status := domain.CronActive
	if req.Status != "" {
		status = domain.CronStatus(req.Status)
		if !status.Valid() || status == domain.CronErrored {
			badRequest(w, "status must be active or disabled")
			return
		}
	}

	if err := schedule.Validate(req.CronExpr); err != nil {
		writeError(w, err)
		return
	}
	now := s.now()
	nextRun, err := schedule.Evaluate(req.CronExpr, now)
	if err != nil {
		writeError(w, err)
		return
	}

	def := domain.CronDefinition{
		Name:            req.Name,
		CronExpr:        req.CronExpr,
		TaskType:        req.TaskType,
		Job:             []byte(req.Job),
		NextRun:         nextRun,
		Status:          status,
		TimeoutMs:       req.TimeoutMs,
		MaxAttempts:     req.MaxAttempts,
		Priority:        domain.DefaultPriority,
		SubscriptionRef: req.SubscriptionID,
		CreatedAt:       now,
	}
	if req.Priority != nil {
		def.Priority = *req.Priority
	}

	id, err := s.repo.CreateCron(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createCronResp{ID: id, NextRun: nextRun.Format(time.RFC3339)})
}

func (s *Server) listCrons(w http.ResponseWriter, r *http.Request) {
	crons, err := s.repo.ListCrons(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if crons == nil {
		crons = []domain.CronDefinition{}
	}
	writeJSON(w, http.StatusOK, crons)
}

func (s *Server) getCron(w http.ResponseWriter, r *http.Request) {
	def, err := s.repo.GetCron(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// updateCron applies a partial edit. Changing the expression or re-activating
// the definition recomputes nextRun from now and clears lastError; this is the
// only way out of the errored state. An edit racing a tick gets 409 and must be
// retried against a fresh read.
func (s *Server) updateCron(w http.ResponseWriter, r *http.Request) {
	prev, err := s.repo.GetCron(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	def := prev

	var req cronReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}

	reschedule := false
	if req.Name != "" {
		def.Name = req.Name
	}
	if req.CronExpr != "" && req.CronExpr != def.CronExpr {
		if err := schedule.Validate(req.CronExpr); err != nil {
			writeError(w, err)
			return
		}
		def.CronExpr = req.CronExpr
		reschedule = true
	}
	if req.TaskType != "" {
		def.TaskType = req.TaskType
	}
	if req.Job != nil {
		def.Job = []byte(req.Job)
	}
	if req.Priority != nil {
		def.Priority = *req.Priority
	}
	if req.MaxAttempts > 0 {
		def.MaxAttempts = req.MaxAttempts
	}
	if req.TimeoutMs > 0 {
		def.TimeoutMs = req.TimeoutMs
	}
	if req.SubscriptionID != nil {
		def.SubscriptionRef = req.SubscriptionID
	}
	switch status := domain.CronStatus(req.Status); status {
	case "":
	case domain.CronActive:
		if def.Status != domain.CronActive {
			reschedule = true
		}
		def.Status = status
	case domain.CronDisabled:
		def.Status = status
	default:
		badRequest(w, "status must be active or disabled")
		return
	}
	if def.Status == domain.CronErrored && reschedule {
		def.Status = domain.CronActive
	}

	now := s.now()
	if reschedule {
		next, err := schedule.Evaluate(def.CronExpr, now)
		if err != nil {
			writeError(w, err)
			return
		}
		def.NextRun = next
		def.LastError = nil
	}

	if err := s.repo.UpdateCron(r.Context(), prev, def, now); err != nil {
		writeError(w, err)
		return
	}
	def.UpdatedAt = now.Truncate(time.Millisecond)
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) deleteCron(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteCron(r.Context(), chi.URLParam(r, "id"), s.now()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscriptionReq struct {
	DisplayName string `json:"display_name"`
	SourceURL   string `json:"source_url"`
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.DisplayName == "" || req.SourceURL == "" {
		badRequest(w, "display_name and source_url are required")
		return
	}
	id, err := s.repo.CreateSubscription(r.Context(), domain.Subscription{
		DisplayName: req.DisplayName,
		SourceURL:   req.SourceURL,
		CreatedAt:   s.now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResp{ID: id})
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.repo.ListSubscriptions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}
