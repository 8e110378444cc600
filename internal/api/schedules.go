package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tern-data/tern/internal/domain"
	"github.com/tern-data/tern/internal/scheduler"
)

// scheduleRequest is the body of schedule create and update calls.
type scheduleRequest struct {
	Brands     []string `json:"brands"`
	Purchasers []string `json:"purchasers"`
	Cron       string   `json:"cron"`
	Timezone   string   `json:"timezone"`
}

// HandleListSchedules returns all schedules plus the timezone allow-list so
// clients can render a picker without hardcoding it.
func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := storeCtx(r)
	defer cancel()
	schedules, err := s.Schedules.ListSchedules(ctx)
	if err != nil {
		internalError(w, "failed to list schedules", err)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": schedules,
		"timezones": scheduler.AllowedTimezones,
	})
}

// HandleCreateSchedule validates and persists a new schedule.
func (s *Server) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	if err := scheduler.ValidateSchedule(req.Cron, req.Timezone); err != nil {
		errorJSON(w, err.Error(), "INVALID_SCHEDULE", http.StatusBadRequest)
		return
	}

	sched := domain.Schedule{
		ID:         uuid.New().String(),
		Brands:     req.Brands,
		Purchasers: req.Purchasers,
		Cron:       req.Cron,
		Timezone:   req.Timezone,
	}
	ctx, cancel := storeCtx(r)
	defer cancel()
	if err := s.Schedules.CreateSchedule(ctx, sched); err != nil {
		if errors.Is(err, domain.ErrDuplicateSchedule) {
			errorJSON(w, err.Error(), "DUPLICATE_SCHEDULE", http.StatusBadRequest)
			return
		}
		internalError(w, "failed to create schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule": sched})
}

// HandleUpdateSchedule replaces a schedule's scope and timing.
func (s *Server) HandleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	if err := scheduler.ValidateSchedule(req.Cron, req.Timezone); err != nil {
		errorJSON(w, err.Error(), "INVALID_SCHEDULE", http.StatusBadRequest)
		return
	}

	sched := domain.Schedule{
		ID:         chi.URLParam(r, "id"),
		Brands:     req.Brands,
		Purchasers: req.Purchasers,
		Cron:       req.Cron,
		Timezone:   req.Timezone,
	}
	ctx, cancel := storeCtx(r)
	defer cancel()
	if err := s.Schedules.UpdateSchedule(ctx, sched); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			errorJSON(w, "schedule not found", "SCHEDULE_NOT_FOUND", http.StatusNotFound)
		case errors.Is(err, domain.ErrDuplicateSchedule):
			errorJSON(w, err.Error(), "DUPLICATE_SCHEDULE", http.StatusBadRequest)
		default:
			internalError(w, "failed to update schedule", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

// HandleDeleteSchedule removes a schedule. Its audit entries are kept.
func (s *Server) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := storeCtx(r)
	defer cancel()
	if err := s.Schedules.DeleteSchedule(ctx, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, "schedule not found", "SCHEDULE_NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to delete schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleScheduleLog returns the schedule audit trail, paged, newest first.
func (s *Server) HandleScheduleLog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := storeCtx(r)
	defer cancel()
	page, limit := parsePaging(r)
	entries, total, err := s.Schedules.ListAudit(ctx, limit, (page-1)*limit)
	if err != nil {
		internalError(w, "failed to list schedule log", err)
		return
	}
	if entries == nil {
		entries = []domain.ScheduleAuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

// emailConfig is the notification settings blob stored in the KV table.
// Delivery itself is handled by the notifier wired at startup; the API only
// stores the settings.
type emailConfig struct {
	Enabled    bool     `json:"enabled"`
	Recipients []string `json:"recipients"`
	OnSuccess  bool     `json:"onSuccess"`
	OnFailure  bool     `json:"onFailure"`
}

// HandleGetEmailConfig returns the stored notification settings, or defaults.
func (s *Server) HandleGetEmailConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := storeCtx(r)
	defer cancel()
	raw, ok, err := s.Runs.GetValue(ctx, domain.KeyNotificationConfig)
	if err != nil {
		internalError(w, "failed to read email config", err)
		return
	}
	cfg := emailConfig{Recipients: []string{}, OnFailure: true}
	if ok {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			internalError(w, "stored email config is corrupt", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleSetEmailConfig stores notification settings.
func (s *Server) HandleSetEmailConfig(w http.ResponseWriter, r *http.Request) {
	var cfg emailConfig
	if err := decodeJSON(r, &cfg); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		internalError(w, "failed to encode email config", err)
		return
	}
	ctx, cancel := storeCtx(r)
	defer cancel()
	if err := s.Runs.SetValue(ctx, domain.KeyNotificationConfig, string(raw)); err != nil {
		internalError(w, "failed to store email config", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
