// Package api provides the HTTP control plane for ternd: run start/stop and
// status, schedule CRUD, audit and history queries, and health probes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tern-data/tern/internal/admission"
	"github.com/tern-data/tern/internal/domain"
)

// maxJSONBodySize caps JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// Structured error type codes for machine-readable error categorization.
const (
	ErrorTypeValidation = "VALIDATION"
	ErrorTypeNotFound   = "NOT_FOUND"
	ErrorTypeConflict   = "CONFLICT"
	ErrorTypeRateLimit  = "RATE_LIMIT"
	ErrorTypeInternal   = "INTERNAL"
)

// APIError is the structured JSON error envelope returned by all API error
// responses: {"error": {"code", "type", "message"}}.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. All API errors use this
// format so clients only need to handle one shape.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON
// error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// parsePaging reads page and limit query params (1-based page).
func parsePaging(r *http.Request) (page, limit int) {
	page, limit = 1, 20
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return page, limit
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// RunCoordinator starts and stops pipeline runs.
type RunCoordinator interface {
	StartRun(ctx context.Context, caseID domain.CaseID, params domain.RunParams,
		origin domain.Origin, scheduleID string) (<-chan domain.RunEvent, error)
	Stop(caseID domain.CaseID) bool
	Admission() *admission.Controller
}

// RunStore reads run and history state out of the checkpoint store.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	GetRecordsForRun(ctx context.Context, runID string) ([]domain.ExtractionRecord, error)
	ListSyncHistory(ctx context.Context, limit int) ([]domain.SyncHistoryEntry, error)
	GetRunState(ctx context.Context, caseID domain.CaseID) (*domain.RunState, error)
	ClearRunState(ctx context.Context, caseID domain.CaseID) error
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error
}

// ScheduleStore persists schedules and their audit trail.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched domain.Schedule) error
	UpdateSchedule(ctx context.Context, sched domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	ListAudit(ctx context.Context, limit, offset int) ([]domain.ScheduleAuditEntry, int, error)
}

// HealthChecker verifies that a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server holds dependencies for all API handlers.
type Server struct {
	Coordinator RunCoordinator
	Runs        RunStore
	Schedules   ScheduleStore
	ResumeCases []domain.CaseID
	DBHealth    HealthChecker // nil = skip in readiness

	CORSOrigins     []string         // defaults to ["http://localhost:3000"]
	RateLimit       *RateLimitConfig // nil disables rate limiting
	RateLimiterStop func()           // populated by NewRouter when rate limiting is on
}

// NewRouter creates a configured chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health probes (unauthenticated, outside /api).
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(limitJSONBody)
		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}

		r.Post("/run", srv.HandleRun)
		r.Post("/stop", srv.HandleStop)
		r.Get("/run-status", srv.HandleRunStatus)
		r.Get("/active-runs", srv.HandleActiveRuns)
		r.Post("/clear-run-state", srv.HandleClearRunState)
		r.Get("/runs", srv.HandleListRuns)
		r.Get("/runs/{runID}", srv.HandleGetRun)
		r.Get("/sync-history", srv.HandleSyncHistory)

		r.Get("/schedules", srv.HandleListSchedules)
		r.Post("/schedules", srv.HandleCreateSchedule)
		r.Put("/schedules/{id}", srv.HandleUpdateSchedule)
		r.Delete("/schedules/{id}", srv.HandleDeleteSchedule)
		r.Get("/schedule-log", srv.HandleScheduleLog)

		r.Get("/email-config", srv.HandleGetEmailConfig)
		r.Post("/email-config", srv.HandleSetEmailConfig)
	})

	return r
}

// decodeJSON decodes a request body into v, returning a client-friendly error.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// requestTimeout bounds non-streaming store reads in handlers.
const requestTimeout = 10 * time.Second

func storeCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}
