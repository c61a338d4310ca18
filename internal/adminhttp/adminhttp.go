// Package adminhttp is the operator-facing HTTP surface of SPEC_FULL.md's
// admin component: trigger an out-of-band sync, inspect the latest or
// recent SyncLogs for a tenant, and pause/resume a tenant's schedule.
//
// Grounded on the teacher's router.NewRouter: same middleware chain
// shape (CORS, security headers, request ID, panic recovery, request
// logger, body size limit) and chi route-group-with-middleware pattern,
// trimmed from dozens of LLM-gateway route groups down to the five
// operations this system actually needs, with auth collapsed from a
// validated-API-key cache to a single operator bearer token.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/wbsync/syncengine/internal/metrics"
	"github.com/wbsync/syncengine/internal/middleware"
	"github.com/wbsync/syncengine/internal/model"
)

// syncTrigger is satisfied by *scheduler.Scheduler.
type syncTrigger interface {
	TriggerNow(tenantID string) bool
}

// syncLogReader is satisfied by *synclog.Store.
type syncLogReader interface {
	LatestForTenant(ctx context.Context, tenantID string) (*model.SyncLog, error)
	Recent(ctx context.Context, tenantID string, since time.Time) ([]model.SyncLog, error)
}

// tenantPauser is satisfied by *tenantstore.Store.
type tenantPauser interface {
	SetPaused(ctx context.Context, tenantID string, paused bool) error
}

// Config controls the admin HTTP surface's behavior.
type Config struct {
	AdminToken      string
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
	PerTenantLimit  int
	AcquireTimeout  time.Duration
}

// DefaultConfig returns sane defaults for a small operator-only surface.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		RequestTimeout: 15 * time.Second,
		MaxBodyBytes:   1 << 20,
		PerTenantLimit: 2,
		AcquireTimeout: 2 * time.Second,
	}
}

// Handler bundles the dependencies the admin routes call into.
type Handler struct {
	scheduler syncTrigger
	logs      syncLogReader
	tenants   tenantPauser
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New builds an admin Handler.
func New(scheduler syncTrigger, logs syncLogReader, tenants tenantPauser, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		scheduler: scheduler,
		logs:      logs,
		tenants:   tenants,
		metrics:   m,
		logger:    logger.With().Str("component", "adminhttp").Logger(),
	}
}

// NewRouter assembles the chi router with the full middleware chain and
// route table.
func NewRouter(cfg Config, appLogger zerolog.Logger, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(appLogger))
	r.Use(maxBodySize(cfg.MaxBodyBytes))

	r.Get("/healthz", healthz)
	if h.metrics != nil {
		r.Get("/metrics", h.metrics.Handler())
	}

	tenantSem := middleware.NewSemaphore(cfg.PerTenantLimit)

	r.Route("/admin/tenants/{tenantID}", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.AdminToken))
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Use(middleware.PerTenant(tenantSem, tenantIDFromRequest, cfg.AcquireTimeout))

		r.Post("/sync", h.TriggerSync)
		r.Get("/sync/latest", h.LatestSyncLog)
		r.Get("/sync/recent", h.RecentSyncLogs)
		r.Post("/pause", h.Pause)
		r.Post("/resume", h.Resume)
	})

	return r
}

func tenantIDFromRequest(r *http.Request) string {
	return chi.URLParam(r, "tenantID")
}

// TriggerSync enqueues an out-of-band sync for the tenant. Non-blocking:
// rejects with 429 if the scheduler's dispatch queue is full.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !h.scheduler.TriggerNow(tenantID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "dispatch queue full, try again shortly"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued", "tenant_id": tenantID})
}

// LatestSyncLog returns the most recent terminal SyncLog for the tenant.
func (h *Handler) LatestSyncLog(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	log, err := h.logs.LatestForTenant(r.Context(), tenantID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if log == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sync log for tenant"})
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// RecentSyncLogs returns SyncLogs for the tenant since an optional
// ?since=RFC3339 query parameter, defaulting to the last 7 days.
func (h *Handler) RecentSyncLogs(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	since := time.Now().Add(-7 * 24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	logs, err := h.logs.Recent(r.Context(), tenantID, since)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// Pause suspends scheduled sync for the tenant without deleting its config.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// Resume re-enables scheduled sync for the tenant.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	tenantID := chi.URLParam(r, "tenantID")
	if err := h.tenants.SetPaused(r.Context(), tenantID, paused); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenant_id": tenantID, "paused": paused})
}

func healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "syncengine-admin"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("admin request completed")
		})
	}
}
