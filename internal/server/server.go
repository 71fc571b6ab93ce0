// Package server exposes the gateway over HTTP: tenant-facing search and
// mutate endpoints, operator admin endpoints, and health and metrics
// surfaces.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nucleuslabs/adsgateway/internal/ads"
	"github.com/nucleuslabs/adsgateway/internal/apierr"
	"github.com/nucleuslabs/adsgateway/internal/auth"
	"github.com/nucleuslabs/adsgateway/internal/cache"
	"github.com/nucleuslabs/adsgateway/internal/metrics"
	"github.com/nucleuslabs/adsgateway/internal/quota"
	"github.com/nucleuslabs/adsgateway/internal/scheduler"
	"github.com/nucleuslabs/adsgateway/internal/tracing"
)

// Options bundles the dependencies the HTTP layer serves.
type Options struct {
	Manager   *ads.Manager
	Governor  *quota.Governor
	Cache     *cache.Manager
	Scheduler *scheduler.Scheduler
	Verifier  *auth.Verifier
	Metrics   *metrics.Set
	Redis     redis.Cmdable
	Logger    *zap.Logger

	// DevTokens enables the unauthenticated token-minting endpoint. Never
	// enable outside local development.
	DevTokens bool
}

// Server is the HTTP front of the gateway.
type Server struct {
	opts   Options
	router chi.Router
}

// New builds the router with the full middleware stack.
func New(opts Options) *Server {
	s := &Server{opts: opts}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.opts.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Unauthenticated surfaces.
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	if s.opts.DevTokens {
		r.Post("/dev/token", s.handleDevToken)
	}

	authed := s.opts.Verifier.Middleware(s.writeError)

	r.Route("/api", func(r chi.Router) {
		r.Use(authed)
		r.With(auth.Require(auth.RoleViewer, s.writeError)).Post("/search", s.handleSearch)
		r.With(auth.Require(auth.RoleOps, s.writeError)).Post("/mutate", s.handleMutate)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authed)
		r.With(auth.Require(auth.RoleOps, s.writeError)).Get("/quota", s.handleQuotaStatus)
		r.With(auth.Require(auth.RoleOps, s.writeError)).Get("/clients/{clientID}", s.handleClientStatus)
		r.With(auth.Require(auth.RoleOps, s.writeError)).Get("/stats", s.handleStats)

		r.With(auth.Require(auth.RoleAdmin, s.writeError)).Post("/quota/reset", s.handleQuotaReset)
		r.With(auth.Require(auth.RoleAdmin, s.writeError)).Post("/clients/{clientID}/tier", s.handleSetTier)
		r.With(auth.Require(auth.RoleAdmin, s.writeError)).Post("/clients/{clientID}/quota", s.handleSetQuota)
		r.With(auth.Require(auth.RoleAdmin, s.writeError)).Post("/clients/{clientID}/pause", s.handlePause)
		r.With(auth.Require(auth.RoleAdmin, s.writeError)).Post("/clients/{clientID}/resume", s.handleResume)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.opts.Logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}

// writeError renders any error in the taxonomy wire shape with its mapped
// status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.As(err)
	if apiErr == nil {
		s.opts.Logger.Error("unclassified handler error",
			zap.String("path", r.URL.Path), zap.Error(err))
		apiErr = apierr.Internal("")
	}
	tracing.RecordError(r.Context(), apiErr)
	s.writeJSON(w, apiErr.HTTPStatus, apiErr)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.opts.Logger.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.Validation("malformed request body: " + err.Error())
	}
	return nil
}

// ========== Tenant API ==========

type searchBody struct {
	CustomerID  string `json:"customer_id"`
	Query       string `json:"query"`
	PageSize    int    `json:"page_size"`
	ServiceType string `json:"service_type"`
	Urgency     *int   `json:"urgency"`
	SkipCache   bool   `json:"skip_cache"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	var body searchBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.CustomerID == "" || body.Query == "" {
		s.writeError(w, r, apierr.Validation("customer_id and query are required"))
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), tracing.Tracer("http"), "search",
		attribute.String("client_id", claims.ClientID),
		attribute.String("customer_id", body.CustomerID))
	defer span.End()

	resp, err := s.opts.Manager.ExecuteSearch(ctx, claims.ClientID, ads.SearchRequest{
		CustomerID: body.CustomerID,
		Query:      body.Query,
		PageSize:   body.PageSize,
	}, ads.SearchOptions{
		ServiceType: body.ServiceType,
		Urgency:     body.Urgency,
		SkipCache:   body.SkipCache,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type mutateBody struct {
	CustomerID   string                `json:"customer_id"`
	Operations   []ads.MutateOperation `json:"operations"`
	ValidateOnly bool                  `json:"validate_only"`
	Urgency      *int                  `json:"urgency"`
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	var body mutateBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.CustomerID == "" {
		s.writeError(w, r, apierr.Validation("customer_id is required"))
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), tracing.Tracer("http"), "mutate",
		attribute.String("client_id", claims.ClientID),
		attribute.Int("operations", len(body.Operations)))
	defer span.End()

	resp, err := s.opts.Manager.ExecuteMutate(ctx, claims.ClientID, ads.MutateRequest{
		CustomerID:   body.CustomerID,
		Operations:   body.Operations,
		ValidateOnly: body.ValidateOnly,
	}, ads.MutateOptions{Urgency: body.Urgency})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ========== Admin API ==========

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Governor.Status(r.Context()))
}

func (s *Server) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	s.writeJSON(w, http.StatusOK, s.opts.Governor.ClientStatus(r.Context(), clientID))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"scheduler": s.opts.Scheduler.Stats(),
		"cache":     s.opts.Cache.HotStats(),
		"quota":     s.opts.Governor.Status(r.Context()),
	})
}

type quotaResetBody struct {
	Daily int64 `json:"daily"`
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	var body quotaResetBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Daily <= 0 {
		s.writeError(w, r, apierr.Validation("daily must be positive"))
		return
	}
	if err := s.opts.Governor.ResetGlobal(r.Context(), body.Daily); err != nil {
		s.writeError(w, r, apierr.Internal(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "daily": body.Daily})
}

type setTierBody struct {
	Tier string `json:"tier"`
}

func (s *Server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	var body setTierBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	tier := quota.ParseTier(body.Tier)
	if string(tier) != body.Tier {
		s.writeError(w, r, apierr.Validation("tier must be gold, silver, or bronze"))
		return
	}
	if err := s.opts.Governor.SetTier(r.Context(), clientID, tier); err != nil {
		s.writeError(w, r, apierr.Internal(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Governor.ClientStatus(r.Context(), clientID))
}

type setQuotaBody struct {
	Units int64 `json:"units"`
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	var body setQuotaBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Units < 0 {
		s.writeError(w, r, apierr.Validation("units must not be negative"))
		return
	}
	if err := s.opts.Governor.SetClientQuota(r.Context(), clientID, body.Units); err != nil {
		s.writeError(w, r, apierr.Internal(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Governor.ClientStatus(r.Context(), clientID))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if err := s.opts.Governor.Pause(r.Context(), clientID); err != nil {
		s.writeError(w, r, apierr.Internal(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Governor.ClientStatus(r.Context(), clientID))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if err := s.opts.Governor.Resume(r.Context(), clientID); err != nil {
		s.writeError(w, r, apierr.Internal(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Governor.ClientStatus(r.Context(), clientID))
}

// ========== Health ==========

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady checks the dependencies the request path needs: the scheduler
// pool and the Redis store.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"scheduler": "ok", "redis": "ok"}
	healthy := true

	if !s.opts.Scheduler.Healthy() {
		checks["scheduler"] = "not running"
		healthy = false
	}
	if err := s.opts.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// ========== Dev ==========

type devTokenBody struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
}

func (s *Server) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var body devTokenBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.ClientID == "" {
		s.writeError(w, r, apierr.Validation("client_id is required"))
		return
	}
	role := auth.Role(body.Role)
	if role == "" {
		role = auth.RoleViewer
	}
	token, err := s.opts.Verifier.Mint(body.ClientID, role, time.Hour)
	if err != nil {
		s.writeError(w, r, apierr.Internal(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
