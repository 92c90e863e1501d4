// Package httpapi is the C8 REST surface: scanner config/universe/trigger
// CRUD, per-user preferences, and the admin health/status/test-injection
// endpoints. Router and middleware stack grounded on scranton_strangler's
// internal/dashboard.Server (chi.Mux, chi/middleware stack, a constant-time
// header-token admin gate, request logging with credential redaction).
package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	limiterMemory "github.com/ulule/limiter/v3/drivers/store/memory"

	"ignition-scanner/internal/scanner"
	"ignition-scanner/internal/store"
)

// identityHeader/emailHeader name the headers an upstream authenticating
// proxy is expected to set; this service trusts them rather than
// terminating its own login flow, matching the admin-surface's existing
// "one known operator email" scope (spec.md's SCANNER_ADMIN_EMAIL).
const (
	identityHeader = "X-Scanner-User-Id"
	emailHeader    = "X-Scanner-User-Email"
)

// Hub is the narrow port onto the websocket layer the admin probe and
// admin test-injection actions need.
type Hub interface {
	GroupAddDiscard(name string) bool
	PublishTrigger(ctx context.Context, ev store.TriggerEvent) error
	PublishHotlistTo(userID string, items []scanner.HotlistItem) error
	ServeWs(w http.ResponseWriter, r *http.Request, userID string)
}

// Pinger is satisfied by the cache/durable-store clients whose
// reachability the health probe reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Heartbeat is the narrow port onto the ingestor's last-seen heartbeat.
type Heartbeat interface {
	ReadHeartbeat(ctx context.Context) (time.Time, bool, error)
}

// Server bundles the chi router and its dependencies.
type Server struct {
	router *chi.Mux
	http   *http.Server

	config      store.ConfigStore
	universe    store.UniverseStore
	events      store.EventStore
	preferences store.PreferenceStore

	hub       Hub
	cache     Pinger
	durable   Pinger
	heartbeat Heartbeat

	adminEmail string
	redisURL   string
	dsn        string

	log *logrus.Entry

	limiterReads    *limiter.Limiter
	limiterWrites   *limiter.Limiter
	limiterTriggers *limiter.Limiter
}

// Config bundles the dependencies and tuning needed to construct a Server.
type Config struct {
	ConfigStore store.ConfigStore
	Universe    store.UniverseStore
	Events      store.EventStore
	Preferences store.PreferenceStore

	Hub       Hub
	Cache     Pinger
	Durable   Pinger
	Heartbeat Heartbeat

	AdminEmail string
	Addr       string
	RedisURL   string
	DSN        string
}

// New constructs a Server with its routes registered.
func New(cfg Config, log *logrus.Entry) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		config:      cfg.ConfigStore,
		universe:    cfg.Universe,
		events:      cfg.Events,
		preferences: cfg.Preferences,
		hub:         cfg.Hub,
		cache:       cfg.Cache,
		durable:     cfg.Durable,
		heartbeat:   cfg.Heartbeat,
		adminEmail:  cfg.AdminEmail,
		redisURL:    cfg.RedisURL,
		dsn:         cfg.DSN,
		log:         log,
	}

	s.limiterReads = newLimiter(limiter.Rate{Period: time.Minute, Limit: 300})
	s.limiterWrites = newLimiter(limiter.Rate{Period: time.Minute, Limit: 60})
	s.limiterTriggers = newLimiter(limiter.Rate{Period: time.Minute, Limit: 120})

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.setupRoutes()
	return s
}

func newLimiter(rate limiter.Rate) *limiter.Limiter {
	return limiter.New(limiterMemory.NewStore(), rate)
}

// ListenAndServe starts the HTTP listener, blocking until it stops.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/scanner/health/", s.handleHealth)

	s.router.Route("/scanner", func(r chi.Router) {
		r.Use(s.identityMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(s.limiterReads))
			r.Get("/config/", s.handleGetConfig)
			r.Get("/universe/", s.handleListUniverse)
			r.Get("/preferences/me/", s.handleGetPreferences)
			r.Get("/ws/", s.handleWebsocket)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(s.limiterTriggers))
			r.Get("/triggers/", s.handleListTriggers)
			r.Post("/triggers/clear/", s.handleClearTriggers)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(s.limiterWrites))
			r.Patch("/config/", s.requireAdmin(s.handleUpdateConfig))
			r.Post("/universe/", s.requireAdmin(s.handleUpsertSymbol))
			r.Put("/universe/", s.requireAdmin(s.handleUpsertSymbol))
			r.Delete("/universe/", s.requireAdmin(s.handleDeleteSymbol))
			r.Patch("/preferences/me/", s.handleUpdatePreferences)

			r.Get("/admin/status/", s.requireAdmin(s.handleAdminStatus))
			r.Post("/admin/emit_test_event/", s.requireAdmin(s.handleEmitTestEvent))
			r.Post("/admin/emit_test_hot5/", s.requireAdmin(s.handleEmitTestHot5))
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.Status(),
			"duration": time.Since(start),
		}).Info("http request")
	})
}

// identityMiddleware extracts the caller's user id and email from the
// trusted upstream headers and stashes them in the request context.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(identityHeader)
		if userID == "" {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		email := r.Header.Get(emailHeader)
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyEmail, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin wraps handler so it only runs for the configured admin
// email, compared in constant time to avoid a timing oracle.
func (s *Server) requireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, _ := r.Context().Value(ctxKeyEmail).(string)
		if s.adminEmail == "" || !constantTimeEqual(email, s.adminEmail) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		handler(w, r)
	}
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// rateLimit applies limiter scoped per request path and caller user id; a scope exhausted
// returns 429 without touching the handler.
func (s *Server) rateLimit(l *limiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, _ := r.Context().Value(ctxKeyUserID).(string)
			key := fmt.Sprintf("%s:%s", r.URL.Path, userID)
			ctx, err := l.Get(r.Context(), key)
			if err != nil {
				s.log.WithError(err).Warn("rate limiter backend error")
				next.ServeHTTP(w, r)
				return
			}
			if ctx.Reached {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyEmail
)

func userIDFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxKeyUserID).(string)
	return v
}
