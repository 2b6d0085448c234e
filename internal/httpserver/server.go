package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jewwiid/preset-credits/internal/accountstore"
	"github.com/jewwiid/preset-credits/internal/allocator"
	"github.com/jewwiid/preset-credits/internal/auth"
	"github.com/jewwiid/preset-credits/internal/core"
	"github.com/jewwiid/preset-credits/internal/health"
	"github.com/jewwiid/preset-credits/internal/ledger"
	"github.com/jewwiid/preset-credits/internal/metrics"
	"github.com/jewwiid/preset-credits/internal/pricing"
	"github.com/jewwiid/preset-credits/internal/ratelimit"
	"github.com/jewwiid/preset-credits/internal/version"
)

const sessionCookie = "preset_session"

// Server exposes REST endpoints for the credit service.
type Server struct {
	ledger   *ledger.Service
	charger  *core.Charger
	accounts accountstore.Store
	table    *pricing.Table
	auth     *auth.Manager
	alloc    *allocator.Allocator

	adminEmail   string
	authDisabled bool

	metrics *metrics.Collector
	checker *health.Checker
	limiter *ratelimit.Middleware

	logger   *log.Logger
	logLevel string
}

// New constructs a Server with the required dependencies. charger and
// accounts may be nil; the corresponding endpoints then return 501.
func New(svc *ledger.Service, charger *core.Charger, accounts accountstore.Store, table *pricing.Table, authManager *auth.Manager, adminEmail string) *Server {
	return &Server{
		ledger:     svc,
		charger:    charger,
		accounts:   accounts,
		table:      table,
		auth:       authManager,
		adminEmail: strings.TrimSpace(strings.ToLower(adminEmail)),
	}
}

// SetAllocator installs the monthly allocation sweeper used by the admin
// surface and by account creation.
func (s *Server) SetAllocator(a *allocator.Allocator) {
	s.alloc = a
}

// SetAuthDisabled toggles session checks on the admin surface.
func (s *Server) SetAuthDisabled(disabled bool) {
	s.authDisabled = disabled
}

// SetMetrics installs a metrics collector; nil disables recording.
func (s *Server) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// SetHealthChecker enables detailed component checks on the health endpoint.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.checker = c
}

// SetRateLimit applies per-caller request limiting to the API surface.
func (s *Server) SetRateLimit(mw *ratelimit.Middleware) {
	s.limiter = mw
}

// SetLogger configures leveled logging for request handling.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	s.logger = logger
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() && s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Router returns a configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Get("/metrics", s.handleMetrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.Wrap)
		}
		api.Post("/auth/login", s.handleAuthLogin)
		api.Post("/auth/verify", s.handleAuthVerify)

		api.Get("/pricing", s.instrument("pricing", s.handlePricing))
		api.Post("/pricing/quote", s.instrument("pricing_quote", s.handlePricingQuote))

		api.Route("/credits", func(cr chi.Router) {
			cr.Post("/validate", s.instrument("credits_validate", s.handleValidate))
			cr.Post("/deduct", s.instrument("credits_deduct", s.handleDeduct))
			cr.Post("/refund", s.instrument("credits_refund", s.handleRefund))
			cr.Post("/add", s.instrument("credits_add", s.handleAdd))
			cr.Get("/balance/{userID}", s.instrument("credits_balance", s.handleBalance))
			cr.Get("/transactions/{userID}", s.instrument("credits_transactions", s.handleTransactions))
		})

		api.Route("/generate", func(gen chi.Router) {
			gen.Post("/image", s.instrument("generate_image", s.handleGenerateImage))
			gen.Post("/video", s.instrument("generate_video", s.handleGenerateVideo))
		})

		api.Route("/accounts", func(ac chi.Router) {
			ac.Post("/", s.instrument("accounts_create", s.handleAccountCreate))
			ac.Get("/{accountID}", s.instrument("accounts_get", s.handleAccountGet))
		})

		api.Group(func(admin chi.Router) {
			if s.auth != nil && !s.authDisabled {
				admin.Use(s.sessionMiddleware)
			}
			admin.Post("/admin/allocate", s.instrument("admin_allocate", s.handleAllocate))
			admin.Get("/admin/balances", s.instrument("admin_balances", s.handleListBalances))
		})
	})

	return r
}

// instrument wraps a handler with per-endpoint request metrics.
func (s *Server) instrument(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return fn
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.RecordRequestStart(endpoint)
		defer s.metrics.RecordRequestEnd(endpoint)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		fn(ww, r)
		s.metrics.RecordRequest(endpoint, time.Since(start))
		if ww.Status() >= 500 {
			s.metrics.RecordError(endpoint)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":  "ok",
		"version": version.Info(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if s.checker != nil {
		report := s.checker.Check(r.Context())
		payload["status"] = string(report.Status)
		payload["components"] = report.Components
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := s.authenticateRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		if s.adminEmail != "" && !strings.EqualFold(email, s.adminEmail) {
			s.respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionContextKey struct{}

func (s *Server) authenticateRequest(r *http.Request) (string, error) {
	if s.auth == nil {
		return "", errors.New("auth unavailable")
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return s.auth.ValidateToken(token)
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return "", errors.New("missing session")
	}
	return s.auth.ValidateToken(cookie.Value)
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondLedgerError maps domain errors onto HTTP statuses. Insufficient
// balances answer 402 with the observed balance so clients can prompt a
// top-up.
func (s *Server) respondLedgerError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		s.respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":           "insufficient credits",
			"required":        insufficient.Required,
			"current_balance": insufficient.Balance,
			"shortfall":       insufficient.Required - insufficient.Balance,
		})
		return
	}
	var unknown *pricing.UnknownProviderError
	if errors.As(err, &unknown) {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	switch {
	case errors.Is(err, ledger.ErrBalanceNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, accountstore.ErrAccountNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, accountstore.ErrEmailTaken):
		s.respondError(w, http.StatusConflict, err)
	default:
		s.respondError(w, http.StatusInternalServerError, err)
	}
}
