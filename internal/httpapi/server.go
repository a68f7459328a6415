package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/fieldwatch/internal/access"
	"github.com/ent0n29/fieldwatch/internal/audit"
	"github.com/ent0n29/fieldwatch/internal/config"
	"github.com/ent0n29/fieldwatch/internal/events"
	"github.com/ent0n29/fieldwatch/internal/gateway"
	"github.com/ent0n29/fieldwatch/internal/monitoring"
	"github.com/ent0n29/fieldwatch/internal/observability"
	"github.com/ent0n29/fieldwatch/internal/policy"
)

// Coordinator is the monitoring surface the HTTP layer drives.
// *monitoring.Coordinator satisfies it.
type Coordinator interface {
	StartMonitoring(ctx context.Context, req monitoring.StartRequest) (gateway.ConnectionDetails, error)
	StopMonitoring(ctx context.Context, sessionID string) bool
	ActiveSessions(ctx context.Context) []*monitoring.Session
	ListActiveRooms(ctx context.Context) []monitoring.ActiveRoom
	IssuePublisherCredential(ctx context.Context, agentID int64, kind monitoring.TargetKind, roomName string) (gateway.ConnectionDetails, error)
	GatewayMode() string
}

type Deps struct {
	Config      config.Config
	Coordinator Coordinator
	Events      *events.Bus
	Audit       audit.Store
	Auth        access.Authenticator
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

type Server struct {
	cfg         config.Config
	coordinator Coordinator
	bus         *events.Bus
	audit       audit.Store
	auth        access.Authenticator
	metrics     *observability.Metrics
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         d.Config,
		coordinator: d.Coordinator,
		bus:         d.Events,
		audit:       d.Audit,
		auth:        d.Auth,
		metrics:     d.Metrics,
		logger:      logger.With("component", "httpapi"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin only admits browser websocket connections from the same
// origin unless APP_ALLOW_ANY_ORIGIN is set.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/monitoring", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSupervisor)
			r.Post("/sessions", s.handleStartMonitoring)
			r.Post("/sessions/{id}/stop", s.handleStopMonitoring)
			r.Get("/sessions", s.handleActiveSessions)
			r.Get("/rooms", s.handleActiveRooms)
			r.Get("/events/ws", s.handleEventsWS)
			r.Get("/perf/latency", s.handlePerfLatency)
		})

		r.Post("/publisher-token", s.handlePublisherToken)
		r.Get("/history", s.handleHistory)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"gatewayMode":    s.coordinator.GatewayMode(),
		"auditStoreMode": s.auditMode(),
		"authMode":       s.authMode(),
	})
}

func (s *Server) auditMode() string {
	if s.audit == nil {
		return "disabled"
	}
	return s.audit.Mode()
}

func (s *Server) authMode() string {
	if s.auth == nil {
		return "none"
	}
	return s.auth.Mode()
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			respondError(w, http.StatusUnauthorized, "unauthenticated", "no authenticator configured")
			return
		}
		caller, err := s.auth.Authenticate(r)
		if err != nil {
			detail, _ := policy.RedactSecrets(err.Error())
			s.logger.Debug("request rejected", "path", r.URL.Path, "err", detail)
			respondError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(access.WithCaller(r.Context(), caller)))
	})
}

func (s *Server) requireSupervisor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := access.CallerFrom(r.Context())
		if d := policy.DecideSupervise(caller); !d.Allowed {
			respondError(w, http.StatusForbidden, "forbidden", d.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(begin),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
