// Package api exposes the agent-facing and operator-facing HTTP surface.
// Every inbound agent request passes authentication, then integrity, then
// rate limiting before its handler runs.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetwatch/internal/auth"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/ratelimit"
	"fleetwatch/internal/realtime"
	"fleetwatch/internal/rulesync"
	"fleetwatch/internal/store"
)

// CommandSender publishes operator commands on machine channels. The NATS
// broadcaster implements it; tests substitute a recorder.
type CommandSender interface {
	SendCommand(machineID string, command any) error
}

// Server wires the pipeline components behind a chi router.
type Server struct {
	r             *chi.Mux
	store         store.Store
	authenticator *auth.Authenticator
	enroller      *auth.Enroller
	verifier      *auth.Verifier
	limiter       *ratelimit.Limiter
	syncEngine    *rulesync.Engine
	pipeline      *ingest.Pipeline
	authorizer    *realtime.Authorizer
	commands      CommandSender
	operatorToken string
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// Deps carries the server's collaborators.
type Deps struct {
	Store         store.Store
	Authenticator *auth.Authenticator
	Enroller      *auth.Enroller
	Verifier      *auth.Verifier
	Limiter       *ratelimit.Limiter
	SyncEngine    *rulesync.Engine
	Pipeline      *ingest.Pipeline
	Authorizer    *realtime.Authorizer
	Commands      CommandSender
	OperatorToken string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{
		r:             chi.NewRouter(),
		store:         d.Store,
		authenticator: d.Authenticator,
		enroller:      d.Enroller,
		verifier:      d.Verifier,
		limiter:       d.Limiter,
		syncEngine:    d.SyncEngine,
		pipeline:      d.Pipeline,
		authorizer:    d.Authorizer,
		commands:      d.Commands,
		operatorToken: d.OperatorToken,
		metrics:       d.Metrics,
		logger:        d.Logger,
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.RealIP)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	s.r.Handle("/metrics", promhttp.Handler())

	// Registration is enrollment-key gated, not API-key gated: no
	// machine-specific key exists yet.
	s.r.Post("/agents/register", s.registerAgent)

	// Agent endpoints behind the full gate chain.
	s.r.Group(func(r chi.Router) {
		r.Use(s.agentAuth)
		r.Use(s.integrity)

		r.Post("/agents/heartbeat", s.heartbeat)
		r.Get("/rules/sync", s.rulesSync)
		r.Get("/agents/update", s.agentUpdate)
		r.With(s.rateLimit(ratelimit.ClassIngestion)).Post("/events", s.ingestEvents)
		r.With(s.rateLimit(ratelimit.ClassWatchdog)).Post("/agents/watchdog-alert", s.watchdogAlert)
	})

	// Realtime channel authorization: agents present an API key, operators
	// a session token; either may be absent.
	s.r.Post("/realtime/auth", s.realtimeAuth)

	// Operator-facing contract. Session handling proper lives in the
	// dashboard; this service only checks the role gate.
	s.r.Group(func(r chi.Router) {
		r.Use(s.operatorAuth)

		r.Post("/rules", s.createRule)
		r.Put("/rules/{id}", s.updateRule)
		r.Patch("/rules/{id}/toggle", s.toggleRule)
		r.Delete("/rules/{id}", s.deleteRule)
		r.Get("/rules", s.listRules)

		r.Get("/alerts", s.listAlerts)
		r.Post("/alerts/{id}/acknowledge", s.acknowledgeAlert)
		r.Post("/alerts/{id}/resolve", s.resolveAlert)

		r.Post("/machines/{id}/disable", s.disableMachine)
		r.Post("/machines/{id}/enable", s.enableMachine)
		r.Post("/machines/{id}/command", s.sendCommand)
	})
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.r }
