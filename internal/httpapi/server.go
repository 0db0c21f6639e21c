// Package httpapi is the HTTP surface: routing, middleware, and the JSON
// handlers for setup, auth, sync, administration, and monitor management.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tacmap/backend/internal/gateway"
	"github.com/tacmap/backend/internal/monitor"
	"github.com/tacmap/backend/internal/settings"
	"github.com/tacmap/backend/internal/store"
	"github.com/tacmap/backend/internal/teamsync"
	"github.com/tacmap/backend/internal/threat"
	"github.com/tacmap/backend/internal/vault"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const (
	apiLimitMax      = 100
	apiLimitWindow   = 15 * time.Minute
	loginLimitMax    = 10
	loginLimitWindow = 15 * time.Minute
)

// Server wires the HTTP surface over the core components.
type Server struct {
	store      *store.Store
	settings   *settings.Cache
	vault      *vault.Vault
	sync       *teamsync.Service
	gateway    *gateway.Gateway
	supervisor *monitor.Supervisor
	pipeline   *threat.Pipeline
	log        *slog.Logger

	limiter      *rateLimiter
	loginLimiter *rateLimiter
	corsFallback string
	startedAt    time.Time
}

// New builds the server. corsFallback applies until an origin is persisted
// through the admin config endpoint.
func New(st *store.Store, sc *settings.Cache, v *vault.Vault, sync *teamsync.Service,
	gw *gateway.Gateway, sup *monitor.Supervisor, pl *threat.Pipeline,
	corsFallback string, log *slog.Logger) *Server {
	return &Server{
		store:        st,
		settings:     sc,
		vault:        v,
		sync:         sync,
		gateway:      gw,
		supervisor:   sup,
		pipeline:     pl,
		log:          log.With("component", "http"),
		limiter:      newRateLimiter(apiLimitMax, apiLimitWindow),
		loginLimiter: newRateLimiter(loginLimitMax, loginLimitWindow),
		corsFallback: corsFallback,
		startedAt:    time.Now(),
	}
}

// Handler assembles the full route tree.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument, s.cors, s.setupGate)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsGate(promhttp.Handler())).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.gateway.HandleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.apiLimit)

	api.HandleFunc("/setup/complete", s.handleSetupComplete).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.loginLimit(s.handleLogin)).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.auth)
	authed.HandleFunc("/auth/whoami", s.handleWhoami).Methods(http.MethodGet)
	authed.HandleFunc("/sync/location", s.handleSyncLocation).Methods(http.MethodPost)
	authed.HandleFunc("/sync/annotation", s.handleSyncAnnotation).Methods(http.MethodPost)
	authed.HandleFunc("/sync/message", s.handleSyncMessage).Methods(http.MethodPost)
	authed.HandleFunc("/sync/locations", s.handleSyncLocations).Methods(http.MethodGet)
	authed.HandleFunc("/sync/annotations", s.handleSyncAnnotations).Methods(http.MethodGet)
	authed.HandleFunc("/sync/annotations/{id}", s.handleSyncAnnotationByID).Methods(http.MethodGet)
	authed.HandleFunc("/sync/messages", s.handleSyncMessages).Methods(http.MethodGet)

	admin := authed.NewRoute().Subrouter()
	admin.Use(s.adminOnly)

	admin.HandleFunc("/admin/stats", s.handleAdminStats).Methods(http.MethodGet)
	admin.HandleFunc("/admin/config", s.handleGetConfig).Methods(http.MethodGet)
	admin.HandleFunc("/admin/config", s.handlePutConfig).Methods(http.MethodPut)

	admin.HandleFunc("/admin/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/admin/users", s.handleCreateUser).Methods(http.MethodPost)
	admin.HandleFunc("/admin/users/{id}", s.handleUpdateUser).Methods(http.MethodPut)
	admin.HandleFunc("/admin/users/{id}", s.handleDeleteUser).Methods(http.MethodDelete)

	admin.HandleFunc("/admin/teams", s.handleListTeams).Methods(http.MethodGet)
	admin.HandleFunc("/admin/teams", s.handleCreateTeam).Methods(http.MethodPost)
	admin.HandleFunc("/admin/teams/{id}", s.handleGetTeam).Methods(http.MethodGet)
	admin.HandleFunc("/admin/teams/{id}", s.handleUpdateTeam).Methods(http.MethodPut)
	admin.HandleFunc("/admin/teams/{id}", s.handleDeleteTeam).Methods(http.MethodDelete)
	admin.HandleFunc("/admin/teams/{id}/members", s.handleListMembers).Methods(http.MethodGet)
	admin.HandleFunc("/admin/teams/{id}/members", s.handleAddMember).Methods(http.MethodPost)
	admin.HandleFunc("/admin/teams/{id}/members/{userId}", s.handleRemoveMember).Methods(http.MethodDelete)

	admin.HandleFunc("/social-media/monitors", s.handleListMonitors).Methods(http.MethodGet)
	admin.HandleFunc("/social-media/monitors", s.handleCreateMonitor).Methods(http.MethodPost)
	admin.HandleFunc("/social-media/monitors/suggest-sources", s.handleSuggestSources).Methods(http.MethodPost)
	admin.HandleFunc("/social-media/monitors/{id}", s.handleGetMonitor).Methods(http.MethodGet)
	admin.HandleFunc("/social-media/monitors/{id}", s.handleUpdateMonitor).Methods(http.MethodPut)
	admin.HandleFunc("/social-media/monitors/{id}", s.handleDeleteMonitor).Methods(http.MethodDelete)
	admin.HandleFunc("/social-media/monitors/{id}/start", s.handleStartMonitor).Methods(http.MethodPost)
	admin.HandleFunc("/social-media/monitors/{id}/stop", s.handleStopMonitor).Methods(http.MethodPost)
	admin.HandleFunc("/social-media/monitors/{id}/test", s.handleTestMonitor).Methods(http.MethodPost)
	admin.HandleFunc("/social-media/monitors/{id}/runs", s.handleListRunLogs).Methods(http.MethodGet)

	admin.HandleFunc("/social-media/threats", s.handleListThreats).Methods(http.MethodGet)
	admin.HandleFunc("/social-media/threats/{id}/status", s.handleThreatStatus).Methods(http.MethodPatch)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"version":        Version,
	})
}

// metricsGate keeps /metrics public until setup completes, then requires an
// admin bearer.
func (s *Server) metricsGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.settings.SetupCompleted(r.Context()) {
			s.auth(s.adminOnly(next)).ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
