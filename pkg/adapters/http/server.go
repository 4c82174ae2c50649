// Package http exposes the keel admin API over HTTP using chi.
package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Coordinator is the part of the lifecycle coordinator driven by the admin API.
type Coordinator interface {
	Stats() domain.StoreStats
	SetMonitoringEnabled(enabled bool)
	StoreSize(ctx context.Context) (int, error)
	Status(ctx context.Context, key domain.SessionKey) (domain.SessionState, error)
	CheckpointNow(ctx context.Context, key domain.SessionKey) error
	Remove(ctx context.Context, key domain.SessionKey) error
}

// Directory resolves session affinity for load balancers.
type Directory interface {
	Lookup(key domain.SessionKey) (domain.AffinityEntry, bool)
}

// Cluster lets operators report node failures and recoveries.
type Cluster interface {
	Members() []domain.NodeID
	MarkDown(node domain.NodeID)
	MarkUp(node domain.NodeID)
}

// Server serves the admin API.
type Server struct {
	Coordinator Coordinator
	Directory   Directory
	Cluster     Cluster
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// Option defines a functional option for configuring the Server.
type Option func(*Server)

// WithCluster enables the /nodes endpoints.
func WithCluster(c Cluster) Option {
	return func(s *Server) {
		s.Cluster = c
	}
}

// WithGatherer serves metrics from g on /metrics. Default: prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.Gatherer = g
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// NewHandler creates the admin HTTP handler.
func NewHandler(coord Coordinator, dir Directory, opts ...Option) http.Handler {
	server := &Server{
		Coordinator: coord,
		Directory:   dir,
		Gatherer:    prometheus.DefaultGatherer,
		Logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(server)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", server.GetHealth)
	r.Get("/stats", server.GetStats)
	r.Put("/monitoring", server.PutMonitoring)
	r.Get("/affinity/{token}", server.GetAffinity)
	r.Route("/sessions/{token}", func(r chi.Router) {
		r.Get("/", server.GetSession)
		r.Post("/checkpoint", server.Checkpoint)
		r.Delete("/", server.RemoveSession)
	})
	if server.Cluster != nil {
		r.Get("/nodes", server.GetNodes)
		r.Post("/nodes/{node}/down", server.NodeDown)
		r.Post("/nodes/{node}/up", server.NodeUp)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(server.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/openapi.yaml", server.GetOpenAPI)

	return r
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	domain.StoreStats
	// StoreSize counts checkpoints in the store; omitted when the store is unreachable.
	StoreSize *int `json:"store_size,omitempty"`
}

// MonitoringRequest is the body of PUT /monitoring.
type MonitoringRequest struct {
	Enabled *bool `json:"enabled"`
}

// AffinityResponse is the body of GET /affinity/{token}.
type AffinityResponse struct {
	Token   string          `json:"token"`
	Owner   domain.NodeID   `json:"owner"`
	Backups []domain.NodeID `json:"backups,omitempty"`
}

// SessionResponse is the body of GET /sessions/{token}.
type SessionResponse struct {
	Token string              `json:"token"`
	State domain.SessionState `json:"state"`
}

// ErrorResponse carries a failure message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if doc, err := GetSwagger(); err == nil && doc.Info != nil {
		resp["api_version"] = doc.Info.Version
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetStats handles the GET /stats request.
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{StoreStats: s.Coordinator.Stats()}
	if n, err := s.Coordinator.StoreSize(r.Context()); err != nil {
		s.Logger.Warn("store size unavailable", "err", err)
	} else {
		resp.StoreSize = &n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// PutMonitoring handles the PUT /monitoring request.
func (s *Server) PutMonitoring(w http.ResponseWriter, r *http.Request) {
	var body MonitoringRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, `"enabled" is required`)
		return
	}
	s.Coordinator.SetMonitoringEnabled(*body.Enabled)
	s.Logger.Info("monitoring toggled", "enabled", *body.Enabled)
	s.writeJSON(w, http.StatusOK, s.Coordinator.Stats())
}

// GetAffinity handles the GET /affinity/{token} request.
func (s *Server) GetAffinity(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	key, ok := s.parseToken(w, token)
	if !ok {
		return
	}
	entry, found := s.Directory.Lookup(key)
	if !found {
		s.writeError(w, http.StatusNotFound, "no affinity for session")
		return
	}
	s.writeJSON(w, http.StatusOK, AffinityResponse{
		Token:   token,
		Owner:   entry.Owner,
		Backups: entry.Backups,
	})
}

// GetSession handles the GET /sessions/{token} request.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	key, ok := s.parseToken(w, token)
	if !ok {
		return
	}
	state, err := s.Coordinator.Status(r.Context(), key)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SessionResponse{Token: token, State: state})
}

// Checkpoint handles the POST /sessions/{token}/checkpoint request.
func (s *Server) Checkpoint(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseToken(w, chi.URLParam(r, "token"))
	if !ok {
		return
	}
	if err := s.Coordinator.CheckpointNow(r.Context(), key); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveSession handles the DELETE /sessions/{token} request.
func (s *Server) RemoveSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseToken(w, chi.URLParam(r, "token"))
	if !ok {
		return
	}
	if err := s.Coordinator.Remove(r.Context(), key); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.Logger.Info("session removed", "session", key)
	w.WriteHeader(http.StatusNoContent)
}

// GetNodes handles the GET /nodes request.
func (s *Server) GetNodes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]domain.NodeID{"alive": s.Cluster.Members()})
}

// NodeDown handles the POST /nodes/{node}/down request.
func (s *Server) NodeDown(w http.ResponseWriter, r *http.Request) {
	node := domain.NodeID(chi.URLParam(r, "node"))
	s.Logger.Warn("node reported down", "failed_node", node)
	s.Cluster.MarkDown(node)
	w.WriteHeader(http.StatusAccepted)
}

// NodeUp handles the POST /nodes/{node}/up request.
func (s *Server) NodeUp(w http.ResponseWriter, r *http.Request) {
	node := domain.NodeID(chi.URLParam(r, "node"))
	s.Cluster.MarkUp(node)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) parseToken(w http.ResponseWriter, token string) (domain.SessionKey, bool) {
	key, err := sessionkey.ParseToken(token)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return domain.SessionKey{}, false
	}
	return key, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidKeyFormat):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrentAccess), errors.Is(err, domain.ErrOwnershipLost):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusMisdirectedRequest
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.Logger.Error("admin request failed", "err", err)
	}
	s.writeError(w, code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, ErrorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("response encode failed", "err", err)
	}
}
