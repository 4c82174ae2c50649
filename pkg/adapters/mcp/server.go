// Package mcp exposes keel administration as Model Context Protocol tools.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/keel"
	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Coordinator is the part of the lifecycle coordinator exposed over MCP.
type Coordinator interface {
	Stats() domain.StoreStats
	SetMonitoringEnabled(enabled bool)
	Status(ctx context.Context, key domain.SessionKey) (domain.SessionState, error)
	CheckpointNow(ctx context.Context, key domain.SessionKey) error
	Remove(ctx context.Context, key domain.SessionKey) error
	Store() ports.CheckpointStore
}

// Directory resolves session affinity.
type Directory interface {
	Lookup(key domain.SessionKey) (domain.AffinityEntry, bool)
}

// SessionArgs selects a session by token or hex key.
type SessionArgs struct {
	Session string `json:"session"`
}

// MonitoringArgs toggles fine-grained monitoring.
type MonitoringArgs struct {
	Enabled bool `json:"enabled"`
}

// SessionResponse describes one session.
type SessionResponse struct {
	Token   string              `json:"token" jsonschema_description:"URL-safe session token"`
	Key     string              `json:"key" jsonschema_description:"Hex session key"`
	State   domain.SessionState `json:"state" jsonschema_description:"cached, passivated or absent on this node"`
	Owner   domain.NodeID       `json:"owner,omitempty" jsonschema_description:"Node currently owning the session"`
	Backups []domain.NodeID     `json:"backups,omitempty" jsonschema_description:"Nodes receiving its checkpoints"`
}

// CheckpointSummary is one entry of list_checkpoints.
type CheckpointSummary struct {
	Token    string        `json:"token"`
	Version  uint64        `json:"version"`
	Owner    domain.NodeID `json:"owner"`
	StoredAt time.Time     `json:"stored_at"`
	Size     int           `json:"size"`
}

// CheckpointList is the result of list_checkpoints.
type CheckpointList struct {
	Checkpoints []CheckpointSummary `json:"checkpoints" jsonschema_description:"Stored checkpoints, tombstones excluded"`
}

// Server wraps a keel node and exposes it as an MCP Server.
type Server struct {
	coordinator Coordinator
	directory   Directory
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// Option defines a functional option for configuring the Server.
type Option func(*Server)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(coord Coordinator, dir Directory, opts ...Option) *Server {
	s := &Server{
		coordinator: coord,
		directory:   dir,
		logger:      logging.NewNop(),
		mcpServer: server.NewMCPServer("keel-mcp", strings.TrimSpace(keel.Version),
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves MCP over SSE on addr until ctx is canceled.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL("http://"+addr))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "addr", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		// Create a timeout context for the graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	sessionParam := mcp.WithString("session", mcp.Required(), mcp.Description("Session token or hex key"))

	s.mcpServer.AddTool(mcp.NewTool("get_stats",
		mcp.WithDescription("Get cache occupancy, hit/miss/eviction counters and lifecycle totals of this node."),
		mcp.WithOutputSchema[domain.StoreStats](),
	), mcp.NewStructuredToolHandler(s.handleStats))

	s.mcpServer.AddTool(mcp.NewTool("set_monitoring",
		mcp.WithDescription("Enable or disable fine-grained monitoring (hits, misses, evictions) without restarting."),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("New monitoring state")),
		mcp.WithOutputSchema[domain.StoreStats](),
	), mcp.NewStructuredToolHandler(s.handleSetMonitoring))

	s.mcpServer.AddTool(mcp.NewTool("session_status",
		mcp.WithDescription("Report whether a session is cached, passivated or absent, and which nodes own it."),
		sessionParam,
		mcp.WithOutputSchema[SessionResponse](),
	), mcp.NewStructuredToolHandler(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("checkpoint_session",
		mcp.WithDescription("Write the current state of a resident session to the checkpoint store now."),
		sessionParam,
		mcp.WithOutputSchema[SessionResponse](),
	), mcp.NewStructuredToolHandler(s.handleCheckpoint))

	s.mcpServer.AddTool(mcp.NewTool("remove_session",
		mcp.WithDescription("Remove a session from the cache and the checkpoint store. Fails while the session is in use."),
		sessionParam,
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithOutputSchema[SessionResponse](),
	), mcp.NewStructuredToolHandler(s.handleRemove))

	s.mcpServer.AddTool(mcp.NewTool("list_checkpoints",
		mcp.WithDescription("List checkpoints held by this node's store."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOutputSchema[CheckpointList](),
	), mcp.NewStructuredToolHandler(s.handleListCheckpoints))
}

// Handler methods for structured tools

func (s *Server) handleStats(ctx context.Context, request mcp.CallToolRequest, args struct{}) (domain.StoreStats, error) {
	return s.coordinator.Stats(), nil
}

func (s *Server) handleSetMonitoring(ctx context.Context, request mcp.CallToolRequest, args MonitoringArgs) (domain.StoreStats, error) {
	s.coordinator.SetMonitoringEnabled(args.Enabled)
	s.logger.Info("monitoring toggled over MCP", "enabled", args.Enabled)
	return s.coordinator.Stats(), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest, args SessionArgs) (SessionResponse, error) {
	key, err := parseSession(args.Session)
	if err != nil {
		return SessionResponse{}, err
	}
	return s.describe(ctx, key)
}

func (s *Server) handleCheckpoint(ctx context.Context, request mcp.CallToolRequest, args SessionArgs) (SessionResponse, error) {
	key, err := parseSession(args.Session)
	if err != nil {
		return SessionResponse{}, err
	}
	if err := s.coordinator.CheckpointNow(ctx, key); err != nil {
		return SessionResponse{}, fmt.Errorf("checkpoint failed: %w", err)
	}
	return s.describe(ctx, key)
}

func (s *Server) handleRemove(ctx context.Context, request mcp.CallToolRequest, args SessionArgs) (SessionResponse, error) {
	key, err := parseSession(args.Session)
	if err != nil {
		return SessionResponse{}, err
	}
	if err := s.coordinator.Remove(ctx, key); err != nil {
		return SessionResponse{}, fmt.Errorf("remove failed: %w", err)
	}
	s.logger.Info("session removed over MCP", "session", key)
	return s.describe(ctx, key)
}

func (s *Server) handleListCheckpoints(ctx context.Context, request mcp.CallToolRequest, args struct{}) (CheckpointList, error) {
	store := s.coordinator.Store()
	keys, err := store.List(ctx)
	if err != nil {
		return CheckpointList{}, fmt.Errorf("list failed: %w", err)
	}
	out := CheckpointList{Checkpoints: make([]CheckpointSummary, 0, len(keys))}
	for _, key := range keys {
		rec, err := store.Load(ctx, key)
		if err != nil {
			continue
		}
		out.Checkpoints = append(out.Checkpoints, CheckpointSummary{
			Token:    sessionkey.Token(key),
			Version:  rec.Version,
			Owner:    rec.OwnerNodeID,
			StoredAt: rec.StoredAt,
			Size:     len(rec.State),
		})
	}
	return out, nil
}

func (s *Server) describe(ctx context.Context, key domain.SessionKey) (SessionResponse, error) {
	state, err := s.coordinator.Status(ctx, key)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("status failed: %w", err)
	}
	resp := SessionResponse{
		Token: sessionkey.Token(key),
		Key:   key.String(),
		State: state,
	}
	if entry, ok := s.directory.Lookup(key); ok {
		resp.Owner = entry.Owner
		resp.Backups = entry.Backups
	}
	return resp, nil
}

func (s *Server) registerResources() {
	// EXPOSE: keel://stats
	s.mcpServer.AddResource(mcp.NewResource("keel://stats", "Node Statistics",
		mcp.WithResourceDescription("Snapshot of cache occupancy and lifecycle counters"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := sonic.Marshal(s.coordinator.Stats())
		if err != nil {
			return nil, fmt.Errorf("failed to encode stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "keel://stats",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

// parseSession accepts either a session token or the hex form of a key.
func parseSession(s string) (domain.SessionKey, error) {
	if key, err := sessionkey.ParseToken(s); err == nil {
		return key, nil
	}
	return sessionkey.ParseHex(s)
}
