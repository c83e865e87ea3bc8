// Package mcp owns the subprocess-backed MCP tool servers. Each server is a
// child process spoken to over stdio JSON-RPC through the mcp-go client; the
// adapter tracks server lifecycle, caches tool listings and multiplexes
// execute requests.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	sdkclient "github.com/mark3labs/mcp-go/client"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// ServerStatus is an MCP server's lifecycle status.
type ServerStatus string

// MCP server statuses.
const (
	StatusRegistered ServerStatus = "registered"
	StatusConnecting ServerStatus = "connecting"
	StatusOnline     ServerStatus = "online"
	StatusOffline    ServerStatus = "offline"
	StatusError      ServerStatus = "error"
)

// ServerInfo is a read-only snapshot of one registered server.
type ServerInfo struct {
	ServerID     string   `json:"serverId"`
	Name         string   `json:"name"`
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status"`
	ToolCount    int      `json:"toolCount"`
}

// server is the adapter's record of one tool server. callMu serializes
// requests per server; the stdio transport inside the SDK client owns the
// subprocess pipes and response matching.
type server struct {
	cfg    config.MCPServerConfig
	status ServerStatus
	client sdkclient.MCPClient
	tools  []protocol.ToolDescriptor
	callMu sync.Mutex
}

// Adapter manages the registry of MCP servers.
type Adapter struct {
	servers map[string]*server
	order   []string
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewAdapter registers the configured servers without connecting to them.
func NewAdapter(cfgs []config.MCPServerConfig, log *logger.Logger) *Adapter {
	a := &Adapter{
		servers: make(map[string]*server),
		logger:  log.WithFields(zap.String("component", "mcp-adapter")),
	}
	for _, cfg := range cfgs {
		if err := a.Register(cfg); err != nil {
			a.logger.Warn("skipping MCP server", zap.String("server_id", cfg.ID), zap.Error(err))
		}
	}
	return a
}

// Register records a server definition. The subprocess is not launched until
// Connect.
func (a *Adapter) Register(cfg config.MCPServerConfig) error {
	if cfg.ID == "" || cfg.Command == "" {
		return fmt.Errorf("mcp server requires id and command")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.servers[cfg.ID]; exists {
		return fmt.Errorf("mcp server %s already registered", cfg.ID)
	}
	a.servers[cfg.ID] = &server{cfg: cfg, status: StatusRegistered}
	a.order = append(a.order, cfg.ID)
	a.logger.Info("MCP server registered",
		zap.String("server_id", cfg.ID),
		zap.String("command", cfg.Command))
	return nil
}

// Connect spawns the server subprocess, performs the initialize handshake
// and caches the tool listing. Subprocess I/O happens outside the lock.
func (a *Adapter) Connect(ctx context.Context, serverID string) error {
	a.mu.Lock()
	srv, ok := a.servers[serverID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("mcp server %s not found", serverID)
	}
	if srv.status == StatusOnline || srv.status == StatusConnecting {
		a.mu.Unlock()
		return nil
	}
	srv.status = StatusConnecting
	cfg := srv.cfg
	a.mu.Unlock()

	cli, err := sdkclient.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		a.setStatus(serverID, StatusError)
		return fmt.Errorf("start mcp server %s: %w", serverID, err)
	}

	_, err = cli.Initialize(ctx, sdkmcp.InitializeRequest{
		Params: sdkmcp.InitializeParams{
			ProtocolVersion: sdkmcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdkmcp.Implementation{
				Name:    "agentmesh-orchestrator",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		_ = cli.Close()
		a.setStatus(serverID, StatusError)
		return fmt.Errorf("initialize mcp server %s: %w", serverID, err)
	}

	tools, err := listTools(ctx, cli)
	if err != nil {
		// The server is up even if the first listing failed; tools are
		// refetched on demand.
		a.logger.Warn("initial tools/list failed",
			zap.String("server_id", serverID), zap.Error(err))
	}

	a.mu.Lock()
	srv.client = cli
	srv.status = StatusOnline
	srv.tools = tools
	a.mu.Unlock()

	a.logger.Info("MCP server online",
		zap.String("server_id", serverID),
		zap.Int("tool_count", len(tools)))
	return nil
}

// ConnectConfigured connects every server registered with autoConnect.
// Failures are logged; one bad server does not stop the rest.
func (a *Adapter) ConnectConfigured(ctx context.Context) {
	a.mu.RLock()
	var ids []string
	for _, id := range a.order {
		if a.servers[id].cfg.AutoConnect {
			ids = append(ids, id)
		}
	}
	a.mu.RUnlock()

	for _, id := range ids {
		if err := a.Connect(ctx, id); err != nil {
			a.logger.Error("MCP auto-connect failed",
				zap.String("server_id", id), zap.Error(err))
		}
	}
}

// ListServers returns snapshots of all registered servers, optionally
// narrowed to one status.
func (a *Adapter) ListServers(status ServerStatus) []ServerInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []ServerInfo
	for _, id := range a.order {
		srv := a.servers[id]
		if status != "" && srv.status != status {
			continue
		}
		out = append(out, ServerInfo{
			ServerID:     srv.cfg.ID,
			Name:         srv.cfg.Name,
			Command:      srv.cfg.Command,
			Args:         append([]string(nil), srv.cfg.Args...),
			Capabilities: append([]string(nil), srv.cfg.Capabilities...),
			Status:       string(srv.status),
			ToolCount:    len(srv.tools),
		})
	}
	return out
}

// ListTools returns the server's tools, from cache when available.
func (a *Adapter) ListTools(ctx context.Context, serverID string) ([]protocol.ToolDescriptor, error) {
	a.mu.RLock()
	srv, ok := a.servers[serverID]
	if !ok {
		a.mu.RUnlock()
		return nil, fmt.Errorf("mcp server %s not found", serverID)
	}
	cli := srv.client
	cached := append([]protocol.ToolDescriptor(nil), srv.tools...)
	online := srv.status == StatusOnline
	a.mu.RUnlock()

	if !online || cli == nil {
		return nil, fmt.Errorf("mcp server %s is not connected", serverID)
	}
	if len(cached) > 0 {
		return cached, nil
	}

	tools, err := listTools(ctx, cli)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", serverID, err)
	}

	a.mu.Lock()
	srv.tools = tools
	a.mu.Unlock()
	return tools, nil
}

// ExecuteTool invokes a tool on the server and returns the raw result
// content. Calls are serialized per server.
func (a *Adapter) ExecuteTool(ctx context.Context, serverID, toolName string, params map[string]interface{}) (json.RawMessage, error) {
	a.mu.RLock()
	srv, ok := a.servers[serverID]
	if !ok {
		a.mu.RUnlock()
		return nil, fmt.Errorf("mcp server %s not found", serverID)
	}
	cli := srv.client
	online := srv.status == StatusOnline
	a.mu.RUnlock()

	if !online || cli == nil {
		return nil, fmt.Errorf("mcp server %s is not connected", serverID)
	}

	srv.callMu.Lock()
	defer srv.callMu.Unlock()

	req := sdkmcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = params

	result, err := cli.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s on %s: %w", toolName, serverID, err)
	}

	payload, err := json.Marshal(map[string]interface{}{"content": result.Content})
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	if result.IsError {
		return payload, fmt.Errorf("tool %s on %s returned an error", toolName, serverID)
	}
	return payload, nil
}

// Disconnect terminates the server subprocess. The registration survives so
// the server can be reconnected.
func (a *Adapter) Disconnect(serverID string) error {
	a.mu.Lock()
	srv, ok := a.servers[serverID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("mcp server %s not found", serverID)
	}
	cli := srv.client
	srv.client = nil
	srv.status = StatusOffline
	srv.tools = nil
	a.mu.Unlock()

	if cli != nil {
		if err := cli.Close(); err != nil {
			return fmt.Errorf("close mcp server %s: %w", serverID, err)
		}
	}
	a.logger.Info("MCP server disconnected", zap.String("server_id", serverID))
	return nil
}

// Shutdown terminates all subprocesses.
func (a *Adapter) Shutdown() {
	a.mu.RLock()
	ids := append([]string(nil), a.order...)
	a.mu.RUnlock()

	for _, id := range ids {
		if err := a.Disconnect(id); err != nil {
			a.logger.Warn("MCP shutdown", zap.String("server_id", id), zap.Error(err))
		}
	}
}

func (a *Adapter) setStatus(serverID string, status ServerStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if srv, ok := a.servers[serverID]; ok {
		srv.status = status
	}
}

func listTools(ctx context.Context, cli sdkclient.MCPClient) ([]protocol.ToolDescriptor, error) {
	result, err := cli.ListTools(ctx, sdkmcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	tools := make([]protocol.ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, protocol.ToolDescriptor{
			ID:          t.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}
