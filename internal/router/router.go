// Package router implements the orchestrator's message router and task
// coordinator. It owns no transport: endpoints push parsed messages in, and
// the router mutates the registries and pushes outbound messages back through
// the endpoint senders.
package router

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/endpoint"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/mcp"
	"github.com/agentmesh/agentmesh/internal/pending"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/task"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// Sender is the outbound half of an endpoint, as seen by the router.
type Sender interface {
	Send(connectionID string, msg *protocol.Message) error
	SendError(connectionID, requestID, code, text string, details map[string]interface{}) error
	Broadcast(msg *protocol.Message)
}

// MCPAdapter is the subset of the MCP adapter the router depends on.
type MCPAdapter interface {
	ListServers(status mcp.ServerStatus) []mcp.ServerInfo
	ListTools(ctx context.Context, serverID string) ([]protocol.ToolDescriptor, error)
	ExecuteTool(ctx context.Context, serverID, toolName string, params map[string]interface{}) (json.RawMessage, error)
}

// Router dispatches inbound messages by (endpoint class, message type) and
// coordinates the task graph.
type Router struct {
	agents       *registry.AgentRegistry
	clients      *registry.ClientRegistry
	services     *registry.ServiceRegistry
	agentTasks   *task.AgentTaskRegistry
	serviceTasks *task.ServiceTaskRegistry
	responses    *pending.Table
	mcp          MCPAdapter
	bus          bus.EventBus

	agentEP   Sender
	clientEP  Sender
	serviceEP Sender

	responseTimeout time.Duration
	logger          *logger.Logger
}

// Options carries the router's collaborators.
type Options struct {
	Agents          *registry.AgentRegistry
	Clients         *registry.ClientRegistry
	Services        *registry.ServiceRegistry
	AgentTasks      *task.AgentTaskRegistry
	ServiceTasks    *task.ServiceTaskRegistry
	Responses       *pending.Table
	MCP             MCPAdapter
	Bus             bus.EventBus
	ResponseTimeout time.Duration
}

// New creates a router. SetEndpoints must be called before any message is
// handled.
func New(opts Options, log *logger.Logger) *Router {
	timeout := opts.ResponseTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		agents:          opts.Agents,
		clients:         opts.Clients,
		services:        opts.Services,
		agentTasks:      opts.AgentTasks,
		serviceTasks:    opts.ServiceTasks,
		responses:       opts.Responses,
		mcp:             opts.MCP,
		bus:             opts.Bus,
		responseTimeout: timeout,
		logger:          log.WithFields(zap.String("component", "router")),
	}
}

// SetEndpoints wires the outbound senders for the three endpoint classes.
func (r *Router) SetEndpoints(agent, client, service Sender) {
	r.agentEP = agent
	r.clientEP = client
	r.serviceEP = service
}

// HandleConnect implements endpoint.Handler. Clients are auto-registered on
// connect; agents and services register explicitly.
func (r *Router) HandleConnect(class endpoint.Class, connectionID string) {
	if class != endpoint.ClassClient {
		return
	}
	c := r.clients.RegisterConnection(connectionID)
	r.publish(bus.SubjectClientConnected, map[string]interface{}{"clientId": c.ID})
}

// HandleMessage implements endpoint.Handler.
func (r *Router) HandleMessage(ctx context.Context, class endpoint.Class, connectionID string, msg *protocol.Message) {
	// Protocol-level liveness probe, answered regardless of registration
	// state. WebSocket control-frame pings cover the transport itself.
	if msg.Type == protocol.TypePing {
		r.reply(r.senderFor(class), connectionID, msg.ID, protocol.TypePong, nil)
		return
	}

	switch class {
	case endpoint.ClassAgent:
		r.handleAgentMessage(ctx, connectionID, msg)
	case endpoint.ClassClient:
		r.handleClientMessage(ctx, connectionID, msg)
	case endpoint.ClassService:
		r.handleServiceMessage(ctx, connectionID, msg)
	}
}

// HandleDisconnect implements endpoint.Handler.
func (r *Router) HandleDisconnect(class endpoint.Class, connectionID string) {
	switch class {
	case endpoint.ClassAgent:
		r.handleAgentDisconnect(connectionID)
	case endpoint.ClassClient:
		if c, ok := r.clients.HandleDisconnect(connectionID); ok {
			r.publish(bus.SubjectClientDisconnected, map[string]interface{}{"clientId": c.ID})
		}
	case endpoint.ClassService:
		r.handleServiceDisconnect(connectionID)
	}
}

// sendToAgent delivers a message to the agent's live connection. Returns
// false when the agent is unknown or has no connection.
func (r *Router) senderFor(class endpoint.Class) Sender {
	switch class {
	case endpoint.ClassClient:
		return r.clientEP
	case endpoint.ClassService:
		return r.serviceEP
	default:
		return r.agentEP
	}
}

func (r *Router) sendToAgent(agentID string, msg *protocol.Message) bool {
	a, ok := r.agents.Get(agentID)
	if !ok || a.ConnectionID == "" {
		r.logger.Warn("cannot deliver to agent",
			zap.String("agent_id", agentID),
			zap.String("message_type", msg.Type))
		return false
	}
	return r.agentEP.Send(a.ConnectionID, msg) == nil
}

// sendToClient delivers a message to the client's live connection.
func (r *Router) sendToClient(clientID string, msg *protocol.Message) bool {
	c, ok := r.clients.Get(clientID)
	if !ok || c.ConnectionID == "" {
		r.logger.Warn("cannot deliver to client",
			zap.String("client_id", clientID),
			zap.String("message_type", msg.Type))
		return false
	}
	return r.clientEP.Send(c.ConnectionID, msg) == nil
}

// sendToService delivers a message to the service's live connection.
func (r *Router) sendToService(serviceID string, msg *protocol.Message) bool {
	s, ok := r.services.Get(serviceID)
	if !ok || s.ConnectionID == "" {
		r.logger.Warn("cannot deliver to service",
			zap.String("service_id", serviceID),
			zap.String("message_type", msg.Type))
		return false
	}
	return r.serviceEP.Send(s.ConnectionID, msg) == nil
}

// reply marshals payload into msgType and sends it on conn as the answer to
// requestID.
func (r *Router) reply(sender Sender, connectionID, requestID, msgType string, payload interface{}) {
	msg, err := protocol.NewReply(requestID, msgType, payload)
	if err != nil {
		r.logger.Error("failed to build reply",
			zap.String("message_type", msgType), zap.Error(err))
		_ = sender.SendError(connectionID, requestID, protocol.CodeInternal, "Internal error", nil)
		return
	}
	_ = sender.Send(connectionID, msg)
}

func (r *Router) publish(subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		r.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (r *Router) unsupported(sender Sender, connectionID string, msg *protocol.Message) {
	r.logger.Warn("unsupported message type", zap.String("message_type", msg.Type))
	_ = sender.SendError(connectionID, msg.ID, protocol.CodeUnsupported, "Unsupported message type", nil)
}
