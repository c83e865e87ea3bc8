package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

func (r *Router) handleClientMessage(ctx context.Context, connectionID string, msg *protocol.Message) {
	client, ok := r.clients.GetByConnectionID(connectionID)
	if !ok {
		// Connections are registered on accept, so this only happens during
		// teardown races.
		r.logger.Warn("message from unbound client connection",
			zap.String("connection_id", connectionID))
		return
	}
	r.clients.Touch(client.ID)

	switch msg.Type {
	case protocol.TypeClientRegister:
		r.handleClientRegister(connectionID, client, msg)
	case protocol.TypeClientAgentListRequest:
		r.handleClientAgentList(connectionID, msg)
	case protocol.TypeClientTaskCreateRequest:
		r.handleClientTaskCreate(connectionID, client, msg)
	case protocol.TypeClientTaskStatusRequest:
		r.handleClientTaskStatus(connectionID, client, msg)
	case protocol.TypeTaskMessage:
		r.handleClientTaskMessage(connectionID, client, msg)
	case protocol.TypeClientMCPServerListReq:
		r.handleMCPServersList(r.clientEP, connectionID, msg)
	case protocol.TypeMCPServerTools:
		r.handleMCPToolsList(ctx, r.clientEP, connectionID, msg, protocol.TypeMCPServerTools)
	case protocol.TypeMCPToolExecute:
		r.handleMCPToolExecute(ctx, r.clientEP, connectionID, msg, protocol.TypeMCPToolExecutionResult)
	case protocol.TypePong:
		r.logger.Debug("pong", zap.String("client_id", client.ID))
	case protocol.TypeError:
		r.logger.Warn("error message from client",
			zap.String("client_id", client.ID),
			zap.Any("content", msg.ContentMap()))
	default:
		r.unsupported(r.clientEP, connectionID, msg)
	}
}

func (r *Router) handleClientRegister(connectionID string, client *registry.Client, msg *protocol.Message) {
	content := msg.ContentMap()
	if name, _ := content["name"].(string); name != "" {
		r.clients.SetName(client.ID, name)
		client.Name = name
	}
	r.reply(r.clientEP, connectionID, msg.ID, protocol.TypeClientRegistered, map[string]interface{}{
		"clientId": client.ID,
		"name":     client.Name,
	})
}

func (r *Router) handleClientAgentList(connectionID string, msg *protocol.Message) {
	var content protocol.AgentListRequestContent
	if err := msg.ParseContent(&content); err != nil {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Invalid agent list filters", nil)
		return
	}

	filter := registry.ListFilter{
		Capabilities: content.Filters.Capabilities,
		Name:         content.Filters.Name,
	}
	if content.Filters.Status != "" {
		filter.Status = registry.NormalizeStatus(content.Filters.Status)
	}

	agents := r.agents.List(filter)
	out := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]interface{}{
			"id":           a.ID,
			"name":         a.Name,
			"capabilities": a.Capabilities,
			"status":       a.Status,
			"registeredAt": a.RegisteredAt,
		})
	}
	r.reply(r.clientEP, connectionID, msg.ID, protocol.TypeClientAgentListResponse, map[string]interface{}{
		"agents": out,
		"count":  len(out),
	})
}

func (r *Router) handleClientTaskStatus(connectionID string, client *registry.Client, msg *protocol.Message) {
	var content protocol.ClientTaskStatusContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Status request requires a taskId", nil)
		return
	}

	t, ok := r.agentTasks.Get(content.TaskID)
	if !ok {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeNotFound, "Task not found", nil)
		return
	}

	payload := map[string]interface{}{
		"taskId":    t.TaskID,
		"agentId":   t.AgentID,
		"status":    string(t.Status),
		"createdAt": t.CreatedAt,
	}
	if len(t.Result) > 0 {
		payload["result"] = t.Result
	}
	if t.Error != "" {
		payload["error"] = t.Error
	}
	r.reply(r.clientEP, connectionID, msg.ID, protocol.TypeClientTaskStatusResp, payload)
}

// handleClientTaskMessage forwards an interactive client message to the agent
// executing the task.
func (r *Router) handleClientTaskMessage(connectionID string, client *registry.Client, msg *protocol.Message) {
	var content protocol.TaskMessageContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "task.message requires a taskId", nil)
		return
	}

	t, ok := r.agentTasks.Get(content.TaskID)
	if !ok {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeNotFound, "Task not found", nil)
		return
	}

	out, err := protocol.NewMessage(protocol.TypeTaskMessageResponse, map[string]interface{}{
		"taskId":  t.TaskID,
		"message": content.Message,
		"data":    content.Data,
	})
	if err != nil {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeInternal, "Internal error", nil)
		return
	}
	if !r.sendToAgent(t.AgentID, out) {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeUnreachable, "Agent is not connected", nil)
	}
}
