package router

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/task"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

var errServiceGone = errors.New("service connection lost")

// handleClientTaskCreate creates an agent task on behalf of a client and
// dispatches it. The client gets either a create response with the running
// task's id or a single error reply.
func (r *Router) handleClientTaskCreate(connectionID string, client *registry.Client, msg *protocol.Message) {
	var content protocol.ClientTaskCreateContent
	if err := msg.ParseContent(&content); err != nil {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Invalid task create request", nil)
		return
	}
	if content.AgentID == "" && content.AgentName == "" {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Task create requires agentId or agentName", nil)
		return
	}

	agent, ok := r.resolveAgent(content.AgentID, content.AgentName)
	if !ok {
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeNotFound, "Agent not found", nil)
		return
	}

	t := r.agentTasks.Register(&task.AgentTask{
		TaskID:    uuid.New().String(),
		AgentID:   agent.ID,
		ClientID:  client.ID,
		TaskType:  content.TaskType,
		TaskData:  content.TaskData,
		RequestID: msg.ID,
	})

	if !r.dispatchTask(t) {
		r.agentTasks.Fail(t.TaskID, "Agent has no active connection")
		_ = r.clientEP.SendError(connectionID, msg.ID, protocol.CodeUnreachable, "Agent is not connected", map[string]interface{}{
			"agentId": agent.ID,
		})
		return
	}

	r.reply(r.clientEP, connectionID, msg.ID, protocol.TypeClientTaskCreateResp, map[string]interface{}{
		"taskId":    t.TaskID,
		"agentId":   agent.ID,
		"agentName": agent.Name,
		"status":    string(task.StatusRunning),
	})
}

// handleAgentTaskRequest creates a child task: one agent delegating work to
// another. The requester is acked immediately; the final outcome arrives
// later as a childagent.response.
func (r *Router) handleAgentTaskRequest(connectionID string, requester *registry.Agent, msg *protocol.Message) {
	var content protocol.AgentTaskRequestContent
	if err := msg.ParseContent(&content); err != nil {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Invalid task request", nil)
		return
	}
	if content.TargetAgentID == "" && content.TargetAgentName == "" {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Task request requires targetAgentId or targetAgentName", nil)
		return
	}

	target, ok := r.resolveAgent(content.TargetAgentID, content.TargetAgentName)
	if !ok {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeNotFound, "Target agent not found", nil)
		return
	}
	if target.ID == requester.ID {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Agent cannot delegate a task to itself", nil)
		return
	}

	child := r.agentTasks.Register(&task.AgentTask{
		TaskID:            uuid.New().String(),
		AgentID:           target.ID,
		RequestingAgentID: requester.ID,
		ParentTaskID:      content.ParentTaskID,
		TaskType:          content.TaskType,
		TaskData:          content.TaskData,
		RequestID:         msg.ID,
	})

	if !r.dispatchTask(child) {
		r.agentTasks.Fail(child.TaskID, "Target agent has no active connection")
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeUnreachable, "Target agent is not connected", map[string]interface{}{
			"targetAgentId": target.ID,
		})
		return
	}

	r.reply(r.agentEP, connectionID, msg.ID, protocol.TypeChildAgentAccepted, map[string]interface{}{
		"childTaskId":   child.TaskID,
		"targetAgentId": target.ID,
		"status":        string(task.StatusRunning),
	})

	r.notifyChildCreated(child)
}

// dispatchTask sends task.execute to the assigned agent and marks the task
// running. Returns false when the agent has no live connection.
func (r *Router) dispatchTask(t *task.AgentTask) bool {
	out, err := protocol.NewMessage(protocol.TypeTaskExecute, protocol.TaskExecuteContent{
		TaskID:   t.TaskID,
		TaskType: t.TaskType,
		Data:     t.TaskData,
	})
	if err != nil {
		r.logger.Error("failed to build task.execute", zap.Error(err))
		return false
	}
	if !r.sendToAgent(t.AgentID, out) {
		return false
	}
	r.agentTasks.MarkRunning(t.TaskID)
	return true
}

func (r *Router) resolveAgent(id, name string) (*registry.Agent, bool) {
	if id != "" {
		return r.agents.Get(id)
	}
	return r.agents.GetByName(name)
}

// handleServiceTaskExecute forwards a tool invocation from an agent to a
// service, subject to the agent's manifest allow-list.
func (r *Router) handleServiceTaskExecute(connectionID string, agent *registry.Agent, msg *protocol.Message) {
	var content protocol.ServiceTaskExecuteContent
	if err := msg.ParseContent(&content); err != nil || content.ToolID == "" {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Service task requires a toolId", nil)
		return
	}
	if content.ServiceID == "" && content.ServiceName == "" {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Service task requires serviceId or serviceName", nil)
		return
	}

	service, ok := r.resolveService(content.ServiceID, content.ServiceName)
	if !ok {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeNotFound, "Service not found", nil)
		return
	}

	if !manifestAllowsService(agent.Manifest, service) {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeUnauthorized, "Service not permitted by agent manifest", map[string]interface{}{
			"serviceId": service.ID,
		})
		return
	}

	t := r.serviceTasks.Register(&task.ServiceTask{
		TaskID:    uuid.New().String(),
		ServiceID: service.ID,
		AgentID:   agent.ID,
		ClientID:  content.ClientID,
		ToolID:    content.ToolID,
		Params:    content.Params,
		RequestID: msg.ID,
	})

	out, err := protocol.NewMessage(protocol.TypeServiceTaskExecute, protocol.ServiceTaskExecuteContent{
		TaskID:   t.TaskID,
		ToolID:   t.ToolID,
		Params:   t.Params,
		ClientID: t.ClientID,
	})
	if err != nil {
		r.serviceTasks.Fail(t.TaskID, "Internal error")
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeInternal, "Internal error", nil)
		return
	}
	if !r.sendToService(service.ID, out) {
		r.serviceTasks.Fail(t.TaskID, "Service has no active connection")
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeUnreachable, "Service is not connected", map[string]interface{}{
			"serviceId": service.ID,
		})
		return
	}
	r.serviceTasks.MarkRunning(t.TaskID)

	if t.ClientID != "" {
		if notice, err := protocol.NewMessage(protocol.TypeServiceStarted, map[string]interface{}{
			"taskId":    t.TaskID,
			"serviceId": service.ID,
			"toolId":    t.ToolID,
			"agentId":   agent.ID,
		}); err == nil {
			r.sendToClient(t.ClientID, notice)
		}
	}
}

// handleServiceToolsList forwards a tool listing request to the service,
// which is authoritative, and relays the reply. The same manifest allow-list
// applies as for tool execution.
func (r *Router) handleServiceToolsList(connectionID string, agent *registry.Agent, msg *protocol.Message) {
	var content protocol.ServiceToolsListContent
	if err := msg.ParseContent(&content); err != nil {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Invalid tools list request", nil)
		return
	}
	if content.ServiceID == "" && content.ServiceName == "" {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Tools list requires serviceId or serviceName", nil)
		return
	}

	service, ok := r.resolveService(content.ServiceID, content.ServiceName)
	if !ok {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeNotFound, "Service not found", nil)
		return
	}

	if !manifestAllowsService(agent.Manifest, service) {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeUnauthorized, "Service not permitted by agent manifest", map[string]interface{}{
			"serviceId": service.ID,
		})
		return
	}

	fwd, err := protocol.NewMessage(protocol.TypeServiceToolsList, nil)
	if err != nil {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeInternal, "Internal error", nil)
		return
	}

	ch, err := r.responses.Await(fwd.ID, r.responseTimeout, nil)
	if err != nil {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeInternal, "Internal error", nil)
		return
	}
	if !r.sendToService(service.ID, fwd) {
		r.responses.Fail(fwd.ID, errServiceGone)
		<-ch
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeUnreachable, "Service is not connected", nil)
		return
	}

	requestID := msg.ID
	serviceID := service.ID
	go func() {
		res := <-ch
		if res.Err != nil {
			_ = r.agentEP.SendError(connectionID, requestID, protocol.CodeTimeout, "Service did not answer in time", map[string]interface{}{
				"serviceId": serviceID,
			})
			return
		}
		reply, err := protocol.NewReply(requestID, protocol.TypeServiceToolsListResponse, nil)
		if err != nil {
			return
		}
		reply.Content = res.Msg.Content
		_ = r.agentEP.Send(connectionID, reply)
	}()
}

func (r *Router) resolveService(id, name string) (*registry.Service, bool) {
	if id != "" {
		return r.services.Get(id)
	}
	return r.services.GetByName(name)
}

// manifestAllowsService enforces the requiredServices allow-list. A manifest
// without the key allows every service.
func manifestAllowsService(manifest map[string]interface{}, service *registry.Service) bool {
	if manifest == nil {
		return true
	}
	raw, ok := manifest["requiredServices"]
	if !ok {
		return true
	}
	allowed, ok := raw.([]interface{})
	if !ok {
		return false
	}
	for _, entry := range allowed {
		s, _ := entry.(string)
		if s != "" && (s == service.ID || s == service.Name) {
			return true
		}
	}
	return false
}

// handleMCPServersList answers with the registered MCP servers. Shared by the
// agent and client endpoints; only the reply type differs per caller.
func (r *Router) handleMCPServersList(sender Sender, connectionID string, msg *protocol.Message) {
	replyType := protocol.TypeAgentMCPServersResult
	if sender == r.clientEP {
		replyType = protocol.TypeClientMCPServerListResp
	}
	servers := r.mcp.ListServers("")
	r.reply(sender, connectionID, msg.ID, replyType, map[string]interface{}{
		"servers": servers,
		"count":   len(servers),
	})
}

// handleMCPToolsList lists a server's tools. This can hit the subprocess and
// therefore suspends the calling connection, never the others.
func (r *Router) handleMCPToolsList(ctx context.Context, sender Sender, connectionID string, msg *protocol.Message, replyType string) {
	var content protocol.MCPToolsListContent
	if err := msg.ParseContent(&content); err != nil || content.ServerID == "" {
		_ = sender.SendError(connectionID, msg.ID, protocol.CodeValidation, "Tools list requires a serverId", nil)
		return
	}

	tools, err := r.mcp.ListTools(ctx, content.ServerID)
	if err != nil {
		_ = sender.SendError(connectionID, msg.ID, protocol.CodeNotFound, "MCP server unavailable", map[string]interface{}{
			"serverId": content.ServerID,
		})
		return
	}
	r.reply(sender, connectionID, msg.ID, replyType, map[string]interface{}{
		"serverId": content.ServerID,
		"tools":    tools,
	})
}

// handleMCPToolExecute invokes an MCP tool and replies with the result. Tool
// calls are suspension points: the reply lands whenever the subprocess
// answers, and only this connection waits for it.
func (r *Router) handleMCPToolExecute(ctx context.Context, sender Sender, connectionID string, msg *protocol.Message, replyType string) {
	var content protocol.MCPToolExecuteContent
	if err := msg.ParseContent(&content); err != nil || content.ServerID == "" || content.ToolName == "" {
		_ = sender.SendError(connectionID, msg.ID, protocol.CodeValidation, "Tool execute requires serverId and toolName", nil)
		return
	}

	result, err := r.mcp.ExecuteTool(ctx, content.ServerID, content.ToolName, content.Parameters)
	payload := map[string]interface{}{
		"serverId": content.ServerID,
		"toolName": content.ToolName,
	}
	switch {
	case err == nil:
		payload["status"] = "success"
		payload["result"] = result
	case len(result) > 0:
		// The tool ran and reported an error of its own.
		payload["status"] = "error"
		payload["result"] = result
		payload["error"] = err.Error()
	default:
		_ = sender.SendError(connectionID, msg.ID, protocol.CodeNotFound, "MCP tool execution failed", map[string]interface{}{
			"serverId": content.ServerID,
			"toolName": content.ToolName,
			"reason":   err.Error(),
		})
		return
	}
	r.reply(sender, connectionID, msg.ID, replyType, payload)
}
