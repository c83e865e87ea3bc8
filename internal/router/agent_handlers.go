package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

func (r *Router) handleAgentMessage(ctx context.Context, connectionID string, msg *protocol.Message) {
	if msg.Type == protocol.TypeAgentRegister {
		r.handleAgentRegister(connectionID, msg)
		return
	}

	// A reply an upstream request is waiting on never reaches a handler.
	if r.responses.Resolve(msg) {
		return
	}

	// Everything past registration requires the connection to be bound to a
	// live agent. A demoted or never-registered connection gets NOT_FOUND.
	agent, ok := r.agents.GetByConnectionID(connectionID)
	if !ok {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeNotFound, "Agent not registered", nil)
		return
	}

	switch msg.Type {
	case protocol.TypeAgentStatusUpdate:
		r.handleAgentStatusUpdate(connectionID, agent, msg)
	case protocol.TypeTaskResult:
		r.handleTaskResult(agent, msg)
	case protocol.TypeTaskError:
		r.handleTaskError(agent, msg)
	case protocol.TypeTaskNotification:
		r.handleTaskNotification(agent, msg)
	case protocol.TypeTaskMessage:
		r.handleAgentTaskMessage(connectionID, agent, msg)
	case protocol.TypeAgentTaskRequest:
		r.handleAgentTaskRequest(connectionID, agent, msg)
	case protocol.TypeAgentServiceListReq:
		r.handleAgentServiceList(connectionID, msg)
	case protocol.TypeServiceTaskExecute:
		r.handleServiceTaskExecute(connectionID, agent, msg)
	case protocol.TypeServiceToolsList:
		r.handleServiceToolsList(connectionID, agent, msg)
	case protocol.TypeAgentMCPServersList:
		r.handleMCPServersList(r.agentEP, connectionID, msg)
	case protocol.TypeMCPToolsList:
		r.handleMCPToolsList(ctx, r.agentEP, connectionID, msg, protocol.TypeMCPToolsListResult)
	case protocol.TypeMCPToolExecute:
		r.handleMCPToolExecute(ctx, r.agentEP, connectionID, msg, protocol.TypeMCPToolExecuteResult)
	case protocol.TypePong:
		r.logger.Debug("pong", zap.String("agent_id", agent.ID))
	case protocol.TypeError:
		r.logger.Warn("error message from agent",
			zap.String("agent_id", agent.ID),
			zap.Any("content", msg.ContentMap()))
	default:
		r.unsupported(r.agentEP, connectionID, msg)
	}
}

func (r *Router) handleAgentRegister(connectionID string, msg *protocol.Message) {
	var content protocol.AgentRegisterContent
	if err := msg.ParseContent(&content); err != nil || content.Name == "" {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Agent registration requires a name", nil)
		return
	}

	agent, demoted := r.agents.Register(content, connectionID)
	if demoted != nil {
		r.logger.Warn("agent name taken over",
			zap.String("agent_name", agent.Name),
			zap.String("demoted_agent_id", demoted.ID))
	}

	r.reply(r.agentEP, connectionID, msg.ID, protocol.TypeAgentRegistered, map[string]interface{}{
		"agentId":      agent.ID,
		"name":         agent.Name,
		"capabilities": agent.Capabilities,
		"status":       agent.Status,
	})

	// Clients learn about new agents without polling.
	if notice, err := protocol.NewMessage(protocol.TypeAgentRegistered, map[string]interface{}{
		"agentId":      agent.ID,
		"name":         agent.Name,
		"capabilities": agent.Capabilities,
		"status":       agent.Status,
	}); err == nil {
		r.clientEP.Broadcast(notice)
	}

	r.publish(bus.SubjectAgentConnected, map[string]interface{}{
		"agentId": agent.ID,
		"name":    agent.Name,
	})
}

func (r *Router) handleAgentStatusUpdate(connectionID string, agent *registry.Agent, msg *protocol.Message) {
	var content protocol.AgentStatusUpdateContent
	if err := msg.ParseContent(&content); err != nil || content.Status == "" {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Status update requires a status", nil)
		return
	}
	r.agents.UpdateStatus(agent.ID, registry.NormalizeStatus(content.Status))
}

// handleTaskResult closes out a task. The first terminal transition wins;
// late or repeated results are dropped.
func (r *Router) handleTaskResult(agent *registry.Agent, msg *protocol.Message) {
	var content protocol.TaskResultContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		r.logger.Warn("malformed task.result", zap.String("agent_id", agent.ID))
		return
	}

	t, ok := r.agentTasks.Complete(content.TaskID, content.Result)
	if !ok {
		r.logger.Debug("task.result for unknown or terminal task",
			zap.String("task_id", content.TaskID),
			zap.String("agent_id", agent.ID))
		return
	}

	if t.ClientID != "" {
		if out, err := protocol.NewReply(t.RequestID, protocol.TypeClientTaskResult, map[string]interface{}{
			"taskId": t.TaskID,
			"status": string(t.Status),
			"result": t.Result,
		}); err == nil {
			r.sendToClient(t.ClientID, out)
		}
	}
	if t.RequestingAgentID != "" {
		if out, err := protocol.NewReply(t.RequestID, protocol.TypeChildAgentResponse, map[string]interface{}{
			"childTaskId": t.TaskID,
			"status":      string(t.Status),
			"result":      t.Result,
		}); err == nil {
			r.sendToAgent(t.RequestingAgentID, out)
		}
		r.notifyChildStatus(t)
	}

	r.publish(bus.SubjectTaskCompleted, map[string]interface{}{
		"taskId":  t.TaskID,
		"agentId": t.AgentID,
	})
}

func (r *Router) handleTaskError(agent *registry.Agent, msg *protocol.Message) {
	var content protocol.TaskErrorContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		r.logger.Warn("malformed task.error", zap.String("agent_id", agent.ID))
		return
	}

	t, ok := r.agentTasks.Fail(content.TaskID, content.Error)
	if !ok {
		r.logger.Debug("task.error for unknown or terminal task",
			zap.String("task_id", content.TaskID),
			zap.String("agent_id", agent.ID))
		return
	}

	r.deliverTaskFailure(t)
	r.publish(bus.SubjectTaskFailed, map[string]interface{}{
		"taskId":  t.TaskID,
		"agentId": t.AgentID,
		"error":   t.Error,
	})
}

// handleTaskNotification relays progress up the task's requester chain to
// the owning client.
func (r *Router) handleTaskNotification(agent *registry.Agent, msg *protocol.Message) {
	var content protocol.TaskNotificationContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		r.logger.Warn("malformed task.notification", zap.String("agent_id", agent.ID))
		return
	}

	t, ok := r.agentTasks.Get(content.TaskID)
	if !ok {
		r.logger.Debug("notification for unknown task", zap.String("task_id", content.TaskID))
		return
	}
	if t.AgentID != agent.ID {
		r.logger.Warn("notification from non-owning agent",
			zap.String("task_id", t.TaskID),
			zap.String("agent_id", agent.ID))
		return
	}

	for _, target := range r.clientTargets(t) {
		payload := map[string]interface{}{
			"taskId":              target.taskID,
			"notificationType":    content.NotificationType,
			"message":             content.Message,
			"data":                content.Data,
			"agentId":             t.AgentID,
			"isChildAgentMessage": target.taskID != t.TaskID,
		}
		if target.taskID != t.TaskID {
			payload["childTaskId"] = t.TaskID
		}
		if out, err := protocol.NewMessage(protocol.TypeTaskNotification, payload); err == nil {
			r.sendToClient(target.clientID, out)
		}
	}
}

// handleAgentTaskMessage delivers an interactive message from the executing
// agent to the owning client and acks the agent.
func (r *Router) handleAgentTaskMessage(connectionID string, agent *registry.Agent, msg *protocol.Message) {
	var content protocol.TaskMessageContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "task.message requires a taskId", nil)
		return
	}

	t, ok := r.agentTasks.Get(content.TaskID)
	if !ok {
		_ = r.agentEP.SendError(connectionID, msg.ID, protocol.CodeNotFound, "Task not found", nil)
		return
	}

	delivered := false
	for _, target := range r.clientTargets(t) {
		payload := map[string]interface{}{
			"taskId":              target.taskID,
			"message":             content.Message,
			"data":                content.Data,
			"agentId":             t.AgentID,
			"isChildAgentMessage": target.taskID != t.TaskID,
		}
		if target.taskID != t.TaskID {
			payload["childTaskId"] = t.TaskID
		}
		if out, err := protocol.NewMessage(protocol.TypeTaskRequestMessage, payload); err == nil {
			if r.sendToClient(target.clientID, out) {
				delivered = true
			}
		}
	}

	r.reply(r.agentEP, connectionID, msg.ID, protocol.TypeTaskMessageReceived, map[string]interface{}{
		"taskId":    t.TaskID,
		"delivered": delivered,
	})
}

func (r *Router) handleAgentServiceList(connectionID string, msg *protocol.Message) {
	services := r.services.List(registry.ListFilter{Status: registry.StatusOnline})
	out := make([]map[string]interface{}, 0, len(services))
	for _, s := range services {
		out = append(out, map[string]interface{}{
			"id":           s.ID,
			"name":         s.Name,
			"capabilities": s.Capabilities,
			"tools":        s.Tools,
			"status":       s.Status,
		})
	}
	r.reply(r.agentEP, connectionID, msg.ID, protocol.TypeAgentServiceListResponse, map[string]interface{}{
		"services": out,
	})
}
