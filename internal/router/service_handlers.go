package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/task"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

func (r *Router) handleServiceMessage(ctx context.Context, connectionID string, msg *protocol.Message) {
	if msg.Type == protocol.TypeServiceRegister {
		r.handleServiceRegister(connectionID, msg)
		return
	}

	// Replies to forwarded requests (tool listings) are consumed by their
	// waiter instead of a handler.
	if r.responses.Resolve(msg) {
		return
	}

	service, ok := r.services.GetByConnectionID(connectionID)
	if !ok {
		_ = r.serviceEP.SendError(connectionID, msg.ID, protocol.CodeNotFound, "Service not registered", nil)
		return
	}

	switch msg.Type {
	case protocol.TypeServiceTaskResult:
		r.handleServiceTaskResult(service, msg)
	case protocol.TypeServiceTaskNotification:
		r.handleServiceTaskNotification(service, msg)
	case protocol.TypeServiceStatus:
		r.handleServiceStatusUpdate(connectionID, service, msg)
	case protocol.TypePong:
		r.logger.Debug("pong", zap.String("service_id", service.ID))
	case protocol.TypeError:
		r.logger.Warn("error message from service",
			zap.String("service_id", service.ID),
			zap.Any("content", msg.ContentMap()))
	default:
		r.unsupported(r.serviceEP, connectionID, msg)
	}
}

func (r *Router) handleServiceRegister(connectionID string, msg *protocol.Message) {
	var content protocol.ServiceRegisterContent
	if err := msg.ParseContent(&content); err != nil || content.Name == "" {
		_ = r.serviceEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Service registration requires a name", nil)
		return
	}

	service, demoted := r.services.Register(content, connectionID)
	if demoted != nil {
		r.logger.Warn("service name taken over",
			zap.String("service_name", service.Name),
			zap.String("demoted_service_id", demoted.ID))
	}

	r.reply(r.serviceEP, connectionID, msg.ID, protocol.TypeServiceRegistered, map[string]interface{}{
		"serviceId":    service.ID,
		"name":         service.Name,
		"capabilities": service.Capabilities,
		"toolCount":    len(service.Tools),
	})

	r.publish(bus.SubjectServiceConnected, map[string]interface{}{
		"serviceId": service.ID,
		"name":      service.Name,
	})
}

// handleServiceTaskResult closes out a service task and fans the outcome to
// the requesting agent and, when present, the originating client.
func (r *Router) handleServiceTaskResult(service *registry.Service, msg *protocol.Message) {
	var content protocol.ServiceTaskResultContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		r.logger.Warn("malformed service.task.result", zap.String("service_id", service.ID))
		return
	}

	failed := content.Error != "" || content.Status == "failed" || content.Status == "error"

	var delivered bool
	if failed {
		errText := content.Error
		if errText == "" {
			errText = "Service task failed"
		}
		if t, ok := r.serviceTasks.Fail(content.TaskID, errText); ok {
			delivered = true
			if out, err := protocol.NewReply(t.RequestID, protocol.TypeServiceTaskExecResponse, map[string]interface{}{
				"taskId":    t.TaskID,
				"serviceId": t.ServiceID,
				"status":    string(t.Status),
				"error":     t.Error,
			}); err == nil {
				r.sendToAgent(t.AgentID, out)
			}
			r.notifyServiceCompleted(t)
			r.publish(bus.SubjectTaskFailed, map[string]interface{}{
				"taskId":    t.TaskID,
				"serviceId": t.ServiceID,
				"error":     t.Error,
			})
		}
	} else {
		if t, ok := r.serviceTasks.Complete(content.TaskID, content.Result); ok {
			delivered = true
			if out, err := protocol.NewReply(t.RequestID, protocol.TypeServiceTaskExecResponse, map[string]interface{}{
				"taskId":    t.TaskID,
				"serviceId": t.ServiceID,
				"status":    string(t.Status),
				"result":    t.Result,
			}); err == nil {
				r.sendToAgent(t.AgentID, out)
			}
			r.notifyServiceCompleted(t)
			r.publish(bus.SubjectTaskCompleted, map[string]interface{}{
				"taskId":    t.TaskID,
				"serviceId": t.ServiceID,
			})
		}
	}

	if !delivered {
		r.logger.Debug("service.task.result for unknown or terminal task",
			zap.String("task_id", content.TaskID),
			zap.String("service_id", service.ID))
	}
}

// handleServiceTaskNotification relays service progress to the requesting
// agent and the originating client.
func (r *Router) handleServiceTaskNotification(service *registry.Service, msg *protocol.Message) {
	var content protocol.TaskNotificationContent
	if err := msg.ParseContent(&content); err != nil || content.TaskID == "" {
		r.logger.Warn("malformed service.task.notification", zap.String("service_id", service.ID))
		return
	}

	t, ok := r.serviceTasks.Get(content.TaskID)
	if !ok {
		r.logger.Debug("notification for unknown service task", zap.String("task_id", content.TaskID))
		return
	}

	payload := map[string]interface{}{
		"taskId":           t.TaskID,
		"serviceId":        t.ServiceID,
		"notificationType": content.NotificationType,
		"message":          content.Message,
		"data":             content.Data,
	}
	if t.AgentID != "" {
		if out, err := protocol.NewMessage(protocol.TypeServiceNotification, payload); err == nil {
			r.sendToAgent(t.AgentID, out)
		}
	}
	if t.ClientID != "" {
		if out, err := protocol.NewMessage(protocol.TypeServiceNotification, payload); err == nil {
			r.sendToClient(t.ClientID, out)
		}
	}
}

func (r *Router) handleServiceStatusUpdate(connectionID string, service *registry.Service, msg *protocol.Message) {
	var content protocol.ServiceStatusContent
	if err := msg.ParseContent(&content); err != nil || content.Status == "" {
		_ = r.serviceEP.SendError(connectionID, msg.ID, protocol.CodeValidation, "Status update requires a status", nil)
		return
	}

	updated, _ := r.services.UpdateStatus(service.ID, registry.NormalizeStatus(content.Status))
	if updated == nil {
		return
	}
	r.reply(r.serviceEP, connectionID, msg.ID, protocol.TypeServiceStatusUpdated, map[string]interface{}{
		"serviceId": updated.ID,
		"status":    updated.Status,
	})
}

// notifyServiceCompleted tells the originating client that a service task it
// indirectly triggered reached a terminal state.
func (r *Router) notifyServiceCompleted(t *task.ServiceTask) {
	if t.ClientID == "" {
		return
	}
	payload := map[string]interface{}{
		"taskId":    t.TaskID,
		"serviceId": t.ServiceID,
		"toolId":    t.ToolID,
		"status":    string(t.Status),
	}
	if len(t.Result) > 0 {
		payload["result"] = t.Result
	}
	if t.Error != "" {
		payload["error"] = t.Error
	}
	if out, err := protocol.NewMessage(protocol.TypeServiceCompleted, payload); err == nil {
		r.sendToClient(t.ClientID, out)
	}
}
