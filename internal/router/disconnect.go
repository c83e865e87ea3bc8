package router

import (
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/task"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

func newServiceFailureReply(t *task.ServiceTask) (*protocol.Message, error) {
	return protocol.NewReply(t.RequestID, protocol.TypeServiceTaskExecResponse, map[string]interface{}{
		"taskId":    t.TaskID,
		"serviceId": t.ServiceID,
		"status":    string(t.Status),
		"error":     t.Error,
	})
}

// handleAgentDisconnect marks the agent offline and fails every task it was
// still working on, so no requester waits on a connection that is gone.
func (r *Router) handleAgentDisconnect(connectionID string) {
	agent, ok := r.agents.HandleDisconnect(connectionID)
	if !ok {
		return
	}

	active := r.agentTasks.ActiveByAgentID(agent.ID)
	for _, t := range active {
		failed, ok := r.agentTasks.Fail(t.TaskID, "Agent disconnected before task completion")
		if !ok {
			continue
		}
		r.deliverTaskFailure(failed)
		r.publish(bus.SubjectTaskFailed, map[string]interface{}{
			"taskId":  failed.TaskID,
			"agentId": failed.AgentID,
			"error":   failed.Error,
		})
	}
	if len(active) > 0 {
		r.logger.Info("failed tasks of disconnected agent",
			zap.String("agent_id", agent.ID),
			zap.Int("task_count", len(active)))
	}

	r.publish(bus.SubjectAgentDisconnected, map[string]interface{}{
		"agentId": agent.ID,
		"name":    agent.Name,
	})
}

// handleServiceDisconnect marks the service offline and fails its in-flight
// tool invocations.
func (r *Router) handleServiceDisconnect(connectionID string) {
	service, ok := r.services.HandleDisconnect(connectionID)
	if !ok {
		return
	}

	for _, t := range r.serviceTasks.ActiveByServiceID(service.ID) {
		failed, ok := r.serviceTasks.Fail(t.TaskID, "Service disconnected before task completion")
		if !ok {
			continue
		}
		if out, err := newServiceFailureReply(failed); err == nil {
			r.sendToAgent(failed.AgentID, out)
		}
		r.notifyServiceCompleted(failed)
		r.publish(bus.SubjectTaskFailed, map[string]interface{}{
			"taskId":    failed.TaskID,
			"serviceId": failed.ServiceID,
			"error":     failed.Error,
		})
	}

	r.publish(bus.SubjectServiceDisconnected, map[string]interface{}{
		"serviceId": service.ID,
		"name":      service.Name,
	})
}
