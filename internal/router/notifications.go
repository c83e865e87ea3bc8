package router

import (
	"github.com/agentmesh/agentmesh/internal/task"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// notifyTarget is one client that should hear about activity on a task,
// together with the task id that client knows the work by.
type notifyTarget struct {
	clientID string
	taskID   string
}

// clientTargets resolves the clients owning a task, directly or through the
// requester chain. A directly-owned task yields its own client; a delegated
// task is walked upward: among the tasks assigned to the requesting agent,
// the first (in creation order) that belongs to a client wins and the walk
// stops, otherwise the first delegated one continues the chain. Each client
// is delivered to at most once regardless of the shape of the graph.
func (r *Router) clientTargets(t *task.AgentTask) []notifyTarget {
	var targets []notifyTarget
	seenClients := make(map[string]bool)
	add := func(clientID, taskID string) {
		if clientID == "" || seenClients[clientID] {
			return
		}
		seenClients[clientID] = true
		targets = append(targets, notifyTarget{clientID: clientID, taskID: taskID})
	}

	add(t.ClientID, t.TaskID)

	visited := map[string]bool{t.TaskID: true}
	cur := t
	for cur.RequestingAgentID != "" {
		parents := r.agentTasks.ByAgentID(cur.RequestingAgentID)

		var next *task.AgentTask
		delivered := false
		for _, p := range parents {
			if visited[p.TaskID] {
				continue
			}
			if p.ClientID != "" {
				add(p.ClientID, p.TaskID)
				delivered = true
				break
			}
			if p.RequestingAgentID != "" && next == nil {
				next = p
			}
		}
		if delivered || next == nil {
			break
		}
		visited[next.TaskID] = true
		cur = next
	}
	return targets
}

// notifyChildCreated tells the owning client that a delegated task entered
// the graph under its request.
func (r *Router) notifyChildCreated(child *task.AgentTask) {
	for _, target := range r.clientTargets(child) {
		if target.taskID == child.TaskID {
			continue
		}
		if out, err := protocol.NewMessage(protocol.TypeTaskChildCreated, map[string]interface{}{
			"taskId":      target.taskID,
			"childTaskId": child.TaskID,
			"agentId":     child.AgentID,
			"taskType":    child.TaskType,
		}); err == nil {
			r.sendToClient(target.clientID, out)
		}
	}
}

// notifyChildStatus tells the owning client that a delegated task changed
// status. Used for terminal transitions of child tasks; the client's own task
// keeps its separate terminal message.
func (r *Router) notifyChildStatus(child *task.AgentTask) {
	for _, target := range r.clientTargets(child) {
		if target.taskID == child.TaskID {
			continue
		}
		payload := map[string]interface{}{
			"taskId":      target.taskID,
			"childTaskId": child.TaskID,
			"agentId":     child.AgentID,
			"status":      string(child.Status),
		}
		if child.Error != "" {
			payload["error"] = child.Error
		}
		if out, err := protocol.NewMessage(protocol.TypeTaskChildStatus, payload); err == nil {
			r.sendToClient(target.clientID, out)
		}
	}
}

// deliverTaskFailure fans a failed task's terminal outcome out to whoever
// requested it: the client gets task.error, a requesting agent gets a failed
// childagent.response.
func (r *Router) deliverTaskFailure(t *task.AgentTask) {
	if t.ClientID != "" {
		if out, err := protocol.NewReply(t.RequestID, protocol.TypeTaskError, protocol.TaskErrorContent{
			TaskID: t.TaskID,
			Error:  t.Error,
		}); err == nil {
			r.sendToClient(t.ClientID, out)
		}
	}
	if t.RequestingAgentID != "" {
		if out, err := protocol.NewReply(t.RequestID, protocol.TypeChildAgentResponse, map[string]interface{}{
			"childTaskId": t.TaskID,
			"status":      string(t.Status),
			"error":       t.Error,
		}); err == nil {
			r.sendToAgent(t.RequestingAgentID, out)
		}
		r.notifyChildStatus(t)
	}
}
