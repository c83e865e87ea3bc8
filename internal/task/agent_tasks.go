package task

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// AgentTaskRegistry tracks agent tasks. Transitions are serialized per
// registry; attempts to leave a terminal state are logged and ignored.
type AgentTaskRegistry struct {
	tasks  map[string]*AgentTask
	order  []string // task ids in registration order
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewAgentTaskRegistry creates an empty agent task registry.
func NewAgentTaskRegistry(log *logger.Logger) *AgentTaskRegistry {
	return &AgentTaskRegistry{
		tasks:  make(map[string]*AgentTask),
		logger: log.WithFields(zap.String("component", "agent-task-registry")),
	}
}

// Register stores a new task with status pending. The task's CreatedAt is
// stamped here.
func (r *AgentTaskRegistry) Register(t *AgentTask) *AgentTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.Status = StatusPending
	t.CreatedAt = time.Now().UTC()
	r.tasks[t.TaskID] = t
	r.order = append(r.order, t.TaskID)

	r.logger.Debug("agent task registered",
		zap.String("task_id", t.TaskID),
		zap.String("agent_id", t.AgentID))
	return cloneAgentTask(t)
}

// Get returns the task with the given id.
func (r *AgentTaskRegistry) Get(taskID string) (*AgentTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneAgentTask(t), true
}

// MarkRunning transitions a pending task to running. Terminal tasks are
// left untouched.
func (r *AgentTaskRegistry) MarkRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return false
	}
	t.Status = StatusRunning
	return true
}

// Complete transitions a task to completed and stores the result. Returns
// false when the task is unknown or already terminal.
func (r *AgentTaskRegistry) Complete(taskID string, result json.RawMessage) (*AgentTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	if t.Status.Terminal() {
		r.logger.Debug("ignoring transition on terminal task",
			zap.String("task_id", taskID),
			zap.String("status", string(t.Status)))
		return nil, false
	}
	t.Status = StatusCompleted
	t.Result = result
	t.CompletedAt = time.Now().UTC()
	return cloneAgentTask(t), true
}

// Fail transitions a task to failed and stores the error. Returns false
// when the task is unknown or already terminal.
func (r *AgentTaskRegistry) Fail(taskID, errMsg string) (*AgentTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	if t.Status.Terminal() {
		r.logger.Debug("ignoring transition on terminal task",
			zap.String("task_id", taskID),
			zap.String("status", string(t.Status)))
		return nil, false
	}
	t.Status = StatusFailed
	t.Error = errMsg
	t.CompletedAt = time.Now().UTC()
	return cloneAgentTask(t), true
}

// ByAgentID returns the tasks assigned to the agent, in creation order.
func (r *AgentTaskRegistry) ByAgentID(agentID string) []*AgentTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentTask
	for _, id := range r.order {
		if t := r.tasks[id]; t.AgentID == agentID {
			out = append(out, cloneAgentTask(t))
		}
	}
	return out
}

// ChildrenOfAgent returns the tasks requested by the agent (tasks where the
// agent is the parent), in creation order.
func (r *AgentTaskRegistry) ChildrenOfAgent(agentID string) []*AgentTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentTask
	for _, id := range r.order {
		if t := r.tasks[id]; t.RequestingAgentID == agentID {
			out = append(out, cloneAgentTask(t))
		}
	}
	return out
}

// ActiveByAgentID returns the agent's non-terminal tasks, in creation order.
func (r *AgentTaskRegistry) ActiveByAgentID(agentID string) []*AgentTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentTask
	for _, id := range r.order {
		if t := r.tasks[id]; t.AgentID == agentID && !t.Status.Terminal() {
			out = append(out, cloneAgentTask(t))
		}
	}
	return out
}

func cloneAgentTask(t *AgentTask) *AgentTask {
	cp := *t
	return &cp
}
