package task

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// ServiceTaskRegistry tracks service tool invocations with the same
// transition rules as AgentTaskRegistry.
type ServiceTaskRegistry struct {
	tasks  map[string]*ServiceTask
	order  []string
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewServiceTaskRegistry creates an empty service task registry.
func NewServiceTaskRegistry(log *logger.Logger) *ServiceTaskRegistry {
	return &ServiceTaskRegistry{
		tasks:  make(map[string]*ServiceTask),
		logger: log.WithFields(zap.String("component", "service-task-registry")),
	}
}

// Register stores a new task with status pending.
func (r *ServiceTaskRegistry) Register(t *ServiceTask) *ServiceTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.Status = StatusPending
	t.CreatedAt = time.Now().UTC()
	r.tasks[t.TaskID] = t
	r.order = append(r.order, t.TaskID)

	r.logger.Debug("service task registered",
		zap.String("task_id", t.TaskID),
		zap.String("service_id", t.ServiceID),
		zap.String("tool_id", t.ToolID))
	return cloneServiceTask(t)
}

// Get returns the task with the given id.
func (r *ServiceTaskRegistry) Get(taskID string) (*ServiceTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneServiceTask(t), true
}

// MarkRunning transitions a pending task to running.
func (r *ServiceTaskRegistry) MarkRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return false
	}
	t.Status = StatusRunning
	return true
}

// Complete transitions a task to completed and stores the result.
func (r *ServiceTaskRegistry) Complete(taskID string, result json.RawMessage) (*ServiceTask, bool) {
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
	return cloneServiceTask(t), true
}

// Fail transitions a task to failed and stores the error.
func (r *ServiceTaskRegistry) Fail(taskID, errMsg string) (*ServiceTask, bool) {
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
	return cloneServiceTask(t), true
}

// ByServiceID returns the tasks sent to the service, in creation order.
func (r *ServiceTaskRegistry) ByServiceID(serviceID string) []*ServiceTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ServiceTask
	for _, id := range r.order {
		if t := r.tasks[id]; t.ServiceID == serviceID {
			out = append(out, cloneServiceTask(t))
		}
	}
	return out
}

// ActiveByServiceID returns the service's non-terminal tasks.
func (r *ServiceTaskRegistry) ActiveByServiceID(serviceID string) []*ServiceTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ServiceTask
	for _, id := range r.order {
		if t := r.tasks[id]; t.ServiceID == serviceID && !t.Status.Terminal() {
			out = append(out, cloneServiceTask(t))
		}
	}
	return out
}

func cloneServiceTask(t *ServiceTask) *ServiceTask {
	cp := *t
	return &cp
}
