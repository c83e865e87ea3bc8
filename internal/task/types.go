// Package task holds the authoritative lifecycle of agent tasks and service
// tasks. All state is in memory; nothing survives a restart.
package task

import (
	"encoding/json"
	"time"
)

// Status is a task's lifecycle status.
type Status string

// Task statuses. Completed and failed are terminal and absorbing.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AgentTask is a unit of work assigned to an agent. Exactly one of ClientID
// or RequestingAgentID identifies the requester; both may be empty for
// uncorrelated work. RequestID is the message id of the originating request,
// used when forming the response.
type AgentTask struct {
	TaskID            string                 `json:"taskId"`
	AgentID           string                 `json:"agentId"`
	ClientID          string                 `json:"clientId,omitempty"`
	RequestingAgentID string                 `json:"requestingAgentId,omitempty"`
	ParentTaskID      string                 `json:"parentTaskId,omitempty"`
	TaskType          string                 `json:"taskType,omitempty"`
	Status            Status                 `json:"status"`
	CreatedAt         time.Time              `json:"createdAt"`
	CompletedAt       time.Time              `json:"completedAt,omitzero"`
	TaskData          map[string]interface{} `json:"taskData,omitempty"`
	Result            json.RawMessage        `json:"result,omitempty"`
	Error             string                 `json:"error,omitempty"`
	RequestID         string                 `json:"requestId,omitempty"`
}

// ServiceTask is a tool invocation tracked against a service. AgentID and
// ClientID record who receives the result and notifications.
type ServiceTask struct {
	TaskID       string                 `json:"taskId"`
	ServiceID    string                 `json:"serviceId"`
	AgentID      string                 `json:"agentId,omitempty"`
	ClientID     string                 `json:"clientId,omitempty"`
	ParentTaskID string                 `json:"parentTaskId,omitempty"`
	ToolID       string                 `json:"toolId"`
	Params       map[string]interface{} `json:"params,omitempty"`
	Status       Status                 `json:"status"`
	CreatedAt    time.Time              `json:"createdAt"`
	CompletedAt  time.Time              `json:"completedAt,omitzero"`
	Result       json.RawMessage        `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	RequestID    string                 `json:"requestId,omitempty"`
}
