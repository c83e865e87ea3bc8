package protocol

import "encoding/json"

// AgentRegisterContent is the content of an agent.register message.
type AgentRegisterContent struct {
	ID           string                 `json:"id,omitempty"`
	Name         string                 `json:"name"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Manifest     map[string]interface{} `json:"manifest,omitempty"`
}

// AgentStatusUpdateContent is the content of an agent.status.update message.
type AgentStatusUpdateContent struct {
	Status string `json:"status"`
}

// TaskExecuteContent is the content of a task.execute message to an agent.
type TaskExecuteContent struct {
	TaskID   string                 `json:"taskId"`
	TaskType string                 `json:"type,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// TaskResultContent is the content of a task.result message from an agent.
type TaskResultContent struct {
	TaskID string          `json:"taskId"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskErrorContent is the content of a task.error message from an agent.
type TaskErrorContent struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// TaskNotificationContent carries progress emitted during task execution.
type TaskNotificationContent struct {
	TaskID           string                 `json:"taskId"`
	NotificationType string                 `json:"notificationType,omitempty"`
	Message          string                 `json:"message,omitempty"`
	Data             map[string]interface{} `json:"data,omitempty"`
}

// TaskMessageContent is the content of a task.message in either direction.
type TaskMessageContent struct {
	TaskID  string                 `json:"taskId"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// AgentTaskRequestContent is the content of an agent.task.request message, an
// agent delegating work to another agent.
type AgentTaskRequestContent struct {
	TargetAgentID   string                 `json:"targetAgentId,omitempty"`
	TargetAgentName string                 `json:"targetAgentName,omitempty"`
	TaskType        string                 `json:"taskType,omitempty"`
	TaskData        map[string]interface{} `json:"taskData,omitempty"`
	ParentTaskID    string                 `json:"parentTaskId,omitempty"`
}

// ClientTaskCreateContent is the content of client.agent.task.create.request.
type ClientTaskCreateContent struct {
	AgentID   string                 `json:"agentId,omitempty"`
	AgentName string                 `json:"agentName,omitempty"`
	TaskType  string                 `json:"taskType,omitempty"`
	TaskData  map[string]interface{} `json:"taskData,omitempty"`
}

// ClientTaskStatusContent is the content of client.agent.task.status.request.
type ClientTaskStatusContent struct {
	TaskID string `json:"taskId"`
}

// AgentListFilters narrows a client.agent.list.request.
type AgentListFilters struct {
	Status       string   `json:"status,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Name         string   `json:"name,omitempty"`
}

// AgentListRequestContent is the content of client.agent.list.request.
type AgentListRequestContent struct {
	Filters AgentListFilters `json:"filters,omitempty"`
}

// ServiceRegisterContent is the content of a service.register message.
type ServiceRegisterContent struct {
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Tools        []ToolDescriptor `json:"tools,omitempty"`
}

// ToolDescriptor describes a callable tool exposed by a service.
type ToolDescriptor struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ServiceTaskExecuteContent is the content of a service.task.execute message,
// both agent→orchestrator and orchestrator→service.
type ServiceTaskExecuteContent struct {
	TaskID      string                 `json:"taskId,omitempty"`
	ServiceID   string                 `json:"serviceId,omitempty"`
	ServiceName string                 `json:"serviceName,omitempty"`
	ToolID      string                 `json:"toolId"`
	Params      map[string]interface{} `json:"params,omitempty"`
	ClientID    string                 `json:"clientId,omitempty"`
}

// ServiceTaskResultContent is the content of a service.task.result message.
type ServiceTaskResultContent struct {
	TaskID string          `json:"taskId"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ServiceToolsListContent identifies the service whose tools are requested.
type ServiceToolsListContent struct {
	ServiceID   string `json:"serviceId,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// ServiceStatusContent is the content of a service.status message.
type ServiceStatusContent struct {
	Status string `json:"status"`
}

// MCPToolsListContent identifies the MCP server whose tools are requested.
type MCPToolsListContent struct {
	ServerID string `json:"serverId"`
}

// MCPToolExecuteContent is the content of an mcp.tool.execute message.
type MCPToolExecuteContent struct {
	ServerID   string                 `json:"serverId"`
	ToolName   string                 `json:"toolName"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// WelcomeContent is the content of the welcome message sent on accept.
type WelcomeContent struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message,omitempty"`
}
