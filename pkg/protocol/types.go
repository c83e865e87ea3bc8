package protocol

// Message types sent by the orchestrator to agents.
const (
	TypeOrchestratorWelcome      = "orchestrator.welcome"
	TypeAgentRegistered          = "agent.registered"
	TypeTaskExecute              = "task.execute"
	TypeTaskMessageResponse      = "task.messageresponse"
	TypeTaskMessageReceived      = "task.message.received"
	TypeChildAgentAccepted       = "childagent.request.accepted"
	TypeChildAgentResponse       = "childagent.response"
	TypeAgentServiceListResponse = "agent.service.list.response"
	TypeServiceToolsListResponse = "service.tools.list.response"
	TypeServiceTaskExecResponse  = "service.task.execute.response"
	TypeServiceNotification      = "service.notification"
	TypeMCPToolsListResult       = "mcp.tools.list.result"
	TypeMCPToolExecuteResult     = "mcp.tool.execute.result"
	TypeAgentMCPServersResult    = "agent.mcp.servers.list.result"
	TypePing                     = "ping"
	TypeError                    = "error"
)

// Message types sent by agents to the orchestrator.
const (
	TypeAgentRegister          = "agent.register"
	TypeAgentStatusUpdate      = "agent.status.update"
	TypeTaskResult             = "task.result"
	TypeTaskError              = "task.error"
	TypeTaskNotification       = "task.notification"
	TypeTaskMessage            = "task.message"
	TypeAgentTaskRequest       = "agent.task.request"
	TypeAgentServiceListReq    = "agent.service.list.request"
	TypeServiceTaskExecute     = "service.task.execute"
	TypeServiceToolsList       = "service.tools.list"
	TypeAgentMCPServersList    = "agent.mcp.servers.list"
	TypeMCPToolsList           = "mcp.tools.list"
	TypeMCPToolExecute         = "mcp.tool.execute"
	TypePong                   = "pong"
)

// Message types sent by the orchestrator to clients.
const (
	TypeClientWelcome           = "orchestrator.client.welcome"
	TypeClientRegistered        = "client.registered"
	TypeClientAgentListResponse = "client.agent.list.response"
	TypeClientTaskCreateResp    = "client.agent.task.create.response"
	TypeClientTaskStatusResp    = "client.agent.task.status.response"
	TypeClientTaskResult        = "client.agent.task.result"
	TypeTaskRequestMessage      = "task.requestmessage"
	TypeTaskChildCreated        = "task.childtask.created"
	TypeTaskChildStatus         = "task.childtask.status"
	TypeServiceStarted          = "service.started"
	TypeServiceCompleted        = "service.completed"
	TypeClientMCPServerListResp = "client.mcp.server.list.response"
	TypeMCPServerTools          = "mcp.server.tools"
	TypeMCPToolExecutionResult  = "mcp.tool.execution.result"
)

// Message types sent by clients to the orchestrator.
const (
	TypeClientRegister          = "client.register"
	TypeClientAgentListRequest  = "client.agent.list.request"
	TypeClientTaskCreateRequest = "client.agent.task.create.request"
	TypeClientTaskStatusRequest = "client.agent.task.status.request"
	TypeClientMCPServerListReq  = "client.mcp.server.list.request"
)

// Message types on the service endpoint.
const (
	TypeServiceRegister         = "service.register"
	TypeServiceRegistered       = "service.registered"
	TypeServiceTaskResult       = "service.task.result"
	TypeServiceTaskNotification = "service.task.notification"
	TypeServiceStatus           = "service.status"
	TypeServiceStatusUpdated    = "service.status.updated"
)

// Error codes carried in ErrorContent.Code.
const (
	CodeValidation   = "VALIDATION"
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeUnreachable  = "UNREACHABLE"
	CodeTimeout      = "TIMEOUT"
	CodeUnsupported  = "UNSUPPORTED"
	CodeInternal     = "INTERNAL"
)
