package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/mcp"
	"github.com/agentmesh/agentmesh/internal/pending"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/task"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// fakeSender captures outbound messages per connection id.
type fakeSender struct {
	mu         sync.Mutex
	sent       map[string][]*protocol.Message
	broadcasts []*protocol.Message
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]*protocol.Message)}
}

func (f *fakeSender) Send(connectionID string, msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connectionID] = append(f.sent[connectionID], msg)
	return nil
}

func (f *fakeSender) SendError(connectionID, requestID, code, text string, details map[string]interface{}) error {
	return f.Send(connectionID, protocol.NewError(requestID, code, text, details))
}

func (f *fakeSender) Broadcast(msg *protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakeSender) messages(connectionID string) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Message(nil), f.sent[connectionID]...)
}

func (f *fakeSender) ofType(connectionID, msgType string) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range f.messages(connectionID) {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) lastOfType(t *testing.T, connectionID, msgType string) *protocol.Message {
	t.Helper()
	msgs := f.ofType(connectionID, msgType)
	require.NotEmpty(t, msgs, "no %s message sent to %s", msgType, connectionID)
	return msgs[len(msgs)-1]
}

// fakeMCP is a canned MCPAdapter.
type fakeMCP struct {
	servers []mcp.ServerInfo
	tools   map[string][]protocol.ToolDescriptor
	results map[string]json.RawMessage
	errs    map[string]error
}

func (f *fakeMCP) ListServers(status mcp.ServerStatus) []mcp.ServerInfo {
	return f.servers
}

func (f *fakeMCP) ListTools(ctx context.Context, serverID string) ([]protocol.ToolDescriptor, error) {
	tools, ok := f.tools[serverID]
	if !ok {
		return nil, fmt.Errorf("mcp server %s not found", serverID)
	}
	return tools, nil
}

func (f *fakeMCP) ExecuteTool(ctx context.Context, serverID, toolName string, params map[string]interface{}) (json.RawMessage, error) {
	if err, ok := f.errs[toolName]; ok {
		return nil, err
	}
	result, ok := f.results[toolName]
	if !ok {
		return nil, fmt.Errorf("tool %s not found on %s", toolName, serverID)
	}
	return result, nil
}

type testRig struct {
	router    *Router
	agentEP   *fakeSender
	clientEP  *fakeSender
	serviceEP *fakeSender
	ctx       context.Context
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	rig := &testRig{
		agentEP:   newFakeSender(),
		clientEP:  newFakeSender(),
		serviceEP: newFakeSender(),
		ctx:       context.Background(),
	}
	rig.router = New(Options{
		Agents:          registry.NewAgentRegistry(nil, log),
		Clients:         registry.NewClientRegistry(log),
		Services:        registry.NewServiceRegistry(nil, log),
		AgentTasks:      task.NewAgentTaskRegistry(log),
		ServiceTasks:    task.NewServiceTaskRegistry(log),
		Responses:       pending.NewTable(log),
		MCP: &fakeMCP{
			servers: []mcp.ServerInfo{{ServerID: "files", Name: "Filesystem", Status: "online"}},
			tools: map[string][]protocol.ToolDescriptor{
				"files": {{ID: "read_file", Name: "read_file"}},
			},
			results: map[string]json.RawMessage{
				"read_file": json.RawMessage(`{"content":"hello"}`),
			},
			errs: map[string]error{},
		},
	}, log)
	rig.router.SetEndpoints(rig.agentEP, rig.clientEP, rig.serviceEP)
	return rig
}

func mustMsg(t *testing.T, msgType string, payload interface{}) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	return msg
}

func errorContent(t *testing.T, msg *protocol.Message) protocol.ErrorContent {
	t.Helper()
	var content protocol.ErrorContent
	require.NoError(t, msg.ParseContent(&content))
	return content
}

// registerAgent drives a full registration and returns the assigned agent id.
func (rig *testRig) registerAgent(t *testing.T, connID, name string, manifest map[string]interface{}) string {
	t.Helper()
	msg := mustMsg(t, protocol.TypeAgentRegister, protocol.AgentRegisterContent{
		Name:     name,
		Manifest: manifest,
	})
	rig.router.HandleMessage(rig.ctx, "agent", connID, msg)
	reply := rig.agentEP.lastOfType(t, connID, protocol.TypeAgentRegistered)
	id, _ := reply.ContentMap()["agentId"].(string)
	require.NotEmpty(t, id)
	return id
}

// connectClient registers a client connection and returns the client id.
func (rig *testRig) connectClient(t *testing.T, connID string) string {
	t.Helper()
	rig.router.HandleConnect("client", connID)
	c, ok := rig.router.clients.GetByConnectionID(connID)
	require.True(t, ok)
	return c.ID
}

// registerService drives a service registration and returns the service id.
func (rig *testRig) registerService(t *testing.T, connID, name string, tools []protocol.ToolDescriptor) string {
	t.Helper()
	msg := mustMsg(t, protocol.TypeServiceRegister, protocol.ServiceRegisterContent{
		Name:  name,
		Tools: tools,
	})
	rig.router.HandleMessage(rig.ctx, "service", connID, msg)
	reply := rig.serviceEP.lastOfType(t, connID, protocol.TypeServiceRegistered)
	id, _ := reply.ContentMap()["serviceId"].(string)
	require.NotEmpty(t, id)
	return id
}

// createTask drives a client task create and returns the task id.
func (rig *testRig) createTask(t *testing.T, clientConn, agentID string) (taskID, requestID string) {
	t.Helper()
	req := mustMsg(t, protocol.TypeClientTaskCreateRequest, protocol.ClientTaskCreateContent{
		AgentID:  agentID,
		TaskType: "analyze",
		TaskData: map[string]interface{}{"input": "data"},
	})
	rig.router.HandleMessage(rig.ctx, "client", clientConn, req)
	resp := rig.clientEP.lastOfType(t, clientConn, protocol.TypeClientTaskCreateResp)
	id, _ := resp.ContentMap()["taskId"].(string)
	require.NotEmpty(t, id)
	return id, req.ID
}

func TestClientTaskHappyPath(t *testing.T) {
	rig := newTestRig(t)
	agentID := rig.registerAgent(t, "agent-conn", "builder", nil)
	rig.connectClient(t, "client-conn")

	taskID, requestID := rig.createTask(t, "client-conn", agentID)

	// The agent received the dispatched work.
	exec := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeTaskExecute)
	var execContent protocol.TaskExecuteContent
	require.NoError(t, exec.ParseContent(&execContent))
	assert.Equal(t, taskID, execContent.TaskID)
	assert.Equal(t, "analyze", execContent.TaskType)

	// The create response answers the create request.
	resp := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeClientTaskCreateResp)
	assert.Equal(t, requestID, resp.RequestID)
	assert.Equal(t, "running", resp.ContentMap()["status"])

	// Completion reaches the client exactly once, correlated to the request.
	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", mustMsg(t, protocol.TypeTaskResult, protocol.TaskResultContent{
		TaskID: taskID,
		Result: json.RawMessage(`{"ok":true}`),
	}))
	results := rig.clientEP.ofType("client-conn", protocol.TypeClientTaskResult)
	require.Len(t, results, 1)
	assert.Equal(t, requestID, results[0].RequestID)
	assert.Equal(t, "completed", results[0].ContentMap()["status"])

	// A late duplicate result is absorbed without another client message.
	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", mustMsg(t, protocol.TypeTaskResult, protocol.TaskResultContent{
		TaskID: taskID,
	}))
	assert.Len(t, rig.clientEP.ofType("client-conn", protocol.TypeClientTaskResult), 1)
}

func TestClientTaskAgentNotFound(t *testing.T) {
	rig := newTestRig(t)
	rig.connectClient(t, "client-conn")

	req := mustMsg(t, protocol.TypeClientTaskCreateRequest, protocol.ClientTaskCreateContent{
		AgentName: "ghost",
	})
	rig.router.HandleMessage(rig.ctx, "client", "client-conn", req)

	errMsg := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeError)
	assert.Equal(t, req.ID, errMsg.RequestID)
	assert.Equal(t, protocol.CodeNotFound, errorContent(t, errMsg).Code)
}

func TestClientTaskAgentOffline(t *testing.T) {
	rig := newTestRig(t)
	agentID := rig.registerAgent(t, "agent-conn", "builder", nil)
	rig.router.HandleDisconnect("agent", "agent-conn")
	rig.connectClient(t, "client-conn")

	req := mustMsg(t, protocol.TypeClientTaskCreateRequest, protocol.ClientTaskCreateContent{
		AgentID: agentID,
	})
	rig.router.HandleMessage(rig.ctx, "client", "client-conn", req)

	errMsg := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeError)
	assert.Equal(t, protocol.CodeUnreachable, errorContent(t, errMsg).Code)
}

func TestAgentDelegation(t *testing.T) {
	rig := newTestRig(t)
	alphaID := rig.registerAgent(t, "alpha-conn", "alpha", nil)
	rig.registerAgent(t, "beta-conn", "beta", nil)
	rig.connectClient(t, "client-conn")

	rootTaskID, _ := rig.createTask(t, "client-conn", alphaID)

	// Alpha delegates part of the work to beta.
	delegate := mustMsg(t, protocol.TypeAgentTaskRequest, protocol.AgentTaskRequestContent{
		TargetAgentName: "beta",
		TaskType:        "subanalyze",
		ParentTaskID:    rootTaskID,
	})
	rig.router.HandleMessage(rig.ctx, "agent", "alpha-conn", delegate)

	accepted := rig.agentEP.lastOfType(t, "alpha-conn", protocol.TypeChildAgentAccepted)
	assert.Equal(t, delegate.ID, accepted.RequestID)
	childTaskID, _ := accepted.ContentMap()["childTaskId"].(string)
	require.NotEmpty(t, childTaskID)

	// Beta received the child task.
	exec := rig.agentEP.lastOfType(t, "beta-conn", protocol.TypeTaskExecute)
	var execContent protocol.TaskExecuteContent
	require.NoError(t, exec.ParseContent(&execContent))
	assert.Equal(t, childTaskID, execContent.TaskID)

	// The owning client heard about the new child task under its own task id.
	created := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeTaskChildCreated)
	assert.Equal(t, rootTaskID, created.ContentMap()["taskId"])
	assert.Equal(t, childTaskID, created.ContentMap()["childTaskId"])

	// Beta finishes; alpha gets the childagent.response, the client a status.
	rig.router.HandleMessage(rig.ctx, "agent", "beta-conn", mustMsg(t, protocol.TypeTaskResult, protocol.TaskResultContent{
		TaskID: childTaskID,
		Result: json.RawMessage(`{"sub":"done"}`),
	}))

	childResp := rig.agentEP.lastOfType(t, "alpha-conn", protocol.TypeChildAgentResponse)
	assert.Equal(t, delegate.ID, childResp.RequestID)
	assert.Equal(t, childTaskID, childResp.ContentMap()["childTaskId"])
	assert.Equal(t, "completed", childResp.ContentMap()["status"])

	status := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeTaskChildStatus)
	assert.Equal(t, rootTaskID, status.ContentMap()["taskId"])
	assert.Equal(t, "completed", status.ContentMap()["status"])

	// The root task is still running; the client saw no terminal message yet.
	assert.Empty(t, rig.clientEP.ofType("client-conn", protocol.TypeClientTaskResult))
}

func TestNotificationPropagatesUpTheChain(t *testing.T) {
	rig := newTestRig(t)
	alphaID := rig.registerAgent(t, "alpha-conn", "alpha", nil)
	rig.registerAgent(t, "beta-conn", "beta", nil)
	rig.connectClient(t, "client-conn")

	rootTaskID, _ := rig.createTask(t, "client-conn", alphaID)

	delegate := mustMsg(t, protocol.TypeAgentTaskRequest, protocol.AgentTaskRequestContent{
		TargetAgentName: "beta",
		ParentTaskID:    rootTaskID,
	})
	rig.router.HandleMessage(rig.ctx, "agent", "alpha-conn", delegate)
	accepted := rig.agentEP.lastOfType(t, "alpha-conn", protocol.TypeChildAgentAccepted)
	childTaskID, _ := accepted.ContentMap()["childTaskId"].(string)

	// Beta emits a notification on the child task.
	rig.router.HandleMessage(rig.ctx, "agent", "beta-conn", mustMsg(t, protocol.TypeTaskNotification, protocol.TaskNotificationContent{
		TaskID:  childTaskID,
		Message: "halfway there",
	}))

	notes := rig.clientEP.ofType("client-conn", protocol.TypeTaskNotification)
	require.Len(t, notes, 1, "the client hears each notification exactly once")
	content := notes[0].ContentMap()
	assert.Equal(t, rootTaskID, content["taskId"])
	assert.Equal(t, childTaskID, content["childTaskId"])
	assert.Equal(t, true, content["isChildAgentMessage"])
	assert.Equal(t, "halfway there", content["message"])
}

func TestNotificationFromGrandchildSingleDelivery(t *testing.T) {
	rig := newTestRig(t)
	alphaID := rig.registerAgent(t, "alpha-conn", "alpha", nil)
	rig.registerAgent(t, "beta-conn", "beta", nil)
	rig.registerAgent(t, "gamma-conn", "gamma", nil)
	rig.connectClient(t, "client-conn")

	rootTaskID, _ := rig.createTask(t, "client-conn", alphaID)

	// client -> alpha -> beta -> gamma.
	rig.router.HandleMessage(rig.ctx, "agent", "alpha-conn", mustMsg(t, protocol.TypeAgentTaskRequest, protocol.AgentTaskRequestContent{
		TargetAgentName: "beta",
		ParentTaskID:    rootTaskID,
	}))
	accepted := rig.agentEP.lastOfType(t, "alpha-conn", protocol.TypeChildAgentAccepted)
	childTaskID, _ := accepted.ContentMap()["childTaskId"].(string)

	rig.router.HandleMessage(rig.ctx, "agent", "beta-conn", mustMsg(t, protocol.TypeAgentTaskRequest, protocol.AgentTaskRequestContent{
		TargetAgentName: "gamma",
		ParentTaskID:    childTaskID,
	}))
	accepted = rig.agentEP.lastOfType(t, "beta-conn", protocol.TypeChildAgentAccepted)
	grandchildTaskID, _ := accepted.ContentMap()["childTaskId"].(string)
	require.NotEmpty(t, grandchildTaskID)

	rig.router.HandleMessage(rig.ctx, "agent", "gamma-conn", mustMsg(t, protocol.TypeTaskNotification, protocol.TaskNotificationContent{
		TaskID:  grandchildTaskID,
		Message: "deep progress",
	}))

	// The walk crosses two delegation hops and still lands on the root
	// client exactly once, addressed by the root task.
	notes := rig.clientEP.ofType("client-conn", protocol.TypeTaskNotification)
	require.Len(t, notes, 1)
	content := notes[0].ContentMap()
	assert.Equal(t, rootTaskID, content["taskId"])
	assert.Equal(t, grandchildTaskID, content["childTaskId"])
	assert.Equal(t, true, content["isChildAgentMessage"])
}

func TestNotificationOnDirectTask(t *testing.T) {
	rig := newTestRig(t)
	agentID := rig.registerAgent(t, "agent-conn", "builder", nil)
	rig.connectClient(t, "client-conn")
	taskID, _ := rig.createTask(t, "client-conn", agentID)

	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", mustMsg(t, protocol.TypeTaskNotification, protocol.TaskNotificationContent{
		TaskID:  taskID,
		Message: "working",
	}))

	note := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeTaskNotification)
	content := note.ContentMap()
	assert.Equal(t, taskID, content["taskId"])
	assert.Equal(t, false, content["isChildAgentMessage"])
	assert.NotContains(t, content, "childTaskId")
}

func TestAgentTaskMessageReachesClient(t *testing.T) {
	rig := newTestRig(t)
	agentID := rig.registerAgent(t, "agent-conn", "builder", nil)
	rig.connectClient(t, "client-conn")
	taskID, _ := rig.createTask(t, "client-conn", agentID)

	msg := mustMsg(t, protocol.TypeTaskMessage, protocol.TaskMessageContent{
		TaskID:  taskID,
		Message: "which directory should I use?",
	})
	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", msg)

	reqMsg := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeTaskRequestMessage)
	assert.Equal(t, taskID, reqMsg.ContentMap()["taskId"])

	ack := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeTaskMessageReceived)
	assert.Equal(t, msg.ID, ack.RequestID)
	assert.Equal(t, true, ack.ContentMap()["delivered"])

	// The client answers; the agent gets a task.messageresponse.
	rig.router.HandleMessage(rig.ctx, "client", "client-conn", mustMsg(t, protocol.TypeTaskMessage, protocol.TaskMessageContent{
		TaskID:  taskID,
		Message: "/tmp",
	}))
	answer := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeTaskMessageResponse)
	assert.Equal(t, taskID, answer.ContentMap()["taskId"])
	assert.Equal(t, "/tmp", answer.ContentMap()["message"])
}

func TestAgentDisconnectFailsTasks(t *testing.T) {
	rig := newTestRig(t)
	agentID := rig.registerAgent(t, "agent-conn", "builder", nil)
	rig.connectClient(t, "client-conn")
	taskID, requestID := rig.createTask(t, "client-conn", agentID)

	rig.router.HandleDisconnect("agent", "agent-conn")

	errMsg := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeTaskError)
	assert.Equal(t, requestID, errMsg.RequestID)
	var content protocol.TaskErrorContent
	require.NoError(t, errMsg.ParseContent(&content))
	assert.Equal(t, taskID, content.TaskID)
	assert.Contains(t, content.Error, "disconnected")

	tk, ok := rig.router.agentTasks.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, tk.Status)
}

func TestDuplicateNameDemotion(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "conn-1", "builder", nil)
	rig.registerAgent(t, "conn-2", "builder", nil)

	// The demoted connection's next message is rejected.
	rig.router.HandleMessage(rig.ctx, "agent", "conn-1", mustMsg(t, protocol.TypeAgentStatusUpdate, protocol.AgentStatusUpdateContent{
		Status: "busy",
	}))
	errMsg := rig.agentEP.lastOfType(t, "conn-1", protocol.TypeError)
	assert.Equal(t, protocol.CodeNotFound, errorContent(t, errMsg).Code)
}

func TestUnsupportedMessageType(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "agent-conn", "builder", nil)

	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", mustMsg(t, "task.levitate", nil))
	errMsg := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeError)
	content := errorContent(t, errMsg)
	assert.Equal(t, protocol.CodeUnsupported, content.Code)
	assert.Equal(t, "Unsupported message type", content.Error)
}

func TestUnknownTaskResultIgnored(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "agent-conn", "builder", nil)
	before := len(rig.agentEP.messages("agent-conn"))

	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", mustMsg(t, protocol.TypeTaskResult, protocol.TaskResultContent{
		TaskID: "never-existed",
	}))

	assert.Len(t, rig.agentEP.messages("agent-conn"), before)
}

func TestConcurrentTaskCreatesGetDistinctIDs(t *testing.T) {
	rig := newTestRig(t)
	agentID := rig.registerAgent(t, "agent-conn", "builder", nil)

	const n = 8
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conn := fmt.Sprintf("client-conn-%d", i)
		rig.connectClient(t, conn)
		wg.Add(1)
		go func(conn string) {
			defer wg.Done()
			taskID, _ := rig.createTask(t, conn, agentID)
			ids <- taskID
		}(conn)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate task id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestServiceTaskExecution(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "agent-conn", "builder", nil)
	serviceID := rig.registerService(t, "service-conn", "search", []protocol.ToolDescriptor{
		{ID: "web.search", Name: "Web Search"},
	})
	clientID := rig.connectClient(t, "client-conn")

	exec := mustMsg(t, protocol.TypeServiceTaskExecute, protocol.ServiceTaskExecuteContent{
		ServiceID: serviceID,
		ToolID:    "web.search",
		Params:    map[string]interface{}{"q": "golang"},
		ClientID:  clientID,
	})
	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", exec)

	// The service received the invocation with a fresh task id.
	fwd := rig.serviceEP.lastOfType(t, "service-conn", protocol.TypeServiceTaskExecute)
	var fwdContent protocol.ServiceTaskExecuteContent
	require.NoError(t, fwd.ParseContent(&fwdContent))
	require.NotEmpty(t, fwdContent.TaskID)
	assert.Equal(t, "web.search", fwdContent.ToolID)

	// The client saw the service start.
	started := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeServiceStarted)
	assert.Equal(t, fwdContent.TaskID, started.ContentMap()["taskId"])

	// The service answers; the agent and client both hear the outcome.
	rig.router.HandleMessage(rig.ctx, "service", "service-conn", mustMsg(t, protocol.TypeServiceTaskResult, protocol.ServiceTaskResultContent{
		TaskID: fwdContent.TaskID,
		Result: json.RawMessage(`{"hits":2}`),
	}))

	resp := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeServiceTaskExecResponse)
	assert.Equal(t, exec.ID, resp.RequestID)
	assert.Equal(t, "completed", resp.ContentMap()["status"])

	completed := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeServiceCompleted)
	assert.Equal(t, fwdContent.TaskID, completed.ContentMap()["taskId"])
}

func TestServiceAllowList(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "agent-conn", "builder", map[string]interface{}{
		"requiredServices": []interface{}{"search"},
	})
	rig.registerService(t, "search-conn", "search", nil)
	forbiddenID := rig.registerService(t, "mail-conn", "mailer", nil)

	exec := mustMsg(t, protocol.TypeServiceTaskExecute, protocol.ServiceTaskExecuteContent{
		ServiceID: forbiddenID,
		ToolID:    "send",
	})
	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", exec)

	errMsg := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeError)
	assert.Equal(t, exec.ID, errMsg.RequestID)
	assert.Equal(t, protocol.CodeUnauthorized, errorContent(t, errMsg).Code)

	// The permitted service is reachable.
	allowed := mustMsg(t, protocol.TypeServiceTaskExecute, protocol.ServiceTaskExecuteContent{
		ServiceName: "search",
		ToolID:      "web.search",
	})
	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", allowed)
	assert.NotEmpty(t, rig.serviceEP.ofType("search-conn", protocol.TypeServiceTaskExecute))
}

func TestServiceDisconnectFailsInFlightTasks(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "agent-conn", "builder", nil)
	serviceID := rig.registerService(t, "service-conn", "search", nil)

	exec := mustMsg(t, protocol.TypeServiceTaskExecute, protocol.ServiceTaskExecuteContent{
		ServiceID: serviceID,
		ToolID:    "web.search",
	})
	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", exec)

	rig.router.HandleDisconnect("service", "service-conn")

	resp := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeServiceTaskExecResponse)
	assert.Equal(t, exec.ID, resp.RequestID)
	assert.Equal(t, "failed", resp.ContentMap()["status"])
	assert.Contains(t, resp.ContentMap()["error"], "disconnected")
}

func TestServiceToolsListForwarding(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "agent-conn", "builder", nil)
	serviceID := rig.registerService(t, "service-conn", "search", nil)

	req := mustMsg(t, protocol.TypeServiceToolsList, protocol.ServiceToolsListContent{
		ServiceID: serviceID,
	})
	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", req)

	// The orchestrator forwarded the listing request to the service.
	fwd := rig.serviceEP.lastOfType(t, "service-conn", protocol.TypeServiceToolsList)

	// The service answers; the reply is relayed to the asking agent.
	reply, err := protocol.NewReply(fwd.ID, protocol.TypeServiceToolsListResponse, map[string]interface{}{
		"tools": []map[string]interface{}{{"id": "web.search"}},
	})
	require.NoError(t, err)
	rig.router.HandleMessage(rig.ctx, "service", "service-conn", reply)

	require.Eventually(t, func() bool {
		return len(rig.agentEP.ofType("agent-conn", protocol.TypeServiceToolsListResponse)) > 0
	}, time.Second, 10*time.Millisecond)

	relayed := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeServiceToolsListResponse)
	assert.Equal(t, req.ID, relayed.RequestID)
	tools, _ := relayed.ContentMap()["tools"].([]interface{})
	require.Len(t, tools, 1)
}

func TestAgentListRequest(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "conn-1", "builder", nil)
	rig.registerAgent(t, "conn-2", "reviewer", nil)
	rig.connectClient(t, "client-conn")

	req := mustMsg(t, protocol.TypeClientAgentListRequest, protocol.AgentListRequestContent{
		Filters: protocol.AgentListFilters{Status: "active"},
	})
	rig.router.HandleMessage(rig.ctx, "client", "client-conn", req)

	resp := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeClientAgentListResponse)
	assert.Equal(t, req.ID, resp.RequestID)
	assert.Equal(t, float64(2), resp.ContentMap()["count"])
}

func TestClientTaskStatusRequest(t *testing.T) {
	rig := newTestRig(t)
	agentID := rig.registerAgent(t, "agent-conn", "builder", nil)
	rig.connectClient(t, "client-conn")
	taskID, _ := rig.createTask(t, "client-conn", agentID)

	req := mustMsg(t, protocol.TypeClientTaskStatusRequest, protocol.ClientTaskStatusContent{TaskID: taskID})
	rig.router.HandleMessage(rig.ctx, "client", "client-conn", req)

	resp := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeClientTaskStatusResp)
	assert.Equal(t, "running", resp.ContentMap()["status"])

	missing := mustMsg(t, protocol.TypeClientTaskStatusRequest, protocol.ClientTaskStatusContent{TaskID: "nope"})
	rig.router.HandleMessage(rig.ctx, "client", "client-conn", missing)
	errMsg := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeError)
	assert.Equal(t, protocol.CodeNotFound, errorContent(t, errMsg).Code)
}

func TestMCPHandlers(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "agent-conn", "builder", nil)

	t.Run("servers list", func(t *testing.T) {
		req := mustMsg(t, protocol.TypeAgentMCPServersList, nil)
		rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", req)
		resp := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeAgentMCPServersResult)
		assert.Equal(t, req.ID, resp.RequestID)
		assert.Equal(t, float64(1), resp.ContentMap()["count"])
	})

	t.Run("tools list", func(t *testing.T) {
		req := mustMsg(t, protocol.TypeMCPToolsList, protocol.MCPToolsListContent{ServerID: "files"})
		rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", req)
		resp := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeMCPToolsListResult)
		assert.Equal(t, "files", resp.ContentMap()["serverId"])
	})

	t.Run("tools list unknown server", func(t *testing.T) {
		req := mustMsg(t, protocol.TypeMCPToolsList, protocol.MCPToolsListContent{ServerID: "ghost"})
		rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", req)
		errMsg := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeError)
		assert.Equal(t, protocol.CodeNotFound, errorContent(t, errMsg).Code)
	})

	t.Run("tool execute", func(t *testing.T) {
		req := mustMsg(t, protocol.TypeMCPToolExecute, protocol.MCPToolExecuteContent{
			ServerID: "files",
			ToolName: "read_file",
		})
		rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", req)
		resp := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeMCPToolExecuteResult)
		assert.Equal(t, req.ID, resp.RequestID)
		assert.Equal(t, "success", resp.ContentMap()["status"])
	})

	t.Run("client mcp list uses client reply type", func(t *testing.T) {
		rig.connectClient(t, "client-conn")
		req := mustMsg(t, protocol.TypeClientMCPServerListReq, nil)
		rig.router.HandleMessage(rig.ctx, "client", "client-conn", req)
		resp := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeClientMCPServerListResp)
		assert.Equal(t, req.ID, resp.RequestID)
	})

	t.Run("client tools list", func(t *testing.T) {
		req := mustMsg(t, protocol.TypeMCPServerTools, protocol.MCPToolsListContent{ServerID: "files"})
		rig.router.HandleMessage(rig.ctx, "client", "client-conn", req)
		resp := rig.clientEP.lastOfType(t, "client-conn", protocol.TypeMCPServerTools)
		assert.Equal(t, req.ID, resp.RequestID)
		assert.Equal(t, "files", resp.ContentMap()["serverId"])
	})
}

func TestAgentRegisterBroadcastToClients(t *testing.T) {
	rig := newTestRig(t)
	rig.connectClient(t, "client-conn")
	rig.registerAgent(t, "agent-conn", "builder", nil)

	require.NotEmpty(t, rig.clientEP.broadcasts)
	assert.Equal(t, protocol.TypeAgentRegistered, rig.clientEP.broadcasts[0].Type)
}

func TestAgentRegisterValidation(t *testing.T) {
	rig := newTestRig(t)

	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", mustMsg(t, protocol.TypeAgentRegister, protocol.AgentRegisterContent{}))
	errMsg := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypeError)
	assert.Equal(t, protocol.CodeValidation, errorContent(t, errMsg).Code)
}

func TestProtocolPing(t *testing.T) {
	rig := newTestRig(t)

	// Answered even before registration.
	req := mustMsg(t, protocol.TypePing, nil)
	rig.router.HandleMessage(rig.ctx, "agent", "agent-conn", req)
	pong := rig.agentEP.lastOfType(t, "agent-conn", protocol.TypePong)
	assert.Equal(t, req.ID, pong.RequestID)

	req = mustMsg(t, protocol.TypePing, nil)
	rig.router.HandleMessage(rig.ctx, "service", "svc-conn", req)
	pong = rig.serviceEP.lastOfType(t, "svc-conn", protocol.TypePong)
	assert.Equal(t, req.ID, pong.RequestID)
}
