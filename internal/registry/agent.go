package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// AgentRegistry is the authoritative table of agents, keyed by id with
// secondary lookups by name and connection id. At most one live agent may
// hold a given name; registering a taken name demotes the prior holder.
type AgentRegistry struct {
	agents  map[string]*Agent
	byConn  map[string]string                  // connectionId -> agentId
	order   []string                           // agent ids in registration order
	presets map[string]config.AgentPreset      // keyed by name
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewAgentRegistry creates an empty registry with the given pre-configured
// agent entries.
func NewAgentRegistry(presets []config.AgentPreset, log *logger.Logger) *AgentRegistry {
	byName := make(map[string]config.AgentPreset, len(presets))
	for _, p := range presets {
		byName[p.Name] = p
	}
	return &AgentRegistry{
		agents:  make(map[string]*Agent),
		byConn:  make(map[string]string),
		presets: byName,
		logger:  log.WithFields(zap.String("component", "agent-registry")),
	}
}

// Register installs an agent for the given connection. A pre-configured entry
// with the same name contributes its id and capabilities. If another live
// agent already holds the name, it is demoted to offline first; the demoted
// agent (if any) is returned alongside the new record.
func (r *AgentRegistry) Register(content protocol.AgentRegisterContent, connectionID string) (*Agent, *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var demoted *Agent
	for _, a := range r.agents {
		if a.Name == content.Name && a.Status.IsLive() && a.ConnectionID != connectionID {
			a.Status = StatusOffline
			delete(r.byConn, a.ConnectionID)
			a.ConnectionID = ""
			demoted = cloneAgent(a)
			r.logger.Warn("demoted agent with duplicate name",
				zap.String("agent_id", a.ID),
				zap.String("agent_name", a.Name))
			break
		}
	}

	id := content.ID
	capabilities := content.Capabilities
	if preset, ok := r.presets[content.Name]; ok {
		if preset.ID != "" {
			id = preset.ID
		}
		capabilities = unionStrings(preset.Capabilities, capabilities)
	}
	if id == "" {
		id = uuid.New().String()
	}

	agent, exists := r.agents[id]
	if !exists {
		agent = &Agent{ID: id, RegisteredAt: time.Now().UTC()}
		r.agents[id] = agent
		r.order = append(r.order, id)
	}
	if agent.ConnectionID != "" && agent.ConnectionID != connectionID {
		delete(r.byConn, agent.ConnectionID)
	}
	agent.Name = content.Name
	agent.Capabilities = capabilities
	agent.Manifest = content.Manifest
	agent.Status = StatusOnline
	agent.ConnectionID = connectionID
	r.byConn[connectionID] = id

	r.logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.String("agent_name", agent.Name),
		zap.Strings("capabilities", capabilities))
	return cloneAgent(agent), demoted
}

// Get returns the agent with the given id.
func (r *AgentRegistry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return cloneAgent(a), true
}

// GetByName returns the live agent holding the given name.
func (r *AgentRegistry) GetByName(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		a := r.agents[id]
		if a.Name == name && a.Status.IsLive() {
			return cloneAgent(a), true
		}
	}
	return nil, false
}

// GetByConnectionID returns the agent bound to the given connection.
func (r *AgentRegistry) GetByConnectionID(connectionID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connectionID]
	if !ok {
		return nil, false
	}
	return cloneAgent(r.agents[id]), true
}

// ListFilter narrows the result of List. Zero values match everything.
type ListFilter struct {
	Status       Status
	Capabilities []string
	Name         string // substring match, case-insensitive
}

// List returns agents matching the filter, in registration order.
func (r *AgentRegistry) List(filter ListFilter) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, id := range r.order {
		a := r.agents[id]
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Name != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(filter.Name)) {
			continue
		}
		if !containsAll(a.Capabilities, filter.Capabilities) {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	return out
}

// UpdateStatus sets the agent's status.
func (r *AgentRegistry) UpdateStatus(id string, status Status) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	a.Status = status
	return cloneAgent(a), true
}

// HandleDisconnect clears the connection binding and marks the agent offline.
// It returns the affected agent, if any.
func (r *AgentRegistry) HandleDisconnect(connectionID string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connectionID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connectionID)
	a := r.agents[id]
	a.ConnectionID = ""
	a.Status = StatusOffline
	r.logger.Info("agent disconnected",
		zap.String("agent_id", id),
		zap.String("agent_name", a.Name))
	return cloneAgent(a), true
}

func cloneAgent(a *Agent) *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Manifest != nil {
		m := make(map[string]interface{}, len(a.Manifest))
		for k, v := range a.Manifest {
			m[k] = v
		}
		cp.Manifest = m
	}
	return &cp
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if !set[s] {
			return false
		}
	}
	return true
}
