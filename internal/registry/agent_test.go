package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestAgentRegister(t *testing.T) {
	r := NewAgentRegistry(nil, testLogger(t))

	agent, demoted := r.Register(protocol.AgentRegisterContent{
		Name:         "builder",
		Capabilities: []string{"build"},
	}, "conn-1")
	require.NotNil(t, agent)
	assert.Nil(t, demoted)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, StatusOnline, agent.Status)
	assert.Equal(t, "conn-1", agent.ConnectionID)

	byConn, ok := r.GetByConnectionID("conn-1")
	require.True(t, ok)
	assert.Equal(t, agent.ID, byConn.ID)

	byName, ok := r.GetByName("builder")
	require.True(t, ok)
	assert.Equal(t, agent.ID, byName.ID)
}

func TestAgentRegisterDuplicateNameDemotesPriorHolder(t *testing.T) {
	r := NewAgentRegistry(nil, testLogger(t))

	first, _ := r.Register(protocol.AgentRegisterContent{Name: "builder"}, "conn-1")
	second, demoted := r.Register(protocol.AgentRegisterContent{Name: "builder"}, "conn-2")

	require.NotNil(t, demoted)
	assert.Equal(t, first.ID, demoted.ID)
	assert.Equal(t, StatusOffline, demoted.Status)
	assert.Empty(t, demoted.ConnectionID)
	assert.NotEqual(t, first.ID, second.ID)

	// The old connection is no longer bound to any agent.
	_, ok := r.GetByConnectionID("conn-1")
	assert.False(t, ok)

	// Name lookup resolves to the new holder.
	byName, ok := r.GetByName("builder")
	require.True(t, ok)
	assert.Equal(t, second.ID, byName.ID)
}

func TestAgentRegisterAdoptsPreset(t *testing.T) {
	presets := []config.AgentPreset{{
		ID:           "preset-id",
		Name:         "builder",
		Capabilities: []string{"lint"},
	}}
	r := NewAgentRegistry(presets, testLogger(t))

	agent, _ := r.Register(protocol.AgentRegisterContent{
		Name:         "builder",
		Capabilities: []string{"build"},
	}, "conn-1")

	assert.Equal(t, "preset-id", agent.ID)
	assert.ElementsMatch(t, []string{"lint", "build"}, agent.Capabilities)
}

func TestAgentReconnectPreservesRegisteredAt(t *testing.T) {
	r := NewAgentRegistry(nil, testLogger(t))

	first, _ := r.Register(protocol.AgentRegisterContent{ID: "a1", Name: "builder"}, "conn-1")
	_, ok := r.HandleDisconnect("conn-1")
	require.True(t, ok)

	second, _ := r.Register(protocol.AgentRegisterContent{ID: "a1", Name: "builder"}, "conn-2")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, StatusOnline, second.Status)
}

func TestAgentHandleDisconnect(t *testing.T) {
	r := NewAgentRegistry(nil, testLogger(t))

	agent, _ := r.Register(protocol.AgentRegisterContent{Name: "builder"}, "conn-1")
	gone, ok := r.HandleDisconnect("conn-1")
	require.True(t, ok)
	assert.Equal(t, agent.ID, gone.ID)
	assert.Equal(t, StatusOffline, gone.Status)

	// Offline agents are invisible to name lookup but still resolvable by id.
	_, ok = r.GetByName("builder")
	assert.False(t, ok)
	byID, ok := r.Get(agent.ID)
	require.True(t, ok)
	assert.Equal(t, StatusOffline, byID.Status)

	_, ok = r.HandleDisconnect("conn-1")
	assert.False(t, ok)
}

func TestAgentList(t *testing.T) {
	r := NewAgentRegistry(nil, testLogger(t))

	a, _ := r.Register(protocol.AgentRegisterContent{Name: "builder", Capabilities: []string{"build", "test"}}, "conn-1")
	b, _ := r.Register(protocol.AgentRegisterContent{Name: "reviewer", Capabilities: []string{"review"}}, "conn-2")
	r.UpdateStatus(b.ID, StatusBusy)

	t.Run("no filter returns registration order", func(t *testing.T) {
		agents := r.List(ListFilter{})
		require.Len(t, agents, 2)
		assert.Equal(t, a.ID, agents[0].ID)
		assert.Equal(t, b.ID, agents[1].ID)
	})

	t.Run("status filter", func(t *testing.T) {
		agents := r.List(ListFilter{Status: StatusBusy})
		require.Len(t, agents, 1)
		assert.Equal(t, b.ID, agents[0].ID)
	})

	t.Run("capability filter requires all", func(t *testing.T) {
		agents := r.List(ListFilter{Capabilities: []string{"build", "test"}})
		require.Len(t, agents, 1)
		assert.Equal(t, a.ID, agents[0].ID)

		assert.Empty(t, r.List(ListFilter{Capabilities: []string{"build", "review"}}))
	})

	t.Run("name substring filter", func(t *testing.T) {
		agents := r.List(ListFilter{Name: "view"})
		require.Len(t, agents, 1)
		assert.Equal(t, b.ID, agents[0].ID)
	})
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, StatusOnline, NormalizeStatus("active"))
	assert.Equal(t, StatusOnline, NormalizeStatus("available"))
	assert.Equal(t, StatusOnline, NormalizeStatus("online"))
	assert.Equal(t, StatusBusy, NormalizeStatus("busy"))
	assert.Equal(t, StatusOffline, NormalizeStatus("offline"))
	assert.Equal(t, StatusMaintenance, NormalizeStatus("maintenance"))
	assert.Equal(t, StatusOnline, NormalizeStatus("something-else"))
}
