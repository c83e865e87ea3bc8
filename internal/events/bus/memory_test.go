package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectAgentConnected, func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	ev := NewEvent(SubjectAgentConnected, "orchestrator", map[string]interface{}{"agentId": "a1"})
	require.NoError(t, b.Publish(context.Background(), SubjectAgentConnected, ev))

	got := waitForEvent(t, received)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "a1", got.Data["agentId"])
}

func TestSubjectMismatch(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe(SubjectAgentConnected, func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent(SubjectClientConnected, "orchestrator", nil)
	require.NoError(t, b.Publish(context.Background(), SubjectClientConnected, ev))

	select {
	case <-received:
		t.Fatal("handler fired for a different subject")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscriptions(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	t.Run("star matches one token", func(t *testing.T) {
		received := make(chan *Event, 2)
		_, err := b.Subscribe("agent.*", func(ctx context.Context, ev *Event) error {
			received <- ev
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), SubjectAgentConnected,
			NewEvent(SubjectAgentConnected, "orchestrator", nil)))
		waitForEvent(t, received)

		require.NoError(t, b.Publish(context.Background(), SubjectAgentDisconnected,
			NewEvent(SubjectAgentDisconnected, "orchestrator", nil)))
		waitForEvent(t, received)
	})

	t.Run("star does not cross tokens", func(t *testing.T) {
		received := make(chan *Event, 1)
		_, err := b.Subscribe("task.*", func(ctx context.Context, ev *Event) error {
			received <- ev
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), "task.child.created",
			NewEvent("task.child.created", "orchestrator", nil)))
		select {
		case <-received:
			t.Fatal("* matched more than one token")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("gt matches the rest", func(t *testing.T) {
		received := make(chan *Event, 1)
		_, err := b.Subscribe("task.>", func(ctx context.Context, ev *Event) error {
			received <- ev
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), "task.child.created",
			NewEvent("task.child.created", "orchestrator", nil)))
		waitForEvent(t, received)
	})
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(SubjectTaskCompleted, func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectTaskCompleted,
		NewEvent(SubjectTaskCompleted, "orchestrator", nil)))
	select {
	case <-received:
		t.Fatal("handler fired after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIsConnected(t *testing.T) {
	b := newTestBus(t)
	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
}
