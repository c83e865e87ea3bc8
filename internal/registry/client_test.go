package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegisterConnection(t *testing.T) {
	r := NewClientRegistry(testLogger(t))

	c := r.RegisterConnection("conn-1")
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, StatusOnline, c.Status)
	assert.False(t, c.LastActiveAt.IsZero())

	byConn, ok := r.GetByConnectionID("conn-1")
	require.True(t, ok)
	assert.Equal(t, c.ID, byConn.ID)
}

func TestClientSetName(t *testing.T) {
	r := NewClientRegistry(testLogger(t))

	c := r.RegisterConnection("conn-1")
	named, ok := r.SetName(c.ID, "dashboard")
	require.True(t, ok)
	assert.Equal(t, "dashboard", named.Name)

	_, ok = r.SetName("nope", "x")
	assert.False(t, ok)
}

func TestClientTouch(t *testing.T) {
	r := NewClientRegistry(testLogger(t))

	c := r.RegisterConnection("conn-1")
	before, _ := r.Get(c.ID)
	r.Touch(c.ID)
	after, _ := r.Get(c.ID)
	assert.False(t, after.LastActiveAt.Before(before.LastActiveAt))
}

func TestClientHandleDisconnect(t *testing.T) {
	r := NewClientRegistry(testLogger(t))

	c := r.RegisterConnection("conn-1")
	gone, ok := r.HandleDisconnect("conn-1")
	require.True(t, ok)
	assert.Equal(t, c.ID, gone.ID)
	assert.Equal(t, StatusOffline, gone.Status)

	_, ok = r.GetByConnectionID("conn-1")
	assert.False(t, ok)
}
