package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// ClientRegistry tracks connected end-user clients. Clients are registered
// automatically when their connection is accepted; an explicit
// client.register only contributes an optional display name.
type ClientRegistry struct {
	clients map[string]*Client
	byConn  map[string]string // connectionId -> clientId
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry(log *logger.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		byConn:  make(map[string]string),
		logger:  log.WithFields(zap.String("component", "client-registry")),
	}
}

// RegisterConnection auto-registers a client for a freshly accepted
// connection and returns the new record.
func (r *ClientRegistry) RegisterConnection(connectionID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	c := &Client{
		ID:           uuid.New().String(),
		Status:       StatusOnline,
		ConnectionID: connectionID,
		RegisteredAt: now,
		LastActiveAt: now,
	}
	r.clients[c.ID] = c
	r.byConn[connectionID] = c.ID
	r.logger.Info("client connected", zap.String("client_id", c.ID))
	return cloneClient(c)
}

// SetName records the optional display name from a client.register message.
func (r *ClientRegistry) SetName(id, name string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	c.Name = name
	return cloneClient(c), true
}

// Get returns the client with the given id.
func (r *ClientRegistry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	return cloneClient(c), true
}

// GetByConnectionID returns the client bound to the given connection.
func (r *ClientRegistry) GetByConnectionID(connectionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connectionID]
	if !ok {
		return nil, false
	}
	return cloneClient(r.clients[id]), true
}

// Touch updates the client's last-active timestamp.
func (r *ClientRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.LastActiveAt = time.Now().UTC()
	}
}

// List returns all clients.
func (r *ClientRegistry) List() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, cloneClient(c))
	}
	return out
}

// HandleDisconnect clears the connection binding and marks the client
// offline. It returns the affected client, if any.
func (r *ClientRegistry) HandleDisconnect(connectionID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connectionID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connectionID)
	c := r.clients[id]
	c.ConnectionID = ""
	c.Status = StatusOffline
	r.logger.Info("client disconnected", zap.String("client_id", id))
	return cloneClient(c), true
}

func cloneClient(c *Client) *Client {
	cp := *c
	return &cp
}
