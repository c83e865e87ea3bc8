package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// ServiceRegistry is the authoritative table of tool services. Reconnection
// by id preserves the original registration time, and the stored tool
// descriptors survive unless the new registration declares its own.
type ServiceRegistry struct {
	services map[string]*Service
	byConn   map[string]string // connectionId -> serviceId
	order    []string
	presets  map[string]config.ServicePreset
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewServiceRegistry creates an empty registry with the given pre-configured
// service entries.
func NewServiceRegistry(presets []config.ServicePreset, log *logger.Logger) *ServiceRegistry {
	byName := make(map[string]config.ServicePreset, len(presets))
	for _, p := range presets {
		byName[p.Name] = p
	}
	return &ServiceRegistry{
		services: make(map[string]*Service),
		byConn:   make(map[string]string),
		presets:  byName,
		logger:   log.WithFields(zap.String("component", "service-registry")),
	}
}

// Register installs a service for the given connection, demoting any live
// service that already holds the name.
func (r *ServiceRegistry) Register(content protocol.ServiceRegisterContent, connectionID string) (*Service, *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var demoted *Service
	for _, s := range r.services {
		if s.Name == content.Name && s.Status.IsLive() && s.ConnectionID != connectionID {
			s.Status = StatusOffline
			delete(r.byConn, s.ConnectionID)
			s.ConnectionID = ""
			demoted = cloneService(s)
			r.logger.Warn("demoted service with duplicate name",
				zap.String("service_id", s.ID),
				zap.String("service_name", s.Name))
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

	svc, exists := r.services[id]
	if !exists {
		svc = &Service{ID: id, RegisteredAt: time.Now().UTC()}
		r.services[id] = svc
		r.order = append(r.order, id)
	}
	if svc.ConnectionID != "" && svc.ConnectionID != connectionID {
		delete(r.byConn, svc.ConnectionID)
	}
	svc.Name = content.Name
	svc.Capabilities = capabilities
	if len(content.Tools) > 0 {
		svc.Tools = content.Tools
	}
	svc.Status = StatusOnline
	svc.ConnectionID = connectionID
	r.byConn[connectionID] = id

	r.logger.Info("service registered",
		zap.String("service_id", id),
		zap.String("service_name", svc.Name),
		zap.Int("tool_count", len(svc.Tools)))
	return cloneService(svc), demoted
}

// Get returns the service with the given id.
func (r *ServiceRegistry) Get(id string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[id]
	if !ok {
		return nil, false
	}
	return cloneService(s), true
}

// GetByName returns the live service holding the given name.
func (r *ServiceRegistry) GetByName(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		s := r.services[id]
		if s.Name == name && s.Status.IsLive() {
			return cloneService(s), true
		}
	}
	return nil, false
}

// GetByConnectionID returns the service bound to the given connection.
func (r *ServiceRegistry) GetByConnectionID(connectionID string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connectionID]
	if !ok {
		return nil, false
	}
	return cloneService(r.services[id]), true
}

// List returns services matching the filter, in registration order.
func (r *ServiceRegistry) List(filter ListFilter) []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Service
	for _, id := range r.order {
		s := r.services[id]
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if !containsAll(s.Capabilities, filter.Capabilities) {
			continue
		}
		out = append(out, cloneService(s))
	}
	return out
}

// UpdateStatus sets the service's status.
func (r *ServiceRegistry) UpdateStatus(id string, status Status) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[id]
	if !ok {
		return nil, false
	}
	s.Status = status
	return cloneService(s), true
}

// HandleDisconnect clears the connection binding and marks the service
// offline. It returns the affected service, if any.
func (r *ServiceRegistry) HandleDisconnect(connectionID string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connectionID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connectionID)
	s := r.services[id]
	s.ConnectionID = ""
	s.Status = StatusOffline
	r.logger.Info("service disconnected",
		zap.String("service_id", id),
		zap.String("service_name", s.Name))
	return cloneService(s), true
}

func cloneService(s *Service) *Service {
	cp := *s
	cp.Capabilities = append([]string(nil), s.Capabilities...)
	cp.Tools = append([]protocol.ToolDescriptor(nil), s.Tools...)
	return &cp
}
