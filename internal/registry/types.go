// Package registry holds the authoritative in-memory tables of connected
// participants: agents, clients and services.
package registry

import (
	"time"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// Status is a participant's lifecycle status.
type Status string

// Canonical participant statuses.
const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusBusy        Status = "busy"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// NormalizeStatus maps wire status strings onto the canonical set. Unknown
// strings and the legacy "active"/"available" spellings mean online.
func NormalizeStatus(s string) Status {
	switch Status(s) {
	case StatusOffline, StatusBusy, StatusError, StatusMaintenance:
		return Status(s)
	default:
		return StatusOnline
	}
}

// IsLive reports whether the status counts as a live participant for
// name-uniqueness purposes.
func (s Status) IsLive() bool {
	return s == StatusOnline || s == StatusBusy
}

// Agent is a registered worker. ConnectionID is empty while disconnected.
type Agent struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Manifest     map[string]interface{} `json:"manifest,omitempty"`
	Status       Status                 `json:"status"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	RegisteredAt time.Time              `json:"registeredAt"`
}

// Client is a connected end-user session. Clients are auto-registered on
// connect and marked offline on disconnect.
type Client struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Status       Status    `json:"status"`
	ConnectionID string    `json:"connectionId,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Service is a registered tool provider. The service is authoritative for
// its tool descriptors.
type Service struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Capabilities []string                  `json:"capabilities,omitempty"`
	Tools        []protocol.ToolDescriptor `json:"tools,omitempty"`
	Status       Status                    `json:"status"`
	ConnectionID string                    `json:"connectionId,omitempty"`
	RegisteredAt time.Time                 `json:"registeredAt"`
}
