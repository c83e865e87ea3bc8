// Package endpoint implements the duplex framed-JSON listener endpoints for
// agents, clients and services. Each endpoint binds its own port, assigns a
// connection id per accepted socket and pumps protocol messages both ways.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// Class identifies which endpoint a connection arrived on.
type Class string

// Endpoint classes.
const (
	ClassAgent   Class = "agent"
	ClassClient  Class = "client"
	ClassService Class = "service"
)

// Handler receives parsed messages and connection lifecycle callbacks.
// HandleMessage is called synchronously from the connection's read loop.
type Handler interface {
	HandleConnect(class Class, connectionID string)
	HandleMessage(ctx context.Context, class Class, connectionID string, msg *protocol.Message)
	HandleDisconnect(class Class, connectionID string)
}

// Endpoint accepts inbound connections of one class.
type Endpoint struct {
	class   Class
	host    string
	port    int
	handler Handler

	conns map[string]*Conn
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	server   *http.Server
	logger   *logger.Logger
}

// New creates an endpoint for the given class. Start must be called before
// connections are accepted.
func New(class Class, host string, port int, handler Handler, log *logger.Logger) *Endpoint {
	return &Endpoint{
		class:   class,
		host:    host,
		port:    port,
		handler: handler,
		conns:   make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Participants are SDK processes, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(
			zap.String("component", "endpoint"),
			zap.String("endpoint_class", string(class))),
	}
}

// Class returns the endpoint's class.
func (e *Endpoint) Class() Class {
	return e.class
}

// Start binds the listener and serves until ctx is cancelled or Stop is
// called. It blocks; run it on its own goroutine (or errgroup).
func (e *Endpoint) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", func(c *gin.Context) {
		e.handleUpgrade(ctx, c)
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "endpoint": string(e.class)})
	})

	e.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", e.host, e.port),
		Handler: router,
	}

	e.logger.Info("endpoint listening", zap.Int("port", e.port))
	if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s endpoint failed to listen on port %d: %w", e.class, e.port, err)
	}
	return nil
}

// Stop closes the listener and terminates all live connections.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	if e.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.server.Shutdown(shutdownCtx)
}

// Send delivers a message to a connection. An unknown connection id is a
// soft error: the message is dropped and logged.
func (e *Endpoint) Send(connectionID string, msg *protocol.Message) error {
	e.mu.RLock()
	c, ok := e.conns[connectionID]
	e.mu.RUnlock()

	if !ok {
		e.logger.Warn("dropping message for unknown connection",
			zap.String("connection_id", connectionID),
			zap.String("message_type", msg.Type))
		return fmt.Errorf("unknown connection %s", connectionID)
	}
	c.sendMessage(msg)
	return nil
}

// SendError delivers an error message to a connection.
func (e *Endpoint) SendError(connectionID, requestID, code, text string, details map[string]interface{}) error {
	return e.Send(connectionID, protocol.NewError(requestID, code, text, details))
}

// Broadcast delivers a message to every live connection on this endpoint.
func (e *Endpoint) Broadcast(msg *protocol.Message) {
	e.mu.RLock()
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.RUnlock()

	for _, c := range conns {
		c.sendMessage(msg)
	}
}

// ConnectionCount returns the number of live connections.
func (e *Endpoint) ConnectionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

func (e *Endpoint) handleUpgrade(ctx context.Context, c *gin.Context) {
	ws, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(uuid.New().String(), ws, e, e.logger)

	e.mu.Lock()
	e.conns[conn.ID] = conn
	e.mu.Unlock()

	e.logger.Info("connection accepted", zap.String("connection_id", conn.ID))

	go conn.writePump()

	conn.sendMessage(e.welcome(conn.ID))
	e.handler.HandleConnect(e.class, conn.ID)

	go conn.readPump(ctx)
}

func (e *Endpoint) welcome(connectionID string) *protocol.Message {
	welcomeType := protocol.TypeOrchestratorWelcome
	if e.class == ClassClient {
		welcomeType = protocol.TypeClientWelcome
	}
	msg, _ := protocol.NewMessage(welcomeType, protocol.WelcomeContent{
		ConnectionID: connectionID,
		Message:      "Connected to agentmesh orchestrator",
	})
	return msg
}

func (e *Endpoint) removeConn(c *Conn) {
	e.mu.Lock()
	_, ok := e.conns[c.ID]
	if ok {
		delete(e.conns, c.ID)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	e.logger.Info("connection closed", zap.String("connection_id", c.ID))
	e.handler.HandleDisconnect(e.class, c.ID)
}
