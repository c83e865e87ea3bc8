// Package pending implements the one-shot correlator between an outbound
// message id and the inbound reply carrying it as requestId.
package pending

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// Errors delivered to waiters.
var (
	ErrTimeout  = errors.New("pending response timed out")
	ErrShutdown = errors.New("endpoint shutting down")
)

// Result is delivered to the waiter exactly once: a matching message or an
// error, never both.
type Result struct {
	Msg *protocol.Message
	Err error
}

type waiter struct {
	ch     chan Result
	timer  *time.Timer
	filter func(*protocol.Message) bool
}

// Table maps outbound message ids to waiters. One waiter per message id.
type Table struct {
	waiters map[string]*waiter
	mu      sync.Mutex
	closed  bool
	logger  *logger.Logger
}

// NewTable creates an empty pending-response table.
func NewTable(log *logger.Logger) *Table {
	return &Table{
		waiters: make(map[string]*waiter),
		logger:  log.WithFields(zap.String("component", "pending-responses")),
	}
}

// Await registers a waiter for a reply to messageID. The returned channel
// receives exactly one Result: the matching message, ErrTimeout after the
// deadline, or ErrShutdown. filter may be nil to accept any reply.
func (t *Table) Await(messageID string, timeout time.Duration, filter func(*protocol.Message) bool) (<-chan Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrShutdown
	}
	if _, exists := t.waiters[messageID]; exists {
		return nil, fmt.Errorf("waiter already registered for message %s", messageID)
	}

	w := &waiter{
		ch:     make(chan Result, 1),
		filter: filter,
	}
	w.timer = time.AfterFunc(timeout, func() {
		t.expire(messageID)
	})
	t.waiters[messageID] = w
	return w.ch, nil
}

// Resolve matches an inbound message against the waiter registered for its
// RequestID. Returns true when a waiter consumed the message.
func (t *Table) Resolve(msg *protocol.Message) bool {
	if msg.RequestID == "" {
		return false
	}

	t.mu.Lock()
	w, ok := t.waiters[msg.RequestID]
	if ok && w.filter != nil && !w.filter(msg) {
		// Not the reply this waiter is looking for; leave it armed.
		t.mu.Unlock()
		return false
	}
	if ok {
		delete(t.waiters, msg.RequestID)
		w.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	w.ch <- Result{Msg: msg}
	return true
}

// Fail rejects the waiter for messageID with the given error.
func (t *Table) Fail(messageID string, err error) bool {
	t.mu.Lock()
	w, ok := t.waiters[messageID]
	if ok {
		delete(t.waiters, messageID)
		w.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	w.ch <- Result{Err: err}
	return true
}

// Shutdown rejects every outstanding waiter with ErrShutdown and refuses
// further Await calls.
func (t *Table) Shutdown() {
	t.mu.Lock()
	t.closed = true
	waiters := t.waiters
	t.waiters = make(map[string]*waiter)
	t.mu.Unlock()

	for id, w := range waiters {
		w.timer.Stop()
		w.ch <- Result{Err: ErrShutdown}
		t.logger.Debug("pending response cancelled on shutdown", zap.String("message_id", id))
	}
}

// Len returns the number of outstanding waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

func (t *Table) expire(messageID string) {
	t.mu.Lock()
	w, ok := t.waiters[messageID]
	if ok {
		delete(t.waiters, messageID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.logger.Debug("pending response timed out", zap.String("message_id", messageID))
	w.ch <- Result{Err: ErrTimeout}
}
