// Package events fans task and system events out to live observers.
// Delivery is best-effort, at-most-once per connection: a connection
// whose write fails is dropped from all interest sets and never blocks
// the publisher.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event type names pushed over the live-update channel
const (
	TypeConnection    = "connection"
	TypeAgentStep     = "agent_step"
	TypeTaskStarted   = "task_started"
	TypeTaskCompleted = "task_completed"
	TypeTaskFailed    = "task_failed"
	TypeTaskCancelled = "task_cancelled"
	TypeSystem        = "system"
)

// Conn is the minimal surface the broadcaster needs from a live
// observer connection. *websocket.Conn satisfies it once wrapped for
// concurrent writes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Envelope is the wire shape of every pushed event. The shape is part
// of the public contract with existing observers and must not change.
type Envelope struct {
	Type      string                 `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp string                 `json:"timestamp"`
}

// ConnectionStats summarizes current subscriptions
type ConnectionStats struct {
	TotalConnections    int            `json:"total_connections"`
	TaskSubscriptions   map[string]int `json:"task_subscriptions"`
	TotalTaskSubscribed int            `json:"total_task_subscribers"`
}

// Broadcaster tracks observer connections and their task filters
type Broadcaster struct {
	mu    sync.Mutex
	conns map[Conn]string              // connection -> task filter, "" means system-wide only
	subs  map[string]map[Conn]struct{} // task id -> interested connections
	last  time.Time                    // last issued event timestamp
	log   *zap.Logger
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		conns: make(map[Conn]string),
		subs:  make(map[string]map[Conn]struct{}),
		log:   log.Named("events"),
	}
}

// Subscribe registers the connection, optionally filtered to one task
// id. Subscribing an already-registered connection is idempotent; a
// different filter replaces the previous one (a connection holds at
// most one filter).
func (b *Broadcaster) Subscribe(c Conn, taskID string) {
	if c == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.conns[c]; ok {
		if prev == taskID {
			return
		}
		b.dropFilterLocked(c, prev)
	}
	b.conns[c] = taskID
	if taskID != "" {
		set, ok := b.subs[taskID]
		if !ok {
			set = make(map[Conn]struct{})
			b.subs[taskID] = set
		}
		set[c] = struct{}{}
	}

	b.log.Info("observer subscribed",
		zap.String("task_id", taskID),
		zap.Int("total_connections", len(b.conns)))
}

// Unsubscribe removes the connection from every interest set. Safe to
// call for a connection that was never subscribed, and safe to call
// twice.
func (b *Broadcaster) Unsubscribe(c Conn) {
	if c == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(c)
}

// Welcome sends the connection greeting to a single observer. The
// greeting goes through the shared timestamp path so it orders with
// every other event the observer will see.
func (b *Broadcaster) Welcome(c Conn, taskID string) {
	if c == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	payload := map[string]interface{}{
		"message": "Connected to live task updates",
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	env := b.envelopeLocked(TypeConnection, "", payload)
	if err := c.WriteJSON(env); err != nil {
		b.removeLocked(c)
	}
}

// Publish delivers an event to every connection subscribed to taskID.
// Broken connections are dropped; the publisher never sees a delivery
// failure.
func (b *Broadcaster) Publish(taskID, eventType string, payload map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[taskID]
	if !ok || len(set) == 0 {
		return
	}

	env := b.envelopeLocked(eventType, taskID, payload)
	var dead []Conn
	for c := range set {
		if err := c.WriteJSON(env); err != nil {
			b.log.Warn("failed to send to task subscriber",
				zap.String("task_id", taskID),
				zap.Error(err))
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		b.removeLocked(c)
	}
}

// PublishSystemWide delivers an event to every connected observer
// regardless of filter.
func (b *Broadcaster) PublishSystemWide(eventType string, payload map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.conns) == 0 {
		return
	}

	env := b.envelopeLocked(eventType, "", payload)
	var dead []Conn
	for c := range b.conns {
		if err := c.WriteJSON(env); err != nil {
			b.log.Warn("failed to send to observer", zap.Error(err))
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		b.removeLocked(c)
	}
}

// Stats returns current connection and subscription counts
func (b *Broadcaster) Stats() ConnectionStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := ConnectionStats{
		TotalConnections:  len(b.conns),
		TaskSubscriptions: make(map[string]int, len(b.subs)),
	}
	for id, set := range b.subs {
		s.TaskSubscriptions[id] = len(set)
		s.TotalTaskSubscribed += len(set)
	}
	return s
}

// envelopeLocked stamps the event at publish time. Timestamps are
// monotonically non-decreasing across publishes.
func (b *Broadcaster) envelopeLocked(eventType, taskID string, payload map[string]interface{}) Envelope {
	now := time.Now().UTC()
	if now.Before(b.last) {
		now = b.last
	}
	b.last = now

	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Envelope{
		Type:      eventType,
		TaskID:    taskID,
		Payload:   payload,
		Timestamp: now.Format(time.RFC3339Nano),
	}
}

func (b *Broadcaster) removeLocked(c Conn) {
	filter, ok := b.conns[c]
	if !ok {
		return
	}
	delete(b.conns, c)
	b.dropFilterLocked(c, filter)
	b.log.Info("observer disconnected", zap.Int("total_connections", len(b.conns)))
}

func (b *Broadcaster) dropFilterLocked(c Conn, taskID string) {
	if taskID == "" {
		return
	}
	if set, ok := b.subs[taskID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(b.subs, taskID)
		}
	}
}
