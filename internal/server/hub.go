// Package server coordinates presence registration, targeted message relay,
// typing broadcast and connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/metrics"
)

// PresenceObserver is told when an identity enters or leaves the registry.
// Calls are made while the hub lock is held and must not block.
type PresenceObserver interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

// MessageObserver is told about every message:send the hub handled,
// whether or not it reached a connection. Calls are made while the hub lock
// is held and must not block.
type MessageObserver interface {
	MessageRelayed(recipientID string, payload []byte, delivered bool)
}

// Settings holds the per-connection limits applied to attached clients.
type Settings struct {
	MaxMessageSize int64
	SendBufferSize int
	RateBurst      int
	RateInterval   time.Duration
}

// DefaultSettings returns the limits used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		MaxMessageSize: 4096,
		SendBufferSize: 256,
		RateBurst:      10,
		RateInterval:   time.Second,
	}
}

// Option configures a Hub.
type Option func(*Hub)

// WithSettings overrides the per-connection limits.
func WithSettings(s Settings) Option {
	return func(h *Hub) { h.settings = s }
}

// WithLogger sets the hub's logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l.With(zap.String("component", "hub"))
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithPresenceObserver adds an observer of registry changes.
func WithPresenceObserver(o PresenceObserver) Option {
	return func(h *Hub) {
		if o != nil {
			h.presence = append(h.presence, o)
		}
	}
}

// WithMessageObserver adds an observer of relayed messages.
func WithMessageObserver(o MessageObserver) Option {
	return func(h *Hub) {
		if o != nil {
			h.messages = append(h.messages, o)
		}
	}
}

// Hub owns the set of attached connections and the presence registry. A
// single mutex serializes every registry read and write together with the
// fan-out built from it, so no broadcast observes a half-applied change.
// Sends never block: each frame is pushed onto the connection's buffered
// queue or dropped for that connection alone.
type Hub struct {
	mu       sync.Mutex
	clients  map[*Client]struct{}
	registry *registry
	stopping bool

	settings Settings
	presence []PresenceObserver
	messages []MessageObserver
	metrics  *metrics.Metrics
	log      *zap.Logger

	wg sync.WaitGroup
}

// NewHub creates a Hub ready to accept connections.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:  make(map[*Client]struct{}),
		registry: newRegistry(),
		settings: DefaultSettings(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach adds c to the set of live connections and, when c wraps a socket,
// starts its read and write pumps. Attaching after Shutdown closes c.
func (h *Hub) Attach(c *Client) {
	if c == nil {
		h.log.Warn("Received nil client attach; skipping")
		return
	}

	h.mu.Lock()
	if h.stopping || c.closed {
		h.mu.Unlock()
		h.log.Info("Refusing attach", zap.String("addr", c.addr), zap.Bool("stopping", h.stopping))
		c.closeConnection()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.metrics.SetConnections(count)
	if c.conn != nil {
		h.wg.Add(2)
	}
	h.mu.Unlock()

	h.log.Info("Client attached", zap.String("conn", c.id), zap.String("addr", c.addr), zap.Int("total", count))

	if c.conn == nil {
		return
	}
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// RegisterOnline maps userID to c, replacing any earlier connection for the
// same identity, and sends the updated users:online list to every attached
// connection. A connection that has already been disconnected cannot be
// registered again.
func (h *Hub) RegisterOnline(userID string, c *Client) {
	if c == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed || h.stopping {
		h.log.Debug("Ignoring registration on closed connection or stopped hub", zap.String("user", userID), zap.String("conn", c.id))
		return
	}
	if _, ok := h.clients[c]; !ok {
		h.clients[c] = struct{}{}
		h.metrics.SetConnections(len(h.clients))
	}

	prev := h.registry.set(userID, c)
	switch {
	case prev == nil:
		for _, o := range h.presence {
			o.UserOnline(userID)
		}
	case prev != c:
		h.log.Info("Identity moved to newer connection",
			zap.String("user", userID), zap.String("from", prev.id), zap.String("to", c.id))
	}
	h.metrics.SetOnlineUsers(h.registry.len())
	h.log.Info("User online", zap.String("user", userID), zap.String("conn", c.id), zap.Int("online", h.registry.len()))

	h.broadcastPresenceLocked()
}

// RelayMessage delivers payload, unchanged, as message:receive to the
// connection registered for its recipientId. Payloads without a string
// recipientId and recipients that are not registered are dropped silently.
func (h *Hub) RelayMessage(sender *Client, payload []byte) {
	recipientID, ok := recipientOf(payload)
	if !ok {
		h.log.Debug("Dropping message without recipientId", zap.String("from", sender.connID()))
		h.metrics.Dropped(metrics.ReasonMalformed)
		return
	}
	frame := encodeFrame(EventMessageReceive, payload)

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := false
	if target, found := h.registry.lookup(recipientID); found {
		delivered = h.deliverLocked(target, EventMessageReceive, frame)
	} else {
		h.log.Debug("Recipient offline; dropping message", zap.String("recipient", recipientID), zap.String("from", sender.connID()))
		h.metrics.Dropped(metrics.ReasonUnknownRecipient)
	}

	for _, o := range h.messages {
		o.MessageRelayed(recipientID, payload, delivered)
	}
}

// RelayTyping sends sig to every attached connection except sender.
func (h *Hub) RelayTyping(kind TypingKind, sender *Client, sig TypingSignal) {
	if !kind.valid() {
		h.log.Debug("Ignoring unknown typing kind", zap.String("kind", string(kind)))
		return
	}
	frame, err := encodeJSONFrame(string(kind), sig)
	if err != nil {
		h.log.Warn("Error encoding typing signal", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if c == sender {
			continue
		}
		h.deliverLocked(c, string(kind), frame)
	}
}

// HandleDisconnect detaches c, removes every registry entry that points at
// it and sends the updated users:online list to the remaining connections.
// It is idempotent, and the presence broadcast is sent on every call.
func (h *Hub) HandleDisconnect(c *Client) {
	if c == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.SetConnections(len(h.clients))
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}

	removed := h.registry.removeConn(c)
	for _, userID := range removed {
		for _, o := range h.presence {
			o.UserOffline(userID)
		}
	}
	h.metrics.SetOnlineUsers(h.registry.len())
	h.log.Info("Client disconnected",
		zap.String("conn", c.id), zap.String("addr", c.addr),
		zap.Strings("removed", removed), zap.Int("total", len(h.clients)))

	h.broadcastPresenceLocked()
}

// OnlineUsers returns a sorted snapshot of the registered identities.
func (h *Hub) OnlineUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.userIDs()
}

// Lookup returns the connection registered for userID.
func (h *Hub) Lookup(userID string) (*Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.lookup(userID)
}

// ConnectionCount returns the number of attached connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcastPresenceLocked sends the current registry snapshot to every
// attached connection. h.mu must be held.
func (h *Hub) broadcastPresenceLocked() {
	frame, err := encodeJSONFrame(EventUsersOnline, h.registry.userIDs())
	if err != nil {
		h.log.Warn("Error encoding presence list", zap.Error(err))
		return
	}
	for c := range h.clients {
		h.deliverLocked(c, EventUsersOnline, frame)
	}
}

// deliverLocked queues frame on c without blocking. A closed connection or a
// full queue drops the frame for c only. h.mu must be held.
func (h *Hub) deliverLocked(c *Client, event string, frame []byte) bool {
	if c.closed {
		h.metrics.Dropped(metrics.ReasonClosed)
		return false
	}
	select {
	case c.send <- frame:
		h.metrics.Delivered(event)
		return true
	default:
		h.log.Warn("Send buffer full; dropping frame",
			zap.String("event", event), zap.String("conn", c.id), zap.String("addr", c.addr))
		h.metrics.Dropped(metrics.ReasonBufferFull)
		return false
	}
}

// Shutdown stops accepting connections, closes every attached connection and
// waits for the pump goroutines to finish or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.mu.Lock()
	h.stopping = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.conn == nil {
			h.HandleDisconnect(c)
			continue
		}
		c.closeConnection()
	}
	h.log.Info("Closed client connections", zap.Int("count", len(clients)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
