// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, event dispatch and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/metrics"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Client is one live connection: the handle the hub registers identities
// against. The closed flag is owned by the hub and only read or written with
// the hub lock held.
type Client struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	addr       string
	authUserID string
	closed     bool
	limiter    *rate.Limiter
	settings   Settings
	log        *zap.Logger
}

// NewClient creates a Client for conn using the hub's connection limits. conn
// may be nil, in which case frames are only queued on the send channel.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	settings := hub.settings
	if conn != nil {
		conn.SetReadLimit(settings.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, settings.SendBufferSize),
		hub:      hub,
		addr:     addr,
		limiter:  newRateLimiter(settings.RateBurst, settings.RateInterval),
		settings: settings,
		log:      hub.log.With(zap.String("conn", id), zap.String("addr", addr)),
	}
}

// newRateLimiter allows burst frames per interval, refilled continuously.
func newRateLimiter(burst int, interval time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}

// ID returns the connection's unique identifier.
func (c *Client) ID() string {
	return c.id
}

// AuthenticatedUser returns the user ID proven by the upgrade token, or "".
func (c *Client) AuthenticatedUser() string {
	return c.authUserID
}

// GetSendChan returns the client's send channel for reading outgoing frames.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) connID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("Error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn("Frame exceeded maximum size", zap.Int64("limit", c.settings.MaxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Info("Client disconnected", zap.Error(err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Info("Client connection closed", zap.Error(err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn("Unexpected WebSocket error", zap.Error(err))
		return true
	}

	c.log.Warn("WebSocket read error", zap.Error(err))
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the frame should be processed
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Warn("Rate limit exceeded; discarding frame",
			zap.Int("burst", c.settings.RateBurst), zap.Duration("interval", c.settings.RateInterval))
		c.hub.metrics.Dropped(metrics.ReasonRateLimited)
		return false
	}
	return true
}

// dispatch decodes one inbound envelope and hands it to the hub. Frames that
// cannot be decoded are logged and ignored; the connection stays open.
func (c *Client) dispatch(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Debug("Invalid frame", zap.Error(err))
		c.hub.metrics.Dropped(metrics.ReasonMalformed)
		return
	}

	switch frame.Event {
	case EventUserOnline:
		c.announce(frame.Data)
	case EventMessageSend:
		c.hub.RelayMessage(c, frame.Data)
	case EventTypingStart, EventTypingStop:
		var sig TypingSignal
		if isNullData(frame.Data) {
			c.log.Debug("Missing typing payload", zap.String("event", frame.Event))
			c.hub.metrics.Dropped(metrics.ReasonMalformed)
			return
		}
		if err := json.Unmarshal(frame.Data, &sig); err != nil {
			c.log.Debug("Invalid typing payload", zap.Error(err))
			c.hub.metrics.Dropped(metrics.ReasonMalformed)
			return
		}
		c.hub.RelayTyping(TypingKind(frame.Event), c, sig)
	default:
		c.log.Debug("Ignoring unknown event", zap.String("event", frame.Event))
	}
}

// announce handles user:online. When the connection was opened with a
// verified token only that token's identity may be announced.
func (c *Client) announce(data json.RawMessage) {
	var userID string
	if err := json.Unmarshal(data, &userID); err != nil || userID == "" {
		c.log.Debug("Invalid user:online payload", zap.ByteString("data", data))
		c.hub.metrics.Dropped(metrics.ReasonMalformed)
		return
	}
	if c.authUserID != "" && userID != c.authUserID {
		c.log.Warn("Rejecting announcement for another identity",
			zap.String("announced", userID), zap.String("authenticated", c.authUserID))
		c.hub.metrics.Dropped(metrics.ReasonIdentityMismatch)
		return
	}
	c.hub.RegisterOnline(userID, c)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.HandleDisconnect(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.dispatch(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error closing connection", zap.Error(err))
		}
	}
}

// handleFrame writes an outgoing frame, followed by any frames already queued
// behind it, and returns false if the connection should be closed
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if !ok {
		return c.writeCloseMessage()
	}
	if !c.writeTextFrame(frame) {
		return false
	}
	return c.writeQueuedFrames()
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Error setting write deadline for close", zap.Error(err))
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing close message", zap.Error(err))
		}
	}
	return false
}

// writeTextFrame writes one envelope as its own WebSocket text message
func (c *Client) writeTextFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing frame", zap.Error(err))
		}
		return false
	}
	return true
}

// writeQueuedFrames flushes frames that queued up while the previous write was in flight
func (c *Client) writeQueuedFrames() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		frame, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeTextFrame(frame) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("Error writing ping message", zap.Error(err))
		return false
	}
	return true
}
