// Package server defines the event envelope exchanged with clients and the
// helpers that encode and decode it.
package server

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Event names carried in the envelope's "event" field.
const (
	EventUserOnline     = "user:online"
	EventUsersOnline    = "users:online"
	EventMessageSend    = "message:send"
	EventMessageReceive = "message:receive"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
)

// TypingKind selects which typing indicator is relayed.
type TypingKind string

// Typing indicator kinds. Their values double as the event names.
const (
	TypingStart TypingKind = EventTypingStart
	TypingStop  TypingKind = EventTypingStop
)

func (k TypingKind) valid() bool {
	return k == TypingStart || k == TypingStop
}

// Frame is the JSON envelope of every WebSocket text message:
// {"event":"<name>","data":<json>}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TypingSignal is the payload of typing:start and typing:stop.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// encodeFrame builds an envelope around data without re-encoding it, so the
// bytes a sender supplied reach the recipient unchanged.
func encodeFrame(event string, data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(event) + len(data) + 24)
	buf.WriteString(`{"event":`)
	buf.WriteString(strconv.Quote(event))
	if len(data) > 0 {
		buf.WriteString(`,"data":`)
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// encodeJSONFrame marshals v and wraps it in an envelope.
func encodeJSONFrame(event string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return encodeFrame(event, data), nil
}

// recipientOf extracts the string recipientId of a message:send payload.
func recipientOf(payload []byte) (string, bool) {
	var head struct {
		RecipientID *string `json:"recipientId"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.RecipientID == nil {
		return "", false
	}
	return *head.RecipientID, true
}

// isNullData reports whether an envelope carried no data or an explicit null.
func isNullData(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
