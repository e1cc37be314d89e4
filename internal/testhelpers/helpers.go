// Package testhelpers provides common utilities for testing the chat relay
// over real HTTP and WebSocket connections.
//
// It speaks the relay's event envelope directly so tests read as a client
// would, and it has no dependency on the server package.
package testhelpers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultOrigin is the browser origin test clients present.
const DefaultOrigin = "http://localhost:5173"

// Frame is the event envelope as seen by a client.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type
// header, ignoring parameters such as charset.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request with a 5-second timeout,
// failing the test if it cannot be made.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// WebSocketURL converts an httptest server URL into the relay's ws:// URL.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url presenting origin. The handshake response is
// returned so callers can inspect rejected upgrades; its body is closed.
func ConnectWebSocket(url, origin string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	if header == nil {
		header = http.Header{}
	}
	if origin != "" {
		header.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url with the default origin and registers the connection
// for cleanup.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, DefaultOrigin, nil)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes one envelope with data marshaled as JSON.
func SendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Failed to marshal %s payload: %v", event, err)
	}
	SendRaw(t, conn, []byte(`{"event":"`+event+`","data":`+string(payload)+`}`))
}

// SendRaw writes raw as a single text message.
func SendRaw(t *testing.T, conn *websocket.Conn, raw []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

// ReadFrame reads the next envelope, failing the test after timeout. The
// raw message is returned alongside the decoded frame.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (Frame, []byte) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Received invalid envelope %s: %v", raw, err)
	}
	return frame, raw
}

// ReadUntil reads frames until one with event arrives, skipping others.
func ReadUntil(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) (Frame, []byte) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %s", event)
		}
		frame, raw := ReadFrame(t, conn, remaining)
		if frame.Event == event {
			return frame, raw
		}
	}
}

// WaitForPresence reads users:online frames until one lists exactly want.
func WaitForPresence(t *testing.T, conn *websocket.Conn, want []string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	expected := strings.Join(want, ",")
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for presence %v", want)
		}
		frame, _ := ReadUntil(t, conn, "users:online", remaining)
		var users []string
		if err := json.Unmarshal(frame.Data, &users); err != nil {
			t.Fatalf("Invalid presence payload %s: %v", frame.Data, err)
		}
		if strings.Join(users, ",") == expected {
			return
		}
	}
}

// ExpectNoFrame fails the test if a frame arrives within timeout. A closed
// connection also counts as no frame. A timed out read leaves conn unusable,
// so this must be the last read on it.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no frame, but received %s", raw)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of frame: %v", err)
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
