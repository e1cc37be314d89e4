package server_test

import (
	"encoding/json"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/testhelpers"
)

type chatMessage struct {
	RecipientID string `json:"recipientId"`
	SenderID    string `json:"senderId"`
	Content     string `json:"content"`
}

// TestRelayConversation walks two users through announcing, messaging,
// typing and leaving, checking every frame each side receives.
func TestRelayConversation(t *testing.T) {
	_, srv := startRelay(t, relayOptions{})
	url := testhelpers.WebSocketURL(srv.URL)

	alice := testhelpers.MustConnect(t, url)
	testhelpers.SendEvent(t, alice, server.EventUserOnline, "alice")
	testhelpers.WaitForPresence(t, alice, []string{"alice"}, frameTimeout)

	bob := testhelpers.MustConnect(t, url)
	testhelpers.SendEvent(t, bob, server.EventUserOnline, "bob")
	testhelpers.WaitForPresence(t, bob, []string{"alice", "bob"}, frameTimeout)
	testhelpers.WaitForPresence(t, alice, []string{"alice", "bob"}, frameTimeout)

	// Key order and spacing survive the relay.
	payload := `{"senderId":"alice","recipientId":"bob","content":"hi",  "meta":{"n":1}}`
	testhelpers.SendRaw(t, alice, []byte(`{"event":"message:send","data":`+payload+`}`))
	_, raw := testhelpers.ReadUntil(t, bob, server.EventMessageReceive, frameTimeout)
	if want := `{"event":"message:receive","data":` + payload + `}`; string(raw) != want {
		t.Errorf("Expected %s, got %s", want, raw)
	}

	testhelpers.SendEvent(t, alice, server.EventTypingStart, map[string]string{"conversationId": "c1", "userId": "alice"})
	frame, _ := testhelpers.ReadFrame(t, bob, frameTimeout)
	if frame.Event != server.EventTypingStart || string(frame.Data) != `{"conversationId":"c1","userId":"alice"}` {
		t.Errorf("Unexpected typing frame %s %s", frame.Event, frame.Data)
	}

	testhelpers.SendEvent(t, alice, server.EventMessageSend, chatMessage{RecipientID: "carol", SenderID: "alice", Content: "anyone?"})

	if err := testhelpers.CloseWebSocket(bob); err != nil {
		t.Fatalf("Failed to close bob: %v", err)
	}

	// Alice saw neither her own message, her typing nor the dropped
	// message to carol, so the next frame is the presence update.
	frame, _ = testhelpers.ReadFrame(t, alice, frameTimeout)
	if frame.Event != server.EventUsersOnline {
		t.Fatalf("Expected %s, got %s %s", server.EventUsersOnline, frame.Event, frame.Data)
	}
	var users []string
	if err := json.Unmarshal(frame.Data, &users); err != nil {
		t.Fatalf("Invalid presence payload: %v", err)
	}
	if !reflect.DeepEqual(users, []string{"alice"}) {
		t.Errorf("Expected [alice], got %v", users)
	}

	testhelpers.SendEvent(t, alice, server.EventMessageSend, chatMessage{RecipientID: "bob", SenderID: "alice", Content: "gone?"})
	testhelpers.ExpectNoFrame(t, alice, 200*time.Millisecond)
}

// TestInvalidFramesKeepConnectionOpen tests that undecodable frames are
// ignored without closing the connection.
func TestInvalidFramesKeepConnectionOpen(t *testing.T) {
	_, srv := startRelay(t, relayOptions{})
	conn := testhelpers.MustConnect(t, testhelpers.WebSocketURL(srv.URL))

	testhelpers.SendRaw(t, conn, []byte(`not json`))
	testhelpers.SendRaw(t, conn, []byte(`{"event":"user:online","data":42}`))
	testhelpers.SendRaw(t, conn, []byte(`{"event":"unknown","data":{}}`))
	testhelpers.SendEvent(t, conn, server.EventUserOnline, "alice")

	testhelpers.WaitForPresence(t, conn, []string{"alice"}, frameTimeout)
}

// TestWebSocketRateLimiting tests that frames beyond the burst are discarded
// while the connection stays open.
func TestWebSocketRateLimiting(t *testing.T) {
	settings := server.DefaultSettings()
	settings.RateBurst = 2
	settings.RateInterval = time.Minute
	_, srv := startRelay(t, relayOptions{settings: &settings})
	url := testhelpers.WebSocketURL(srv.URL)

	bob := testhelpers.MustConnect(t, url)
	testhelpers.SendEvent(t, bob, server.EventUserOnline, "bob")
	testhelpers.WaitForPresence(t, bob, []string{"bob"}, frameTimeout)

	alice := testhelpers.MustConnect(t, url)
	testhelpers.SendEvent(t, alice, server.EventUserOnline, "alice")
	testhelpers.WaitForPresence(t, alice, []string{"alice", "bob"}, frameTimeout)

	// The announcement used one token, so only the first message fits.
	for _, content := range []string{"first", "second", "third"} {
		testhelpers.SendEvent(t, alice, server.EventMessageSend, chatMessage{RecipientID: "bob", SenderID: "alice", Content: content})
	}

	frame, _ := testhelpers.ReadUntil(t, bob, server.EventMessageReceive, frameTimeout)
	var msg chatMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		t.Fatalf("Invalid message payload: %v", err)
	}
	if msg.Content != "first" {
		t.Errorf("Expected first message, got %q", msg.Content)
	}
	testhelpers.ExpectNoFrame(t, bob, 300*time.Millisecond)
}

// TestWebSocketMessageSizeLimit tests that an oversized frame closes the
// connection and removes its identity.
func TestWebSocketMessageSizeLimit(t *testing.T) {
	settings := server.DefaultSettings()
	settings.MaxMessageSize = 256
	hub, srv := startRelay(t, relayOptions{settings: &settings})

	conn := testhelpers.MustConnect(t, testhelpers.WebSocketURL(srv.URL))
	testhelpers.SendEvent(t, conn, server.EventUserOnline, "alice")
	testhelpers.WaitForPresence(t, conn, []string{"alice"}, frameTimeout)

	oversized := chatMessage{RecipientID: "alice", Content: strings.Repeat("x", 1024)}
	testhelpers.SendEvent(t, conn, server.EventMessageSend, oversized)

	assertClosedByServer(t, conn)
	waitFor(t, func() bool { return len(hub.OnlineUsers()) == 0 })
}

// TestHubShutdownClosesConnections tests that Shutdown closes live sockets and
// waits for their pumps.
func TestHubShutdownClosesConnections(t *testing.T) {
	hub, srv := startRelay(t, relayOptions{})
	url := testhelpers.WebSocketURL(srv.URL)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = testhelpers.MustConnect(t, url)
	}
	waitFor(t, func() bool { return hub.ConnectionCount() == len(conns) })

	if err := hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Unexpected shutdown error: %v", err)
	}
	if hub.ConnectionCount() != 0 {
		t.Errorf("Expected no connections after shutdown, got %d", hub.ConnectionCount())
	}
	for _, conn := range conns {
		assertClosedByServer(t, conn)
	}
}

func assertClosedByServer(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(frameTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			t.Fatal("Expected the server to close the connection")
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}
