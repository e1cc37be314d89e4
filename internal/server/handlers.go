// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, the presence listing and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
)

// Handlers bundles the HTTP endpoints served in front of a Hub.
type Handlers struct {
	hub      *Hub
	upgrader websocket.Upgrader
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewHandlers creates the HTTP handlers. origins is the WebSocket origin
// allowlist ("*" allows any origin). A nil verifier accepts unauthenticated
// upgrades.
func NewHandlers(hub *Hub, origins []string, verifier *auth.Verifier, m *metrics.Metrics, log *zap.Logger) *Handlers {
	log = logging.OrNop(log).With(zap.String("component", "http"))
	policy := newOriginPolicy(origins, log)

	return &Handlers{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		verifier: verifier,
		metrics:  m,
		log:      log,
	}
}

// WebSocket handles WebSocket upgrade requests. It validates the method and,
// when a verifier is configured, the bearer token, then upgrades the
// connection and attaches a new Client to the hub.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	var authUserID string
	if h.verifier != nil {
		userID, err := h.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			message := "Invalid token"
			if errors.Is(err, auth.ErrNoToken) {
				message = "No token provided"
			}
			h.log.Info("Rejected WebSocket upgrade", zap.String("addr", r.RemoteAddr), zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": message})
			return
		}
		authUserID = userID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr)
	client.authUserID = authUserID

	// The hub launches the pump goroutines.
	h.hub.Attach(client)
}

// Health provides a plain-text liveness line.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat relay is running!")
}

// APIHealth reports {"status":"ok"}.
func (h *Handlers) APIHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OnlineUsers lists the identities currently registered with the hub.
func (h *Handlers) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.hub.OnlineUsers())
}

// Metrics serves the Prometheus registry.
func (h *Handlers) Metrics() http.Handler {
	return h.metrics.Handler()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestPage serves an HTML page for exercising the relay protocol by hand.
func (h *Handlers) TestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		h.log.Warn("Error writing HTML response", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 160px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chat Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="userId" placeholder="Your user id">
        <input type="text" id="token" placeholder="Token (optional)">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="recipientId" placeholder="Recipient id" disabled>
        <input type="text" id="text" placeholder="Message" disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        let typingTimer = null;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const inputs = ['recipientId', 'text', 'sendButton'].map(id => document.getElementById(id));

        function log(line, color) {
            const el = document.createElement('div');
            el.style.color = color || 'gray';
            el.textContent = line;
            eventsDiv.appendChild(el);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function emit(event, data) {
            ws.send(JSON.stringify({ event: event, data: data }));
            log('-> ' + event + ' ' + JSON.stringify(data), 'blue');
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            inputs.forEach(el => el.disabled = !connected);
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const token = document.getElementById('token').value.trim();
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws' + (token ? '?token=' + encodeURIComponent(token) : ''));

            ws.onopen = function() {
                updateStatus(true);
                emit('user:online', document.getElementById('userId').value.trim());
            };
            ws.onmessage = function(e) {
                const frame = JSON.parse(e.data);
                log('<- ' + frame.event + ' ' + JSON.stringify(frame.data), 'green');
            };
            ws.onclose = function() {
                log('Connection closed');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = document.getElementById('text');
            const recipientId = document.getElementById('recipientId').value.trim();
            if (!text.value.trim() || !recipientId) {
                return;
            }
            emit('message:send', {
                recipientId: recipientId,
                senderId: document.getElementById('userId').value.trim(),
                content: text.value.trim()
            });
            text.value = '';
        }

        document.getElementById('text').addEventListener('input', function() {
            const sig = { conversationId: document.getElementById('recipientId').value.trim(), userId: document.getElementById('userId').value.trim() };
            if (!typingTimer) {
                emit('typing:start', sig);
            }
            clearTimeout(typingTimer);
            typingTimer = setTimeout(function() {
                emit('typing:stop', sig);
                typingTimer = null;
            }, 1000);
        });

        document.getElementById('text').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
