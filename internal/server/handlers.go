package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/relaychat/internal/logger"
)

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "RelayChat server is running!")
}

// handleWebSocket upgrades the request and serves the connection as a relay
// session until it ends. The client speaks the same envelope protocol as
// TCP clients, one envelope per message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !s.acquireSlot(false) {
		logger.Warn("Connection limit reached; rejecting WebSocket client", "address", r.RemoteAddr)
		http.Error(w, "Server is at capacity", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseSlot()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", "address", r.RemoteAddr, "error", err)
		return
	}
	// Drop the HTTP server's read/write deadlines; sessions have no idle timeout.
	if err := conn.NetConn().SetDeadline(time.Time{}); err != nil {
		logger.Debug("Failed to clear connection deadline", "address", r.RemoteAddr, "error", err)
	}

	t := newWSTransport(conn, r.RemoteAddr, s.cfg.MaxFrameSize.Int64())
	sess := s.newSession(t, transportWebSocket)
	if !s.track(sess) {
		_ = t.Close()
		return
	}
	s.serveSession(sess)
}

// adminMessage is the body of the admin message endpoints.
type adminMessage struct {
	Message string `json:"message"`
}

// adminResult reports how many sessions or rooms an admin action reached.
type adminResult struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("Error writing JSON response", "error", err)
	}
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{Title: http.StatusText(status), Status: status, Detail: detail})
}

func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrRoomNotFound):
		writeProblem(w, http.StatusNotFound, err.Error())
	default:
		writeProblem(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeAdminMessage(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body adminMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	if body.Message == "" {
		writeProblem(w, http.StatusBadRequest, "message is required")
		return "", false
	}
	return body.Message, true
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, _ *http.Request) {
	users, _ := s.Snapshot()
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleAdminRooms(w http.ResponseWriter, _ *http.Request) {
	_, rooms := s.Snapshot()
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleAdminBroadcast(w http.ResponseWriter, r *http.Request) {
	msg, ok := decodeAdminMessage(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, adminResult{Status: "ok", Count: s.Broadcast(msg)})
}

func (s *Server) handleAdminRoomBroadcast(w http.ResponseWriter, r *http.Request) {
	msg, ok := decodeAdminMessage(w, r)
	if !ok {
		return
	}
	n, err := s.BroadcastRoom(chi.URLParam(r, "room"), msg)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminResult{Status: "ok", Count: n})
}

func (s *Server) handleAdminMessageUser(w http.ResponseWriter, r *http.Request) {
	msg, ok := decodeAdminMessage(w, r)
	if !ok {
		return
	}
	if err := s.MessageUser(chi.URLParam(r, "nickname"), msg); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminResult{Status: "ok", Count: 1})
}

func (s *Server) handleAdminKick(w http.ResponseWriter, r *http.Request) {
	if err := s.Kick(chi.URLParam(r, "nickname")); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminResult{Status: "ok", Count: 1})
}

func (s *Server) handleAdminKickAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, adminResult{Status: "ok", Count: s.KickAll()})
}

func (s *Server) handleAdminDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteRoom(chi.URLParam(r, "room")); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminResult{Status: "ok", Count: 1})
}

func (s *Server) handleAdminClearRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, adminResult{Status: "ok", Count: s.ClearRooms()})
}

// TestPageHandler serves an HTML page for trying the relay from a browser.
// It connects to /ws, answers the nickname request and sends commands.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		logger.Debug("Error writing HTML response", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>RelayChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>RelayChat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="nickInput" placeholder="Nickname">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="/join room, /list, /leave, nick: private, or text" disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const nickInput = document.getElementById('nickInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onmessage = function(event) {
                const ev = JSON.parse(event.data);
                if (ev.type === 'NICK_REQUEST') {
                    ws.send(nickInput.value.trim());
                    return;
                }
                if (ev.type === 'NICK_ACCEPTED') {
                    updateStatus(true);
                }
                const color = ev.type === 'ERROR' || ev.type === 'NICK_ERROR' ? 'red' :
                    ev.type === 'PRIVATE_MSG' ? 'purple' : 'green';
                addMessage('[' + ev.timestamp + '] ' + ev.content, color);
            };

            ws.onclose = function() {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function() {
                addMessage('Connection error');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function toCommand(text) {
            if (text.startsWith('/join ')) {
                return { command: 'JOIN', content: text.slice(6) };
            }
            if (text === '/leave') {
                return { command: 'LEAVE', content: '' };
            }
            if (text === '/list') {
                return { command: 'LIST', content: '' };
            }
            return { command: 'MSG', content: text };
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(toCommand(text)));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
