// Package dictation bridges a browser transcript source to a builder session
// over WebSocket. Speech recognition runs on the client; the server only sees
// the transcript messages and drives the dictation state machine.
package dictation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/surgeonlogic/policybuilder/internal/builder"
	"github.com/surgeonlogic/policybuilder/internal/identity"
)

// WebSocketHandler handles WebSocket-based dictation sessions.
type WebSocketHandler struct {
	builder       *builder.Service
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(b *builder.Service, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		builder:       b,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage represents the transcript protocol. The client sends start,
// utterance, interim, stop, cancel and ping; the server answers with turn
// events, pong and error frames.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade at
// /ws/dictation?agent_id=<id>.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := h.builder.Session(r.Context(), agentID, ownerID)
	if err != nil {
		slog.Warn("dictation session rejected", "agent_id", agentID, "error", err)
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept WebSocket", "error", err, "agent_id", agentID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "agent_id", agentID)
		}
	}()

	slog.Info("dictation session started", "agent_id", agentID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.messageLoop(ctx, ws, sess, agentID)

	// Dropping the connection mid-recording discards the buffer.
	h.builder.CancelRecording(sess)
	slog.Info("dictation session ended", "agent_id", agentID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) messageLoop(ctx context.Context, ws *websocket.Conn, sess *builder.Session, agentID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "agent_id", agentID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "agent_id", agentID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.writeError(ctx, ws, "invalid message")
			continue
		}

		switch msg.Type {
		case "start":
			if err := h.builder.StartRecording(sess); err != nil {
				h.writeError(ctx, ws, err.Error())
				continue
			}
			h.writeJSON(ctx, ws, wsMessage{Type: "recording"})

		case "utterance":
			h.builder.AddUtterance(sess, msg.Content)

		case "interim":
			h.builder.SetInterimText(sess, msg.Content)

		case "stop":
			text := h.builder.StopRecording(sess)
			if text == "" {
				h.writeJSON(ctx, ws, wsMessage{Type: "idle"})
				continue
			}
			h.streamTurn(ctx, ws, sess, text)

		case "cancel":
			h.builder.CancelRecording(sess)
			h.writeJSON(ctx, ws, wsMessage{Type: "idle"})

		case "ping":
			h.writeJSON(ctx, ws, wsMessage{Type: "pong"})
		}
	}
}

// streamTurn submits the collected transcript and relays turn events back
// over the socket as JSON text frames.
func (h *WebSocketHandler) streamTurn(ctx context.Context, ws *websocket.Conn, sess *builder.Session, text string) {
	for ev, err := range h.builder.SubmitText(ctx, sess, text) {
		if err != nil {
			slog.Error("dictation turn failed", "error", err)
			h.writeError(ctx, ws, "analysis failed")
			break
		}
		if err := h.writeRaw(ctx, ws, ev); err != nil {
			return
		}
	}
	h.writeJSON(ctx, ws, wsMessage{Type: "done"})
}

func (h *WebSocketHandler) writeError(ctx context.Context, ws *websocket.Conn, message string) {
	h.writeJSON(ctx, ws, wsMessage{Type: "error", Content: message})
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, msg wsMessage) {
	if err := h.writeRaw(ctx, ws, msg); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}

func (h *WebSocketHandler) writeRaw(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
