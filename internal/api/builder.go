package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/surgeonlogic/policybuilder/internal/builder"
	"github.com/surgeonlogic/policybuilder/internal/identity"
	"github.com/surgeonlogic/policybuilder/internal/llm"
)

type submitMessageRequest struct {
	Text string `json:"text"`
}

type answerClarificationRequest struct {
	MessageID  string `json:"message_id"`
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// GetSession handles GET /api/agents/{id}/session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, h.builder.State(sess))
}

// TogglePanel handles POST /api/agents/{id}/panel.
func (h *Handler) TogglePanel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"show_policy_panel": h.builder.TogglePolicyPanel(sess)})
}

// SubmitMessage handles POST /api/agents/{id}/messages. The response is a
// server-sent event stream of turn events, one JSON object per data frame,
// terminated by a [DONE] frame.
func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req submitMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	streamTurnEvents(w, r, h.builder.SubmitText(r.Context(), sess, req.Text))
}

// AnswerClarification handles POST /api/agents/{id}/clarifications. While the
// batch is still open it responds with plain JSON; the answer that completes
// the batch switches the response to the turn event stream.
func (h *Handler) AnswerClarification(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req answerClarificationRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	events, remaining, err := h.builder.AnswerClarification(r.Context(), sess, req.MessageID, req.QuestionID, req.Answer)
	if err != nil {
		if errors.Is(err, builder.ErrQuestionNotFound) {
			Error(w, http.StatusNotFound, "clarification question not found")
			return
		}
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if events == nil {
		JSON(w, http.StatusOK, map[string]any{"answered": true, "remaining": remaining})
		return
	}

	streamTurnEvents(w, r, events)
}

// session resolves the agent's builder session for the current owner,
// writing the error response on failure.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*builder.Session, bool) {
	agentID := chi.URLParam(r, "id")
	ownerID := identity.OwnerIDFromContext(r.Context())

	sess, err := h.builder.Session(r.Context(), agentID, ownerID)
	if err != nil {
		if errors.Is(err, builder.ErrAgentNotFound) {
			Error(w, http.StatusNotFound, "agent not found")
			return nil, false
		}
		slog.Error("failed to load session", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return sess, true
}

// streamTurnEvents relays a turn event sequence as data-only SSE frames.
// Stream errors become a terminal error frame; the connection always ends
// with [DONE] so clients can tell truncation from completion.
func streamTurnEvents(w http.ResponseWriter, r *http.Request, events iter.Seq2[*builder.TurnEvent, error]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev, err := range events {
		if err != nil {
			slog.Error("turn stream failed", "error", err)
			writeFrame(w, flusher, map[string]string{"type": "error", "message": errorMessage(err)})
			break
		}
		if !writeFrame(w, flusher, ev) {
			return
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// errorMessage maps a turn failure to the message shown on the error frame.
// The error classes are kept distinct so the client can word its recovery
// hint accordingly.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, builder.ErrRequestInFlight):
		return "a request is already in flight"
	case errors.Is(err, llm.ErrUnexpectedFormat):
		return "unexpected response format"
	case errors.Is(err, llm.ErrMalformedPayload):
		return "response payload could not be parsed"
	default:
		return "generation request failed"
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode turn event", "error", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
