package builder

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/surgeonlogic/policybuilder/internal/domain"
	"github.com/surgeonlogic/policybuilder/internal/llm"
	"github.com/surgeonlogic/policybuilder/internal/policy"
)

// TurnEventType discriminates events in a turn stream.
type TurnEventType string

const (
	TurnEventThinking TurnEventType = "thinking"
	TurnEventStatus   TurnEventType = "status"
	TurnEventResult   TurnEventType = "result"
)

// TurnEvent is one unit of progress of a submission, relayed to the
// presentation layer as it arrives from the generation stream.
type TurnEvent struct {
	Type    TurnEventType `json:"type"`
	Content string        `json:"content,omitempty"`
	Result  *TurnResult   `json:"result,omitempty"`
}

// TurnResult carries the committed outcome of a turn: the assistant message
// appended to the transcript and the policy after merging, when it changed.
type TurnResult struct {
	Message domain.BuilderMessage      `json:"message"`
	Policy  *domain.ConsultationPolicy `json:"policy,omitempty"`
}

// runTurn consumes the generation stream for one submission and relays its
// events. The session must already be flagged in flight; runTurn always
// clears the flag before returning. Any stream error aborts the turn and
// leaves transcript and policy untouched.
func (s *Service) runTurn(ctx context.Context, sess *Session, req llm.Request, prevVersion int, yield func(*TurnEvent, error) bool) {
	for ev, err := range llm.ParseStream(s.gen.Stream(ctx, req), prevVersion) {
		if err != nil {
			s.failTurn(ctx, sess)
			yield(nil, err)
			return
		}

		switch ev.Type {
		case llm.EventThinking:
			sess.mu.Lock()
			sess.streamingThought.WriteString(ev.Content)
			sess.mu.Unlock()
			if !yield(&TurnEvent{Type: TurnEventThinking, Content: ev.Content}, nil) {
				s.failTurn(ctx, sess)
				return
			}

		case llm.EventStatus:
			if !yield(&TurnEvent{Type: TurnEventStatus, Content: ev.Content}, nil) {
				s.failTurn(ctx, sess)
				return
			}

		case llm.EventResult:
			result := s.completeTurn(ctx, sess, ev.Result)
			yield(&TurnEvent{Type: TurnEventResult, Result: result}, nil)
			return
		}
	}

	// Stream ended without a result payload.
	s.failTurn(ctx, sess)
	yield(nil, llm.ErrUnexpectedFormat)
}

// completeTurn commits a finished analysis: appends the assistant message,
// merges the policy and persists. The first policy ever produced opens the
// policy panel.
func (s *Service) completeTurn(ctx context.Context, sess *Session, res *llm.AnalysisResult) *TurnResult {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	msg := domain.BuilderMessage{
		ID:          uuid.NewString(),
		Role:        domain.RoleAssistant,
		Content:     reflectionText(res.Reflections),
		Timestamp:   time.Now(),
		Reflections: res.Reflections,
		Challenges:  res.Challenges,
	}
	if len(res.NextQuestions) > 0 {
		msg.Clarifications = res.NextQuestions
	}
	sess.agent.ConversationHistory = append(sess.agent.ConversationHistory, msg)

	var changed *domain.ConsultationPolicy
	if res.Policy != nil {
		hadPolicy := sess.agent.Policy != nil
		sess.agent.Policy = policy.Merge(sess.agent.Policy, res.Policy)
		changed = sess.agent.Policy
		if !hadPolicy {
			sess.showPolicyPanel = true
		}
	}

	sess.currentQuestion = 0
	sess.status = StatusIdle
	sess.inFlight = false
	sess.streamingThought.Reset()
	s.persistLocked(ctx, sess)

	slog.Info("turn committed",
		"agent_id", sess.agent.ID,
		"reflections", len(res.Reflections),
		"questions", len(res.NextQuestions),
		"challenges", len(res.Challenges),
		"policy_changed", changed != nil,
	)

	return &TurnResult{Message: msg, Policy: changed}
}

// failTurn resets the session to idle after a stream failure. Transcript and
// policy keep their pre-submission values apart from the already-appended
// user message.
func (s *Service) failTurn(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.status = StatusIdle
	sess.inFlight = false
	sess.streamingThought.Reset()
	s.persistLocked(ctx, sess)
}

// reflectionText renders the assistant message body from the structured
// reflections, one per line.
func reflectionText(reflections []domain.Reflection) string {
	if len(reflections) == 0 {
		return "Understood."
	}
	parts := make([]string, 0, len(reflections))
	for _, r := range reflections {
		parts = append(parts, r.Content)
	}
	return strings.Join(parts, "\n")
}
