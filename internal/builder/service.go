package builder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surgeonlogic/policybuilder/internal/domain"
	"github.com/surgeonlogic/policybuilder/internal/llm"
	"github.com/surgeonlogic/policybuilder/internal/store"
)

var (
	// ErrAgentNotFound is returned when the agent does not exist for the owner.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrRequestInFlight is returned when a generation request is already
	// outstanding for the session; submissions are rejected, not queued.
	ErrRequestInFlight = errors.New("a generation request is already in flight")
	// ErrQuestionNotFound is returned when a clarification answer references
	// an unknown message or question id.
	ErrQuestionNotFound = errors.New("clarification question not found")
)

// Service owns builder sessions and drives turns against the generation
// service. One session exists per agent; all transitions for a session are
// serialized through its mutex.
type Service struct {
	repo store.Repository
	gen  llm.Generator

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService creates the builder service.
func NewService(repo store.Repository, gen llm.Generator) *Service {
	return &Service{
		repo:     repo,
		gen:      gen,
		sessions: make(map[string]*Session),
	}
}

// Session returns the live session for an agent, loading and reconstructing
// it from the store on first access.
func (s *Service) Session(ctx context.Context, agentID, ownerID string) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[agentID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	agent, err := s.repo.GetAgent(ctx, agentID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another request may have loaded it meanwhile; keep the first.
	if sess, ok := s.sessions[agentID]; ok {
		return sess, nil
	}
	sess := newSession(agent)
	s.sessions[agentID] = sess
	return sess, nil
}

// DropSession discards the in-memory session, if any. Called when the agent
// is deleted or archived by the owning collaborator.
func (s *Service) DropSession(agentID string) {
	s.mu.Lock()
	delete(s.sessions, agentID)
	s.mu.Unlock()
}

// State renders the session for the presentation layer.
func (s *Service) State(sess *Session) State {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshotLocked()
}

// TogglePolicyPanel flips the policy side-panel flag and returns its new value.
func (s *Service) TogglePolicyPanel(sess *Session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.showPolicyPanel = !sess.showPolicyPanel
	return sess.showPolicyPanel
}

// StartRecording transitions idle -> recording and resets the dictation
// buffer. It has no network effect.
func (s *Service) StartRecording(sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusIdle {
		return fmt.Errorf("cannot start recording while %s", sess.status)
	}
	sess.status = StatusRecording
	sess.utterances = nil
	sess.interimText = ""
	return nil
}

// AddUtterance appends one finalized utterance from the transcript source.
// Ignored outside of recording.
func (s *Service) AddUtterance(sess *Session, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusRecording {
		return
	}
	sess.utterances = append(sess.utterances, text)
	sess.interimText = ""
}

// SetInterimText tracks unconfirmed transcript text while recording.
func (s *Service) SetInterimText(sess *Session, text string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status == StatusRecording {
		sess.interimText = text
	}
}

// StopRecording transitions recording -> idle and returns the concatenated
// utterances collected since StartRecording. An empty result means there is
// nothing to submit.
func (s *Service) StopRecording(sess *Session) string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusRecording {
		return ""
	}
	sess.status = StatusIdle
	text := strings.Join(sess.utterances, " ")
	sess.utterances = nil
	sess.interimText = ""
	return text
}

// CancelRecording discards the dictation buffer without submitting.
func (s *Service) CancelRecording(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status == StatusRecording {
		sess.status = StatusIdle
	}
	sess.utterances = nil
	sess.interimText = ""
}

// SubmitText handles one turn submission. During onboarding steps 0-2 the
// turn is resolved locally (the next scripted question is injected, no model
// call). The fourth answer bundles all onboarding answers into one seeding
// request; afterwards every submission issues exactly one request with the
// literal text.
func (s *Service) SubmitText(ctx context.Context, sess *Session, text string) iter.Seq2[*TurnEvent, error] {
	return func(yield func(*TurnEvent, error) bool) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}

		sess.mu.Lock()
		if sess.inFlight {
			sess.mu.Unlock()
			yield(nil, ErrRequestInFlight)
			return
		}

		userMsg := domain.BuilderMessage{
			ID:        uuid.NewString(),
			Role:      domain.RoleUser,
			Content:   text,
			Timestamp: time.Now(),
		}

		step := sess.onboardingStep
		switch {
		case !step.Complete() && step < 3:
			// Scripted intake: advance locally and ask the next question.
			sess.agent.ConversationHistory = append(sess.agent.ConversationHistory, userMsg)
			sess.onboardingStep = step + 1
			next := onboardingMessage(int(sess.onboardingStep))
			sess.agent.ConversationHistory = append(sess.agent.ConversationHistory, next)
			s.persistLocked(ctx, sess)
			sess.mu.Unlock()

			yield(&TurnEvent{Type: TurnEventResult, Result: &TurnResult{Message: next}}, nil)
			return

		case step == 3:
			// Last scripted answer: bundle all four and seed policy v1.
			sess.agent.ConversationHistory = append(sess.agent.ConversationHistory, userMsg)
			sess.onboardingStep = StepComplete
			sess.agent.OnboardingComplete = true
			bundled := bundleOnboardingAnswers(sess.agent.ConversationHistory)
			// The scripted questions are excluded from model context; the
			// surgeon's answers ride along both as prior turns and inside
			// the labeled bundle.
			history := historyForModel(sess.agent.ConversationHistory)
			req := llm.Request{History: history, UserContent: llm.BuildUserContent(bundled, nil, true)}
			s.beginProcessingLocked(ctx, sess, ContextAnalyzing)
			sess.mu.Unlock()

			s.runTurn(ctx, sess, req, 0, yield)
			return

		default:
			history := historyForModel(sess.agent.ConversationHistory)
			sess.agent.ConversationHistory = append(sess.agent.ConversationHistory, userMsg)
			req, prevVersion := requestWithHistory(history, text, sess.agent.Policy)
			s.beginProcessingLocked(ctx, sess, ContextAnalyzing)
			sess.mu.Unlock()

			s.runTurn(ctx, sess, req, prevVersion, yield)
		}
	}
}

// AnswerClarification records one answer inside an assistant turn's batch.
// When the whole batch is answered it synthesizes one user turn with all Q/A
// pairs and returns the generation turn sequence; until then it returns a nil
// sequence and the number of questions still open. A request already in
// flight suppresses the triggered turn.
func (s *Service) AnswerClarification(ctx context.Context, sess *Session, messageID, questionID, answer string) (iter.Seq2[*TurnEvent, error], int, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, 0, fmt.Errorf("answer cannot be empty")
	}

	sess.mu.Lock()

	var msg *domain.BuilderMessage
	for i := range sess.agent.ConversationHistory {
		if sess.agent.ConversationHistory[i].ID == messageID {
			msg = &sess.agent.ConversationHistory[i]
			break
		}
	}
	if msg == nil || len(msg.Clarifications) == 0 || !msg.AnswerClarification(questionID, answer) {
		sess.mu.Unlock()
		return nil, 0, ErrQuestionNotFound
	}

	sess.advanceCurrentQuestionLocked(msg.Clarifications)
	s.persistLocked(ctx, sess)

	remaining := msg.UnansweredClarifications()
	if remaining > 0 || sess.inFlight {
		sess.mu.Unlock()
		return nil, remaining, nil
	}

	// Batch complete: synthesize the bundled user turn and dispatch.
	bundled := bundleClarificationAnswers(msg.Clarifications)
	history := historyForModel(sess.agent.ConversationHistory)
	sess.agent.ConversationHistory = append(sess.agent.ConversationHistory, domain.BuilderMessage{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   bundled,
		Timestamp: time.Now(),
	})
	req, prevVersion := requestWithHistory(history, bundled, sess.agent.Policy)
	s.beginProcessingLocked(ctx, sess, ContextUpdating)
	sess.mu.Unlock()

	events := func(yield func(*TurnEvent, error) bool) {
		s.runTurn(ctx, sess, req, prevVersion, yield)
	}
	return events, 0, nil
}

// beginProcessingLocked flags the request in flight, clears any stale
// reasoning buffer and persists the transcript so far. Caller holds sess.mu.
func (s *Service) beginProcessingLocked(ctx context.Context, sess *Session, pc ProcessingContext) {
	sess.inFlight = true
	sess.status = StatusProcessing
	sess.processingContext = pc
	sess.streamingThought.Reset()
	s.persistLocked(ctx, sess)
}

// requestWithHistory assembles a free-form turn request: prior turns oldest
// first, then the user content with the current policy and the
// increment-and-preserve instruction appended.
func requestWithHistory(history []llm.Turn, userText string, policy *domain.ConsultationPolicy) (llm.Request, int) {
	prevVersion := 0
	if policy != nil {
		prevVersion = policy.Version
	}
	return llm.Request{
		History:     history,
		UserContent: llm.BuildUserContent(userText, policy, false),
	}, prevVersion
}

// historyForModel maps the transcript to model context, excluding the
// scripted onboarding assistant turns (local scaffolding, not model context).
func historyForModel(messages []domain.BuilderMessage) []llm.Turn {
	turns := make([]llm.Turn, 0, len(messages))
	for i := range messages {
		if messages[i].IsOnboarding {
			continue
		}
		turns = append(turns, llm.Turn{
			Role:    string(messages[i].Role),
			Content: messages[i].Content,
		})
	}
	return turns
}

// persistLocked writes the conversation state back to the store. Only the
// fields the builder owns (policy, transcript, onboarding flag) are written,
// so a metadata update that landed while a turn was in flight survives the
// commit. Persistence failures are logged but do not fail the turn:
// in-memory state stays authoritative and the next write retries. Caller
// holds sess.mu.
func (s *Service) persistLocked(ctx context.Context, sess *Session) {
	sess.agent.UpdatedAt = time.Now()
	if err := s.repo.UpdateAgentState(ctx, sess.agent); err != nil {
		slog.Error("failed to persist agent state",
			"agent_id", sess.agent.ID,
			"error", err,
		)
	}
}
