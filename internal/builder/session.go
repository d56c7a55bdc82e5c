// Package builder implements the conversation state machine that turns a
// surgeon's dictated preferences into a structured consultation policy.
package builder

import (
	"strings"
	"sync"

	"github.com/surgeonlogic/policybuilder/internal/domain"
)

// Status is the machine state of one builder session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
)

// ProcessingContext says what kind of turn is being processed, for the
// presentation layer's status copy.
type ProcessingContext string

const (
	ContextAnalyzing ProcessingContext = "analyzing"
	ContextUpdating  ProcessingContext = "updating"
)

// OnboardingStep is the scripted-intake sub-state: 0..3 while questions
// remain, StepComplete afterwards.
type OnboardingStep int

// StepComplete marks onboarding as finished.
const StepComplete OnboardingStep = OnboardingStep(onboardingQuestionCount)

// Complete reports whether the scripted intake is done.
func (s OnboardingStep) Complete() bool {
	return s >= StepComplete
}

func (s OnboardingStep) String() string {
	if s.Complete() {
		return "complete"
	}
	return string(rune('0' + s))
}

// Session is the ephemeral per-agent state owned by the builder. It is
// reconstructed from the persisted Agent on load and mutated only under its
// mutex, one event at a time (single-writer model). The in-flight guard
// allows at most one outstanding generation request per session.
type Session struct {
	mu sync.Mutex

	agent *domain.Agent

	status            Status
	processingContext ProcessingContext
	onboardingStep    OnboardingStep
	showPolicyPanel   bool

	// Dictation buffer: finalized utterances between start and stop, plus
	// the current unconfirmed interim text.
	utterances  []string
	interimText string

	// streamingThought accumulates in-flight reasoning text; dropped on any
	// failure, cleared at the start of each request.
	streamingThought strings.Builder

	// currentQuestion is the explicit index of the first unanswered question
	// in the latest clarification batch (sequential reveal).
	currentQuestion int

	inFlight bool
}

// newSession reconstructs session state from a persisted agent.
func newSession(agent *domain.Agent) *Session {
	step := StepComplete
	if !agent.OnboardingComplete {
		n := agent.UserMessageCount()
		if n >= onboardingQuestionCount {
			step = StepComplete
		} else {
			step = OnboardingStep(n)
		}
	}

	// A fresh agent greets with the first scripted question.
	if len(agent.ConversationHistory) == 0 && !step.Complete() {
		agent.ConversationHistory = append(agent.ConversationHistory, onboardingMessage(0))
	}

	s := &Session{
		agent:          agent,
		status:         StatusIdle,
		onboardingStep: step,
	}

	// Restore the reveal pointer for the latest clarification batch so a
	// reloaded session never re-exposes an already answered question.
	if batch := latestClarificationBatch(agent); batch != nil {
		s.advanceCurrentQuestionLocked(batch)
	}
	return s
}

// latestClarificationBatch returns the clarification questions of the most
// recent assistant turn that carries any, or nil.
func latestClarificationBatch(agent *domain.Agent) []domain.ClarificationQuestion {
	for i := len(agent.ConversationHistory) - 1; i >= 0; i-- {
		msg := agent.ConversationHistory[i]
		if msg.Role == domain.RoleAssistant && len(msg.Clarifications) > 0 {
			return msg.Clarifications
		}
	}
	return nil
}

// State is a render snapshot of the session for the presentation layer.
type State struct {
	AgentID           string                     `json:"agent_id"`
	Status            Status                     `json:"status"`
	ProcessingContext ProcessingContext          `json:"processing_context"`
	OnboardingStep    string                     `json:"onboarding_step"`
	Messages          []domain.BuilderMessage    `json:"messages"`
	Policy            *domain.ConsultationPolicy `json:"policy"`
	ShowPolicyPanel   bool                       `json:"show_policy_panel"`
	InterimText       string                     `json:"interim_text"`
	StreamingThought  string                     `json:"streaming_thought"`
	CurrentQuestion   int                        `json:"current_question"`
}

// snapshotLocked renders the state. Caller holds s.mu.
func (s *Session) snapshotLocked() State {
	messages := make([]domain.BuilderMessage, len(s.agent.ConversationHistory))
	copy(messages, s.agent.ConversationHistory)

	ctx := s.processingContext
	if ctx == "" {
		ctx = ContextAnalyzing
	}

	return State{
		AgentID:           s.agent.ID,
		Status:            s.status,
		ProcessingContext: ctx,
		OnboardingStep:    s.onboardingStep.String(),
		Messages:          messages,
		Policy:            s.agent.Policy,
		ShowPolicyPanel:   s.showPolicyPanel,
		InterimText:       s.interimText,
		StreamingThought:  s.streamingThought.String(),
		CurrentQuestion:   s.currentQuestion,
	}
}

// advanceCurrentQuestionLocked moves the explicit batch pointer past every
// answered question. Answers may arrive out of order, so this skips any
// already-answered entries rather than stepping by one.
func (s *Session) advanceCurrentQuestionLocked(batch []domain.ClarificationQuestion) {
	i := s.currentQuestion
	for i < len(batch) && batch[i].Answered {
		i++
	}
	s.currentQuestion = i
}
