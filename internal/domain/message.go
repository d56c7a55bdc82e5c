package domain

import "time"

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ReflectionType categorizes a model reflection.
type ReflectionType string

const (
	ReflectionExtraction ReflectionType = "extraction"
	ReflectionLinkage    ReflectionType = "linkage"
	ReflectionInference  ReflectionType = "inference"
	ReflectionSummary    ReflectionType = "summary"
)

// Reflection is one short statement of what the model understood from a turn.
type Reflection struct {
	ID      string         `json:"id"`
	Type    ReflectionType `json:"type"`
	Content string         `json:"content"`
}

// ClarificationQuestion is one follow-up question from a batch. Questions in
// a batch are revealed sequentially but may be answered in any order; the
// batch is submitted as a whole once every question is answered.
type ClarificationQuestion struct {
	ID          string   `json:"id"`
	Question    string   `json:"question"`
	Suggestions []string `json:"suggestions"`
	Answered    bool     `json:"answered"`
	Answer      string   `json:"answer,omitempty"`
}

// ChallengeType categorizes a policy challenge raised by the model.
type ChallengeType string

const (
	ChallengeAmbiguity      ChallengeType = "ambiguity"
	ChallengeContradiction  ChallengeType = "contradiction"
	ChallengeVagueCriterion ChallengeType = "vague_criterion"
	ChallengeMissingAction  ChallengeType = "missing_action"
)

// PolicyChallenge flags an issue in the policy together with a proposed
// measurable reformulation.
type PolicyChallenge struct {
	ID          string        `json:"id"`
	Type        ChallengeType `json:"type"`
	Description string        `json:"description"`
	Suggestion  string        `json:"suggestion"`
}

// BuilderMessage is one turn in an agent's conversation transcript.
// IsOnboarding marks locally injected scripted questions; those turns are
// scaffolding and are excluded from the context sent to the model.
type BuilderMessage struct {
	ID             string                  `json:"id"`
	Role           Role                    `json:"role"`
	Content        string                  `json:"content"`
	Timestamp      time.Time               `json:"timestamp"`
	Reflections    []Reflection            `json:"reflections,omitempty"`
	Clarifications []ClarificationQuestion `json:"clarifications,omitempty"`
	Challenges     []PolicyChallenge       `json:"challenges,omitempty"`
	IsOnboarding   bool                    `json:"isOnboarding,omitempty"`
}

// AnswerClarification marks the question with the given id as answered.
// Returns false if the message carries no such question.
func (m *BuilderMessage) AnswerClarification(questionID, answer string) bool {
	for i := range m.Clarifications {
		if m.Clarifications[i].ID == questionID {
			m.Clarifications[i].Answered = true
			m.Clarifications[i].Answer = answer
			return true
		}
	}
	return false
}

// UnansweredClarifications returns how many questions in the batch are still open.
func (m *BuilderMessage) UnansweredClarifications() int {
	n := 0
	for i := range m.Clarifications {
		if !m.Clarifications[i].Answered {
			n++
		}
	}
	return n
}
