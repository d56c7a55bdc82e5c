package domain

import "time"

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusArchived AgentStatus = "archived"
)

// Agent is one surgeon's persisted conversation and the policy built from it.
// An agent starts empty: no policy, empty transcript, onboarding incomplete.
type Agent struct {
	ID                  string              `json:"id"`
	OwnerID             string              `json:"-"`
	Name                string              `json:"name"`
	Specialty           string              `json:"specialty,omitempty"`
	Status              AgentStatus         `json:"status"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	Policy              *ConsultationPolicy `json:"policy"`
	ConversationHistory []BuilderMessage    `json:"conversation_history"`
	OnboardingComplete  bool                `json:"onboarding_complete"`
}

// HasPolicy returns true once the agent has received its first policy version.
func (a *Agent) HasPolicy() bool {
	return a.Policy != nil
}

// UserMessageCount counts user turns in the transcript. During onboarding
// this is also the number of scripted questions already answered.
func (a *Agent) UserMessageCount() int {
	n := 0
	for i := range a.ConversationHistory {
		if a.ConversationHistory[i].Role == RoleUser {
			n++
		}
	}
	return n
}
