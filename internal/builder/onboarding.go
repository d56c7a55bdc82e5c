package builder

import (
	"fmt"
	"strings"
	"time"

	"github.com/surgeonlogic/policybuilder/internal/domain"
)

// onboardingQuestionCount is the length of the scripted intake sequence.
// The first three answers are collected with zero model round-trips; the
// fourth triggers the single seeding request.
const onboardingQuestionCount = 4

var onboardingQuestions = []struct {
	intro    string
	question string
}{
	{
		intro:    "Welcome! I'll help you formalize your consultation policy. Let's start with 4 questions to understand your practice.",
		question: "What is the ideal type of patient you currently see in consultation?",
	},
	{
		question: "What type of patient would you consider to have low surgical potential?",
	},
	{
		question: "Is there an in-between: patients who qualify but with low or uncertain surgical potential?",
	},
	{
		question: "For non-qualifying patients, what would you like to offer them? (advice, exams to complete, specialist referral, colleague...)",
	},
}

// onboardingLabels are the fixed labels used when the four answers are
// bundled into the seeding request, in question order.
var onboardingLabels = []string{
	"Q1 — High potential patients (ideal surgical candidates)",
	"Q2 — Low potential patients (low surgical potential)",
	"Q3 — In-between (uncertain surgical potential)",
	"Q4 — For non-qualifying patients (redirect/advice)",
}

// onboardingMessage builds the scripted assistant turn for one onboarding
// step. These turns are local scaffolding: they are flagged so they can be
// excluded from model context.
func onboardingMessage(step int) domain.BuilderMessage {
	q := onboardingQuestions[step]
	content := fmt.Sprintf("**Question %d/%d:** %s", step+1, onboardingQuestionCount, q.question)
	if q.intro != "" {
		content = q.intro + "\n\n" + content
	}
	return domain.BuilderMessage{
		ID:           fmt.Sprintf("onboarding-q%d", step),
		Role:         domain.RoleAssistant,
		Content:      content,
		Timestamp:    time.Now(),
		IsOnboarding: true,
	}
}

// bundleOnboardingAnswers joins the first four user answers, by position,
// under their fixed labels into one synthetic user message.
func bundleOnboardingAnswers(history []domain.BuilderMessage) string {
	var answers []string
	for i := range history {
		if history[i].Role == domain.RoleUser {
			answers = append(answers, history[i].Content)
		}
	}

	parts := make([]string, 0, len(onboardingLabels))
	for i, label := range onboardingLabels {
		answer := "(no answer)"
		if i < len(answers) {
			answer = answers[i]
		}
		parts = append(parts, fmt.Sprintf("%s:\n%q", label, answer))
	}
	return strings.Join(parts, "\n\n")
}

// bundleClarificationAnswers formats a fully answered batch as Q/A pairs in
// the batch's original order, joined by blank lines.
func bundleClarificationAnswers(questions []domain.ClarificationQuestion) string {
	parts := make([]string, 0, len(questions))
	for i := range questions {
		if !questions[i].Answered || questions[i].Answer == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("Q: %s\nA: %s", questions[i].Question, questions[i].Answer))
	}
	return strings.Join(parts, "\n\n")
}
