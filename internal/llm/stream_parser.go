package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/surgeonlogic/policybuilder/internal/domain"
)

// Delimiter separates the model's free-form reasoning from the trailing JSON
// document. The response contract requires exactly this literal to appear
// before the stream completes.
const Delimiter = "---JSON---"

// maxPayloadLogBytes caps how much of a malformed payload is retained for
// diagnostic logging.
const maxPayloadLogBytes = 500

var (
	// ErrUnexpectedFormat is returned when the stream completes without the
	// delimiter ever appearing (protocol violation).
	ErrUnexpectedFormat = errors.New("unexpected response format: delimiter not found")
	// ErrMalformedPayload is returned when the delimiter is present but the
	// trailing text is not a valid JSON document.
	ErrMalformedPayload = errors.New("malformed analysis payload")
)

// StreamEventType identifies a parser event.
type StreamEventType string

const (
	// EventThinking carries an incremental chunk of reasoning text.
	EventThinking StreamEventType = "thinking"
	// EventStatus signals the transition to structured generation.
	EventStatus StreamEventType = "status"
	// EventResult carries the final parsed analysis.
	EventResult StreamEventType = "result"
)

// StreamEvent is one typed event from the response parser.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Result  *AnalysisResult
}

// AnalysisResult is the structured payload following the delimiter, after
// normalization: lists are never nil, every entry carries an id, and every
// clarification question starts unanswered.
type AnalysisResult struct {
	Policy        *domain.ConsultationPolicy     `json:"policy"`
	Reflections   []domain.Reflection            `json:"reflections"`
	NextQuestions []domain.ClarificationQuestion `json:"nextQuestions"`
	Challenges    []domain.PolicyChallenge       `json:"challenges"`
}

// analysisPayload is the raw untrusted shape decoded from the model. It
// additionally accepts the legacy singular nextQuestion field.
type analysisPayload struct {
	Policy        *domain.ConsultationPolicy     `json:"policy"`
	Reflections   []domain.Reflection            `json:"reflections"`
	NextQuestions []domain.ClarificationQuestion `json:"nextQuestions"`
	NextQuestion  *domain.ClarificationQuestion  `json:"nextQuestion"`
	Challenges    []domain.PolicyChallenge       `json:"challenges"`
}

// ParseStream consumes text deltas from an open generation stream and yields
// typed events: reasoning chunks as they become safe to emit, one status
// event when the delimiter is crossed, and one final result event after the
// stream ends and the trailing JSON parses. prevVersion is the version of the
// agent's current policy (0 when none) and is used to default an absent
// version field.
//
// Reasoning chunks are emitted in arrival order and their concatenation
// equals the text before the delimiter. Text that could still be the start of
// the delimiter is withheld until disambiguated.
func ParseStream(deltas iter.Seq2[string, error], prevVersion int) iter.Seq2[*StreamEvent, error] {
	return func(yield func(*StreamEvent, error) bool) {
		var buf strings.Builder
		emitted := 0 // bytes of buf already emitted as reasoning
		delimiterSeen := false

		for delta, err := range deltas {
			if err != nil {
				yield(nil, err)
				return
			}
			buf.WriteString(delta)
			if delimiterSeen {
				continue
			}

			full := buf.String()
			idx := strings.Index(full, Delimiter)
			if idx == -1 {
				// Withhold the longest tail that could still begin the
				// delimiter; emit everything before it.
				safe := len(full) - partialDelimiterTail(full)
				if safe > emitted {
					if !yield(&StreamEvent{Type: EventThinking, Content: full[emitted:safe]}, nil) {
						return
					}
					emitted = safe
				}
				continue
			}

			delimiterSeen = true
			if idx > emitted {
				if !yield(&StreamEvent{Type: EventThinking, Content: full[emitted:idx]}, nil) {
					return
				}
				emitted = idx
			}
			if !yield(&StreamEvent{Type: EventStatus, Content: "Structuring policy..."}, nil) {
				return
			}
		}

		// Stream ended; re-split the complete text and parse the payload.
		_, payload, found := strings.Cut(buf.String(), Delimiter)
		if !found {
			yield(nil, ErrUnexpectedFormat)
			return
		}

		result, err := parsePayload(payload, prevVersion)
		if err != nil {
			yield(nil, err)
			return
		}
		yield(&StreamEvent{Type: EventResult, Result: result}, nil)
	}
}

// partialDelimiterTail returns the length of the longest suffix of s that is
// a strict prefix of the delimiter. Those bytes must not be emitted yet: they
// may be the beginning of the delimiter split across deltas.
func partialDelimiterTail(s string) int {
	max := len(Delimiter) - 1
	if len(s) < max {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(Delimiter, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

// parsePayload decodes and normalizes the trailing JSON document.
func parsePayload(payload string, prevVersion int) (*AnalysisResult, error) {
	payload = strings.TrimSpace(payload)

	var raw analysisPayload
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		slog.Error("failed to parse analysis payload",
			"error", err,
			"payload", truncate(payload, maxPayloadLogBytes),
		)
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	result := &AnalysisResult{
		Policy:      raw.Policy,
		Reflections: raw.Reflections,
		Challenges:  raw.Challenges,
	}

	if result.Reflections == nil {
		result.Reflections = []domain.Reflection{}
	}
	for i := range result.Reflections {
		if result.Reflections[i].ID == "" {
			result.Reflections[i].ID = uuid.NewString()
		}
	}

	if result.Challenges == nil {
		result.Challenges = []domain.PolicyChallenge{}
	}
	for i := range result.Challenges {
		if result.Challenges[i].ID == "" {
			result.Challenges[i].ID = uuid.NewString()
		}
	}

	// Accept both the list field and the legacy singular question.
	questions := raw.NextQuestions
	if questions == nil && raw.NextQuestion != nil {
		questions = []domain.ClarificationQuestion{*raw.NextQuestion}
	}
	if questions == nil {
		questions = []domain.ClarificationQuestion{}
	}
	for i := range questions {
		if questions[i].ID == "" {
			questions[i].ID = uuid.NewString()
		}
		questions[i].Answered = false
		questions[i].Answer = ""
	}
	result.NextQuestions = questions

	if result.Policy != nil {
		if result.Policy.Version == 0 {
			result.Policy.Version = prevVersion + 1
		}
		result.Policy.EachBlock(func(_ string, block *domain.PolicyBlock) {
			if block.Items == nil {
				block.Items = []domain.PolicyItem{}
			}
		})
		if result.Policy.Rules == nil {
			result.Policy.Rules = []domain.PolicyRule{}
		}
	}

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
