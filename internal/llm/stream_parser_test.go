package llm

import (
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/surgeonlogic/policybuilder/internal/domain"
)

func deltaSeq(chunks ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func failingSeq(chunks []string, err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		yield("", err)
	}
}

// collect drains a parser stream into its events, stopping at the first error.
func collect(t *testing.T, events iter.Seq2[*StreamEvent, error]) ([]*StreamEvent, error) {
	t.Helper()
	var out []*StreamEvent
	for ev, err := range events {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

const minimalPayload = `{"policy":{"version":2,"blocks":{"highPotentialPatients":{"items":[]},"lowPotentialPatients":{"items":[]},"inBetween":{"items":[]},"forNonQualified":{"items":[]}},"rules":[]},"reflections":[],"nextQuestions":[],"challenges":[]}`

func TestParseStreamThinkingConcatenation(t *testing.T) {
	reasoning := "Noted. Patients over 80 are excluded unless cleared by cardiology."
	full := reasoning + Delimiter + minimalPayload

	// The same response chunked at different boundaries must yield the same
	// reasoning text.
	chunkings := map[string][]string{
		"one chunk":        {full},
		"byte at a time":   strings.Split(full, ""),
		"mid-delimiter":    {reasoning + "--", "-JS", "ON---" + minimalPayload},
		"uneven":           {full[:7], full[7:31], full[31:]},
		"delimiter+suffix": {reasoning, Delimiter, minimalPayload},
	}

	for name, chunks := range chunkings {
		t.Run(name, func(t *testing.T) {
			events, err := collect(t, ParseStream(deltaSeq(chunks...), 1))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var thinking strings.Builder
			statusCount := 0
			var result *AnalysisResult
			for _, ev := range events {
				switch ev.Type {
				case EventThinking:
					thinking.WriteString(ev.Content)
				case EventStatus:
					statusCount++
				case EventResult:
					result = ev.Result
				}
			}

			if got := thinking.String(); got != reasoning {
				t.Errorf("reasoning = %q, want %q", got, reasoning)
			}
			if statusCount != 1 {
				t.Errorf("status events = %d, want 1", statusCount)
			}
			if result == nil {
				t.Fatal("no result event")
			}
			if result.Policy == nil || result.Policy.Version != 2 {
				t.Errorf("policy = %+v, want version 2", result.Policy)
			}
		})
	}
}

func TestParseStreamNeverEmitsPartialDelimiter(t *testing.T) {
	// The second chunk ends with "--", which may be the start of the
	// delimiter. Those bytes must be withheld until the third chunk resolves
	// them as delimiter text.
	chunks := []string{
		"Patient must hav",
		"e no red flags.--",
		"-JSON---" + minimalPayload,
	}

	events, err := collect(t, ParseStream(deltaSeq(chunks...), 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var thinking strings.Builder
	for _, ev := range events {
		if ev.Type != EventThinking {
			continue
		}
		if strings.Contains(ev.Content, "-") {
			t.Errorf("thinking chunk %q leaks delimiter bytes", ev.Content)
		}
		thinking.WriteString(ev.Content)
	}
	if got, want := thinking.String(), "Patient must have no red flags."; got != want {
		t.Errorf("reasoning = %q, want %q", got, want)
	}
}

func TestParseStreamHyphensInReasoningAreEmitted(t *testing.T) {
	// Hyphenated prose must not be withheld forever; once a tail can no
	// longer extend into the delimiter it is released.
	reasoning := "Use a two-step triage - screening first, then imaging. "
	chunks := []string{reasoning, Delimiter + minimalPayload}

	events, err := collect(t, ParseStream(deltaSeq(chunks...), 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var thinking strings.Builder
	for _, ev := range events {
		if ev.Type == EventThinking {
			thinking.WriteString(ev.Content)
		}
	}
	if got := thinking.String(); got != reasoning {
		t.Errorf("reasoning = %q, want %q", got, reasoning)
	}
}

func TestParseStreamDelimiterMissing(t *testing.T) {
	_, err := collect(t, ParseStream(deltaSeq("Just prose, no structure."), 0))
	if !errors.Is(err, ErrUnexpectedFormat) {
		t.Fatalf("err = %v, want ErrUnexpectedFormat", err)
	}
}

func TestParseStreamMalformedPayload(t *testing.T) {
	_, err := collect(t, ParseStream(deltaSeq("ok"+Delimiter+"{not json"), 0))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestParseStreamUpstreamErrorPropagates(t *testing.T) {
	upstream := errors.New("connection reset")
	_, err := collect(t, ParseStream(failingSeq([]string{"partial"}, upstream), 0))
	if !errors.Is(err, upstream) {
		t.Fatalf("err = %v, want upstream error", err)
	}
}

func TestParsePayloadNormalization(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		prevVersion int
		check       func(t *testing.T, r *AnalysisResult)
	}{
		{
			name:        "version defaults to prev+1",
			payload:     `{"policy":{"blocks":{},"rules":[]}}`,
			prevVersion: 4,
			check: func(t *testing.T, r *AnalysisResult) {
				if r.Policy.Version != 5 {
					t.Errorf("version = %d, want 5", r.Policy.Version)
				}
			},
		},
		{
			name:        "first policy defaults to version 1",
			payload:     `{"policy":{"blocks":{}}}`,
			prevVersion: 0,
			check: func(t *testing.T, r *AnalysisResult) {
				if r.Policy.Version != 1 {
					t.Errorf("version = %d, want 1", r.Policy.Version)
				}
			},
		},
		{
			name:    "nil blocks and rules become empty",
			payload: `{"policy":{"version":3}}`,
			check: func(t *testing.T, r *AnalysisResult) {
				r.Policy.EachBlock(func(name string, b *domain.PolicyBlock) {
					if b.Items == nil {
						t.Errorf("block %s has nil items", name)
					}
				})
				if r.Policy.Rules == nil {
					t.Error("rules is nil")
				}
			},
		},
		{
			name:    "missing ids are backfilled",
			payload: `{"reflections":[{"type":"extraction","content":"x"}],"challenges":[{"type":"ambiguity","description":"d"}],"nextQuestions":[{"question":"q?"}]}`,
			check: func(t *testing.T, r *AnalysisResult) {
				if r.Reflections[0].ID == "" {
					t.Error("reflection id not backfilled")
				}
				if r.Challenges[0].ID == "" {
					t.Error("challenge id not backfilled")
				}
				if r.NextQuestions[0].ID == "" {
					t.Error("question id not backfilled")
				}
			},
		},
		{
			name:    "questions start unanswered regardless of payload",
			payload: `{"nextQuestions":[{"id":"q1","question":"q?","answered":true,"answer":"stale"}]}`,
			check: func(t *testing.T, r *AnalysisResult) {
				q := r.NextQuestions[0]
				if q.Answered || q.Answer != "" {
					t.Errorf("question = %+v, want unanswered", q)
				}
			},
		},
		{
			name:    "legacy singular nextQuestion accepted",
			payload: `{"nextQuestion":{"id":"q1","question":"only one?"}}`,
			check: func(t *testing.T, r *AnalysisResult) {
				if len(r.NextQuestions) != 1 || r.NextQuestions[0].Question != "only one?" {
					t.Errorf("nextQuestions = %+v, want the legacy question", r.NextQuestions)
				}
			},
		},
		{
			name:    "absent lists become empty",
			payload: `{}`,
			check: func(t *testing.T, r *AnalysisResult) {
				if r.Reflections == nil || r.NextQuestions == nil || r.Challenges == nil {
					t.Error("expected empty, non-nil lists")
				}
				if r.Policy != nil {
					t.Error("expected nil policy when absent")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := parsePayload(tt.payload, tt.prevVersion)
			if err != nil {
				t.Fatalf("parsePayload: %v", err)
			}
			tt.check(t, r)
		})
	}
}

func TestPartialDelimiterTail(t *testing.T) {
	tests := []struct {
		s    string
		want int
	}{
		{"", 0},
		{"no overlap here", 0},
		{"text-", 1},
		{"text--", 2},
		{"text---J", 4},
		{"text---JSON--", 9},
		{"text---JSON---", 3}, // trailing --- could start another delimiter
		{"--x", 0},
		{"-", 1},
	}
	for _, tt := range tests {
		if got := partialDelimiterTail(tt.s); got != tt.want {
			t.Errorf("partialDelimiterTail(%q) = %d, want %d", tt.s, got, tt.want)
		}
	}
}
