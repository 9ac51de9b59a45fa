package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclassroom/reclass/internal/completion"
	"github.com/reclassroom/reclass/internal/domain"
)

func stakeholders() []domain.Stakeholder {
	return []domain.Stakeholder{
		{Role: "Marketing Manager", Attributes: domain.Attributes{
			Goals:           "increase customer engagement",
			DomainKnowledge: "campaigns newsletters social media",
		}},
		{Role: "Chief Technology Officer", Attributes: domain.Attributes{
			Goals:           "keep the platform secure",
			DomainKnowledge: "cloud hosting databases security",
		}},
		{Role: "Finance Lead", Attributes: domain.Attributes{
			Goals:      "stay within budget",
			Background: "accounting and procurement",
		}},
	}
}

func turns(authors ...string) []domain.Turn {
	out := make([]domain.Turn, 0, len(authors))
	for i, a := range authors {
		out = append(out, domain.Turn{Seq: i + 1, Author: a, Text: "..."})
	}
	return out
}

type stubReasoner struct {
	answer string
	err    error
	calls  int
}

func (s *stubReasoner) Reason(context.Context, Query) (string, error) {
	s.calls++
	return s.answer, s.err
}

func TestFallbackIsFirstDeclared(t *testing.T) {
	t.Parallel()

	abc := []domain.Stakeholder{{Role: "A"}, {Role: "B"}, {Role: "C"}}
	transcripts := [][]domain.Turn{
		nil,
		turns(domain.StudentAuthor, "B"),
		turns(domain.StudentAuthor, "C", domain.StudentAuthor, "B"),
	}
	r := New(Options{})
	for _, tr := range transcripts {
		for i := 0; i < 20; i++ {
			d := r.SelectResponder(context.Background(), tr, abc, "What should we build first?")
			require.Equal(t, Respond, d.Kind)
			assert.Equal(t, "A", d.Responder)
			assert.Equal(t, RuleDeclaredOrd, d.Rule)
		}
	}
}

func TestSelectResponderCues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		transcript []domain.Turn
		utterance  string
		kind       DecisionKind
		responder  string
		rule       string
	}{
		{name: "full role mention", utterance: "Finance Lead, how much can we spend?", kind: Respond, responder: "Finance Lead", rule: RuleMention},
		{name: "case insensitive mention", utterance: "what does the marketing manager want?", kind: Respond, responder: "Marketing Manager", rule: RuleMention},
		{name: "acronym mention", utterance: "Question for the CTO: where do we host?", kind: Respond, responder: "Chief Technology Officer", rule: RuleMention},
		{name: "distinctive token", utterance: "Finance, is this affordable?", kind: Respond, responder: "Finance Lead", rule: RuleMention},
		{name: "two mentions tie by order", utterance: "Finance Lead and Marketing Manager, please weigh in.", kind: Respond, responder: "Marketing Manager", rule: RuleMention},
		{name: "end phrase", utterance: "Thanks, that's all for today!", kind: End, rule: RuleEndCue},
		{name: "end command", utterance: "/end", kind: End, rule: RuleEndCue},
		{name: "ooc prefix", utterance: "(( sorry, my cat walked on the keyboard", kind: None, rule: RuleOutOfChar},
		{name: "brb", utterance: "brb", kind: None, rule: RuleOutOfChar},
		{name: "punctuation only", utterance: "?!...", kind: None, rule: RuleOutOfChar},
		{
			name:       "follow up goes to last speaker",
			transcript: turns(domain.StudentAuthor, "Marketing Manager", domain.StudentAuthor, "Finance Lead"),
			utterance:  "You mentioned limits earlier, can you elaborate?",
			kind:       Respond, responder: "Finance Lead", rule: RuleFollowUp,
		},
		{name: "follow up without speaker falls back", utterance: "tell me more", kind: Respond, responder: "Marketing Manager", rule: RuleDeclaredOrd},
		{name: "topic security", utterance: "How are the databases kept secure?", kind: Respond, responder: "Chief Technology Officer", rule: RuleTopic},
		{name: "topic budget", utterance: "What's the budget for procurement?", kind: Respond, responder: "Finance Lead", rule: RuleTopic},
	}

	r := New(Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := r.SelectResponder(context.Background(), tt.transcript, stakeholders(), tt.utterance)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.responder, d.Responder)
			assert.Equal(t, tt.rule, d.Rule)
		})
	}
}

func TestEndPhraseInsideDomainQuestion(t *testing.T) {
	t.Parallel()

	team := []domain.Stakeholder{{Role: "Product Owner"}, {Role: "Security Lead"}}
	tests := []struct {
		name      string
		utterance string
		kind      DecisionKind
		responder string
	}{
		{name: "named question", utterance: "Security Lead, when a user clicks logout should we end the session on every device?", kind: Respond, responder: "Security Lead"},
		{name: "unnamed question", utterance: "Should hosts be able to end the meeting for all participants?", kind: Respond},
		{name: "statement with topic", utterance: "We need a button to end the meeting for everyone.", kind: Respond},
		{name: "named farewell", utterance: "Thanks Security Lead, that's all for today.", kind: Respond, responder: "Security Lead"},
		{name: "phrase with pleasantries", utterance: "Okay, let's end the meeting. Thanks everyone.", kind: End},
		{name: "bare phrase", utterance: "Let's wrap up.", kind: End},
		{name: "command beats mention", utterance: "/end Security Lead", kind: End},
	}

	r := New(Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := r.SelectResponder(context.Background(), nil, team, tt.utterance)
			require.Equal(t, tt.kind, d.Kind, "rule %s", d.Rule)
			if tt.responder != "" {
				assert.Equal(t, tt.responder, d.Responder)
				assert.Equal(t, RuleMention, d.Rule)
			}
		})
	}
}

func TestReasonerAnswers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		answer    string
		err       error
		kind      DecisionKind
		responder string
		rule      string
	}{
		{name: "exact", answer: "Finance Lead", kind: Respond, responder: "Finance Lead", rule: RuleReasoner},
		{name: "fuzzy", answer: "the marketing manager", kind: Respond, responder: "Marketing Manager", rule: RuleReasoner},
		{name: "partial", answer: "Technology", kind: Respond, responder: "Chief Technology Officer", rule: RuleReasoner},
		{name: "none", answer: "NONE", kind: None, rule: RuleReasoner},
		{name: "end", answer: "end", kind: End, rule: RuleReasoner},
		{name: "unknown role falls back", answer: "Janitor", kind: Respond, responder: "Marketing Manager", rule: RuleDeclaredOrd},
		{name: "error falls back", err: errors.New("timeout"), kind: Respond, responder: "Marketing Manager", rule: RuleDeclaredOrd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs := &stubReasoner{answer: tt.answer, err: tt.err}
			r := New(Options{Reasoner: rs})
			d := r.SelectResponder(context.Background(), nil, stakeholders(), "What should we build first?")
			assert.Equal(t, 1, rs.calls)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.responder, d.Responder)
			assert.Equal(t, tt.rule, d.Rule)
		})
	}
}

func TestReasonerSkippedForClearCues(t *testing.T) {
	t.Parallel()

	rs := &stubReasoner{answer: "Finance Lead"}
	r := New(Options{Reasoner: rs})
	d := r.SelectResponder(context.Background(), nil, stakeholders(), "Marketing Manager, hi")
	assert.Equal(t, "Marketing Manager", d.Responder)
	assert.Zero(t, rs.calls)
}

func TestMomentumBreaksTopicalTies(t *testing.T) {
	t.Parallel()

	twins := []domain.Stakeholder{
		{Role: "Nurse", Attributes: domain.Attributes{DomainKnowledge: "patient scheduling"}},
		{Role: "Receptionist", Attributes: domain.Attributes{DomainKnowledge: "patient scheduling"}},
	}
	r := New(Options{StarvationTurns: 4})

	// Nurse spoke last: avoid trivial self-repetition.
	d := r.SelectResponder(context.Background(), turns(domain.StudentAuthor, "Nurse"), twins, "How does scheduling work?")
	assert.Equal(t, "Receptionist", d.Responder)

	// Receptionist spoke last.
	d = r.SelectResponder(context.Background(), turns(domain.StudentAuthor, "Receptionist"), twins, "How does scheduling work?")
	assert.Equal(t, "Nurse", d.Responder)

	// Receptionist has been silent for the whole starvation span.
	tr := turns(domain.StudentAuthor, "Nurse", domain.StudentAuthor, "Nurse")
	d = r.SelectResponder(context.Background(), tr, twins, "How does scheduling work?")
	assert.Equal(t, "Receptionist", d.Responder)

	// No history: declared order.
	d = r.SelectResponder(context.Background(), nil, twins, "How does scheduling work?")
	assert.Equal(t, "Nurse", d.Responder)
}

func TestContextWindowBoundsFollowUp(t *testing.T) {
	t.Parallel()

	tr := turns("Finance Lead", domain.StudentAuthor, domain.StudentAuthor, domain.StudentAuthor)
	r := New(Options{ContextWindow: 3})
	d := r.SelectResponder(context.Background(), tr, stakeholders(), "go on")
	assert.Equal(t, RuleDeclaredOrd, d.Rule)

	r = New(Options{ContextWindow: 4})
	d = r.SelectResponder(context.Background(), tr, stakeholders(), "go on")
	assert.Equal(t, "Finance Lead", d.Responder)
	assert.Equal(t, RuleFollowUp, d.Rule)
}

func TestNoStakeholders(t *testing.T) {
	t.Parallel()

	d := New(Options{}).SelectResponder(context.Background(), nil, nil, "hello?")
	assert.Equal(t, None, d.Kind)
}

func TestLLMReasoner(t *testing.T) {
	t.Parallel()

	var seen completion.Request
	lr := &LLMReasoner{Gateway: completion.GatewayFunc(func(_ context.Context, req completion.Request) (string, error) {
		seen = req
		return `{"responder":"Finance Lead"}`, nil
	})}
	got, err := lr.Reason(context.Background(), Query{
		Window:    turns(domain.StudentAuthor),
		Roles:     []string{"Marketing Manager", "Finance Lead"},
		Utterance: "costs?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Finance Lead", got)
	assert.True(t, seen.JSON)
	assert.Equal(t, "costs?", seen.Input)
	assert.Contains(t, seen.SystemPrompt, "Marketing Manager, Finance Lead")

	lr.Gateway = completion.GatewayFunc(func(context.Context, completion.Request) (string, error) {
		return `{"roster":"x"}`, nil
	})
	_, err = lr.Reason(context.Background(), Query{})
	assert.Error(t, err)
}
