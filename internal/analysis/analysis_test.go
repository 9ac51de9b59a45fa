package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclassroom/reclass/internal/completion"
	"github.com/reclassroom/reclass/internal/domain"
)

func scenario(d domain.Difficulty) *domain.Scenario {
	return &domain.Scenario{
		ID:               "photos",
		ProjectContext:   "Photo sharing app",
		Stakeholders:     []domain.Stakeholder{{Role: "Product Owner"}, {Role: "Legal Counsel"}},
		InteractionLimit: 5,
		Difficulty:       d,
	}
}

func TestNormalizeRequirement(t *testing.T) {
	t.Parallel()

	sc := scenario("")
	got, err := NormalizeRequirement(domain.Requirement{Text: "  Users upload pictures ", Source: "product owner"}, sc, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Requirement{Text: "Users upload pictures", Source: "Product Owner", Priority: "Medium", Category: "Uncategorized"}, got)

	got, err = NormalizeRequirement(domain.Requirement{Text: "GDPR", Source: "Legal Counsel", Priority: "high", Category: "non-functional"}, sc, nil)
	require.NoError(t, err)
	assert.Equal(t, "High", got.Priority)
	assert.Equal(t, "Non-Functional", got.Category)

	existing := []domain.Requirement{{Text: "GDPR"}}
	bad := []domain.Requirement{
		{Text: "", Source: "Legal Counsel"},
		{Text: "x", Source: "Janitor"},
		{Text: "x", Source: "student"},
		{Text: "x", Source: "Legal Counsel", Priority: "urgent"},
		{Text: "x", Source: "Legal Counsel", Category: "misc"},
		{Text: "gdpr", Source: "Legal Counsel"},
	}
	for _, r := range bad {
		_, err := NormalizeRequirement(r, sc, existing)
		assert.ErrorIs(t, err, ErrInvalidRequirement, "%+v", r)
	}
}

func reqs() []domain.Requirement {
	return []domain.Requirement{
		{Text: "Users can upload profile pictures"},
		{Text: "The system stores no user-generated content"},
		{Text: "Login with email"},
	}
}

const disputedAnswer = `{
	"Users can upload profile pictures": {"status": "Disputed", "reason": "blocked by the storage constraint"},
	"the system stores no user-generated content ": {"status": "disputed", "reason": "blocks uploads"},
	"Login with email": {"status": "Agreed", "reason": "fine"}
}`

func fixed(out string, err error) completion.Gateway {
	return completion.GatewayFunc(func(_ context.Context, req completion.Request) (string, error) {
		if !req.JSON {
			return "", errors.New("expected JSON mode")
		}
		return out, err
	})
}

func TestAnalyzeEasyKeepsReasons(t *testing.T) {
	t.Parallel()

	a := &Analyzer{Gateway: fixed(disputedAnswer, nil)}
	got, err := a.Analyze(context.Background(), scenario(domain.DifficultyEasy), reqs(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]domain.Negotiation{
		"Users can upload profile pictures":           {Status: "Disputed", Reason: "blocked by the storage constraint"},
		"The system stores no user-generated content": {Status: "Disputed", Reason: "blocks uploads"},
		"Login with email":                            {Status: "Agreed"},
	}, got)
}

func TestAnalyzeMediumBlanksReasons(t *testing.T) {
	t.Parallel()

	a := &Analyzer{Gateway: fixed(disputedAnswer, nil)}
	got, err := a.Analyze(context.Background(), scenario(domain.DifficultyMedium), reqs(), nil)
	require.NoError(t, err)
	for _, n := range got {
		assert.Empty(t, n.Reason)
	}
	assert.Equal(t, domain.NegotiationDisputed, got["Users can upload profile pictures"].Status)
}

func TestAnalyzeHardSkips(t *testing.T) {
	t.Parallel()

	prev := map[string]domain.Negotiation{"x": {Status: "Agreed"}}
	a := &Analyzer{Gateway: fixed("", errors.New("must not be called"))}
	got, err := a.Analyze(context.Background(), scenario(domain.DifficultyHard), reqs(), prev)
	require.NoError(t, err)
	assert.Equal(t, prev, got)
}

func TestAnalyzeFailures(t *testing.T) {
	t.Parallel()

	tests := map[string]completion.Gateway{
		"not an object": fixed(`["a"]`, nil),
		"missing entry": fixed(`{"Login with email": {"status": "Agreed"}}`, nil),
		"bad status":    fixed(`{"Users can upload profile pictures": {"status": "Maybe"}, "The system stores no user-generated content": {"status": "Agreed"}, "Login with email": {"status": "Agreed"}}`, nil),
	}
	for name, gw := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := (&Analyzer{Gateway: gw}).Analyze(context.Background(), scenario(""), reqs(), nil)
			assert.Equal(t, completion.Malformed, completion.KindOf(err))
		})
	}

	timeout := &completion.Error{Kind: completion.Timeout, Err: context.DeadlineExceeded}
	_, err := (&Analyzer{Gateway: fixed("", timeout)}).Analyze(context.Background(), scenario(""), reqs(), nil)
	assert.Equal(t, completion.Timeout, completion.KindOf(err))

	got, err := (&Analyzer{Gateway: fixed("", timeout)}).Analyze(context.Background(), scenario(""), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
