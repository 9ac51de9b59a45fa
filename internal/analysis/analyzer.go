package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/reclassroom/reclass/internal/completion"
	"github.com/reclassroom/reclass/internal/domain"
)

// Analyzer runs conflict analysis over a session's requirements.
type Analyzer struct {
	Gateway completion.Gateway
	Timeout time.Duration
}

// Analyze returns the negotiation status of every requirement. Easy
// difficulty explains disputes, medium blanks the reasons, hard skips the
// analysis and returns previous unchanged. A model answer that cannot be
// decoded is a Malformed completion error.
func (a *Analyzer) Analyze(ctx context.Context, sc *domain.Scenario, reqs []domain.Requirement, previous map[string]domain.Negotiation) (map[string]domain.Negotiation, error) {
	difficulty := sc.EffectiveDifficulty()
	if difficulty == domain.DifficultyHard {
		return previous, nil
	}
	if len(reqs) == 0 {
		return map[string]domain.Negotiation{}, nil
	}

	out, err := a.Gateway.Complete(ctx, completion.Request{
		SystemPrompt: analysisPrompt(reqs, difficulty),
		Input:        "Analyze the list now.",
		Timeout:      a.Timeout,
		JSON:         true,
	})
	if err != nil {
		return nil, err
	}

	var raw map[string]domain.Negotiation
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, &completion.Error{Kind: completion.Malformed, Err: fmt.Errorf("decode conflict analysis: %w", err)}
	}

	result := make(map[string]domain.Negotiation, len(reqs))
	for _, r := range reqs {
		n, ok := lookup(raw, r.Text)
		if !ok {
			return nil, &completion.Error{Kind: completion.Malformed, Err: fmt.Errorf("conflict analysis omitted %q", r.Text)}
		}
		switch {
		case strings.EqualFold(n.Status, domain.NegotiationDisputed):
			n.Status = domain.NegotiationDisputed
		case strings.EqualFold(n.Status, domain.NegotiationAgreed):
			n.Status = domain.NegotiationAgreed
			n.Reason = ""
		default:
			return nil, &completion.Error{Kind: completion.Malformed, Err: fmt.Errorf("unknown negotiation status %q", n.Status)}
		}
		if difficulty == domain.DifficultyMedium {
			n.Reason = ""
		}
		result[r.Text] = n
	}
	return result, nil
}

// lookup finds key in m, tolerating case and surrounding whitespace.
func lookup(m map[string]domain.Negotiation, key string) (domain.Negotiation, bool) {
	if n, ok := m[key]; ok {
		return n, true
	}
	for k, n := range m {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return n, true
		}
	}
	return domain.Negotiation{}, false
}

func analysisPrompt(reqs []domain.Requirement, difficulty domain.Difficulty) string {
	var list strings.Builder
	for _, r := range reqs {
		fmt.Fprintf(&list, "- %s\n", r.Text)
	}
	reason := `For "Disputed" status, give a brief objective explanation of which requirements conflict and why.`
	if difficulty == domain.DifficultyMedium {
		reason = `For "Disputed" status, the reason must be an empty string "".`
	}
	return fmt.Sprintf(`You are a senior requirements analyst. Check the list of elicited requirements for conflicts: direct contradictions, and features blocked by a constraint or quality requirement on the same list.

Requirements:
%s
Return a single JSON object. Each key is a requirement string exactly as listed; each value is {"status": "Agreed" | "Disputed", "reason": "..."}.
"Disputed" means the requirement contradicts another or is blocked by one. "Agreed" means it conflicts with nothing on the list.
%s
Base the analysis only on the consistency of the list.`, list.String(), reason)
}
