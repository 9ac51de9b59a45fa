// Package routing decides which stakeholder answers a student utterance.
package routing

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/reclassroom/reclass/internal/domain"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultContextWindow   = 10
	DefaultStarvationTurns = 6
)

// DecisionKind is the outcome of routing a turn.
type DecisionKind int

const (
	// Respond names the stakeholder that answers.
	Respond DecisionKind = iota + 1
	// None means no persona answers, e.g. out-of-character chatter.
	None
	// End means the student closed the conversation.
	End
)

func (k DecisionKind) String() string {
	switch k {
	case Respond:
		return "respond"
	case None:
		return "none"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// Decision rules, reported for auditing.
const (
	RuleEndCue      = "end_cue"
	RuleOutOfChar   = "out_of_character"
	RuleMention     = "mention"
	RuleFollowUp    = "follow_up"
	RuleReasoner    = "reasoner"
	RuleTopic       = "topic"
	RuleDeclaredOrd = "declared_order"
)

// Decision is a routing result. Responder is set only for Respond.
type Decision struct {
	Kind      DecisionKind
	Responder string
	Rule      string
}

// Query is what a Reasoner sees.
type Query struct {
	Window    []domain.Turn
	Roles     []string
	Utterance string
}

// Reasoner is an optional model-backed addressee classifier. It returns a
// stakeholder role, "NONE" or "END". Any error or unrecognised answer makes
// the router fall back to its deterministic rules.
type Reasoner interface {
	Reason(ctx context.Context, q Query) (string, error)
}

// Options configures a Router.
type Options struct {
	ContextWindow   int
	StarvationTurns int
	Reasoner        Reasoner
	Logger          *zap.Logger
}

// Router selects responders. It is safe for concurrent use and never
// produces reply text itself.
type Router struct {
	window     int
	starvation int
	reasoner   Reasoner
	logger     *zap.Logger
}

// New returns a router.
func New(opts Options) *Router {
	r := &Router{
		window:     opts.ContextWindow,
		starvation: opts.StarvationTurns,
		reasoner:   opts.Reasoner,
		logger:     opts.Logger,
	}
	if r.window <= 0 {
		r.window = DefaultContextWindow
	}
	if r.starvation <= 0 {
		r.starvation = DefaultStarvationTurns
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// ContextWindow returns the number of trailing turns the router inspects.
func (r *Router) ContextWindow() int { return r.window }

// SelectResponder routes utterance. transcript holds the prior turns; only
// the trailing context window is inspected. With no stakeholders the result
// is None.
func (r *Router) SelectResponder(ctx context.Context, transcript []domain.Turn, stakeholders []domain.Stakeholder, utterance string) Decision {
	if len(transcript) > r.window {
		transcript = transcript[len(transcript)-r.window:]
	}
	norm := normalize(utterance)
	role, named := mentioned(norm, stakeholders)

	// A named addressee outranks an end phrase; slash commands still end.
	if isEndCue(utterance, norm) && (!named || isEndCommand(utterance)) {
		return Decision{Kind: End, Rule: RuleEndCue}
	}
	if isOutOfCharacter(utterance, norm) || len(stakeholders) == 0 {
		return Decision{Kind: None, Rule: RuleOutOfChar}
	}

	if named {
		return respond(role, RuleMention)
	}

	if isFollowUp(norm) {
		if role, ok := lastSpeaker(transcript, stakeholders); ok {
			return respond(role, RuleFollowUp)
		}
	}

	// Ambiguous from here on: every path below resolves deterministically.
	if r.reasoner != nil {
		if d, ok := r.ask(ctx, transcript, stakeholders, utterance); ok {
			return d
		}
	}

	if role, ok := r.topical(norm, transcript, stakeholders); ok {
		return respond(role, RuleTopic)
	}

	return respond(stakeholders[0].Role, RuleDeclaredOrd)
}

func respond(role, rule string) Decision {
	return Decision{Kind: Respond, Responder: role, Rule: rule}
}

// mentioned scores explicit addressee cues. A full role name outranks any
// partial match; partial matches count distinctive role tokens and
// acronyms. Ties go to declared order.
func mentioned(norm string, stakeholders []domain.Stakeholder) (string, bool) {
	tokenOwners := make(map[string]int)
	for _, st := range stakeholders {
		seen := map[string]bool{}
		for _, tok := range strings.Fields(normalize(st.Role)) {
			if !seen[tok] {
				tokenOwners[tok]++
				seen[tok] = true
			}
		}
	}

	best, bestScore := -1, 0
	for i, st := range stakeholders {
		role := normalize(st.Role)
		score := 0
		if containsPhrase(norm, role) {
			score = 100 + len(strings.Fields(role))
		} else {
			if a := acronym(role); len(a) >= 2 && containsPhrase(norm, a) {
				score += 20
			}
			for _, tok := range strings.Fields(role) {
				if len(tok) < 3 || tokenOwners[tok] > 1 {
					continue
				}
				if _, stop := stopwords[tok]; stop {
					continue
				}
				if containsPhrase(norm, tok) {
					score += 10
				}
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return "", false
	}
	return stakeholders[best].Role, true
}

func lastSpeaker(window []domain.Turn, stakeholders []domain.Stakeholder) (string, bool) {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].IsStudent() {
			continue
		}
		if role, ok := matchRole(window[i].Author, stakeholders, false); ok {
			return role, true
		}
	}
	return "", false
}

func (r *Router) ask(ctx context.Context, window []domain.Turn, stakeholders []domain.Stakeholder, utterance string) (Decision, bool) {
	roles := make([]string, 0, len(stakeholders))
	for _, st := range stakeholders {
		roles = append(roles, st.Role)
	}
	answer, err := r.reasoner.Reason(ctx, Query{Window: window, Roles: roles, Utterance: utterance})
	if err != nil {
		r.logger.Warn("routing reasoner failed; using deterministic rules", zap.Error(err))
		return Decision{}, false
	}

	answer = strings.Trim(strings.TrimSpace(answer), `"'`)
	switch strings.ToUpper(answer) {
	case "NONE":
		return Decision{Kind: None, Rule: RuleReasoner}, true
	case "END":
		return Decision{Kind: End, Rule: RuleReasoner}, true
	}
	if role, ok := matchRole(answer, stakeholders, true); ok {
		return respond(role, RuleReasoner), true
	}
	r.logger.Warn("routing reasoner named an unknown stakeholder", zap.String("answer", answer))
	return Decision{}, false
}

// matchRole resolves name to a declared role: exact case-insensitive match
// first, then (when fuzzy) substring containment in either direction.
func matchRole(name string, stakeholders []domain.Stakeholder, fuzzy bool) (string, bool) {
	n := normalize(name)
	if n == "" {
		return "", false
	}
	for _, st := range stakeholders {
		if normalize(st.Role) == n {
			return st.Role, true
		}
	}
	if !fuzzy {
		return "", false
	}
	for _, st := range stakeholders {
		role := normalize(st.Role)
		if containsPhrase(role, n) || containsPhrase(n, role) {
			return st.Role, true
		}
	}
	return "", false
}

// topical scores word overlap between the utterance and each stakeholder's
// domain knowledge, goals and background. Ties are broken by momentum.
func (r *Router) topical(norm string, window []domain.Turn, stakeholders []domain.Stakeholder) (string, bool) {
	words := contentTokens(norm)
	if len(words) == 0 {
		return "", false
	}

	var tied []int
	bestScore := 0
	for i, st := range stakeholders {
		a := st.Attributes
		vocab := contentTokens(normalize(a.DomainKnowledge + " " + a.Goals + " " + a.Background))
		score := 0
		for w := range words {
			if _, ok := vocab[w]; ok {
				score++
			}
		}
		switch {
		case score > bestScore:
			bestScore = score
			tied = []int{i}
		case score == bestScore && score > 0:
			tied = append(tied, i)
		}
	}
	if bestScore == 0 {
		return "", false
	}
	if len(tied) == 1 {
		return stakeholders[tied[0]].Role, true
	}
	return stakeholders[r.momentum(tied, window, stakeholders)].Role, true
}

// momentum picks among tied candidates (indices in declared order): a
// stakeholder silent for the starvation span first, then anyone other than
// the last speaker, then the first declared.
func (r *Router) momentum(tied []int, window []domain.Turn, stakeholders []domain.Stakeholder) int {
	if len(window) >= r.starvation {
		recent := make(map[string]bool)
		for _, t := range window[len(window)-r.starvation:] {
			recent[t.Author] = true
		}
		for _, i := range tied {
			if !recent[stakeholders[i].Role] {
				return i
			}
		}
	}
	if last, ok := lastSpeaker(window, stakeholders); ok {
		for _, i := range tied {
			if stakeholders[i].Role != last {
				return i
			}
		}
	}
	return tied[0]
}
