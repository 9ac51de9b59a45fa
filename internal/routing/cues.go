package routing

import (
	"strings"
	"unicode"
)

var endPhrases = []string{
	"end the meeting",
	"end meeting",
	"end the session",
	"end session",
	"end the interview",
	"that s all for today",
	"thats all for today",
	"that is all for today",
	"we re done here",
	"we are done here",
	"let s wrap up",
	"lets wrap up",
	"goodbye everyone",
	"bye everyone",
}

// endFiller is what may surround an end phrase: pleasantries and address
// words, nothing that could carry a question or a topic.
var endFiller = map[string]struct{}{}

var endCommands = []string{"/end", "/quit", "/exit"}

var oocPrefixes = []string{"((", "//", "ooc:", "[ooc]", "(ooc)"}

var oocUtterances = map[string]struct{}{
	"brb":        {},
	"afk":        {},
	"one sec":    {},
	"one second": {},
	"one moment": {},
	"hold on":    {},
	"lol":        {},
	"hmm":        {},
}

var followUpPhrases = []string{
	"you mentioned",
	"you said",
	"you just said",
	"tell me more",
	"elaborate",
	"what do you mean",
	"go on",
	"can you expand",
	"could you expand",
	"say more",
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again all also am an and any are as at be because been
		before being below between both but by can could did do does doing down during each few for from
		further had has have having he her here hers him his how i if in into is it its itself just me
		more most my no nor not now of off on once only or other our ours out over own same she should so
		some such than that the their theirs them then there these they this those through to too under
		until up very was we were what when where which while who whom why will with would you your yours
		yourself think need want like really please thanks thank tell know get make let okay ok yes hello hi
		hey everyone anyone something thing things much many`) {
		stopwords[w] = struct{}{}
	}
	for _, w := range strings.Fields(`thanks thank you ok okay so well alright right great good perfect
		then now here i think we let s please all everyone guys folks very much a lot again for your
		time help cheers bye goodbye and`) {
		endFiller[w] = struct{}{}
	}
}

// normalize lowercases s and replaces every non-alphanumeric rune with a
// single space.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// containsPhrase reports whether phrase occurs in norm on word boundaries.
// Both arguments must be normalized.
func containsPhrase(norm, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+norm+" ", " "+phrase+" ")
}

// isEndCue reports a slash command, or an utterance made of an end phrase
// and filler only. Questions never end a session.
func isEndCue(raw, norm string) bool {
	if isEndCommand(raw) {
		return true
	}
	if strings.Contains(raw, "?") {
		return false
	}
	padded := " " + norm + " "
	for _, p := range endPhrases {
		i := strings.Index(padded, " "+p+" ")
		if i < 0 {
			continue
		}
		rest := padded[:i] + " " + padded[i+len(p)+2:]
		if onlyFiller(rest) {
			return true
		}
	}
	return false
}

func isEndCommand(raw string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	for _, c := range endCommands {
		if trimmed == c || strings.HasPrefix(trimmed, c+" ") {
			return true
		}
	}
	return false
}

func onlyFiller(s string) bool {
	for _, w := range strings.Fields(s) {
		if _, ok := endFiller[w]; !ok {
			return false
		}
	}
	return true
}

func isOutOfCharacter(raw, norm string) bool {
	if norm == "" {
		return true
	}
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range oocPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	_, ok := oocUtterances[norm]
	return ok
}

func isFollowUp(norm string) bool {
	for _, p := range followUpPhrases {
		if containsPhrase(norm, p) {
			return true
		}
	}
	return false
}

// contentTokens returns the distinct non-stopword tokens of a normalized
// string, lightly stemmed.
func contentTokens(norm string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(norm) {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[stem(w)] = struct{}{}
	}
	return out
}

func stem(w string) string {
	switch {
	case len(w) > 5 && strings.HasSuffix(w, "ing"):
		return w[:len(w)-3]
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}

// acronym returns the initials of a multi-word role, or "".
func acronym(normRole string) string {
	words := strings.Fields(normRole)
	if len(words) < 2 {
		return ""
	}
	var b strings.Builder
	for _, w := range words {
		b.WriteByte(w[0])
	}
	return b.String()
}
