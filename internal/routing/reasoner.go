package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/reclassroom/reclass/internal/completion"
)

// LLMReasoner asks a completion gateway to name the addressee.
type LLMReasoner struct {
	Gateway completion.Gateway
	Timeout time.Duration
}

type reasonerAnswer struct {
	Responder string `json:"responder"`
}

// Reason implements Reasoner.
func (l *LLMReasoner) Reason(ctx context.Context, q Query) (string, error) {
	var hist strings.Builder
	for _, t := range q.Window {
		fmt.Fprintf(&hist, "- %s: %s\n", t.Author, t.Text)
	}
	if hist.Len() == 0 {
		hist.WriteString("(no prior turns)\n")
	}

	prompt := fmt.Sprintf(`You moderate a requirements-elicitation meeting. Decide which single stakeholder should answer the student's newest message.

Stakeholders: %s

Recent conversation:
%s
Return a JSON object {"responder": "<role>"} naming exactly one stakeholder from the list.
Use "NONE" when the message is out-of-character chatter nobody should answer.
Use "END" when the student is closing the meeting.`, strings.Join(q.Roles, ", "), hist.String())

	out, err := l.Gateway.Complete(ctx, completion.Request{
		SystemPrompt: prompt,
		Input:        q.Utterance,
		Timeout:      l.Timeout,
		JSON:         true,
	})
	if err != nil {
		return "", err
	}
	var ans reasonerAnswer
	if err := json.Unmarshal([]byte(out), &ans); err != nil {
		return "", fmt.Errorf("decode routing answer: %w", err)
	}
	if strings.TrimSpace(ans.Responder) == "" {
		return "", fmt.Errorf("routing answer has no responder: %s", out)
	}
	return ans.Responder, nil
}
