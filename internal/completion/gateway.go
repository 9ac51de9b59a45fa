// Package completion is the boundary to text-generation providers.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one prior transcript entry handed to the provider.
type Message struct {
	Author string
	Text   string
	// User marks student-authored messages.
	User bool
}

// Request is a single completion call.
type Request struct {
	SystemPrompt string
	History      []Message
	Input        string
	// Timeout bounds the call when > 0.
	Timeout     time.Duration
	JSON        bool
	Temperature float32
}

// Gateway produces text for a request or a typed *Error.
type Gateway interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f GatewayFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Chat roles used by chat-style providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a provider-neutral chat entry.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatMessages flattens a request into system, history and input messages.
// Non-student history entries are prefixed with their author so providers
// can tell stakeholders apart.
func ChatMessages(req Request) []ChatMessage {
	out := make([]ChatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		out = append(out, ChatMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		if m.User {
			out = append(out, ChatMessage{Role: RoleUser, Content: m.Text})
			continue
		}
		out = append(out, ChatMessage{Role: RoleAssistant, Content: fmt.Sprintf("%s: %s", m.Author, m.Text)})
	}
	if req.Input != "" {
		out = append(out, ChatMessage{Role: RoleUser, Content: req.Input})
	}
	return out
}

// withTimeout applies req.Timeout to ctx.
func withTimeout(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	return context.WithCancel(ctx)
}

// finish validates provider output.
func finish(req Request, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &Error{Kind: Malformed, Err: errEmptyResponse}
	}
	if req.JSON && !json.Valid([]byte(text)) {
		return "", &Error{Kind: Malformed, Err: fmt.Errorf("%w: %.80q", errNotJSON, text)}
	}
	return text, nil
}
