package completion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Morwran/yagpt"
)

// IAM tokens live for twelve hours; refresh well before that.
const yandexTokenTTL = time.Hour

// YandexGateway talks to YandexGPT.
type YandexGateway struct {
	ya      yagpt.YaGPTFace
	refresh func() (string, error)
	now     func() time.Time

	mu       sync.Mutex
	iamToken string
	issuedAt time.Time
}

// NewYandex exchanges the OAuth token for an IAM token and builds a gateway
// for the folder.
func NewYandex(oauthToken, folderID string) (*YandexGateway, error) {
	iam, err := yagpt.NewYaIam(oauthToken)
	if err != nil {
		return nil, fmt.Errorf("init yandex iam: %w", err)
	}
	ya, err := yagpt.NewYagpt(folderID)
	if err != nil {
		return nil, fmt.Errorf("init yagpt: %w", err)
	}
	g := &YandexGateway{
		ya: ya,
		refresh: func() (string, error) {
			resp, err := iam.Create()
			if err != nil {
				return "", err
			}
			return resp.IamToken, nil
		},
		now: time.Now,
	}
	if _, err := g.token(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *YandexGateway) token() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.iamToken != "" && g.now().Sub(g.issuedAt) < yandexTokenTTL {
		return g.iamToken, nil
	}
	tok, err := g.refresh()
	if err != nil {
		return "", fmt.Errorf("create iam token: %w", err)
	}
	g.iamToken = tok
	g.issuedAt = g.now()
	return tok, nil
}

// Complete implements Gateway. Temperature is left to the model default.
func (g *YandexGateway) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	tok, err := g.token()
	if err != nil {
		return "", &Error{Kind: Transport, Err: err}
	}

	chat := ChatMessages(req)
	if req.JSON && len(chat) > 0 && chat[0].Role == RoleSystem {
		chat[0].Content += "\n\nRespond with a single JSON object and nothing else."
	}
	msgs := make([]yagpt.Message, 0, len(chat))
	for _, m := range chat {
		msgs = append(msgs, yagpt.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := g.ya.CompletionWithCtx(ctx, tok, msgs)
	if err != nil {
		return "", classifyYandex(ctx, err)
	}
	if resp == nil || len(resp.Alternatives) == 0 {
		return "", &Error{Kind: Malformed, Err: errEmptyResponse}
	}
	return finish(req, stripCodeFence(resp.Alternatives[0].Message.Content))
}

func classifyYandex(ctx context.Context, err error) error {
	if ce, ok := contextError(ctx, err); ok {
		return ce
	}
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests") {
		return &Error{Kind: RateLimited, Err: err}
	}
	return &Error{Kind: Transport, Err: err}
}

// stripCodeFence removes a surrounding markdown code fence, which YandexGPT
// tends to add around JSON answers.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(t), "```")
}
