package completion

import (
	"context"
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible endpoint, including OpenRouter.
type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Referrer string
	Title    string
}

// OpenAIGateway talks to an OpenAI-compatible chat completion API.
type OpenAIGateway struct {
	client *openai.Client
	model  string
}

type headerTransport struct {
	rt      http.RoundTripper
	headers http.Header
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cl := req.Clone(req.Context())
	for k, vs := range t.headers {
		for _, v := range vs {
			cl.Header.Add(k, v)
		}
	}
	return t.rt.RoundTrip(cl)
}

// NewOpenAI returns a gateway for cfg.
func NewOpenAI(cfg OpenAIConfig) *OpenAIGateway {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Referrer != "" || cfg.Title != "" {
		h := http.Header{}
		if cfg.Referrer != "" {
			h.Set("HTTP-Referer", cfg.Referrer)
		}
		if cfg.Title != "" {
			h.Set("X-Title", cfg.Title)
		}
		oc.HTTPClient = &http.Client{Transport: headerTransport{rt: http.DefaultTransport, headers: h}}
	}
	return &OpenAIGateway{client: openai.NewClientWithConfig(oc), model: cfg.Model}
}

// Complete implements Gateway.
func (g *OpenAIGateway) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	chat := ChatMessages(req)
	msgs := make([]openai.ChatCompletionMessage, 0, len(chat))
	for _, m := range chat {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	creq := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := g.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", classifyOpenAI(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Kind: Malformed, Err: errEmptyResponse}
	}
	return finish(req, resp.Choices[0].Message.Content)
}

func classifyOpenAI(ctx context.Context, err error) error {
	if ce, ok := contextError(ctx, err); ok {
		return ce
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: httpStatusKind(apiErr.HTTPStatusCode), Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: httpStatusKind(reqErr.HTTPStatusCode), Err: err}
	}
	return &Error{Kind: Transport, Err: err}
}
