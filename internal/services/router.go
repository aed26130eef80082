package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/luminachat/backend/internal/catalog"
	"github.com/luminachat/backend/internal/config"
	"github.com/luminachat/backend/pkg/logger"
	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// ChatMessage is one turn of a conversation as sent upstream.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderError is a typed upstream failure carrying the HTTP status. Non-429
// statuses propagate immediately; 429 triggers the fallback chain.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
}

// ErrAllProvidersUnavailable is returned once every fallback candidate has
// been rate limited.
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

const (
	completeTimeout = 60 * time.Second
)

// Router resolves a concrete model id to an upstream provider call, with
// ordered fallback candidates on rate limiting.
type Router struct {
	cfg *config.Config
	cat *catalog.Catalog

	// streamClient has no overall timeout: the response body is a
	// long-lived token stream. Connection establishment is still bounded.
	streamClient *http.Client
}

func NewRouter(cfg *config.Config, cat *catalog.Catalog) *Router {
	return &Router{
		cfg: cfg,
		cat: cat,
		streamClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: completeTimeout,
			},
		},
	}
}

// WithSystemRules returns a message list with one system-role message
// prepended containing the caller's behavior rules. The input slice is never
// mutated; an empty rules string returns the input unchanged.
func WithSystemRules(msgs []ChatMessage, rules string) []ChatMessage {
	if strings.TrimSpace(rules) == "" {
		return msgs
	}
	out := make([]ChatMessage, 0, len(msgs)+1)
	out = append(out, ChatMessage{Role: "system", Content: rules})
	out = append(out, msgs...)
	return out
}

// StreamWithFallback opens a token stream for the resolved concrete model.
// On HTTP 429 it walks the ordered candidate list: the alias's remaining pool
// members first, then the baseline free models. Non-429 errors propagate
// immediately without fallback. Returns the stream body and the concrete
// model id that actually served it.
func (r *Router) StreamWithFallback(ctx context.Context, logicalID, concreteID string, msgs []ChatMessage) (io.ReadCloser, string, error) {
	candidates := []string{concreteID}
	for _, sibling := range r.cat.PoolSiblings(logicalID, concreteID) {
		candidates = append(candidates, sibling)
	}
	for _, baseline := range catalog.BaselineFallbacks {
		seen := false
		for _, c := range candidates {
			if c == baseline {
				seen = true
				break
			}
		}
		if !seen {
			candidates = append(candidates, baseline)
		}
	}

	for i, candidate := range candidates {
		body, err := r.Stream(ctx, candidate, msgs)
		if err == nil {
			if i > 0 {
				logger.Infof("[Router] Fallback succeeded on %s (attempt %d/%d)", candidate, i+1, len(candidates))
			}
			return body, candidate, nil
		}

		var provErr *ProviderError
		if errors.As(err, &provErr) && provErr.Status == http.StatusTooManyRequests {
			logger.Warnf("[Router] %s rate limited, trying next candidate", candidate)
			continue
		}
		return nil, "", err
	}

	return nil, "", ErrAllProvidersUnavailable
}

// Stream issues one streaming chat completion against the concrete model's
// provider and returns the raw response body for the relay to normalize.
// Providers without an OpenAI-compatible streaming wire are called
// synchronously and their reply synthesized into a single-frame stream.
func (r *Router) Stream(ctx context.Context, concreteID string, msgs []ChatMessage) (io.ReadCloser, error) {
	provider := r.cat.ProviderFor(concreteID)

	switch provider {
	case "anthropic", "gemini", "ollama":
		text, err := r.Complete(ctx, concreteID, msgs)
		if err != nil {
			return nil, err
		}
		return synthesizeStream(text), nil
	default:
		return r.streamOpenAICompatible(ctx, provider, concreteID, msgs)
	}
}

// synthesizeStream wraps a full reply in the simplified frame shape so the
// relay handles SDK-backed providers and true SSE providers identically.
func synthesizeStream(text string) io.ReadCloser {
	frame, _ := json.Marshal(map[string]string{"content": text})
	var b strings.Builder
	fmt.Fprintf(&b, "data: %s\n\n", frame)
	b.WriteString("data: [DONE]\n\n")
	return io.NopCloser(strings.NewReader(b.String()))
}

func (r *Router) streamOpenAICompatible(ctx context.Context, provider, concreteID string, msgs []ChatMessage) (io.ReadCloser, error) {
	pcfg := r.cfg.Provider(provider)
	if pcfg.BaseURL == "" {
		return nil, &ProviderError{Status: http.StatusBadGateway, Message: fmt.Sprintf("provider %q not configured", provider)}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"model":    concreteID,
		"messages": msgs,
		"stream":   true,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(pcfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if pcfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+pcfg.APIKey)
	}

	resp, err := r.streamClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Status: http.StatusBadGateway, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{Status: resp.StatusCode, Message: msg}
	}

	return resp.Body, nil
}

// readErrorBody extracts a short upstream error message without trusting the
// payload size.
func readErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 2048))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "upstream request failed"
	}
	return msg
}

// Complete performs a non-streaming chat completion, dispatching by provider.
// Used for SDK-backed providers and for chat title generation.
func (r *Router) Complete(ctx context.Context, modelID string, msgs []ChatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	provider := r.cat.ProviderFor(modelID)
	logger.Debugf("[Router] Complete via %s, model %s", provider, modelID)

	switch provider {
	case "anthropic":
		return r.completeAnthropic(ctx, modelID, msgs)
	case "gemini":
		return r.completeGemini(ctx, modelID, msgs)
	case "ollama":
		return r.completeOllama(ctx, modelID, msgs)
	default:
		// openai and other OpenAI-compatible services
		return r.completeOpenAI(ctx, provider, modelID, msgs)
	}
}

func (r *Router) completeOpenAI(ctx context.Context, provider, modelID string, msgs []ChatMessage) (string, error) {
	pcfg := r.cfg.Provider(provider)
	clientConfig := openai.DefaultConfig(pcfg.APIKey)
	if pcfg.BaseURL != "" {
		clientConfig.BaseURL = pcfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	reqMsgs := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		reqMsgs = append(reqMsgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: reqMsgs,
	})
	if err != nil {
		return "", toProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Status: http.StatusBadGateway, Message: "no response from provider"}
	}
	return resp.Choices[0].Message.Content, nil
}

func (r *Router) completeAnthropic(ctx context.Context, modelID string, msgs []ChatMessage) (string, error) {
	pcfg := r.cfg.Provider("anthropic")
	opts := []option.RequestOption{option.WithAPIKey(pcfg.APIKey)}
	if pcfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(pcfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	var system string
	params := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: 4096,
		Messages:  params,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := client.Messages.New(ctx, req)
	if err != nil {
		return "", toProviderError(err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return content.String(), nil
}

func (r *Router) completeGemini(ctx context.Context, modelID string, msgs []ChatMessage) (string, error) {
	pcfg := r.cfg.Provider("gemini")
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: pcfg.APIKey})
	if err != nil {
		return "", &ProviderError{Status: http.StatusBadGateway, Message: err.Error()}
	}

	// Gemini takes one prompt blob; flatten the conversation.
	var prompt strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&prompt, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := client.Models.GenerateContent(ctx, modelID, genai.Text(prompt.String()), nil)
	if err != nil {
		return "", toProviderError(err)
	}
	return resp.Text(), nil
}

func (r *Router) completeOllama(ctx context.Context, modelID string, msgs []ChatMessage) (string, error) {
	pcfg := r.cfg.Provider("ollama")
	baseURL := pcfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid ollama base URL: %w", err)
	}
	client := api.NewClient(u, http.DefaultClient)

	reqMsgs := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		reqMsgs = append(reqMsgs, api.Message{Role: m.Role, Content: m.Content})
	}

	var content strings.Builder
	err = client.Chat(ctx, &api.ChatRequest{
		Model:    modelID,
		Messages: reqMsgs,
	}, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", toProviderError(err)
	}
	return content.String(), nil
}

// toProviderError maps SDK error types onto the typed ProviderError so the
// fallback logic can key on the HTTP status uniformly.
func toProviderError(err error) error {
	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return &ProviderError{Status: openaiErr.HTTPStatusCode, Message: openaiErr.Message}
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return &ProviderError{Status: anthropicErr.StatusCode, Message: anthropicErr.Error()}
	}
	return &ProviderError{Status: http.StatusBadGateway, Message: err.Error()}
}
