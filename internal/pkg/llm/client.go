package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diy-mod/core/internal/config"
	openaiclient "github.com/openai/openai-go/v2"
	jetai "go.jetify.com/ai"
	jetapi "go.jetify.com/ai/api"
)

// Request is one completion call. ImageURL switches to a vision request.
type Request struct {
	System    string
	Prompt    string
	ImageURL  string
	MaxTokens int
}

// Generator produces text completions.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Client talks to a single configured provider.
type Client struct {
	provider config.AIProvider
	model    jetapi.LanguageModel
	openai   *openaiclient.Client
	http     *http.Client
	timeout  time.Duration
}

// New resolves assignment against the configured providers.
func New(cfg config.LLMConfig, assignment config.AIModelAssignment) (*Client, error) {
	provider, err := SelectProvider(cfg.Providers, assignment)
	if err != nil {
		return nil, err
	}
	c := &Client{
		provider: *provider,
		http:     &http.Client{},
		timeout:  cfg.Timeout,
	}
	if isOpenAICompatible(provider.Type) {
		return c, nil
	}
	model, oa, err := buildLanguageModel(provider)
	if err != nil {
		return nil, err
	}
	c.model = model
	c.openai = oa
	return c, nil
}

// Provider returns the resolved provider with its effective model.
func (c *Client) Provider() config.AIProvider { return c.provider }

func (c *Client) modelID() string {
	if m := strings.TrimSpace(c.provider.DefaultModel); m != "" {
		return m
	}
	if isAnthropic(c.provider.Type) {
		return defaultAnthropicModel
	}
	return defaultOpenAIModel
}

func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 600
	}

	switch {
	case req.ImageURL != "":
		return c.generateVision(ctx, req, maxTokens)
	case isOpenAICompatible(c.provider.Type):
		return c.chatCompletions(ctx, req, maxTokens)
	}

	resp, err := jetai.GenerateText(ctx,
		buildPromptMessages(req.System, req.Prompt),
		jetai.WithModel(c.model),
		jetai.WithMaxOutputTokens(maxTokens),
	)
	if err != nil {
		return "", err
	}
	return extractText(resp)
}

func (c *Client) generateVision(ctx context.Context, req Request, maxTokens int) (string, error) {
	if c.openai == nil {
		return "", ErrVisionUnsupported
	}
	messages := make([]openaiclient.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openaiclient.SystemMessage(req.System))
	}
	messages = append(messages, openaiclient.UserMessage([]openaiclient.ChatCompletionContentPartUnionParam{
		openaiclient.TextContentPart(req.Prompt),
		openaiclient.ImageContentPart(openaiclient.ChatCompletionContentPartImageImageURLParam{URL: req.ImageURL}),
	}))

	resp, err := c.openai.Chat.Completions.New(ctx, openaiclient.ChatCompletionNewParams{
		Model:     openaiclient.ChatModel(c.modelID()),
		Messages:  messages,
		MaxTokens: openaiclient.Int(int64(maxTokens)),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// chatCompletions speaks the plain chat completions protocol for
// OpenAI-compatible gateways that the SDK clients do not handle well.
func (c *Client) chatCompletions(ctx context.Context, req Request, maxTokens int) (string, error) {
	if strings.TrimSpace(c.provider.APIKey) == "" {
		return "", fmt.Errorf("AI provider api key is empty")
	}
	messages := make([]map[string]string, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body, _ := json.Marshal(map[string]interface{}{
		"model":      c.modelID(),
		"messages":   messages,
		"max_tokens": maxTokens,
	})
	endpoint := normalizeOpenAICompatibleEndpoint(c.provider.Endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.provider.APIKey))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", err
	}
	if result.Error != nil && strings.TrimSpace(result.Error.Message) != "" {
		return "", fmt.Errorf("openai-compatible error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return result.Choices[0].Message.Content, nil
}

// StatusError is a non-2xx reply from an OpenAI-compatible endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai-compatible error (%d): %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

func buildPromptMessages(systemPrompt, prompt string) []jetapi.Message {
	messages := make([]jetapi.Message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, &jetapi.SystemMessage{Content: systemPrompt})
	}
	messages = append(messages, &jetapi.UserMessage{Content: jetapi.ContentFromText(prompt)})
	return messages
}

func extractText(resp *jetapi.Response) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}
	var full strings.Builder
	for _, block := range resp.Content {
		textBlock, ok := block.(*jetapi.TextBlock)
		if !ok || textBlock.Text == "" {
			continue
		}
		full.WriteString(textBlock.Text)
	}
	text := full.String()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// DecodeJSON unmarshals a model reply that may be wrapped in a code fence or
// surrounded by prose.
func DecodeJSON(raw string, out interface{}) error {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```JSON")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("invalid JSON response from AI")
}
