// Package llm resolves configured AI providers into clients for text
// generation, image-grounded classification and image editing.
package llm

import (
	"errors"
	neturl "net/url"
	"strings"

	anthropicclient "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/diy-mod/core/internal/config"
	openaiclient "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"
	jetapi "go.jetify.com/ai/api"
	jetanthropic "go.jetify.com/ai/provider/anthropic"
	jetopenai "go.jetify.com/ai/provider/openai"
)

var (
	ErrNoProvider        = errors.New("no enabled AI provider")
	ErrEmptyResponse     = errors.New("empty response from AI")
	ErrVisionUnsupported = errors.New("provider does not support image input")
)

const (
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultAnthropicModel = "claude-haiku-4-5-20251001"
)

func normalizeProviderType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	t = strings.ReplaceAll(t, "_", "-")
	t = strings.ReplaceAll(t, " ", "")
	return t
}

func isOpenAICompatible(raw string) bool {
	t := normalizeProviderType(raw)
	return t == "openai-compatible" || t == "openaicompatible"
}

func isAnthropic(raw string) bool {
	return normalizeProviderType(raw) == "anthropic"
}

func isOpenRouter(raw string) bool {
	return normalizeProviderType(raw) == "openrouter"
}

// SelectProvider picks the provider named by assignment, else the first
// enabled one. The assignment's model overrides the provider default.
func SelectProvider(providers []config.AIProvider, assignment config.AIModelAssignment) (*config.AIProvider, error) {
	providerID := strings.TrimSpace(assignment.ProviderID)
	overrideModel := strings.TrimSpace(assignment.Model)

	pick := func(p config.AIProvider) *config.AIProvider {
		selected := p
		if overrideModel != "" {
			selected.DefaultModel = overrideModel
		}
		return &selected
	}

	if providerID != "" {
		for _, p := range providers {
			if p.Enabled && strings.TrimSpace(p.ID) == providerID {
				return pick(p), nil
			}
		}
	}
	for _, p := range providers {
		if p.Enabled {
			return pick(p), nil
		}
	}
	return nil, ErrNoProvider
}

func buildLanguageModel(provider *config.AIProvider) (jetapi.LanguageModel, *openaiclient.Client, error) {
	apiKey := strings.TrimSpace(provider.APIKey)
	if apiKey == "" {
		return nil, nil, errors.New("AI provider api key is empty")
	}
	modelID := strings.TrimSpace(provider.DefaultModel)
	endpoint := strings.TrimSpace(provider.Endpoint)

	if isAnthropic(provider.Type) {
		if modelID == "" {
			modelID = defaultAnthropicModel
		}
		opts := []anthropicoption.RequestOption{
			anthropicoption.WithAPIKey(apiKey),
			anthropicoption.WithMaxRetries(0),
		}
		if endpoint != "" {
			opts = append(opts, anthropicoption.WithBaseURL(strings.TrimRight(endpoint, "/")))
		}
		client := anthropicclient.NewClient(opts...)
		return jetanthropic.NewLanguageModel(modelID, jetanthropic.WithClient(client)), nil, nil
	}

	if modelID == "" {
		modelID = defaultOpenAIModel
	}
	if isOpenRouter(provider.Type) && endpoint == "" {
		endpoint = "https://openrouter.ai/api"
	}
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if normalized := normalizeOpenAIBaseURL(endpoint); normalized != "" {
		opts = append(opts, openaioption.WithBaseURL(normalized))
	}
	client := openaiclient.NewClient(opts...)
	return jetopenai.NewLanguageModel(modelID, jetopenai.WithClient(client)), &client, nil
}

func normalizeOpenAIBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/")
	}

	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/")
}

func normalizeOpenAICompatibleEndpoint(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return "https://api.openai.com"
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimSuffix(strings.TrimRight(base, "/"), "/v1")
	}
	parsed.Path = strings.TrimSuffix(strings.TrimRight(parsed.Path, "/"), "/v1")
	return strings.TrimRight(parsed.String(), "/")
}
