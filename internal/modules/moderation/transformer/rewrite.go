package transformer

import (
	"context"
	"fmt"
	"strings"

	"github.com/diy-mod/core/internal/modules/moderation"
	"github.com/diy-mod/core/internal/pkg/llm"
	"github.com/diy-mod/core/internal/pkg/retry"
)

const rewriteSystemPrompt = `You rewrite social media content for a reader who asked not to see certain topics.
Remove or neutralize only what relates to the listed topics and keep the general meaning, tone and length of the rest.
Return only the rewritten text. No explanations, no quotes, no markdown, no markers.`

// Rewriter produces replacement text for a fragment.
type Rewriter interface {
	Rewrite(ctx context.Context, content string, topics []string) (string, error)
}

// LLMRewriter rewrites through a text model.
type LLMRewriter struct {
	gen       llm.Generator
	policy    retry.Policy
	maxTokens int
}

func NewLLMRewriter(gen llm.Generator, policy retry.Policy, maxTokens int) *LLMRewriter {
	return &LLMRewriter{gen: gen, policy: policy, maxTokens: maxTokens}
}

func (r *LLMRewriter) Rewrite(ctx context.Context, content string, topics []string) (string, error) {
	prompt := fmt.Sprintf("Topics to remove: %s\n\nContent:\n%s", strings.Join(topics, ", "), content)
	maxTokens := r.maxTokens
	if est := len(content)/3 + 64; est > maxTokens {
		maxTokens = est
	}

	var out string
	err := retry.Do(ctx, r.policy, func(ctx context.Context, _ int) error {
		reply, err := r.gen.Generate(ctx, llm.Request{System: rewriteSystemPrompt, Prompt: prompt, MaxTokens: maxTokens})
		if err != nil {
			return err
		}
		out = reply
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("rewrite: %w", err)
	}
	return out, nil
}

// topicsOf returns the filter texts behind a decision.
func topicsOf(d moderation.Decision) []string {
	if len(d.Payload.FilterTexts) > 0 {
		return d.Payload.FilterTexts
	}
	return []string{"sensitive topics"}
}
