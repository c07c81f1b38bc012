package drift

import (
	"context"
	"fmt"
	"strings"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// LLMClassifier asks a chat model whether the conversation still fits the
// persona. The prompt template has {job_description} and {conversation}
// slots.
type LLMClassifier struct {
	client   openai.Client
	model    string
	template string
}

func NewLLMClassifier(apiKey, baseURL, model, template string, opts ...option.RequestOption) (*LLMClassifier, error) {
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if template == "" {
		return nil, fmt.Errorf("%w: classifier prompt template", shared.ErrNoPersona)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &LLMClassifier{
		client:   openai.NewClient(opts...),
		model:    model,
		template: template,
	}, nil
}

func (c *LLMClassifier) prompt(req Request) string {
	return strings.NewReplacer(
		"{job_description}", req.Competence,
		"{conversation}", FormatTurns(req.Window),
	).Replace(c.template)
}

func (c *LLMClassifier) Classify(ctx context.Context, req Request) (Verdict, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(c.prompt(req)),
		},
	})
	if err != nil {
		return Unknown, unavailable("chat completion: %v", err)
	}
	if len(resp.Choices) == 0 {
		return Unknown, unavailable("chat completion returned no choices")
	}
	v := ParseAnswer(resp.Choices[0].Message.Content)
	if v == Unknown {
		return Unknown, unavailable("unrecognized answer %q", resp.Choices[0].Message.Content)
	}
	return v, nil
}

// ParseAnswer normalizes a free-text classifier answer. "yes" means the
// intent changed.
func ParseAnswer(answer string) Verdict {
	a := strings.ToLower(strings.TrimSpace(answer))
	a = strings.TrimRight(a, ".!")
	switch {
	case a == "":
		return Unknown
	case strings.HasPrefix(a, "yes"), strings.HasPrefix(a, "switch"), strings.HasPrefix(a, "change"):
		return Switch
	case strings.HasPrefix(a, "no"), strings.HasPrefix(a, "stay"), strings.HasPrefix(a, "same"):
		return Stay
	default:
		return Unknown
	}
}
