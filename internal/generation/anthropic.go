package generation

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/antoniostano/synapse/internal/apperr"
)

// AnthropicGenerator calls the Anthropic Messages API.
type AnthropicGenerator struct {
	client  anthropic.Client
	model   string
	persona Persona
}

// AnthropicConfig configures the Messages API client.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// MaxRetries is handed to the SDK, which retries 429/5xx with backoff.
	MaxRetries int
}

func NewAnthropicGenerator(cfg AnthropicConfig, persona Persona) *AnthropicGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		opts = append(opts, option.WithBaseURL(u))
	}
	return &AnthropicGenerator{
		client:  anthropic.NewClient(opts...),
		model:   cfg.Model,
		persona: persona,
	}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, parts []Part) (string, error) {
	if err := validateParts("generation.anthropic", parts); err != nil {
		return "", err
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		MaxTokens:   int64(g.persona.MaxTokens),
		Temperature: anthropic.Float(g.persona.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: g.persona.Instruction},
		},
		Messages: toMessageParams(parts),
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", apperr.Service("generation.anthropic", "generation request failed", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", apperr.Service("generation.anthropic", "model returned no text", nil)
	}
	return text, nil
}

// toMessageParams maps parts onto the Messages API, which requires strictly
// alternating roles starting with the user. Consecutive parts with the same
// role are merged and a leading model turn gets an empty user turn in front.
func toMessageParams(parts []Part) []anthropic.MessageParam {
	type turn struct {
		role  Role
		texts []string
	}
	turns := make([]turn, 0, len(parts))
	for _, p := range parts {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		role := p.Role
		if role != RoleModel {
			role = RoleUser
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].texts = append(turns[n-1].texts, text)
			continue
		}
		turns = append(turns, turn{role: role, texts: []string{text}})
	}
	if len(turns) > 0 && turns[0].role == RoleModel {
		turns = append([]turn{{role: RoleUser, texts: []string{"(conversation continues)"}}}, turns...)
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.texts, "\n\n"))
		if t.role == RoleModel {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
