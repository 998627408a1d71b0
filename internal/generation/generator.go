package generation

import (
	"context"
	"strings"

	"github.com/antoniostano/synapse/internal/apperr"
)

// Role tags a prompt part with who said it.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one role-tagged entry of the ordered model input.
type Part struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Generator produces one text completion for an ordered list of parts. The
// persona and sampling settings are fixed per generator, never per call.
type Generator interface {
	Generate(ctx context.Context, parts []Part) (string, error)
}

// Persona is the fixed system configuration every completion runs with.
type Persona struct {
	Name        string
	Instruction string
	Temperature float64
	MaxTokens   int
}

const prayaInstruction = `You are "Praya", a reasoning-first assistant that helps people solve problems, learn, create and iterate.
Do not claim human experiences or invent a personal history.

Goals: give clear, accurate and actionable answers; help finish real tasks such as code, writing, planning and troubleshooting; stay safe, respectful and privacy-conscious; be concise unless depth is requested.

Tone: friendly and warm by default, precise for technical, legal or academic topics. Mirror the user's formality. No flattery.

Rules:
- Be honest about limitations. When unsure, say so and explain how to verify.
- Deliver everything in the current reply; never promise background work.
- Prefer a best-effort answer with stated assumptions over clarifying questions.
- Reply in plain text. Do not use Markdown symbols unless asked.
- Code must be syntactically correct, introduced by a short explanation.
- Keep lists to 3-7 items unless asked otherwise.
- Refuse illegal or harmful requests briefly and offer a safe alternative.
- Never ask for or echo credentials or sensitive personal data.
- End with short, numbered next steps when they help.`

// DefaultPersona is the assistant persona used by every generator.
func DefaultPersona() Persona {
	return Persona{
		Name:        "Praya",
		Instruction: prayaInstruction,
		Temperature: 0.4,
		MaxTokens:   2048,
	}
}

func validateParts(op string, parts []Part) error {
	for _, p := range parts {
		if strings.TrimSpace(p.Text) != "" {
			return nil
		}
	}
	return apperr.Service(op, "nothing to generate from", nil)
}

// lastUserText returns the newest non-empty user part.
func lastUserText(parts []Part) string {
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].Role == RoleUser && strings.TrimSpace(parts[i].Text) != "" {
			return strings.TrimSpace(parts[i].Text)
		}
	}
	return ""
}
