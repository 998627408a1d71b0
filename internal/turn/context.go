package turn

import (
	"strings"

	"github.com/antoniostano/synapse/internal/generation"
	"github.com/antoniostano/synapse/internal/memory"
	"github.com/antoniostano/synapse/internal/transcript"
)

// MemoryFraming introduces the retrieved long-term memory to the model.
const MemoryFraming = "these are some previous messages from the chat, use them to generate a response"

// AssembleContext builds the generation input: one synthetic user part
// carrying the retrieved memories, then the chronological history with its
// original roles. The synthetic part is always first; with nothing retrieved
// it holds the framing line alone.
func AssembleContext(memories []memory.Match, history []transcript.Message) []generation.Part {
	parts := make([]generation.Part, 0, len(history)+1)

	lines := make([]string, 0, len(memories)+1)
	lines = append(lines, MemoryFraming)
	for _, m := range memories {
		if t := strings.TrimSpace(m.Metadata.Text); t != "" {
			lines = append(lines, t)
		}
	}
	parts = append(parts, generation.Part{
		Role: generation.RoleUser,
		Text: strings.Join(lines, "\n"),
	})

	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := generation.RoleUser
		if msg.Role == transcript.RoleModel {
			role = generation.RoleModel
		}
		parts = append(parts, generation.Part{Role: role, Text: msg.Content})
	}
	return parts
}

// dropSelfMatch removes the record embedded from the turn's own input and
// trims the rest to k.
func dropSelfMatch(matches []memory.Match, inputMessageID string, k int) ([]memory.Match, bool) {
	out := make([]memory.Match, 0, len(matches))
	dropped := false
	for _, m := range matches {
		if m.MessageID == inputMessageID {
			dropped = true
			continue
		}
		out = append(out, m)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, dropped
}
