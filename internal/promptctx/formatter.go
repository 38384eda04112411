package promptctx

import (
	"fmt"
	"strings"
)

// Persona describes the voice agent identity rendered into the system prompt.
type Persona struct {
	// Name is the agent's display name, spoken to callers.
	Name string

	// Instructions is the free-text behaviour description from configuration.
	Instructions string

	// Vocabulary lists domain terms the agent should spell and pronounce
	// exactly (plan names, product lines, department names).
	Vocabulary []string
}

// FormatSystemPrompt converts a [PromptContext] into a system prompt string
// suitable for direct injection into the reasoning call.
//
// The formatter is pure: it performs no I/O, has no side effects, and is safe
// for concurrent use.
//
// Empty sections (no transcript, no semantic matches) are omitted entirely
// rather than rendering as empty headers. Semantic and prefetch matches are
// merged and deduplicated by chunk ID, keeping first occurrence order.
func FormatSystemPrompt(pctx *PromptContext, persona Persona) string {
	name := strings.TrimSpace(persona.Name)
	if name == "" {
		name = "a support agent"
	}

	var sb strings.Builder

	// ── Opening line ──────────────────────────────────────────────────────────
	instructions := strings.TrimSpace(persona.Instructions)
	if instructions != "" {
		fmt.Fprintf(&sb, "You are %s, a voice support agent. %s", name, instructions)
	} else {
		fmt.Fprintf(&sb, "You are %s, a voice support agent.", name)
	}
	sb.WriteString("\nYou are speaking on a live call. Keep replies short and natural to say aloud.")

	// ── Vocabulary section ────────────────────────────────────────────────────
	if len(persona.Vocabulary) > 0 {
		sb.WriteString("\n\n## Exact Terms\nUse these names exactly as written: ")
		sb.WriteString(strings.Join(persona.Vocabulary, ", "))
	}

	if pctx == nil {
		return sb.String()
	}

	// ── Relevant history section ──────────────────────────────────────────────
	history := formatHistorySection(pctx)
	if history != "" {
		sb.WriteString("\n\n## Relevant History\n")
		sb.WriteString(history)
	}

	// ── Recent conversation section ───────────────────────────────────────────
	if len(pctx.RecentTranscript) > 0 {
		convo := formatTranscriptSection(pctx)
		if convo != "" {
			sb.WriteString("\n\n## Recent Conversation\n")
			sb.WriteString(convo)
		}
	}

	return sb.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

// formatHistorySection merges semantic and prefetch matches, deduplicated by
// chunk ID, and renders them as bullet lines. Returns an empty string when
// there are no matches.
func formatHistorySection(pctx *PromptContext) string {
	seen := make(map[string]bool)
	var lines []string

	add := func(id, speaker, topic, content string) {
		if id != "" && seen[id] {
			return
		}
		seen[id] = true
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		line := "- " + content
		if speaker != "" {
			line = fmt.Sprintf("- %s said: %s", speaker, content)
		}
		if topic != "" {
			line += fmt.Sprintf(" (topic: %s)", topic)
		}
		lines = append(lines, line)
	}

	for _, m := range pctx.SemanticMatches {
		add(m.Chunk.ID, m.Chunk.SpeakerID, m.Chunk.Topic, m.Chunk.Content)
	}
	for _, m := range pctx.PrefetchMatches {
		add(m.Chunk.ID, m.Chunk.SpeakerID, m.Chunk.Topic, m.Chunk.Content)
	}

	return strings.Join(lines, "\n")
}

// formatTranscriptSection renders the recent transcript as speaker-labelled
// lines, oldest first.
func formatTranscriptSection(pctx *PromptContext) string {
	var lines []string
	for _, e := range pctx.RecentTranscript {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		speaker := e.SpeakerName
		if speaker == "" {
			speaker = e.SpeakerID
		}
		if speaker == "" {
			if e.IsAgent {
				speaker = "agent"
			} else {
				speaker = "caller"
			}
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", speaker, text))
	}
	return strings.Join(lines, "\n")
}
