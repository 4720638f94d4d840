package rag

import (
	"fmt"
	"strings"

	"ragengine/internal/models"
)

const systemPrompt = "You are a helpful assistant that answers questions using only the provided context. " +
	"Cite the context blocks you rely on by their [C#] markers."

const noContext = "(no relevant context was found)"

// contextBlock renders one retrieved chunk under its citation marker.
func contextBlock(n int, r models.RetrievalResult) string {
	source := r.Filename
	if source == "" {
		source = r.DocumentID
	}
	return fmt.Sprintf("[C%d] (source: %s, part %d)\n%s", n, source, r.Seq+1, strings.TrimSpace(r.Text))
}

// buildPrompt lays out history, context and question in the order the
// generator sees them.
func buildPrompt(query string, blocks []string, history []models.Turn) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history {
			role := strings.ToLower(strings.TrimSpace(t.Role))
			if role == "" {
				role = "user"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, strings.TrimSpace(t.Content))
		}
		b.WriteString("\n")
	}
	b.WriteString("Based on the following context, please answer the question. ")
	b.WriteString("If the answer cannot be found in the context, please say so.\n\n")
	b.WriteString("Context:\n")
	if len(blocks) == 0 {
		b.WriteString(noContext)
	} else {
		b.WriteString(strings.Join(blocks, "\n\n"))
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// recentTurns keeps the last max turns, dropping empty ones. A negative max
// keeps none.
func recentTurns(history []models.Turn, max int) []models.Turn {
	if max < 0 {
		return nil
	}
	out := make([]models.Turn, 0, len(history))
	for _, t := range history {
		if strings.TrimSpace(t.Content) != "" {
			out = append(out, t)
		}
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
