package bridge

import (
	"strings"

	"clawgate/internal/domain"
)

// History template markers.
const (
	HistoryContextMarker = "[Chat messages since your last reply - for context]"
	CurrentMessageMarker = "[Current message - respond to this]"
)

// HistoryFormatter renders prior turns plus the current turn into a single
// prompt. Implementations must be deterministic.
type HistoryFormatter interface {
	Format(history []domain.ConversationEntry, current domain.ConversationEntry) string
}

// TemplateHistory is the standard history template shared by every ingress.
type TemplateHistory struct{}

// Format implements HistoryFormatter.
func (TemplateHistory) Format(history []domain.ConversationEntry, current domain.ConversationEntry) string {
	lines := make([]string, 0, len(history))
	for _, e := range history {
		lines = append(lines, entryLine(e))
	}
	var b strings.Builder
	b.WriteString(HistoryContextMarker)
	b.WriteByte('\n')
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")
	b.WriteString(CurrentMessageMarker)
	b.WriteByte('\n')
	b.WriteString(entryLine(current))
	return b.String()
}

func entryLine(e domain.ConversationEntry) string {
	return e.Sender + ": " + e.Body
}
