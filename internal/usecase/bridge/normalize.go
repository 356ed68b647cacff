package bridge

import (
	"strings"

	"clawgate/internal/domain"
)

// Normalizer flattens a chat message array into the prompt shape the agent
// runtime expects.
type Normalizer struct {
	History HistoryFormatter
}

// NewNormalizer returns a Normalizer using the standard history template.
func NewNormalizer() *Normalizer {
	return &Normalizer{History: TemplateHistory{}}
}

// Entries converts messages into labelled conversation entries, routing
// system and developer text into the returned system parts. Messages without
// a role, with empty text, or with an unsupported role are dropped.
func Entries(msgs []domain.ChatMessage) (entries []domain.ConversationEntry, system []string) {
	for _, m := range msgs {
		if m.Role == "" {
			continue
		}
		body := strings.TrimSpace(m.Content.PlainText())
		if body == "" {
			continue
		}

		role := m.Role
		switch role {
		case domain.RoleSystem, domain.RoleDeveloper:
			system = append(system, body)
			continue
		case domain.RoleFunction:
			role = domain.RoleTool
		}
		if role != domain.RoleUser && role != domain.RoleAssistant && role != domain.RoleTool {
			continue
		}

		entries = append(entries, domain.ConversationEntry{
			Role:   role,
			Sender: senderLabel(role, m.Name),
			Body:   body,
		})
	}
	return entries, system
}

func senderLabel(role, name string) string {
	switch role {
	case domain.RoleAssistant:
		return "Assistant"
	case domain.RoleUser:
		return "User"
	}
	if name != "" {
		return "Tool:" + name
	}
	return "Tool"
}

// Flatten builds the FlattenedPrompt. An empty Message means the request
// carried no usable turn; callers treat that as a request error.
func (n *Normalizer) Flatten(msgs []domain.ChatMessage) domain.FlattenedPrompt {
	entries, system := Entries(msgs)

	var out domain.FlattenedPrompt
	if len(system) > 0 {
		out.ExtraSystemPrompt = strings.Join(system, "\n\n")
	}
	if len(entries) == 0 {
		return out
	}

	current := currentTurn(entries)
	history := entries[:current]
	if len(history) == 0 {
		out.Message = entries[current].Body
		return out
	}

	formatter := n.History
	if formatter == nil {
		formatter = TemplateHistory{}
	}
	out.Message = formatter.Format(history, entries[current])
	return out
}

// currentTurn returns the index of the last user or tool entry, or the last
// entry when there is none.
func currentTurn(entries []domain.ConversationEntry) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role == domain.RoleUser || entries[i].Role == domain.RoleTool {
			return i
		}
	}
	return len(entries) - 1
}
