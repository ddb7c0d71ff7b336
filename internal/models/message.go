package models

import "time"

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversation turn. User turns may carry an image reference;
// the assistant turn that triggered a search carries its results.
type Message struct {
	ID             int64           `json:"id,omitempty"`
	UserID         int64           `json:"user_id,omitempty"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	ImageURL       string          `json:"image_url,omitempty"`
	Results        SearchResultSet `json:"results,omitempty"`
	CreatedAt      time.Time       `json:"created_at,omitzero"`
}

// CloneHistory returns a shallow copy of every turn so callers can append
// without aliasing the input slice.
func CloneHistory(history []*Message) []*Message {
	out := make([]*Message, 0, len(history)+2)
	for _, msg := range history {
		if msg == nil {
			continue
		}
		c := *msg
		out = append(out, &c)
	}
	return out
}
