package history

import (
	"time"

	"github.com/comigor/streamchat/internal/chat"
	"github.com/comigor/streamchat/internal/stream"
)

// Entry is one archived message.
type Entry struct {
	ID        int64             `json:"id"`
	SessionID string            `json:"session_id"`
	MessageID int               `json:"message_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Citations []stream.Citation `json:"citations,omitempty"`
	HasImage  bool              `json:"has_image"`
	CreatedAt time.Time         `json:"created_at"`
}

// FromMessage converts a session message. Image bytes are never archived.
func FromMessage(sessionID string, m chat.Message) Entry {
	return Entry{
		SessionID: sessionID,
		MessageID: m.ID,
		Role:      string(m.Role),
		Content:   m.Content,
		Citations: m.Citations,
		HasImage:  m.HasImage(),
		CreatedAt: m.CreatedAt,
	}
}
