package chat

import (
	"io"
	"os"
	"time"

	"github.com/comigor/streamchat/internal/stream"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle names a session until its first turn completes.
const DefaultTitle = "New Chat"

// ImageSource opens the original binary of an attached image.
type ImageSource interface {
	Open() (io.ReadCloser, error)
}

// FileSource is an ImageSource backed by a path on disk.
type FileSource string

func (f FileSource) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

// ImageRef references externally owned image data. The engine forwards it and
// never copies or mutates it.
type ImageRef struct {
	Name        string
	ContentType string
	Size        int64
	// Source is preferred when present; DataURL is the base64 preview form.
	Source  ImageSource
	DataURL string
}

// Message is one turn in a conversation.
type Message struct {
	ID        int
	Role      Role
	Content   string
	Image     *ImageRef
	Citations []stream.Citation
	// SearchArtifact marks assistant output produced from web search results.
	SearchArtifact bool
	CreatedAt      time.Time
}

// HasImage reports whether the message carries an attached image.
func (m Message) HasImage() bool { return m.Image != nil }

// Input is what the user composes for one turn; it doubles as the draft
// buffer of a session.
type Input struct {
	Text      string
	Image     *ImageRef
	WebSearch bool
}

// Phase is the lifecycle position of the session's current turn.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAwaiting  Phase = "awaiting"
	PhaseStreaming Phase = "streaming"
)

// Session is an immutable snapshot of one conversation. Stores hand out
// copies; every mutation produces a new snapshot with a higher Version.
type Session struct {
	ID                 string
	Title              string
	LastMessagePreview string
	UpdatedAt          time.Time

	Messages []Message
	// StreamingMessageID is the assistant message being appended to, 0 when idle.
	StreamingMessageID int
	Err                error
	Draft              Input
	Phase              Phase
	Version            uint64

	nextID int
}

// Turn describes a started exchange.
type Turn struct {
	UserMessageID      int
	AssistantMessageID int
	Input              Input
	// History is the conversation as it was before this turn.
	History []Message
}

// newSession builds an empty session whose message ids start at firstID.
func newSession(id, greeting string, now time.Time, firstID int) Session {
	s := Session{
		ID:        id,
		Title:     DefaultTitle,
		UpdatedAt: now,
		Phase:     PhaseIdle,
		nextID:    firstID,
	}
	if greeting != "" {
		s.Messages = []Message{{ID: s.allocID(), Role: RoleAssistant, Content: greeting, CreatedAt: now}}
	}
	return s
}

func (s *Session) allocID() int {
	id := s.nextID
	s.nextID++
	return id
}

func (s Session) clone() Session {
	s.Messages = append([]Message(nil), s.Messages...)
	return s
}

func (s Session) indexOf(id int) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Message returns the message with the given id.
func (s Session) Message(id int) (Message, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.Messages[i], true
	}
	return Message{}, false
}

// Streaming reports whether a message is still being appended to.
func (s Session) Streaming() bool { return s.StreamingMessageID != 0 }

// HasAttachedImage reports whether the turn being composed carries an image.
func (s Session) HasAttachedImage() bool { return s.Draft.Image != nil }

// ErrorMessage returns the session-level error text, or "".
func (s Session) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
