package chat

import (
	"errors"
	"fmt"
	"slices"

	"github.com/comigor/streamchat/internal/stream"
)

// ErrStreamReported wraps an error the endpoint reported inside the stream.
var ErrStreamReported = errors.New("endpoint reported an error")

// Reduce applies one decoded event to a snapshot and returns the next
// snapshot. Events addressed to anything but the streaming message are
// ignored, which keeps late events from a cancelled or finished request from
// touching frozen content. The input snapshot is never modified.
func Reduce(s Session, messageID int, ev stream.Event) (Session, bool) {
	if s.StreamingMessageID == 0 || messageID != s.StreamingMessageID {
		return s, false
	}
	idx := s.indexOf(messageID)
	if idx < 0 {
		return s, false
	}

	next := s.clone()
	msg := next.Messages[idx]

	switch ev.Type {
	case stream.EventContent:
		if ev.Text == "" {
			return s, false
		}
		msg.Content += ev.Text
	case stream.EventCitations:
		msg.Citations = slices.Clone(ev.Citations)
		msg.SearchArtifact = true
	case stream.EventError:
		next.Err = fmt.Errorf("%w: %s", ErrStreamReported, ev.Message)
		next.StreamingMessageID = 0
	case stream.EventEnd:
		next.StreamingMessageID = 0
	default:
		return s, false
	}

	next.Messages[idx] = msg
	return next, true
}
