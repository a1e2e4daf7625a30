package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/comigor/streamchat/internal/chat"
	"github.com/comigor/streamchat/internal/engine"
)

// printer writes the streamed reply of the watched session as it grows.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	session string
	version uint64
	msgID   int
	printed int
}

func (p *printer) watch(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = sessionID
	p.version = 0
	p.msgID = 0
	p.printed = 0
}

// observe is registered as the engine's session observer.
func (p *printer) observe(s chat.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.ID != p.session || s.Version <= p.version {
		return
	}
	p.version = s.Version

	if s.StreamingMessageID != 0 && s.StreamingMessageID != p.msgID {
		p.msgID = s.StreamingMessageID
		p.printed = 0
	}
	if p.msgID == 0 {
		return
	}
	msg, ok := s.Message(p.msgID)
	if !ok {
		p.msgID = 0
		return
	}
	if len(msg.Content) > p.printed {
		fmt.Fprint(p.w, msg.Content[p.printed:])
		p.printed = len(msg.Content)
	}
	if s.StreamingMessageID == p.msgID {
		return
	}

	fmt.Fprintln(p.w)
	for i, c := range msg.Citations {
		fmt.Fprintf(p.w, "  [%d] %s %s\n", i+1, c.Title, c.URL)
	}
	if s.Err != nil {
		fmt.Fprintf(p.w, "! %s (%s)\n", s.ErrorMessage(), engine.ErrorKind(s.Err))
	}
	p.msgID = 0
}
