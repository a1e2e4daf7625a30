// Package chat holds the state of one chat session: its ordered messages, the
// streaming turn in progress, the session error and the input draft.
//
// All event-driven changes go through Store.ApplyEvent, which runs the pure
// Reduce function. Every other change is a named Store method.
package chat

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/streamchat/internal/logger"
	"github.com/comigor/streamchat/internal/stream"
)

// ErrTurnPending is returned when a send is attempted while the session
// already has a request in flight. Nothing is mutated.
var ErrTurnPending = errors.New("a request is already pending for this session")

// Store owns one session. It is safe for concurrent use.
type Store struct {
	id   string
	mu   sync.Mutex
	snap Session
	fsm  *stateless.StateMachine

	greeting string
	onChange func(Session)
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithGreeting seeds new and reset sessions with an assistant greeting.
func WithGreeting(text string) Option {
	return func(s *Store) { s.greeting = text }
}

// WithObserver registers fn to receive a snapshot after every mutation. fn is
// called without the store lock held and must not block for long; snapshots
// may arrive out of order across goroutines, Version orders them.
func WithObserver(fn func(Session)) Option {
	return func(s *Store) { s.onChange = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty session with the given id.
func NewStore(id string, opts ...Option) *Store {
	s := &Store{id: id, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.ForSession(id)
	s.fsm = newTurnMachine(s.log)
	s.snap = newSession(id, s.greeting, s.now(), 1)
	return s
}

// ID returns the session id.
func (s *Store) ID() string { return s.id }

// Snapshot returns a copy of the current session state.
func (s *Store) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// Phase returns the lifecycle phase of the current turn.
func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return phaseOf(s.fsm)
}

// update runs fn under the lock and publishes the result when it changed.
func (s *Store) update(fn func(cur Session) (Session, bool)) bool {
	s.mu.Lock()
	next, changed := fn(s.snap)
	if changed {
		next.Version = s.snap.Version + 1
		next.Phase = phaseOf(s.fsm)
		s.snap = next
	}
	snap := s.snap.clone()
	s.mu.Unlock()

	if changed && s.onChange != nil {
		s.onChange(snap)
	}
	return changed
}

func (s *Store) fire(trigger turnTrigger) {
	if err := s.fsm.Fire(trigger); err != nil {
		s.log.Warn("turn trigger rejected", "trigger", trigger, "error", err)
	}
}

// ApplyEvent applies a decoded stream event addressed to messageID. It reports
// whether the session changed; stale events return false.
func (s *Store) ApplyEvent(messageID int, ev stream.Event) bool {
	return s.update(func(cur Session) (Session, bool) {
		next, changed := Reduce(cur, messageID, ev)
		if !changed {
			return cur, false
		}
		switch ev.Type {
		case stream.EventContent, stream.EventCitations:
			s.fire(triggerReceive)
		case stream.EventError:
			s.fire(triggerFail)
		case stream.EventEnd:
			s.fire(triggerComplete)
		}
		return next, true
	})
}

// BeginTurn appends the user message and an empty assistant message that will
// receive the streamed reply. It fails with ErrTurnPending, leaving the
// session untouched, while another turn is in flight.
func (s *Store) BeginTurn(in Input) (Turn, error) {
	return s.begin(func(Session) (Input, error) { return in, nil }, false)
}

// BeginDraftTurn starts a turn from the session draft and clears the draft.
// validate runs under the store lock; if it fails nothing is mutated.
func (s *Store) BeginDraftTurn(validate func(Input) error) (Turn, error) {
	return s.begin(func(cur Session) (Input, error) {
		if validate != nil {
			if err := validate(cur.Draft); err != nil {
				return Input{}, err
			}
		}
		return cur.Draft, nil
	}, true)
}

func (s *Store) begin(input func(Session) (Input, error), fromDraft bool) (Turn, error) {
	var (
		turn Turn
		err  error
	)
	s.update(func(cur Session) (Session, bool) {
		if phaseOf(s.fsm) != PhaseIdle {
			err = ErrTurnPending
			return cur, false
		}
		var in Input
		if in, err = input(cur); err != nil {
			return cur, false
		}

		now := s.now()
		next := cur.clone()
		user := Message{ID: next.allocID(), Role: RoleUser, Content: in.Text, Image: in.Image, CreatedAt: now}
		reply := Message{
			ID:             next.allocID(),
			Role:           RoleAssistant,
			SearchArtifact: in.WebSearch && in.Image == nil,
			CreatedAt:      now,
		}
		next.Messages = append(next.Messages, user, reply)
		next.StreamingMessageID = reply.ID
		next.Err = nil
		if fromDraft {
			next.Draft = Input{}
		}

		s.fire(triggerSend)
		turn = Turn{
			UserMessageID:      user.ID,
			AssistantMessageID: reply.ID,
			Input:              in,
			History:            cur.clone().Messages,
		}
		return next, true
	})
	return turn, err
}

// Fail ends the turn streaming into messageID with err. Content received so
// far is kept. Returns false when that turn is no longer streaming.
func (s *Store) Fail(messageID int, err error) bool {
	return s.end(messageID, err, triggerFail)
}

// Cancel ends the turn streaming into messageID because the request was
// aborted. Later events for it are ignored.
func (s *Store) Cancel(messageID int, cause error) bool {
	return s.end(messageID, cause, triggerCancel)
}

func (s *Store) end(messageID int, err error, trigger turnTrigger) bool {
	return s.update(func(cur Session) (Session, bool) {
		if cur.StreamingMessageID == 0 || cur.StreamingMessageID != messageID {
			return cur, false
		}
		next := cur.clone()
		next.StreamingMessageID = 0
		next.Err = err
		s.fire(trigger)
		return next, true
	})
}

// Reset discards every message, the streaming turn, the error and the draft in
// one step. Observers never see a partially reset session.
func (s *Store) Reset() {
	s.update(func(cur Session) (Session, bool) {
		s.fsm = newTurnMachine(s.log)
		// ids keep counting up so late events of a cancelled turn cannot
		// address a message of the fresh conversation
		return newSession(cur.ID, s.greeting, s.now(), cur.nextID), true
	})
}

// SetActivity updates the listing bookkeeping of the session.
func (s *Store) SetActivity(title, preview string, at time.Time) {
	s.update(func(cur Session) (Session, bool) {
		next := cur.clone()
		next.Title = title
		next.LastMessagePreview = preview
		next.UpdatedAt = at
		return next, true
	})
}

// Draft returns the input being composed.
func (s *Store) Draft() Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Draft
}

// HasAttachedImage reports whether the turn being composed carries an image.
// Shells read this instead of inspecting what they rendered.
func (s *Store) HasAttachedImage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.HasAttachedImage()
}

// SetDraftText replaces the draft text.
func (s *Store) SetDraftText(text string) {
	s.editDraft(func(d *Input) { d.Text = text })
}

// AttachImage sets the draft image, replacing any previous one.
func (s *Store) AttachImage(ref *ImageRef) {
	s.editDraft(func(d *Input) { d.Image = ref })
}

// DetachImage removes the draft image.
func (s *Store) DetachImage() {
	s.editDraft(func(d *Input) { d.Image = nil })
}

// SetWebSearch toggles web search for the draft.
func (s *Store) SetWebSearch(on bool) {
	s.editDraft(func(d *Input) { d.WebSearch = on })
}

func (s *Store) editDraft(fn func(*Input)) {
	s.update(func(cur Session) (Session, bool) {
		next := cur.clone()
		fn(&next.Draft)
		if next.Draft == cur.Draft {
			return cur, false
		}
		return next, true
	})
}
