// Package session keeps every chat session known to the process and tracks
// which one is active.
package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/streamchat/internal/chat"
	"github.com/comigor/streamchat/internal/logger"
	"github.com/comigor/streamchat/internal/stream"
)

// ErrUnknownSession is returned for ids the registry never created.
var ErrUnknownSession = errors.New("unknown session")

const (
	titleRunes   = 30
	previewRunes = 80
)

// Summary is one entry of the session listing.
type Summary struct {
	ID                 string
	Title              string
	LastMessagePreview string
	UpdatedAt          time.Time
	Active             bool
}

// Registry maps session ids to their stores.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*chat.Store
	activeID string

	storeOpts []chat.Option
	onList    func([]Summary)
	now       func() time.Time
	newID     func() (uuid.UUID, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithStoreOptions is applied to every store the registry creates.
func WithStoreOptions(opts ...chat.Option) Option {
	return func(r *Registry) { r.storeOpts = append(r.storeOpts, opts...) }
}

// WithListObserver registers fn to receive the listing whenever it changes.
// fn is called without the registry lock held.
func WithListObserver(fn func([]Summary)) Option {
	return func(r *Registry) { r.onList = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*chat.Store),
		now:      time.Now,
		newID:    uuid.NewV7,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession registers a new empty session, makes it active and returns
// its id.
func (r *Registry) CreateSession() string {
	id := r.allocID()
	store := chat.NewStore(id, append([]chat.Option{chat.WithClock(r.now)}, r.storeOpts...)...)

	r.mu.Lock()
	r.sessions[id] = store
	r.activeID = id
	r.mu.Unlock()

	logger.ForSession(id).Info("session created")
	r.publish()
	return id
}

func (r *Registry) allocID() string {
	id, err := r.newID()
	if err != nil {
		// v7 only fails when the random source does
		return uuid.NewString()
	}
	return id.String()
}

// SwitchSession makes id the active session. Unknown ids leave the active
// session unchanged.
func (r *Registry) SwitchSession(id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	changed := r.activeID != id
	r.activeID = id
	r.mu.Unlock()

	if changed {
		r.publish()
	}
	return nil
}

// Active returns the active session id and its store. ok is false before the
// first session is created.
func (r *Registry) Active() (string, *chat.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[r.activeID]
	return r.activeID, s, ok
}

// ActiveID returns the active session id, or "".
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Get returns the store of session id.
func (r *Registry) Get(id string) (*chat.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// ApplyEvent routes a stream event to the session it belongs to.
func (r *Registry) ApplyEvent(sessionID string, messageID int, ev stream.Event) (bool, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return false, err
	}
	return s.ApplyEvent(messageID, ev), nil
}

// RecordActivity refreshes the listing entry of a session after a turn. The
// first recorded preview becomes the title.
func (r *Registry) RecordActivity(id, preview string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	snap := s.Snapshot()
	preview = truncateRunes(strings.Join(strings.Fields(preview), " "), previewRunes)
	title := snap.Title
	if (title == "" || title == chat.DefaultTitle) && preview != "" {
		title = truncateRunes(preview, titleRunes)
	}
	s.SetActivity(title, preview, r.now())
	r.publish()
	return nil
}

// Delete drops a session. Deleting the active session activates the most
// recently updated remaining one, or none.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(r.sessions, id)
	if r.activeID == id {
		r.activeID = ""
		if list := r.summariesLocked(); len(list) > 0 {
			r.activeID = list[0].ID
		}
	}
	r.mu.Unlock()

	logger.ForSession(id).Info("session deleted")
	r.publish()
	return nil
}

// List returns the sessions, most recently updated first.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summariesLocked()
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) summariesLocked() []Summary {
	out := make([]Summary, 0, len(r.sessions))
	for id, s := range r.sessions {
		snap := s.Snapshot()
		out = append(out, Summary{
			ID:                 id,
			Title:              snap.Title,
			LastMessagePreview: snap.LastMessagePreview,
			UpdatedAt:          snap.UpdatedAt,
			Active:             id == r.activeID,
		})
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		// v7 ids sort by creation time
		return strings.Compare(b.ID, a.ID)
	})
	return out
}

func (r *Registry) publish() {
	if r.onList == nil {
		return
	}
	r.onList(r.List())
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n])) + "..."
}
