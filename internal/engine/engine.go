// Package engine wires the session registry, request builder and transport
// together. It starts at most one request per session, routes every decoded
// event into the session it belongs to and archives finished turns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/comigor/streamchat/internal/chat"
	"github.com/comigor/streamchat/internal/config"
	"github.com/comigor/streamchat/internal/history"
	"github.com/comigor/streamchat/internal/logger"
	"github.com/comigor/streamchat/internal/request"
	"github.com/comigor/streamchat/internal/session"
	"github.com/comigor/streamchat/internal/stream"
	"github.com/comigor/streamchat/internal/transport"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrClosed       = errors.New("engine is closed")
)

// Transport is what the engine needs from the HTTP layer.
type Transport interface {
	Start(ctx context.Context, sessionID string, messageID int, desc *request.Descriptor, onEvent func(stream.Event)) *transport.Pending
	Models(ctx context.Context) ([]transport.Model, error)
}

// inflight is the latest turn started for a session. It stays registered
// after it finished so Wait can report its result.
type inflight struct {
	pending  *transport.Pending
	turn     chat.Turn
	finished chan struct{}
	err      error
}

// Engine is the main orchestrator. It is safe for concurrent use.
type Engine struct {
	client   Transport
	builder  *request.Builder
	registry *session.Registry
	archive  *history.Archive
	fallback []transport.Model

	mu      sync.Mutex
	flights map[string]*inflight
	models  []transport.Model
	model   string
	closed  bool
	wg      sync.WaitGroup

	onSession func(chat.Session)
	onList    func([]session.Summary)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSessionObserver receives a snapshot after every change of any session.
func WithSessionObserver(fn func(chat.Session)) Option {
	return func(e *Engine) { e.onSession = fn }
}

// WithListObserver receives the session listing whenever it changes.
func WithListObserver(fn func([]session.Summary)) Option {
	return func(e *Engine) { e.onList = fn }
}

// WithArchive replaces the archive opened from configuration.
func WithArchive(a *history.Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// New creates an engine with one empty active session.
func New(cfg config.Config, client Transport, opts ...Option) *Engine {
	e := &Engine{
		client:  client,
		builder: request.NewBuilder(cfg),
		flights: make(map[string]*inflight),
		model:   cfg.Chat.Model,
	}
	for _, m := range cfg.Models {
		e.fallback = append(e.fallback, transport.Model{ID: m.ID, Name: m.Name})
	}
	e.models = slices.Clone(e.fallback)

	for _, opt := range opts {
		opt(e)
	}
	if e.archive == nil && cfg.History.Enabled {
		e.archive = history.Open(cfg.History.DSN)
	}

	storeOpts := []chat.Option{chat.WithGreeting(cfg.Chat.Greeting)}
	if e.onSession != nil {
		storeOpts = append(storeOpts, chat.WithObserver(e.onSession))
	}
	regOpts := []session.Option{session.WithStoreOptions(storeOpts...)}
	if e.onList != nil {
		regOpts = append(regOpts, session.WithListObserver(e.onList))
	}
	e.registry = session.New(regOpts...)
	e.registry.CreateSession()
	return e
}

// ActiveSession returns the active session id.
func (e *Engine) ActiveSession() string { return e.registry.ActiveID() }

// Sessions returns the session listing, most recent first.
func (e *Engine) Sessions() []session.Summary { return e.registry.List() }

// Store returns the store of a session, for draft editing and snapshots.
func (e *Engine) Store(sessionID string) (*chat.Store, error) {
	return e.registry.Get(sessionID)
}

// Snapshot returns the current state of a session.
func (e *Engine) Snapshot(sessionID string) (chat.Session, error) {
	s, err := e.registry.Get(sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	return s.Snapshot(), nil
}

// NewSession cancels whatever the active session is waiting for, then creates
// a new session and makes it active.
func (e *Engine) NewSession() string {
	if prev := e.registry.ActiveID(); prev != "" {
		e.cancel(prev)
	}
	return e.registry.CreateSession()
}

// SwitchSession activates id. The request of the session being left is
// cancelled; its partial reply stays.
func (e *Engine) SwitchSession(id string) error {
	prev := e.registry.ActiveID()
	if err := e.registry.SwitchSession(id); err != nil {
		return err
	}
	if prev != "" && prev != id {
		e.cancel(prev)
	}
	return nil
}

// DeleteSession cancels and drops a session together with its archive.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if _, err := e.registry.Get(id); err != nil {
		return err
	}
	e.cancel(id)
	if err := e.registry.Delete(id); err != nil {
		return err
	}
	if e.archive != nil {
		return e.archive.DeleteSession(ctx, id)
	}
	return nil
}

// Send starts a turn with in. It returns once the request is in flight;
// the reply streams into the session through its observer. Validation
// failures and a pending turn are reported without touching the session.
func (e *Engine) Send(ctx context.Context, sessionID string, in chat.Input) error {
	store, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if err := e.builder.Validate(in); err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}
	turn, err := store.BeginTurn(in)
	if err != nil {
		return err
	}
	return e.start(ctx, store, turn)
}

// Submit sends the session draft and clears it.
func (e *Engine) Submit(ctx context.Context, sessionID string) error {
	store, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}
	turn, err := store.BeginDraftTurn(e.builder.Validate)
	if err != nil {
		return err
	}
	return e.start(ctx, store, turn)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) start(ctx context.Context, store *chat.Store, turn chat.Turn) error {
	id := store.ID()
	msgID := turn.AssistantMessageID

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		store.Fail(msgID, ErrClosed)
		return ErrClosed
	}
	desc, err := e.builder.Build(turn.History, turn.Input, e.model)
	if err != nil {
		e.mu.Unlock()
		store.Fail(msgID, err)
		return err
	}
	logger.ForSession(id).Info("sending turn", "mode", desc.Mode, "model", e.model, "message_id", msgID)

	p := e.client.Start(ctx, id, msgID, desc, func(ev stream.Event) {
		store.ApplyEvent(msgID, ev)
	})
	f := &inflight{pending: p, turn: turn, finished: make(chan struct{})}
	e.flights[id] = f
	e.wg.Add(1)
	e.mu.Unlock()

	// a cancel that landed before the flight was registered already ended
	// the turn in the store
	if snap := store.Snapshot(); snap.StreamingMessageID != msgID && errors.Is(snap.Err, transport.ErrCancelled) {
		p.Cancel()
	}

	go func() {
		defer e.wg.Done()
		e.finish(store, f, p.Wait())
	}()
	return nil
}

// finish settles the store after the exchange returned and records the turn.
func (e *Engine) finish(store *chat.Store, f *inflight, err error) {
	id := store.ID()
	log := logger.ForSession(id)
	msgID := f.turn.AssistantMessageID

	switch {
	case err == nil:
		// the transport always ends a clean stream; this only guards the store
		store.ApplyEvent(msgID, stream.End())
	case errors.Is(err, transport.ErrCancelled):
		store.Cancel(msgID, err)
	default:
		log.Warn("turn failed", "message_id", msgID, "error", err)
		store.Fail(msgID, err)
	}

	if _, ok := store.Snapshot().Message(msgID); !ok {
		// the session was cleared while streaming
		log.Debug("discarding turn of cleared session", "message_id", msgID)
	} else if rerr := e.registry.RecordActivity(id, preview(f.turn.Input)); rerr != nil {
		// the session was deleted while streaming
		log.Debug("skipping activity of removed session", "error", rerr)
	} else {
		e.archiveTurn(store, f.turn)
	}

	f.err = err
	close(f.finished)
}

func (e *Engine) archiveTurn(store *chat.Store, turn chat.Turn) {
	if e.archive == nil {
		return
	}
	snap := store.Snapshot()
	var entries []history.Entry
	for _, id := range []int{turn.UserMessageID, turn.AssistantMessageID} {
		if m, ok := snap.Message(id); ok {
			entries = append(entries, history.FromMessage(snap.ID, m))
		}
	}
	if err := e.archive.Save(context.Background(), entries...); err != nil {
		logger.ForSession(snap.ID).Error("failed to archive turn", "error", err)
	}
}

func preview(in chat.Input) string {
	if in.Text == "" && in.Image != nil {
		return "Image: " + in.Image.Name
	}
	return in.Text
}

// Wait blocks until the latest turn of a session has been settled and
// returns its transport result. It returns nil when no turn was started.
func (e *Engine) Wait(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	f := e.flights[sessionID]
	e.mu.Unlock()
	if f == nil {
		return nil
	}
	select {
	case <-f.finished:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the request in flight for a session, or nil.
func (e *Engine) Pending(sessionID string) *transport.Pending {
	e.mu.Lock()
	f := e.flights[sessionID]
	e.mu.Unlock()
	if f == nil {
		return nil
	}
	select {
	case <-f.finished:
		return nil
	default:
		return f.pending
	}
}

// Cancel aborts the request of a session. The session stops streaming at
// once and keeps what was received. Cancelling twice, or with nothing in
// flight, is a no-op.
func (e *Engine) Cancel(sessionID string) error {
	if _, err := e.registry.Get(sessionID); err != nil {
		return err
	}
	e.cancel(sessionID)
	return nil
}

func (e *Engine) cancel(sessionID string) {
	store, err := e.registry.Get(sessionID)
	if err != nil {
		return
	}
	if id := store.Snapshot().StreamingMessageID; id != 0 {
		if store.Cancel(id, transport.ErrCancelled) {
			logger.ForSession(sessionID).Info("turn cancelled", "message_id", id)
		}
	}
	if p := e.Pending(sessionID); p != nil {
		p.Cancel()
	}
}

// Clear cancels the session's request and resets it to an empty conversation.
func (e *Engine) Clear(ctx context.Context, sessionID string) error {
	store, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	e.cancel(sessionID)
	store.Reset()
	if e.archive != nil {
		return e.archive.DeleteSession(ctx, sessionID)
	}
	return nil
}

// Models fetches the catalog and selects its first model. When the endpoint
// cannot list models the configured list is returned and the selection is
// kept.
func (e *Engine) Models(ctx context.Context) []transport.Model {
	list, err := e.client.Models(ctx)
	if err != nil || len(list) == 0 {
		logger.L.Warn("using configured models", "error", err)
		e.mu.Lock()
		defer e.mu.Unlock()
		e.models = slices.Clone(e.fallback)
		return slices.Clone(e.models)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.models = list
	e.model = list[0].ID
	return slices.Clone(list)
}

// SelectModel picks the model used for following turns.
func (e *Engine) SelectModel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !slices.ContainsFunc(e.models, func(m transport.Model) bool { return m.ID == id }) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	e.model = id
	return nil
}

// Model returns the selected model id.
func (e *Engine) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// Transcript returns the archived turns of a session. Without an archive it
// is derived from the live session.
func (e *Engine) Transcript(ctx context.Context, sessionID string) ([]history.Entry, error) {
	store, err := e.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if e.archive != nil {
		return e.archive.List(ctx, sessionID)
	}
	snap := store.Snapshot()
	out := make([]history.Entry, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		out = append(out, history.FromMessage(sessionID, m))
	}
	return out, nil
}

// Close cancels every request, waits for them to settle and closes the
// archive.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.flights))
	for id := range e.flights {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.cancel(id)
	}
	e.wg.Wait()

	if e.archive != nil {
		return e.archive.Close()
	}
	return nil
}
