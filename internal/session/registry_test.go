package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/streamchat/internal/chat"
	"github.com/comigor/streamchat/internal/stream"
)

// stepClock advances one minute per call.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Minute)
	return c.cur
}

func newTestRegistry(opts ...Option) *Registry {
	clock := &stepClock{cur: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	return New(append([]Option{WithClock(clock.now)}, opts...)...)
}

func TestCreateSession_DistinctAndEmpty(t *testing.T) {
	r := newTestRegistry()
	a := r.CreateSession()
	b := r.CreateSession()
	require.NotEqual(t, a, b)

	for _, id := range []string{a, b} {
		s, err := r.Get(id)
		require.NoError(t, err)
		require.Empty(t, s.Snapshot().Messages)
		require.Equal(t, chat.DefaultTitle, s.Snapshot().Title)
	}
	require.Equal(t, b, r.ActiveID())
}

func TestCreateSession_GreetingOption(t *testing.T) {
	r := newTestRegistry(WithStoreOptions(chat.WithGreeting("How can I help you today?")))
	s, err := r.Get(r.CreateSession())
	require.NoError(t, err)
	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 1)
	require.Equal(t, chat.RoleAssistant, msgs[0].Role)
}

func TestSwitchSession(t *testing.T) {
	r := newTestRegistry()
	a := r.CreateSession()
	b := r.CreateSession()

	require.NoError(t, r.SwitchSession(a))
	require.Equal(t, a, r.ActiveID())

	err := r.SwitchSession("never-created")
	require.ErrorIs(t, err, ErrUnknownSession)
	require.Equal(t, a, r.ActiveID())

	require.NoError(t, r.SwitchSession(b))
	id, store, ok := r.Active()
	require.True(t, ok)
	require.Equal(t, b, id)
	require.Equal(t, b, store.ID())
}

func TestActive_Empty(t *testing.T) {
	_, _, ok := newTestRegistry().Active()
	require.False(t, ok)
}

func TestApplyEvent_RoutesBySession(t *testing.T) {
	r := newTestRegistry()
	a := r.CreateSession()
	b := r.CreateSession()

	sa, _ := r.Get(a)
	turn, err := sa.BeginTurn(chat.Input{Text: "hi"})
	require.NoError(t, err)

	changed, err := r.ApplyEvent(a, turn.AssistantMessageID, stream.Content("hello"))
	require.NoError(t, err)
	require.True(t, changed)

	// same message id in the other session is stale there
	changed, err = r.ApplyEvent(b, turn.AssistantMessageID, stream.Content("x"))
	require.NoError(t, err)
	require.False(t, changed)

	_, err = r.ApplyEvent("gone", 1, stream.End())
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestRecordActivity(t *testing.T) {
	r := newTestRegistry()
	id := r.CreateSession()

	long := strings.Repeat("héllo ", 20)
	require.NoError(t, r.RecordActivity(id, long))

	s, _ := r.Get(id)
	snap := s.Snapshot()
	require.Equal(t, "héllo héllo héllo héllo héllo...", snap.Title)
	require.True(t, strings.HasSuffix(snap.LastMessagePreview, "..."))
	require.LessOrEqual(t, len([]rune(snap.LastMessagePreview)), previewRunes+3)
	first := snap.UpdatedAt

	// the title sticks after the first turn
	require.NoError(t, r.RecordActivity(id, "second question"))
	snap = s.Snapshot()
	require.Equal(t, "héllo héllo héllo héllo héllo...", snap.Title)
	require.Equal(t, "second question", snap.LastMessagePreview)
	require.True(t, snap.UpdatedAt.After(first))

	require.ErrorIs(t, r.RecordActivity("nope", "x"), ErrUnknownSession)
}

func TestList_MostRecentFirst(t *testing.T) {
	var lists [][]Summary
	r := newTestRegistry(WithListObserver(func(l []Summary) { lists = append(lists, l) }))
	a := r.CreateSession()
	b := r.CreateSession()
	c := r.CreateSession()

	require.NoError(t, r.RecordActivity(a, "first chat"))

	list := r.List()
	require.Len(t, list, 3)
	require.Equal(t, a, list[0].ID)
	require.Equal(t, c, list[1].ID)
	require.Equal(t, b, list[2].ID)
	require.True(t, list[1].Active)
	require.Equal(t, "first chat", list[0].Title)

	require.Len(t, lists, 4)
	require.Equal(t, list, lists[len(lists)-1])
}

func TestDelete(t *testing.T) {
	r := newTestRegistry()
	a := r.CreateSession()
	b := r.CreateSession()
	c := r.CreateSession()
	require.NoError(t, r.RecordActivity(a, "most recent"))

	require.NoError(t, r.Delete(b))
	require.Equal(t, c, r.ActiveID())

	require.NoError(t, r.Delete(c))
	require.Equal(t, a, r.ActiveID())
	require.Equal(t, 1, r.Len())

	require.ErrorIs(t, r.Delete(c), ErrUnknownSession)

	require.NoError(t, r.Delete(a))
	require.Equal(t, "", r.ActiveID())
	require.Empty(t, r.List())
}
