package chat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/streamchat/internal/stream"
)

var fixedNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func newTestStore(opts ...Option) *Store {
	return NewStore("s1", append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestStore_StreamingTurn(t *testing.T) {
	var seen []Session
	s := newTestStore(WithObserver(func(snap Session) { seen = append(seen, snap) }))

	turn, err := s.BeginTurn(Input{Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, 1, turn.UserMessageID)
	require.Equal(t, 2, turn.AssistantMessageID)
	require.Empty(t, turn.History)
	require.Equal(t, PhaseAwaiting, s.Phase())

	require.True(t, s.ApplyEvent(turn.AssistantMessageID, stream.Content("Hel")))
	require.Equal(t, PhaseStreaming, s.Phase())
	require.True(t, s.ApplyEvent(turn.AssistantMessageID, stream.Content("lo")))

	// observers always see the running total
	last := seen[len(seen)-1]
	msg, ok := last.Message(turn.AssistantMessageID)
	require.True(t, ok)
	require.Equal(t, "Hello", msg.Content)

	cites := []stream.Citation{{URL: "https://go.dev", Title: "Go", StartIndex: 0, EndIndex: 5}}
	require.True(t, s.ApplyEvent(turn.AssistantMessageID, stream.Citations(cites)))
	require.True(t, s.ApplyEvent(turn.AssistantMessageID, stream.End()))

	snap := s.Snapshot()
	require.False(t, snap.Streaming())
	require.Equal(t, PhaseIdle, snap.Phase)
	msg, _ = snap.Message(turn.AssistantMessageID)
	require.Equal(t, "Hello", msg.Content)
	require.Equal(t, cites, msg.Citations)
	require.True(t, msg.SearchArtifact)

	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i].Version, seen[i-1].Version)
	}
}

func TestStore_FrozenAfterEnd(t *testing.T) {
	s := newTestStore()
	turn, err := s.BeginTurn(Input{Text: "hi"})
	require.NoError(t, err)

	s.ApplyEvent(turn.AssistantMessageID, stream.Content("done"))
	s.ApplyEvent(turn.AssistantMessageID, stream.End())
	before := s.Snapshot()

	require.False(t, s.ApplyEvent(turn.AssistantMessageID, stream.Content(" more")))
	require.False(t, s.ApplyEvent(turn.AssistantMessageID, stream.Citations([]stream.Citation{{URL: "x"}})))
	require.False(t, s.ApplyEvent(turn.AssistantMessageID, stream.End()))
	require.False(t, s.Fail(turn.AssistantMessageID, errors.New("late")))

	after := s.Snapshot()
	require.Equal(t, before, after)
}

func TestStore_IgnoresEventsForOtherMessages(t *testing.T) {
	s := newTestStore()
	turn, err := s.BeginTurn(Input{Text: "hi"})
	require.NoError(t, err)

	require.False(t, s.ApplyEvent(turn.UserMessageID, stream.Content("x")))
	require.False(t, s.ApplyEvent(99, stream.End()))
	require.True(t, s.Snapshot().Streaming())
}

func TestStore_SecondSendRejected(t *testing.T) {
	s := newTestStore()
	_, err := s.BeginTurn(Input{Text: "one"})
	require.NoError(t, err)
	before := s.Snapshot()

	_, err = s.BeginTurn(Input{Text: "two"})
	require.ErrorIs(t, err, ErrTurnPending)
	require.Equal(t, before, s.Snapshot())
}

func TestStore_ConcurrentSendsStartOneTurn(t *testing.T) {
	s := newTestStore()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.BeginTurn(Input{Text: "go"}); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, started)
	require.Len(t, s.Snapshot().Messages, 2)
}

func TestStore_FailKeepsPartialContent(t *testing.T) {
	s := newTestStore()
	turn, err := s.BeginTurn(Input{Text: "hi"})
	require.NoError(t, err)
	s.ApplyEvent(turn.AssistantMessageID, stream.Content("partial answ"))

	boom := errors.New("connection reset")
	require.True(t, s.Fail(turn.AssistantMessageID, boom))

	snap := s.Snapshot()
	msg, _ := snap.Message(turn.AssistantMessageID)
	require.Equal(t, "partial answ", msg.Content)
	require.ErrorIs(t, snap.Err, boom)
	require.Equal(t, "connection reset", snap.ErrorMessage())
	require.False(t, snap.Streaming())
	require.Equal(t, PhaseIdle, snap.Phase)

	// the session accepts a new turn and clears the error
	_, err = s.BeginTurn(Input{Text: "again"})
	require.NoError(t, err)
	require.NoError(t, s.Snapshot().Err)
}

func TestStore_InBandErrorEndsTurn(t *testing.T) {
	s := newTestStore()
	turn, _ := s.BeginTurn(Input{Text: "hi"})

	require.True(t, s.ApplyEvent(turn.AssistantMessageID, stream.Event{Type: stream.EventError, Message: "quota"}))
	snap := s.Snapshot()
	require.ErrorIs(t, snap.Err, ErrStreamReported)
	require.False(t, snap.Streaming())
	require.Equal(t, PhaseIdle, snap.Phase)
}

func TestStore_CancelStopsFurtherMutation(t *testing.T) {
	s := newTestStore()
	turn, _ := s.BeginTurn(Input{Text: "hi"})
	s.ApplyEvent(turn.AssistantMessageID, stream.Content("a"))

	cause := errors.New("cancelled")
	require.True(t, s.Cancel(turn.AssistantMessageID, cause))
	require.False(t, s.Cancel(turn.AssistantMessageID, cause))
	require.False(t, s.ApplyEvent(turn.AssistantMessageID, stream.Content("b")))

	msg, _ := s.Snapshot().Message(turn.AssistantMessageID)
	require.Equal(t, "a", msg.Content)
}

func TestStore_ResetIsAtomic(t *testing.T) {
	var seen []Session
	s := newTestStore(WithGreeting("How can I help you today?"), WithObserver(func(snap Session) { seen = append(seen, snap) }))
	s.SetDraftText("draft")
	s.AttachImage(&ImageRef{Name: "cat.png"})
	turn, err := s.BeginTurn(Input{Text: "hi"})
	require.NoError(t, err)
	s.Fail(turn.AssistantMessageID, errors.New("x"))

	seen = nil
	s.Reset()
	require.Len(t, seen, 1)

	snap := seen[0]
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "How can I help you today?", snap.Messages[0].Content)
	require.NoError(t, snap.Err)
	require.False(t, snap.Streaming())
	require.Equal(t, Input{}, snap.Draft)
	require.Equal(t, DefaultTitle, snap.Title)
	require.Equal(t, PhaseIdle, snap.Phase)

	// ids never go back after a reset
	require.Greater(t, snap.Messages[0].ID, turn.AssistantMessageID)
	require.False(t, s.ApplyEvent(turn.AssistantMessageID, stream.Content("late")))
}

func TestStore_DraftOwnsAttachedImageFlag(t *testing.T) {
	s := newTestStore()
	require.False(t, s.HasAttachedImage())

	img := &ImageRef{Name: "cat.png", ContentType: "image/png", DataURL: "data:image/png;base64,AAAA"}
	s.AttachImage(img)
	s.SetDraftText("what is this?")
	require.True(t, s.HasAttachedImage())

	turn, err := s.BeginDraftTurn(nil)
	require.NoError(t, err)
	require.Same(t, img, turn.Input.Image)
	require.False(t, s.HasAttachedImage())
	require.Equal(t, Input{}, s.Draft())

	user, _ := s.Snapshot().Message(turn.UserMessageID)
	require.Same(t, img, user.Image)
	require.True(t, user.HasImage())
}

func TestStore_DraftValidationFailureLeavesStateUntouched(t *testing.T) {
	s := newTestStore()
	s.SetDraftText("")
	s.SetWebSearch(true)
	before := s.Snapshot()

	invalid := errors.New("empty")
	_, err := s.BeginDraftTurn(func(Input) error { return invalid })
	require.ErrorIs(t, err, invalid)
	require.Equal(t, before, s.Snapshot())
	require.Equal(t, PhaseIdle, s.Phase())
}

func TestStore_WebSearchReplyIsTagged(t *testing.T) {
	s := newTestStore()
	turn, _ := s.BeginTurn(Input{Text: "news?", WebSearch: true})
	reply, _ := s.Snapshot().Message(turn.AssistantMessageID)
	require.True(t, reply.SearchArtifact)
}

func TestStore_HistoryIsPriorConversation(t *testing.T) {
	s := newTestStore(WithGreeting("hello"))
	first, _ := s.BeginTurn(Input{Text: "one"})
	s.ApplyEvent(first.AssistantMessageID, stream.Content("uno"))
	s.ApplyEvent(first.AssistantMessageID, stream.End())

	second, err := s.BeginTurn(Input{Text: "two"})
	require.NoError(t, err)
	require.Len(t, second.History, 3)
	require.Equal(t, "uno", second.History[2].Content)
	require.Len(t, s.Snapshot().Messages, 5)
}

func TestReduce_DoesNotModifyInput(t *testing.T) {
	s := newSession("s", "", fixedNow, 1)
	s.Messages = []Message{{ID: 1, Role: RoleAssistant, Content: "a"}}
	s.StreamingMessageID = 1

	next, changed := Reduce(s, 1, stream.Content("b"))
	require.True(t, changed)
	require.Equal(t, "a", s.Messages[0].Content)
	require.Equal(t, "ab", next.Messages[0].Content)

	_, changed = Reduce(s, 1, stream.Content(""))
	require.False(t, changed)
}
