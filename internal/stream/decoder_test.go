package stream

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const wellFormed = "data: {\"content\":\"Hel\",\"is_streaming\":true}\n\n" +
	"data: {\"content\":\"lo, wörld\"}\n\n" +
	"\n\n" +
	"data: {\"citations\":[{\"url\":\"https://go.dev\",\"title\":\"Go\",\"start_index\":0,\"end_index\":5}]}\n\n" +
	"data: {\"content\":\"\",\"is_streaming\":false}\n\n" +
	"data: [DONE]\n\n"

func wellFormedEvents() []Event {
	return []Event{
		Content("Hel"),
		Content("lo, wörld"),
		Citations([]Citation{{URL: "https://go.dev", Title: "Go", StartIndex: 0, EndIndex: 5}}),
		End(),
		End(),
	}
}

func feedAll(chunks ...string) []Event {
	d := NewDecoder()
	var out []Event
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	return out
}

func TestDecoder_SplitPayload(t *testing.T) {
	got := feedAll("data: {\"content\":\"Hel", "lo\"}\n\ndata: [DONE]\n\n")
	want := []Event{Content("Hello"), End()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoder_ChunkingInvariance(t *testing.T) {
	want := wellFormedEvents()

	if diff := cmp.Diff(want, feedAll(wellFormed)); diff != "" {
		t.Fatalf("single chunk (-want +got):\n%s", diff)
	}

	// every two-way split
	for i := 0; i <= len(wellFormed); i++ {
		got := feedAll(wellFormed[:i], wellFormed[i:])
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("split at %d (-want +got):\n%s", i, diff)
		}
	}

	// every three-way split with a short middle chunk
	for i := 0; i < len(wellFormed); i++ {
		for j := i; j <= len(wellFormed) && j <= i+7; j++ {
			got := feedAll(wellFormed[:i], wellFormed[i:j], wellFormed[j:])
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("split at %d,%d (-want +got):\n%s", i, j, diff)
			}
		}
	}

	// byte at a time
	chunks := make([]string, 0, len(wellFormed))
	for i := 0; i < len(wellFormed); i++ {
		chunks = append(chunks, wellFormed[i:i+1])
	}
	if diff := cmp.Diff(want, feedAll(chunks...)); diff != "" {
		t.Fatalf("byte chunks (-want +got):\n%s", diff)
	}
}

func TestDecoder_MalformedFrameSkipped(t *testing.T) {
	d := NewDecoder()
	got := d.Feed("data: {\"content\":\"a\"}\n\n" +
		"data: {\"content\": oops\n\n" +
		"data: {\"content\":\"b\"}\n\n")

	want := []Event{Content("a"), Content("b")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 1, d.Warnings())
}

func TestDecoder_DoneStopsEmission(t *testing.T) {
	d := NewDecoder()
	got := d.Feed("data: {\"content\":\"a\"}\n\ndata: [DONE]\n\ndata: {\"content\":\"late\"}\n\n")
	require.Equal(t, []Event{Content("a"), End()}, got)
	require.True(t, d.Done())
	require.Zero(t, d.Pending())

	require.Empty(t, d.Feed("data: {\"content\":\"later\"}\n\n"))
	require.Empty(t, d.Flush())
}

func TestDecoder_InBandError(t *testing.T) {
	got := feedAll("data: {\"content\":\"Error streaming response: boom\",\"is_streaming\":false,\"error\":\"boom\"}\n\n")
	want := []Event{
		Content("Error streaming response: boom"),
		{Type: EventError, Message: "boom"},
		End(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoder_EmptyCitationListIsDelivered(t *testing.T) {
	got := feedAll("data: {\"citations\":[]}\n\n")
	require.Equal(t, []Event{Citations([]Citation{})}, got)
}

func TestDecoder_FlushTrailingFrame(t *testing.T) {
	d := NewDecoder()
	require.Empty(t, d.Feed("data: {\"content\":\"tail\"}"))
	require.Equal(t, len("data: {\"content\":\"tail\"}"), d.Pending())
	require.Equal(t, []Event{Content("tail")}, d.Flush())
	require.Zero(t, d.Pending())
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Feed("data: {\"content\":\"partial")
	d.Reset()
	require.Zero(t, d.Pending())
	require.Equal(t, []Event{Content("x")}, d.Feed("data: {\"content\":\"x\"}\n\n"))
}

func TestDecoder_DoneLineAmongFields(t *testing.T) {
	d := NewDecoder()
	got := d.Feed("event: done\ndata: [DONE]\n\ndata: {\"content\":\"late\"}\n\n")
	require.Equal(t, []Event{End()}, got)
	require.True(t, d.Done())
	require.Zero(t, d.Warnings())
}

func TestDecoder_DoneTokenInsideContent(t *testing.T) {
	d := NewDecoder()
	got := d.Feed("event: message\ndata: {\"content\":\"say [DONE] twice\"}\n\n")
	require.Equal(t, []Event{Content("say [DONE] twice")}, got)
	require.False(t, d.Done())
}
