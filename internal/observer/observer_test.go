package observer

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incontrol/internal/event"
	"incontrol/internal/metrics"
	"incontrol/internal/terminal"
)

const term1 terminal.Handle = "term-1"

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type recorder struct {
	events []event.Event
}

func (r *recorder) sink(ev event.Event) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []event.Kind {
	kinds := make([]event.Kind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Type)
	}
	return kinds
}

func (r *recorder) ofKind(k event.Kind) []event.Event {
	var result []event.Event
	for _, ev := range r.events {
		if ev.Type == k {
			result = append(result, ev)
		}
	}
	return result
}

type harness struct {
	obs   *Observer
	rec   *recorder
	hub   *terminal.Hub
	clock *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		rec:   &recorder{},
		hub:   terminal.NewHub(),
		clock: &fakeClock{t: time.UnixMilli(1700000000000)},
	}
	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}

	base := []Option{WithClock(h.clock.Now), WithIDGenerator(ids)}
	h.obs = New("sess-1", "ada", h.rec.sink, append(base, opts...)...)

	h.hub.Opened(term1)
	h.obs.Start(h.hub)
	return h
}

func (h *harness) feed(chunks ...string) {
	for _, c := range chunks {
		h.hub.Data(term1, c)
	}
}

func TestObserver_PromptMarkerOpensInteraction(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ fix the bug\n")

	// Nothing is flushed until the interaction ends or the batch fills.
	assert.Empty(t, h.rec.events)
	require.Len(t, h.obs.pending, 2)
	assert.Equal(t, event.KindInteractionStart, h.obs.pending[0].Type)
	assert.Equal(t, event.KindUserPrompt, h.obs.pending[1].Type)

	prompt, ok := h.obs.pending[1].Data.(event.UserPrompt)
	require.True(t, ok)
	assert.Equal(t, "fix the bug", prompt.Prompt)
	assert.Equal(t, event.SourceClaudeEcho, prompt.Source)

	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "fix the bug", cur.UserPrompt)
	assert.Equal(t, cur.ID, prompt.InteractionID)
	assert.Equal(t, []string{h.obs.pending[0].ID, h.obs.pending[1].ID}, cur.EventIDs)

	for _, ev := range h.obs.pending {
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.Equal(t, "ada", ev.UserName)
		assert.Equal(t, h.clock.Now(), ev.Timestamp)
	}
}

func TestObserver_NextMarkerClosesPrevious(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ task one\n")
	first, ok := h.obs.CurrentInteraction()
	require.True(t, ok)

	h.clock.Advance(3 * time.Second)
	h.feed("❯ task two\n")

	assert.Equal(t, []event.Kind{
		event.KindInteractionStart,
		event.KindUserPrompt,
		event.KindInteractionEnd,
	}, h.rec.kinds())

	end, ok := h.rec.events[2].Data.(event.InteractionEnd)
	require.True(t, ok)
	assert.Equal(t, first.ID, end.InteractionID)
	assert.Equal(t, int64(3000), end.Duration)

	// The second interaction is open and its events are still pending.
	second, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "task two", second.UserPrompt)
	require.Len(t, h.obs.pending, 2)
	assert.Equal(t, event.KindInteractionStart, h.obs.pending[0].Type)
}

func TestObserver_StopClosesOpenInteraction(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ fix the bug\n")
	h.clock.Advance(1500 * time.Millisecond)
	h.obs.Stop()

	assert.Equal(t, []event.Kind{
		event.KindInteractionStart,
		event.KindUserPrompt,
		event.KindInteractionEnd,
	}, h.rec.kinds())
	assert.Len(t, h.rec.ofKind(event.KindInteractionEnd), 1)
	assert.Empty(t, h.obs.pending)

	end := h.rec.events[2].Data.(event.InteractionEnd)
	assert.Equal(t, int64(1500), end.Duration)

	_, ok := h.obs.CurrentInteraction()
	assert.False(t, ok)
	assert.Empty(t, h.obs.output)
	assert.Empty(t, h.obs.active)
}

func TestObserver_StopReleasesSubscription(t *testing.T) {
	h := newHarness(t)
	h.obs.Stop()

	h.feed("❯ after stop\n")
	assert.Empty(t, h.rec.events)
	assert.Empty(t, h.obs.output)
}

func TestObserver_StopWithoutInteraction(t *testing.T) {
	h := newHarness(t)
	h.feed("plain shell output\n")
	h.obs.Stop()

	assert.Empty(t, h.rec.events)
}

func TestObserver_IgnoresUntrackedTerminal(t *testing.T) {
	h := newHarness(t)

	h.obs.HandleTerminalData("term-unknown", "❯ fix the bug\n")
	h.hub.Data("term-unknown", "❯ fix the bug\n")

	assert.Empty(t, h.rec.events)
	assert.Empty(t, h.obs.pending)
	assert.Empty(t, h.obs.output)
	_, ok := h.obs.CurrentInteraction()
	assert.False(t, ok)
}

func TestObserver_FlushesEveryTenEvents(t *testing.T) {
	rec := &recorder{}
	obs := New("sess-1", "ada", rec.sink)
	now := time.Now()

	for i := 0; i < 12; i++ {
		obs.emit(now, event.UserPrompt{InteractionID: "int-1", Prompt: fmt.Sprintf("p%d", i)})
		assert.LessOrEqual(t, len(obs.pending), flushThreshold)
	}

	require.Len(t, rec.events, 10)
	assert.Len(t, obs.pending, 2)
	for i, ev := range rec.events {
		assert.Equal(t, fmt.Sprintf("p%d", i), ev.Data.(event.UserPrompt).Prompt)
	}

	obs.Stop()
	require.Len(t, rec.events, 12)
	assert.Equal(t, "p11", rec.events[11].Data.(event.UserPrompt).Prompt)
}

func TestObserver_InteractionEndForcesFlush(t *testing.T) {
	rec := &recorder{}
	obs := New("sess-1", "ada", rec.sink)

	obs.emit(time.Now(), event.InteractionStart{InteractionID: "int-1"})
	assert.Empty(t, rec.events)

	obs.emit(time.Now(), event.InteractionEnd{InteractionID: "int-1"})
	assert.Len(t, rec.events, 2)
	assert.Empty(t, obs.pending)
}

func TestObserver_PromptSplitAcrossChunks(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ fix ", "the ", "bug")
	_, ok := h.obs.CurrentInteraction()
	assert.False(t, ok, "interaction must wait for the end of the prompt line")

	h.feed("\n")
	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "fix the bug", cur.UserPrompt)
	assert.Len(t, h.obs.pending, 2)
}

func TestObserver_MarkerGlyphSplitAcrossChunks(t *testing.T) {
	h := newHarness(t)

	h.feed("shell output\n❯", " deploy\n")

	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "deploy", cur.UserPrompt)
}

func TestObserver_SeveralMarkersInOneChunk(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ one\n❯ two\n❯ three\n")

	starts := append(h.rec.ofKind(event.KindInteractionStart), pendingOfKind(h.obs, event.KindInteractionStart)...)
	assert.Len(t, starts, 3)
	assert.Len(t, h.rec.ofKind(event.KindInteractionEnd), 2)

	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "three", cur.UserPrompt)
}

func TestObserver_EmptyPromptSkipsUserPrompt(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ \n")

	require.Len(t, h.obs.pending, 1)
	assert.Equal(t, event.KindInteractionStart, h.obs.pending[0].Type)
	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Empty(t, cur.UserPrompt)
}

func TestObserver_GlyphWithoutWhitespaceIsNotAMarker(t *testing.T) {
	h := newHarness(t)

	h.feed("❯x not a prompt\n")

	_, ok := h.obs.CurrentInteraction()
	assert.False(t, ok)
	assert.Empty(t, h.obs.pending)
}

func TestObserver_NoBreakSpaceAfterGlyph(t *testing.T) {
	h := newHarness(t)

	h.feed("❯\u00a0explain this\n")

	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "explain this", cur.UserPrompt)
}

func TestObserver_CapturesResponseBetweenMarkers(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ fix the bug\n", "Looking at main.go...\n", "Fixed the nil check.\n")
	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "Looking at main.go...\nFixed the nil check.\n", cur.Response)

	h.feed("❯ thanks\n")

	require.Equal(t, []event.Kind{
		event.KindInteractionStart,
		event.KindUserPrompt,
		event.KindClaudeResponse,
		event.KindInteractionEnd,
	}, h.rec.kinds())

	resp := h.rec.events[2].Data.(event.ClaudeResponse)
	assert.Equal(t, "Looking at main.go...\nFixed the nil check.", resp.Response)
	assert.False(t, resp.Truncated)
	assert.Equal(t, cur.ID, resp.InteractionID)
}

func TestObserver_ResponseIncludesTextBeforeMarkerOnSameLine(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ q\n", "partial answer ❯ next\n")

	resp := h.rec.ofKind(event.KindClaudeResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "partial answer", resp[0].Data.(event.ClaudeResponse).Response)
}

func TestObserver_ResponseCaptureDisabled(t *testing.T) {
	h := newHarness(t, WithResponseCapture(false))

	h.feed("❯ fix the bug\n", "some answer\n", "❯ next\n")

	assert.Empty(t, h.rec.ofKind(event.KindClaudeResponse))
	assert.Len(t, h.rec.ofKind(event.KindInteractionEnd), 1)
}

func TestObserver_OutputBeforeFirstMarkerIsDiscarded(t *testing.T) {
	h := newHarness(t)

	h.feed("$ claude\nWelcome to Claude Code\n")
	assert.Empty(t, h.obs.output)

	h.feed("❯ hi\n", "hello\n", "❯ bye\n")
	resp := h.rec.ofKind(event.KindClaudeResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "hello", resp[0].Data.(event.ClaudeResponse).Response)
}

func TestObserver_StripsEscapeSequences(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ \x1b[1mfix\x1b[0m the bug\r\n", "\x1b[32mdone\x1b[0m\r\n")
	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "fix the bug", cur.UserPrompt)
	assert.Equal(t, "done\n", cur.Response)
}

func TestObserver_KeepsEscapeSequencesWhenStrippingDisabled(t *testing.T) {
	h := newHarness(t, WithANSIStripping(false))

	h.feed("❯ \x1b[1mfix\x1b[0m\n")
	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "\x1b[1mfix\x1b[0m", cur.UserPrompt)
}

func TestObserver_BoundsOutputBuffer(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, WithMaxBufferBytes(16), WithMetrics(m))

	h.feed(strings.Repeat("x", 40))
	assert.Len(t, h.obs.output, 16)

	// Multi-byte runes are never split.
	h.feed(strings.Repeat("é", 20))
	assert.LessOrEqual(t, len(h.obs.output), 16)
	assert.True(t, strings.HasPrefix(h.obs.output, "é"))
}

func TestObserver_TruncatesLongResponse(t *testing.T) {
	h := newHarness(t, WithMaxResponseBytes(8))

	h.feed("❯ q\n", "0123456789abcdef\n", "❯ next\n")

	resp := h.rec.ofKind(event.KindClaudeResponse)
	require.Len(t, resp, 1)
	payload := resp[0].Data.(event.ClaudeResponse)
	assert.True(t, payload.Truncated)
	assert.Equal(t, "9abcdef", payload.Response)
}

func TestObserver_TracksTerminalLifecycle(t *testing.T) {
	h := newHarness(t)

	h.hub.Opened("term-2")
	h.hub.Data("term-2", "❯ from the new terminal\n")
	cur, ok := h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "from the new terminal", cur.UserPrompt)

	h.hub.Closed("term-2")
	h.hub.Data("term-2", "❯ ignored\n")
	cur, ok = h.obs.CurrentInteraction()
	require.True(t, ok)
	assert.Equal(t, "from the new terminal", cur.UserPrompt)
}

func TestObserver_TerminalOpenedBeforeStartIsSnapshotted(t *testing.T) {
	h := newHarness(t)
	_, tracked := h.obs.active[term1]
	assert.True(t, tracked)
}

func TestObserver_Restart(t *testing.T) {
	h := newHarness(t)
	h.feed("❯ first\n")
	h.obs.Stop()

	h.obs.Start(h.hub)
	h.feed("❯ second\n")
	h.obs.Stop()

	starts := h.rec.ofKind(event.KindInteractionStart)
	require.Len(t, starts, 2)
	for _, ev := range h.rec.events {
		assert.Equal(t, "sess-1", ev.SessionID)
	}
}

func TestObserver_CurrentInteractionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.feed("❯ fix the bug\n")

	a, okA := h.obs.CurrentInteraction()
	b, okB := h.obs.CurrentInteraction()
	assert.Equal(t, okA, okB)
	assert.Equal(t, a, b)

	// The returned value is a copy.
	a.EventIDs[0] = "mutated"
	c, _ := h.obs.CurrentInteraction()
	assert.NotEqual(t, "mutated", c.EventIDs[0])
}

func TestObserver_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, WithMetrics(m))

	h.feed("❯ one\n", "❯ two\n")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found["incontrol_events_emitted_total"])
	assert.True(t, found["incontrol_interactions_opened_total"])
	assert.True(t, found["incontrol_terminals_observed"])
}

// Interaction invariants must hold however the transcript is chunked.
func TestObserver_InvariantsAcrossChunkings(t *testing.T) {
	transcript := "Welcome\n❯ first task\nworking...\ndone\n❯ second task\n❯ \nidle\n❯ last\npartial"
	markers := strings.Count(transcript, "❯ ")

	for size := 1; size <= len(transcript); size += 3 {
		t.Run(fmt.Sprintf("chunk=%d", size), func(t *testing.T) {
			h := newHarness(t)

			for start := 0; start < len(transcript); start += size {
				end := min(start+size, len(transcript))
				h.feed(transcript[start:end])
				assert.Less(t, len(h.obs.pending), flushThreshold)
			}
			h.obs.Stop()

			starts := h.rec.ofKind(event.KindInteractionStart)
			ends := h.rec.ofKind(event.KindInteractionEnd)
			assert.Len(t, starts, markers)
			assert.Len(t, ends, markers)

			// Starts and ends alternate and pair up by interaction id.
			var open string
			for _, ev := range h.rec.events {
				switch ev.Type {
				case event.KindInteractionStart:
					assert.Empty(t, open, "interaction started while another was open")
					open = ev.InteractionID()
				case event.KindInteractionEnd:
					assert.Equal(t, open, ev.InteractionID())
					open = ""
				default:
					assert.Equal(t, open, ev.InteractionID())
				}
			}
			assert.Empty(t, open)
		})
	}
}

func pendingOfKind(o *Observer, k event.Kind) []event.Event {
	var result []event.Event
	for _, ev := range o.pending {
		if ev.Type == k {
			result = append(result, ev)
		}
	}
	return result
}

func TestObserver_StopOpensInteractionForUnterminatedPrompt(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ final prompt")
	_, ok := h.obs.CurrentInteraction()
	require.False(t, ok, "prompt line is still arriving")

	h.obs.Stop()

	require.Equal(t, []event.Kind{
		event.KindInteractionStart,
		event.KindUserPrompt,
		event.KindInteractionEnd,
	}, h.rec.kinds())
	prompt := h.rec.events[1].Data.(event.UserPrompt)
	assert.Equal(t, "final prompt", prompt.Prompt)
	assert.Equal(t, h.rec.events[0].InteractionID(), h.rec.events[2].InteractionID())
}

func TestObserver_StopClosesPreviousBeforeUnterminatedPrompt(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ first\n", "answer\n", "❯ second")
	h.obs.Stop()

	require.Equal(t, []event.Kind{
		event.KindInteractionStart,
		event.KindUserPrompt,
		event.KindClaudeResponse,
		event.KindInteractionEnd,
		event.KindInteractionStart,
		event.KindUserPrompt,
		event.KindInteractionEnd,
	}, h.rec.kinds())
	assert.Equal(t, "answer", h.rec.events[2].Data.(event.ClaudeResponse).Response)
	assert.Equal(t, "second", h.rec.events[5].Data.(event.UserPrompt).Prompt)
}

func TestObserver_StopKeepsUnterminatedResponseLine(t *testing.T) {
	h := newHarness(t)

	h.feed("❯ q\n", "line one\n", "tail without newline")
	h.obs.Stop()

	resp := h.rec.ofKind(event.KindClaudeResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "line one\ntail without newline", resp[0].Data.(event.ClaudeResponse).Response)
	assert.Len(t, h.rec.ofKind(event.KindInteractionStart), 1)
}

func TestObserver_InvariantsWithUnterminatedLastPrompt(t *testing.T) {
	transcript := "❯ first task\nworking...\n❯ last one"
	markers := strings.Count(transcript, "❯ ")

	for size := 1; size <= len(transcript); size += 2 {
		t.Run(fmt.Sprintf("chunk=%d", size), func(t *testing.T) {
			h := newHarness(t)
			for start := 0; start < len(transcript); start += size {
				h.feed(transcript[start:min(start+size, len(transcript))])
			}
			h.obs.Stop()

			assert.Len(t, h.rec.ofKind(event.KindInteractionStart), markers)
			assert.Len(t, h.rec.ofKind(event.KindInteractionEnd), markers)
			prompts := h.rec.ofKind(event.KindUserPrompt)
			require.Len(t, prompts, markers)
			assert.Equal(t, "last one", prompts[1].Data.(event.UserPrompt).Prompt)
		})
	}
}
