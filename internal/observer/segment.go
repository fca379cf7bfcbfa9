package observer

import (
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"incontrol/internal/event"
)

// process consumes every complete marker line in the buffer, then moves the
// remaining complete lines into the open interaction's response.
func (o *Observer) process(now time.Time) {
	for {
		loc := o.marker.FindStringIndex(o.output)
		if loc == nil {
			o.drainLines()
			break
		}

		o.capture(o.output[:loc[0]])
		o.output = o.output[loc[0]:]

		// The prompt line is still arriving; wait for its line break so a
		// prompt split across chunks opens one interaction, not several.
		end := strings.IndexByte(o.output, '\n')
		if end < 0 {
			break
		}
		line := o.output[:end]
		o.output = o.output[end+1:]

		o.log.Debug("detected prompt marker")

		if o.current != nil {
			o.closeInteraction(now)
		}
		o.openInteraction(now, o.promptFrom(line))
	}

	o.enforceBufferBound()
}

// finishPartialLine processes what is left in the buffer as if its line
// break had arrived: a marker opens one more interaction whose prompt runs to
// the end of the buffer, anything else is response text.
func (o *Observer) finishPartialLine(now time.Time) {
	if o.output == "" {
		return
	}
	rest := o.output
	o.output = ""

	loc := o.marker.FindStringIndex(rest)
	if loc == nil {
		o.capture(rest)
		return
	}

	o.capture(rest[:loc[0]])
	o.log.Debug("detected prompt marker at end of output")
	if o.current != nil {
		o.closeInteraction(now)
	}
	o.openInteraction(now, o.promptFrom(rest[loc[0]:]))
}

// promptFrom extracts the prompt text that follows the glyph on a marker line.
func (o *Observer) promptFrom(line string) string {
	prompt := strings.TrimPrefix(line, o.glyph)
	if o.stripANSI {
		prompt = stripANSI(prompt)
	}
	return strings.TrimSpace(prompt)
}

func (o *Observer) openInteraction(now time.Time, prompt string) {
	o.current = &Interaction{
		ID:         o.newID(),
		StartedAt:  now,
		UserPrompt: prompt,
	}
	if o.metrics != nil {
		o.metrics.InteractionsOpened.Inc()
	}

	o.log.Info("started interaction",
		zap.String("interaction_id", o.current.ID),
		zap.String("prompt", prompt),
	)

	ts := event.Millis(now)
	o.emit(now, event.InteractionStart{
		InteractionID: o.current.ID,
		Timestamp:     ts,
	})
	if prompt != "" {
		o.emit(now, event.UserPrompt{
			InteractionID: o.current.ID,
			Prompt:        prompt,
			Source:        event.SourceClaudeEcho,
			Timestamp:     ts,
		})
	}
}

// closeInteraction emits the response (if any) and the end event, then
// flushes regardless of how many events are pending.
func (o *Observer) closeInteraction(now time.Time) {
	cur := o.current
	if cur == nil {
		return
	}

	o.log.Info("closing interaction", zap.String("interaction_id", cur.ID))

	ts := event.Millis(now)
	if response := strings.TrimSpace(cur.Response); response != "" {
		o.emit(now, event.ClaudeResponse{
			InteractionID: cur.ID,
			Response:      response,
			Truncated:     cur.Truncated,
			Timestamp:     ts,
		})
	}
	o.emit(now, event.InteractionEnd{
		InteractionID: cur.ID,
		Duration:      now.Sub(cur.StartedAt).Milliseconds(),
		Timestamp:     ts,
	})

	o.flush()
	o.current = nil
}

// emit buffers an event and flushes on interaction_end or a full batch.
func (o *Observer) emit(ts time.Time, data event.Payload) {
	ev, err := event.New(o.newID(), o.sessionID, o.userName, ts, data)
	if err != nil {
		o.log.Error("dropping event", zap.Error(err))
		return
	}

	if o.current != nil && o.current.ID == ev.InteractionID() {
		o.current.EventIDs = append(o.current.EventIDs, ev.ID)
	}
	o.pending = append(o.pending, ev)
	if o.metrics != nil {
		o.metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	}

	if ev.Type == event.KindInteractionEnd || len(o.pending) >= flushThreshold {
		o.flush()
	}
}

// flush hands every pending event to the sink in insertion order.
func (o *Observer) flush() {
	if len(o.pending) == 0 {
		return
	}

	o.log.Debug("flushing events", zap.Int("count", len(o.pending)))

	batch := o.pending
	o.pending = nil
	for _, ev := range batch {
		o.sink(ev)
	}

	if o.metrics != nil {
		o.metrics.Flushes.Inc()
	}
}

// drainLines moves complete lines out of the buffer. They cannot contain a
// marker, so only the trailing partial line needs to wait for more input.
func (o *Observer) drainLines() {
	i := strings.LastIndexByte(o.output, '\n')
	if i < 0 {
		return
	}
	o.capture(o.output[:i+1])
	o.output = o.output[i+1:]
}

// capture appends text to the open interaction's response. Without an open
// interaction, or with capture disabled, the text is discarded.
func (o *Observer) capture(text string) {
	if text == "" || o.current == nil || !o.captureResponses {
		return
	}
	if o.stripANSI {
		text = stripANSI(text)
	}

	cur := o.current
	cur.Response += text
	if len(cur.Response) > o.maxResponse {
		cur.Response = keepTail(cur.Response, o.maxResponse)
		if !cur.Truncated && o.metrics != nil {
			o.metrics.ResponsesTruncated.Inc()
		}
		cur.Truncated = true
	}
}

// enforceBufferBound drops the oldest buffered bytes beyond maxBuffer.
func (o *Observer) enforceBufferBound() {
	if len(o.output) <= o.maxBuffer {
		return
	}

	before := len(o.output)
	o.output = keepTail(o.output, o.maxBuffer)
	dropped := before - len(o.output)

	o.log.Warn("output buffer exceeded bound, dropped oldest bytes",
		zap.Int("dropped", dropped),
		zap.Int("max", o.maxBuffer),
	)
	if o.metrics != nil {
		o.metrics.BufferBytesDropped.Add(float64(dropped))
	}
}

// keepTail returns at most n trailing bytes of s, starting on a rune boundary.
func keepTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
