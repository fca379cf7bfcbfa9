// Package observer reconstructs prompt/response interactions from raw
// terminal output.
//
// An Observer accumulates the text delivered by a terminal.Source, looks for
// the prompt marker Claude Code echoes in front of every user prompt, and
// turns what it finds into a batched, ordered stream of events:
//
//	interaction_start → user_prompt? → claude_response? → interaction_end
//
// A marker always closes the interaction before it, so interactions never
// overlap. An interaction without a following marker stays open until Stop.
//
// The observer is single-threaded: it does no locking and never starts a
// goroutine. Callers that deliver data from several goroutines must serialize
// every call, which terminal.Hub does for its listeners and through Hub.Do.
package observer

import (
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"incontrol/internal/event"
	"incontrol/internal/metrics"
	"incontrol/internal/terminal"
)

// Sink receives flushed events one at a time, in emission order.
type Sink func(event.Event)

// Interaction is the open prompt/response cycle.
type Interaction struct {
	ID         string
	StartedAt  time.Time
	UserPrompt string
	Response   string
	Truncated  bool
	EventIDs   []string
}

// Observer is the interaction segmentation engine for one session.
type Observer struct {
	sessionID string
	userName  string
	sink      Sink

	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	glyph            string
	marker           *regexp.Regexp
	maxBuffer        int
	maxResponse      int
	captureResponses bool
	stripANSI        bool

	active      map[terminal.Handle]struct{}
	output      string
	current     *Interaction
	pending     []event.Event
	unsubscribe []func()
}

// New creates an observer whose events carry sessionID and userName.
func New(sessionID, userName string, sink Sink, opts ...Option) *Observer {
	if sink == nil {
		sink = func(event.Event) {}
	}

	o := &Observer{
		sessionID:        sessionID,
		userName:         userName,
		sink:             sink,
		log:              zap.NewNop(),
		now:              time.Now,
		newID:            uuid.NewString,
		glyph:            DefaultMarker,
		marker:           markerPattern(DefaultMarker),
		maxBuffer:        DefaultMaxBufferBytes,
		maxResponse:      DefaultMaxResponseBytes,
		captureResponses: true,
		stripANSI:        true,
		active:           make(map[terminal.Handle]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(zap.String("session_id", sessionID))
	return o
}

// Start subscribes to src and begins tracking the terminals open right now.
// Start must not be called again before Stop; a second call would deliver
// every chunk twice.
func (o *Observer) Start(src terminal.Source) {
	o.log.Info("starting terminal observation")

	unsubscribe := src.Subscribe(terminal.ListenerFuncs{
		Opened: o.trackTerminal,
		Closed: o.untrackTerminal,
		Data:   o.HandleTerminalData,
	})
	o.unsubscribe = append(o.unsubscribe, unsubscribe)

	for _, h := range src.Terminals() {
		o.active[h] = struct{}{}
	}
	o.updateTerminalGauge()

	o.log.Info("observing terminals", zap.Int("count", len(o.active)))
}

// HandleTerminalData ingests one chunk written by terminal h. Chunks from
// terminals that are not tracked are discarded.
func (o *Observer) HandleTerminalData(h terminal.Handle, data string) {
	if _, ok := o.active[h]; !ok {
		return
	}

	o.log.Debug("terminal output", zap.Stringer("terminal", h), zap.Int("bytes", len(data)))

	now := o.now()
	o.output += data
	o.process(now)
}

// Stop treats the buffered partial line as complete, closes any open
// interaction as incomplete, delivers every pending event, releases the
// subscriptions and forgets the tracked terminals. The observer may be
// started again afterwards.
func (o *Observer) Stop() {
	o.log.Info("stopping terminal observation")

	now := o.now()
	o.finishPartialLine(now)

	if o.current != nil {
		id := o.current.ID
		o.closeInteraction(now)
		o.log.Info("marked interaction as incomplete", zap.String("interaction_id", id))
	}

	o.flush()

	for _, unsubscribe := range o.unsubscribe {
		unsubscribe()
	}
	o.unsubscribe = nil

	clear(o.active)
	o.output = ""
	o.updateTerminalGauge()
}

// CurrentInteraction returns a copy of the open interaction, or false when
// there is none.
func (o *Observer) CurrentInteraction() (Interaction, bool) {
	if o.current == nil {
		return Interaction{}, false
	}
	cur := *o.current
	cur.EventIDs = slices.Clone(o.current.EventIDs)
	return cur, true
}

func (o *Observer) trackTerminal(h terminal.Handle) {
	o.log.Info("terminal opened", zap.Stringer("terminal", h))
	o.active[h] = struct{}{}
	o.updateTerminalGauge()
}

func (o *Observer) untrackTerminal(h terminal.Handle) {
	o.log.Info("terminal closed", zap.Stringer("terminal", h))
	delete(o.active, h)
	o.updateTerminalGauge()
}

func (o *Observer) updateTerminalGauge() {
	if o.metrics != nil {
		o.metrics.TerminalsObserved.Set(float64(len(o.active)))
	}
}
