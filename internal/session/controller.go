package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"incontrol/internal/event"
	"incontrol/internal/metrics"
	"incontrol/internal/observer"
	"incontrol/internal/terminal"
)

var (
	ErrSessionActive    = errors.New("a session is already active")
	ErrNoActiveSession  = errors.New("no active session to stop")
	ErrUserNameRequired = errors.New("session not started: user name is required")
	ErrTaskRequired     = errors.New("session not started: task description is required")
)

// Source is a terminal source whose notifications can be serialized with
// other work. terminal.Hub satisfies it.
type Source interface {
	terminal.Source
	Do(fn func())
}

// Prompter asks the operator for session details.
type Prompter interface {
	UserName(ctx context.Context) (string, error)
	TaskDescription(ctx context.Context) (string, error)
	Reflection(ctx context.Context) (string, error)
}

// Profile remembers the operator's name between sessions.
type Profile interface {
	Ensure(ctx context.Context, ask func(context.Context) (string, error)) (string, error)
}

// Publisher forwards recorded events to other processes.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// Watcher is notified about session changes and recorded events.
type Watcher interface {
	SessionChanged(s Session)
	EventRecorded(ev event.Event)
}

// Config wires a Controller. Store, Source and Prompter are required.
type Config struct {
	Store     Store
	Source    Source
	Prompter  Prompter
	Profile   Profile
	Publisher Publisher
	Watchers  []Watcher

	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	ObserverOptions []observer.Option

	Now   func() time.Time
	NewID func() string
}

// Controller runs one session at a time. Starting a session attaches an
// observer to the terminal source; every event the observer flushes is
// stored, published and handed to the watchers.
type Controller struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	current  *Session
	observer *observer.Observer
}

// NewController creates a controller.
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Controller{cfg: cfg, log: cfg.Logger}
}

// Start begins a new session.
func (c *Controller) Start(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.Active {
		return nil, ErrSessionActive
	}

	userName, err := c.userName(ctx)
	if err != nil {
		return nil, err
	}

	task, err := c.cfg.Prompter.TaskDescription(ctx)
	if err != nil {
		return nil, fmt.Errorf("prompt for task description: %w", err)
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, ErrTaskRequired
	}

	sess := New(c.cfg.NewID(), userName, task, c.cfg.Now())
	if err := c.cfg.Store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	opts := []observer.Option{observer.WithLogger(c.log), observer.WithMetrics(c.cfg.Metrics)}
	obs := observer.New(sess.ID, sess.UserName, c.Record, append(opts, c.cfg.ObserverOptions...)...)
	c.cfg.Source.Do(func() { obs.Start(c.cfg.Source) })

	c.current = sess
	c.observer = obs

	c.log.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("user", sess.UserName),
		zap.String("task", sess.TaskDescription),
	)
	c.notifySession(*sess)

	result := *sess
	return &result, nil
}

// Stop ends the active session. The observer is stopped first so that every
// event it still holds is recorded before the session closes.
func (c *Controller) Stop(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || !c.current.Active {
		return nil, ErrNoActiveSession
	}

	if c.observer != nil {
		c.cfg.Source.Do(c.observer.Stop)
		c.observer = nil
	}

	reflection, err := c.cfg.Prompter.Reflection(ctx)
	if err != nil {
		c.log.Warn("reflection prompt failed, stopping without one", zap.Error(err))
		reflection = ""
	}

	sess := c.current
	sess.Stop(strings.TrimSpace(reflection), c.cfg.Now())

	duration, _ := sess.Duration()
	c.log.Info("session stopped",
		zap.String("session_id", sess.ID),
		zap.Duration("duration", duration),
	)
	c.notifySession(*sess)

	result := *sess
	if err := c.cfg.Store.UpdateSession(ctx, sess); err != nil {
		return &result, fmt.Errorf("save session: %w", err)
	}
	return &result, nil
}

// Toggle stops the active session or starts a new one.
func (c *Controller) Toggle(ctx context.Context) (*Session, error) {
	if _, active := c.Current(); active {
		return c.Stop(ctx)
	}
	return c.Start(ctx)
}

// Current returns the most recent session and whether it is still active.
func (c *Controller) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return Session{}, false
	}
	return *c.current, c.current.Active
}

// CurrentInteraction returns the interaction the active session's observer
// has open, if any.
func (c *Controller) CurrentInteraction() (observer.Interaction, bool) {
	c.mu.Lock()
	obs := c.observer
	c.mu.Unlock()

	if obs == nil {
		return observer.Interaction{}, false
	}

	var (
		cur observer.Interaction
		ok  bool
	)
	c.cfg.Source.Do(func() { cur, ok = obs.CurrentInteraction() })
	return cur, ok
}

// Record is the observer's sink. It runs on the source's dispatch path, so
// failures are logged and never returned.
func (c *Controller) Record(ev event.Event) {
	ctx := context.Background()

	if err := c.cfg.Store.AppendEvent(ctx, ev); err != nil {
		c.sinkError("store", ev, err)
	}
	if c.cfg.Publisher != nil {
		if err := c.cfg.Publisher.Publish(ctx, ev); err != nil {
			c.sinkError("publish", ev, err)
		}
	}
	for _, w := range c.cfg.Watchers {
		w.EventRecorded(ev)
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.EventsRecorded.WithLabelValues(string(ev.Type)).Inc()
	}
	c.log.Debug("event recorded",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
	)
}

func (c *Controller) userName(ctx context.Context) (string, error) {
	var (
		name string
		err  error
	)
	if c.cfg.Profile != nil {
		name, err = c.cfg.Profile.Ensure(ctx, c.cfg.Prompter.UserName)
	} else {
		name, err = c.cfg.Prompter.UserName(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("resolve user name: %w", err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrUserNameRequired
	}
	return name, nil
}

func (c *Controller) notifySession(s Session) {
	for _, w := range c.cfg.Watchers {
		w.SessionChanged(s)
	}
}

func (c *Controller) sinkError(stage string, ev event.Event, err error) {
	c.log.Error("failed to record event",
		zap.String("stage", stage),
		zap.String("event_id", ev.ID),
		zap.Error(err),
	)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SinkErrors.WithLabelValues(stage).Inc()
	}
}
