// Package publish forwards recorded events to a NATS subject hierarchy.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"incontrol/internal/event"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject.
const DefaultSubjectPrefix = "incontrol.events"

// Publisher forwards events to other processes.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
	Close() error
}

// New returns a NATS publisher for url, or a no-op publisher when url is empty.
func New(url, prefix string, opts ...nats.Option) (Publisher, error) {
	if url == "" {
		return NoopPublisher{}, nil
	}
	return NewNATSPublisher(url, prefix, opts...)
}

// NATSPublisher publishes JSON-encoded events to <prefix>.<eventType>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url with automatic reconnection.
func NewNATSPublisher(url, prefix string, opts ...nats.Option) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	defaults := []nats.Option{
		nats.Name("incontrol"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc, prefix: prefix}, nil
}

// Subject returns the subject events of kind k are published on.
func (p *NATSPublisher) Subject(k event.Kind) string {
	return Subject(p.prefix, k)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return p.conn.Publish(p.Subject(ev.Type), data)
}

// Close flushes buffered messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, event.Event) error { return nil }
func (NoopPublisher) Close() error                               { return nil }

// Subject joins prefix and the event type.
func Subject(prefix string, k event.Kind) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(k)
}

// Subscribe delivers every event published under prefix to handle until ctx is
// done. Messages that do not decode are passed to onError when it is set.
func Subscribe(ctx context.Context, url, prefix string, handle func(event.Event), onError func(error)) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	nc, err := nats.Connect(url, nats.Name("incontrol-follow"), nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(prefix+".>", msgs)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", prefix, err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flushing subscription: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			ev, err := event.Decode(msg.Data)
			if err != nil {
				if onError != nil {
					onError(fmt.Errorf("decode %s: %w", msg.Subject, err))
				}
				continue
			}
			handle(ev)
		}
	}
}
