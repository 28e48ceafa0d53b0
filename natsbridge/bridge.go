// Package natsbridge publishes run lifecycle events to NATS.
//
// Subjects have the form "<prefix>.<room>.<thread>.started" and
// "<prefix>.<room>.<thread>.completed". Payloads are JSON Message values.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
	"github.com/hupe1980/agentrun/run"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "agentrun.runs"

// Publisher sends a payload on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON payload of a lifecycle notification.
type Message struct {
	Kind      string    `json:"kind"`
	RoomID    string    `json:"room_id"`
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Options configures a Bridge.
type Options struct {
	// Prefix is prepended to every subject. Defaults to DefaultPrefix.
	Prefix string
	Logger logging.Logger
	Now    func() time.Time
}

// Bridge forwards lifecycle events from a run registry to a Publisher.
type Bridge struct {
	pub    Publisher
	prefix string
	logger logging.Logger
	now    func() time.Time
}

// New creates a bridge publishing through pub.
func New(pub Publisher, optFns ...func(o *Options)) *Bridge {
	opts := Options{Prefix: DefaultPrefix, Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		pub:    pub,
		prefix: strings.TrimSuffix(opts.Prefix, "."),
		logger: opts.Logger,
		now:    opts.Now,
	}
}

// Attach forwards every lifecycle event of r until the registry closes or
// the returned subscription is closed.
func (b *Bridge) Attach(r *run.Registry) *run.Subscription {
	return r.Observe(func(ev run.LifecycleEvent) {
		if err := b.Publish(ev); err != nil {
			b.logger.Error("nats.publish.error", "key", ev.ThreadKey().String(), "error", err.Error())
		}
	})
}

// Publish sends one lifecycle event.
func (b *Bridge) Publish(ev run.LifecycleEvent) error {
	msg := b.message(ev)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	subject := b.Subject(ev.ThreadKey(), msg.Kind)
	if err := b.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	b.logger.Debug("nats.published", "subject", subject, "run_id", msg.RunID)
	return nil
}

// Subject returns the subject for kind on key.
func (b *Bridge) Subject(key core.ThreadKey, kind string) string {
	return strings.Join([]string{b.prefix, token(key.RoomID), token(key.ThreadID), kind}, ".")
}

func (b *Bridge) message(ev run.LifecycleEvent) Message {
	key := ev.ThreadKey()
	msg := Message{RoomID: key.RoomID, ThreadID: key.ThreadID, Timestamp: b.now().UTC()}

	switch ev := ev.(type) {
	case run.StartedEvent:
		msg.Kind = "started"
		msg.RunID = ev.RunID
	case run.CompletedEvent:
		msg.Kind = "completed"
		msg.RunID = ev.RunID
		msg.Result = core.ResultName(ev.Result)
		switch r := ev.Result.(type) {
		case core.FailedResult:
			msg.Error = r.ErrorMessage
		case core.Cancelled:
			msg.Reason = r.Reason
		}
	}
	return msg
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Connect dials a NATS server with reconnects enabled and connection
// changes logged.
func Connect(url, name string, logger logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats.disconnected", "error", err.Error())
				return
			}
			logger.Warn("nats.disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats.reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats.error", "error", err.Error())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}
