// Package events connects the catalog to the release announcements published
// on NATS.
package events

import (
	"catalogcore/internal/core"
	"catalogcore/internal/infra/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultHandlerTimeout bounds the work done for one message.
const DefaultHandlerTimeout = 30 * time.Second

// ReleaseEvent announces that a study moved to a new release.
type ReleaseEvent struct {
	StudyUID int64 `json:"studyUid"`
	Release  int   `json:"release"`
}

// ReleaseApplier is the catalog operation a release event triggers.
type ReleaseApplier interface {
	ApplyReleaseEvent(ctx context.Context, studyUID int64, release int) (int64, error)
}

var _ ReleaseApplier = (*core.Catalog)(nil)

// ErrInvalidEvent reports a message that does not decode to a release event.
var ErrInvalidEvent = errors.New("invalid release event")

// Decode parses a release event payload.
func Decode(data []byte) (ReleaseEvent, error) {
	var ev ReleaseEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.StudyUID <= 0 || ev.Release <= 0 {
		return ev, fmt.Errorf("%w: study %d release %d", ErrInvalidEvent, ev.StudyUID, ev.Release)
	}
	return ev, nil
}

// Encode renders a release event payload.
func Encode(ev ReleaseEvent) ([]byte, error) { return json.Marshal(ev) }

// Options configures a Subscriber.
type Options struct {
	URL     string
	Subject string
	// Queue load-balances messages across subscribers sharing the name.
	Queue string
	// Name identifies the connection on the server.
	Name           string
	HandlerTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// Subscriber applies release events received on a subject to the catalog.
type Subscriber struct {
	applier ReleaseApplier
	logger  core.Logger
	opts    Options

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription

	handled int64
	failed  int64
}

// NewSubscriber constructs a subscriber. Connect must be called before
// Start unless the subscriber is only used through Handle.
func NewSubscriber(applier ReleaseApplier, logger core.Logger, opts Options) *Subscriber {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "catalogcore"
	}
	if logger == nil {
		logger = observability.WrapLogger(nil)
	}
	return &Subscriber{applier: applier, logger: logger, opts: opts}
}

func (s *Subscriber) connectionOptions() []nats.Option {
	return []nats.Option{
		nats.Name(s.opts.Name),
		nats.MaxReconnects(s.opts.MaxReconnects),
		nats.ReconnectWait(s.opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.logger.Debug("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			s.logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
}

// Connect dials the configured server.
func (s *Subscriber) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	url := s.opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, s.connectionOptions()...)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", url, err)
	}
	s.conn = conn
	return nil
}

// Start subscribes to the release subject. Every message is handled with a
// context derived from ctx and bounded by the handler timeout.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("nats subscriber not connected")
	}
	if s.sub != nil {
		return nil
	}
	handler := func(msg *nats.Msg) {
		_ = s.Handle(ctx, msg)
	}
	var (
		sub *nats.Subscription
		err error
	)
	if s.opts.Queue != "" {
		sub, err = s.conn.QueueSubscribe(s.opts.Subject, s.opts.Queue, handler)
	} else {
		sub, err = s.conn.Subscribe(s.opts.Subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.opts.Subject, err)
	}
	s.sub = sub
	s.logger.Info("release subscriber started", "subject", s.opts.Subject, "queue", s.opts.Queue)
	return nil
}

// Handle applies one message. Invalid payloads are logged and dropped.
// Messages carrying a reply subject are answered with the outcome.
func (s *Subscriber) Handle(ctx context.Context, msg *nats.Msg) error {
	msgCtx, cancel := context.WithTimeout(ctx, s.opts.HandlerTimeout)
	defer cancel()

	ev, err := Decode(msg.Data)
	if err == nil {
		var tagged int64
		tagged, err = s.applier.ApplyReleaseEvent(msgCtx, ev.StudyUID, ev.Release)
		if err == nil {
			s.mu.Lock()
			s.handled++
			s.mu.Unlock()
			s.logger.Info("release applied", "study", ev.StudyUID, "release", ev.Release, "tagged", tagged)
			s.reply(msg, map[string]any{"studyUid": ev.StudyUID, "release": ev.Release, "tagged": tagged})
			return nil
		}
	}
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	s.logger.Warn("release event rejected", "subject", msg.Subject, "error", err)
	s.reply(msg, map[string]any{"error": err.Error()})
	return err
}

func (s *Subscriber) reply(msg *nats.Msg, body map[string]any) {
	if msg.Reply == "" || msg.Sub == nil {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := msg.Respond(raw); err != nil {
		s.logger.Warn("release reply failed", "error", err)
	}
}

// Stats returns the number of applied and rejected messages.
func (s *Subscriber) Stats() (handled, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled, s.failed
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.sub != nil {
		err = s.sub.Drain()
		s.sub = nil
	}
	if s.conn != nil {
		if derr := s.conn.Drain(); derr != nil && !errors.Is(derr, nats.ErrConnectionClosed) {
			err = errors.Join(err, derr)
		}
		s.conn = nil
	}
	return err
}
