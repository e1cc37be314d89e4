// Package bus publishes relay events to NATS so that collaborators outside
// the hub (message persistence, analytics, other nodes) can consume them.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/worker"
)

// Event types published by Sink.
const (
	TypeOnline  = "online"
	TypeOffline = "offline"
	TypeMessage = "message"
)

// Publisher is the subset of *nats.Conn used by Sink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON document published for every presence change and every
// relayed message.
type Event struct {
	Type        string          `json:"type"`
	Node        string          `json:"node"`
	UserID      string          `json:"userId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	Delivered   bool            `json:"delivered"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	At          time.Time       `json:"at"`
}

// Sink turns hub notifications into NATS messages on
// "<prefix>.presence" and "<prefix>.message".
type Sink struct {
	pub    Publisher
	node   string
	prefix string
	queue  *worker.Queue[Event]
	log    *zap.Logger
	now    func() time.Time
}

// NewSink creates a sink publishing through pub.
func NewSink(pub Publisher, node, prefix string, log *zap.Logger) *Sink {
	log = logging.OrNop(log)
	s := &Sink{
		pub:    pub,
		node:   node,
		prefix: prefix,
		log:    log.With(zap.String("component", "bus")),
		now:    time.Now,
	}
	s.queue = worker.New[Event]("bus", 4096, s.publish, s.log)
	return s
}

// PresenceSubject returns the subject presence events are published on.
func (s *Sink) PresenceSubject() string { return s.prefix + ".presence" }

// MessageSubject returns the subject message events are published on.
func (s *Sink) MessageSubject() string { return s.prefix + ".message" }

// UserOnline queues an online event.
func (s *Sink) UserOnline(userID string) {
	s.queue.Submit(Event{Type: TypeOnline, Node: s.node, UserID: userID, At: s.now()})
}

// UserOffline queues an offline event.
func (s *Sink) UserOffline(userID string) {
	s.queue.Submit(Event{Type: TypeOffline, Node: s.node, UserID: userID, At: s.now()})
}

// MessageRelayed queues a message event. payload is copied so the caller may
// reuse its buffer.
func (s *Sink) MessageRelayed(recipientID string, payload []byte, delivered bool) {
	s.queue.Submit(Event{
		Type:        TypeMessage,
		Node:        s.node,
		RecipientID: recipientID,
		Delivered:   delivered,
		Payload:     append(json.RawMessage(nil), payload...),
		At:          s.now(),
	})
}

// Run publishes queued events until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	s.queue.Run(ctx)
}

func (s *Sink) publish(_ context.Context, ev Event) {
	subject := s.PresenceSubject()
	if ev.Type == TypeMessage {
		subject = s.MessageSubject()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("encode event failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := s.pub.Publish(subject, data); err != nil {
		s.log.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Connect dials NATS with unlimited reconnects. An unreachable server is not
// an error: the connection keeps retrying in the background and publishes
// are buffered until it comes up.
func Connect(url, name string, log *zap.Logger) (*nats.Conn, error) {
	log = logging.OrNop(log)
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", url)
	}
	return nc, nil
}
