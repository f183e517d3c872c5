// Package events provides a fire-and-forget NATS JetStream publisher for
// comment lifecycle events.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Stream carries every threads.* subject.
const Stream = "THREADS"

// Subject constants for every comment event type.
const (
	SubjectCreated = "threads.comments.created"
	SubjectReplied = "threads.comments.replied"
	SubjectEdited  = "threads.comments.edited"
	SubjectDeleted = "threads.comments.deleted"
)

// Event is the canonical envelope sent to all threads.comments.* subjects.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	ItemID     int64          `json:"item_id"`
	CommentID  int64          `json:"comment_id"`
	AuthorID   string         `json:"author_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// AsyncPublisher is the part of nats.JetStreamContext the publisher uses.
type AsyncPublisher interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

// Publisher publishes comment events to NATS JetStream.
// The zero value and a nil pointer are both safe no-op stubs.
type Publisher struct {
	js  AsyncPublisher
	log *zap.Logger
}

// New creates a Publisher using an existing JetStream context.
// Pass js=nil to get a no-op stub (useful in tests and deployments without NATS).
func New(js AsyncPublisher, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log}
}

// Publish sends ev asynchronously. EventID and OccurredAt are filled in when
// empty. Failures are logged as warnings and never surface to the caller.
func (p *Publisher) Publish(subject string, ev Event) {
	if p == nil || p.js == nil {
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("events: marshal failed", zap.String("event", ev.EventName), zap.Error(err))
		return
	}
	// The event id doubles as the JetStream dedup key.
	if _, err := p.js.PublishAsync(subject, data, nats.MsgId(ev.EventID)); err != nil {
		p.log.Warn("events: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
