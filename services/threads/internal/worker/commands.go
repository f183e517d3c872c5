// Package worker applies thread commands received over NATS JetStream.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/discussion/internal/platform/events"
	"github.com/example/discussion/internal/platform/metrics"
	"github.com/example/discussion/services/threads/internal/engine"
	"github.com/example/discussion/services/threads/internal/idempotency"
	"github.com/example/discussion/services/threads/internal/input"
	"github.com/example/discussion/services/threads/internal/store"
)

const (
	SubjectPrefix = "threads.commands."
	SubjectCreate = SubjectPrefix + "create"
	SubjectReply  = SubjectPrefix + "reply"
	SubjectEdit   = SubjectPrefix + "edit"
	SubjectDelete = SubjectPrefix + "delete"

	// Durable is the name of the pull consumer shared by all replicas.
	Durable = "threads_commands"
)

// Command is the payload of every threads.commands.* message. Which fields
// are required depends on the subject.
type Command struct {
	CommandID string `json:"command_id"`
	ItemID    int64  `json:"item_id,omitempty"`
	ParentID  int64  `json:"parent_id,omitempty"`
	CommentID int64  `json:"comment_id,omitempty"`
	AuthorID  string `json:"author_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Threads is the engine surface the consumer drives.
type Threads interface {
	CreateRoot(ctx context.Context, itemID int64, authorID, content string) (store.Comment, error)
	CreateReply(ctx context.Context, itemID, parentID int64, authorID, content string) (store.Comment, error)
	EditComment(ctx context.Context, id int64, content string) (store.Comment, error)
	DeleteComment(ctx context.Context, id int64) ([]int64, error)
}

// Outcome says what happens to a message after Handle.
type Outcome int

const (
	Applied   Outcome = iota // ack
	Duplicate                // ack, command id already seen
	Skipped                  // ack, the target does not exist
	Rejected                 // term, the message can never succeed
	Retry                    // nak with backoff
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	case Retry:
		return "retry"
	}
	return "unknown"
}

type Options struct {
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Idempotency idempotency.Store
	// Backoff spaces redeliveries of commands that hit a conflict.
	Backoff   engine.Backoff
	BatchSize int           // default from WORKER_BATCH_SIZE or 100
	MaxWait   time.Duration // default from WORKER_BATCH_INTERVAL_MS or 2s
}

// Consumer pulls commands and applies them through the engine.
type Consumer struct {
	threads   Threads
	seen      idempotency.Store
	log       *zap.Logger
	metrics   *metrics.Metrics
	backoff   engine.Backoff
	batchSize int
	maxWait   time.Duration
}

func NewConsumer(th Threads, opts Options) *Consumer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	bo := opts.Backoff
	if bo == (engine.Backoff{}) {
		bo = engine.Backoff{Base: time.Second, Max: time.Minute}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = envInt("WORKER_BATCH_SIZE", 100)
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Duration(envInt("WORKER_BATCH_INTERVAL_MS", 2000)) * time.Millisecond
	}
	return &Consumer{
		threads:   th,
		seen:      opts.Idempotency,
		log:       log.With(zap.String("component", "commands_consumer")),
		metrics:   opts.Metrics,
		backoff:   bo,
		batchSize: opts.BatchSize,
		maxWait:   opts.MaxWait,
	}
}

// Fetcher is the part of a pull subscription the consumer uses.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// Subscribe binds the durable pull consumer on the events stream.
func Subscribe(js nats.JetStreamContext) (*nats.Subscription, error) {
	return js.PullSubscribe(SubjectPrefix+"*", Durable,
		nats.BindStream(events.Stream),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(10),
	)
}

// Run fetches and handles batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, sub Fetcher) error {
	c.log.Info("consumer started", zap.Int("batch_size", c.batchSize), zap.Duration("max_wait", c.maxWait))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(c.batchSize, nats.MaxWait(c.maxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return err
			}
			c.log.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			c.process(ctx, m)
		}
	}
}

// Message is the acknowledgement surface of a JetStream message.
type Message interface {
	Ack(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Metadata() (*nats.MsgMetadata, error)
}

func (c *Consumer) process(ctx context.Context, m *nats.Msg) {
	out := c.Handle(ctx, m.Subject, m.Data)
	c.settle(m, m.Subject, out)
}

func (c *Consumer) settle(m Message, subject string, out Outcome) {
	var err error
	switch out {
	case Applied, Duplicate, Skipped:
		err = m.Ack()
	case Rejected:
		err = m.Term()
	default:
		attempt := 1
		if md, mdErr := m.Metadata(); mdErr == nil && md.NumDelivered > 0 {
			attempt = int(md.NumDelivered)
		}
		err = m.NakWithDelay(c.backoff.Delay(attempt))
	}
	if err != nil {
		c.log.Warn("settle failed", zap.String("subject", subject), zap.Stringer("outcome", out), zap.Error(err))
	}
}

// Handle decodes and applies one command. It never returns an error; the
// Outcome tells the caller how to acknowledge the message.
func (c *Consumer) Handle(ctx context.Context, subject string, data []byte) (out Outcome) {
	action := strings.TrimPrefix(subject, SubjectPrefix)
	label := action
	defer func() { c.metrics.Command(label, out.String()) }()

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.log.Warn("invalid command payload", zap.String("subject", subject), zap.Error(err))
		return Rejected
	}
	cmd.CommandID = strings.TrimSpace(cmd.CommandID)
	if cmd.CommandID == "" {
		c.log.Warn("command without command_id", zap.String("subject", subject))
		return Rejected
	}
	if _, ok := appliers[action]; !ok {
		label = "unknown"
		c.log.Warn("unknown command", zap.String("subject", subject))
		return Rejected
	}

	log := c.log.With(zap.String("command", action), zap.String("command_id", cmd.CommandID))

	if err := validate(action, &cmd); err != nil {
		log.Warn("invalid command", zap.Error(err))
		return Rejected
	}

	if c.seen != nil {
		st, err := c.seen.Claim(ctx, cmd.CommandID)
		if err != nil {
			log.Warn("idempotency claim failed", zap.Error(err))
			return Retry
		}
		switch st {
		case idempotency.Done:
			log.Debug("duplicate command")
			return Duplicate
		case idempotency.InFlight:
			log.Debug("command claimed elsewhere")
			return Retry
		}
	}

	err := appliers[action](ctx, c.threads, cmd)
	out = classify(err)
	switch out {
	case Applied:
		log.Debug("command applied")
	case Skipped:
		log.Info("command target not found", zap.Error(err))
	case Rejected:
		log.Error("command rejected", zap.Error(err))
	case Retry:
		log.Warn("command failed, will be redelivered", zap.Error(err))
	}
	c.release(ctx, log, cmd.CommandID, out)
	return out
}

// release settles the claim. A crash before this point leaves the claim to
// expire after its lease, and the redelivery applies the command again.
func (c *Consumer) release(ctx context.Context, log *zap.Logger, commandID string, out Outcome) {
	if c.seen == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if out == Retry {
		if err := c.seen.Forget(ctx, commandID); err != nil {
			log.Warn("idempotency forget failed", zap.Error(err))
		}
		return
	}
	if err := c.seen.Complete(ctx, commandID); err != nil {
		log.Warn("idempotency complete failed", zap.Error(err))
	}
}

type applier func(ctx context.Context, th Threads, cmd Command) error

var appliers = map[string]applier{
	"create": func(ctx context.Context, th Threads, cmd Command) error {
		_, err := th.CreateRoot(ctx, cmd.ItemID, cmd.AuthorID, cmd.Content)
		return err
	},
	"reply": func(ctx context.Context, th Threads, cmd Command) error {
		_, err := th.CreateReply(ctx, cmd.ItemID, cmd.ParentID, cmd.AuthorID, cmd.Content)
		return err
	},
	"edit": func(ctx context.Context, th Threads, cmd Command) error {
		_, err := th.EditComment(ctx, cmd.CommentID, cmd.Content)
		return err
	},
	"delete": func(ctx context.Context, th Threads, cmd Command) error {
		_, err := th.DeleteComment(ctx, cmd.CommentID)
		return err
	},
}

// validate checks the fields action needs and trims the content in place.
func validate(action string, cmd *Command) error {
	var err error
	switch action {
	case "create", "reply":
		if err = input.ID("item_id", cmd.ItemID); err != nil {
			return err
		}
		if action == "reply" {
			if err = input.ID("parent_id", cmd.ParentID); err != nil {
				return err
			}
		}
		if err = input.Author(cmd.AuthorID); err != nil {
			return err
		}
		cmd.Content, err = input.Content(cmd.Content)
	case "edit":
		if err = input.ID("comment_id", cmd.CommentID); err != nil {
			return err
		}
		cmd.Content, err = input.Content(cmd.Content)
	case "delete":
		err = input.ID("comment_id", cmd.CommentID)
	}
	return err
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return Applied
	case errors.Is(err, engine.ErrNotFound):
		return Skipped
	case errors.Is(err, input.ErrInvalid), errors.Is(err, engine.ErrInvariantViolation):
		return Rejected
	}
	return Retry
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
