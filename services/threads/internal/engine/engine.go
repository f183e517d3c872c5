// Package engine implements comment threads on top of a CommentStore: it
// allocates positions, applies shift-then-insert and subtree deletes inside a
// single item transaction, and rebuilds display order on read.
//
// Mutations that hit a store conflict are retried from scratch, re-reading
// the parent each time since its position may have moved. Invariant
// violations are never retried.
//
// Item ids, author ids and content are opaque here and stored as given;
// the transport layers validate them (see package input).
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/discussion/internal/platform/events"
	"github.com/example/discussion/internal/platform/metrics"
	"github.com/example/discussion/services/threads/internal/position"
	"github.com/example/discussion/services/threads/internal/store"
	"github.com/example/discussion/services/threads/internal/tree"
)

// DefaultMaxAttempts is the number of tries for an operation that keeps
// hitting store conflicts.
const DefaultMaxAttempts = 3

var (
	ErrNotFound           = store.ErrNotFound
	ErrInvariantViolation = store.ErrInvariantViolation
	ErrConflict           = store.ErrConflict
)

// EventPublisher receives committed mutations. *events.Publisher implements it.
type EventPublisher interface {
	Publish(subject string, ev events.Event)
}

type Options struct {
	Logger      *zap.Logger
	Events      EventPublisher
	Metrics     *metrics.Metrics
	MaxAttempts int
	Backoff     Backoff
}

type Engine struct {
	store       store.CommentStore
	log         *zap.Logger
	events      EventPublisher
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	maxAttempts int
	backoff     Backoff
}

func New(st store.CommentStore, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = DefaultMaxAttempts
	}
	bo := opts.Backoff
	if bo == (Backoff{}) {
		bo = DefaultBackoff
	}
	return &Engine{
		store:       st,
		log:         log.With(zap.String("component", "engine")),
		events:      opts.Events,
		metrics:     opts.Metrics,
		tracer:      otel.Tracer("github.com/example/discussion/services/threads/internal/engine"),
		maxAttempts: attempts,
		backoff:     bo,
	}
}

// CreateRoot appends a top level comment after everything already in the item.
func (e *Engine) CreateRoot(ctx context.Context, itemID int64, authorID, content string) (store.Comment, error) {
	const op = "create_root"
	ctx, span := e.tracer.Start(ctx, "threads."+op, trace.WithAttributes(attribute.Int64("item.id", itemID)))
	defer span.End()
	started := time.Now()

	var created store.Comment
	err := e.retry(ctx, op, func() error {
		return e.store.InItem(ctx, itemID, func(tx store.ItemTx) error {
			top, ok, err := tx.MaxPosition(ctx)
			if err != nil {
				return fmt.Errorf("max position: %w", err)
			}
			alloc := position.Root(top, ok)
			c, err := tx.Insert(ctx, store.Comment{
				ItemID:   itemID,
				AuthorID: authorID,
				Content:  content,
				Depth:    0,
				Position: alloc.Position,
			})
			if err != nil {
				return e.insertFailed(err, itemID, alloc)
			}
			created = c
			return nil
		})
	})
	e.finish(span, op, started, err)
	if err != nil {
		return store.Comment{}, err
	}

	span.SetAttributes(attribute.Int64("comment.id", created.ID), attribute.Int64("comment.position", created.Position))
	e.publish(events.SubjectCreated, "comment.created", created, nil)
	return created, nil
}

// CreateReply inserts a reply directly after its parent, moving every later
// comment of the item down by one.
func (e *Engine) CreateReply(ctx context.Context, itemID, parentID int64, authorID, content string) (store.Comment, error) {
	const op = "create_reply"
	ctx, span := e.tracer.Start(ctx, "threads."+op, trace.WithAttributes(
		attribute.Int64("item.id", itemID),
		attribute.Int64("comment.parent_id", parentID),
	))
	defer span.End()
	started := time.Now()

	var (
		created store.Comment
		shifted int64
	)
	err := e.retry(ctx, op, func() error {
		return e.store.InItem(ctx, itemID, func(tx store.ItemTx) error {
			parent, err := tx.Get(ctx, parentID)
			if err != nil {
				return fmt.Errorf("parent %d: %w", parentID, err)
			}
			alloc := position.Reply(parent.Position)
			n, err := tx.ShiftPositions(ctx, alloc.ShiftFrom, alloc.Delta)
			if err != nil {
				return fmt.Errorf("shift from %d: %w", alloc.ShiftFrom, err)
			}
			pid := parent.ID
			c, err := tx.Insert(ctx, store.Comment{
				ItemID:   itemID,
				AuthorID: authorID,
				Content:  content,
				Depth:    parent.Depth + 1,
				Position: alloc.Position,
				ParentID: &pid,
			})
			if err != nil {
				return e.insertFailed(err, itemID, alloc)
			}
			created, shifted = c, n
			return nil
		})
	})
	e.finish(span, op, started, err)
	if err != nil {
		return store.Comment{}, err
	}

	e.metrics.Shifted(shifted)
	span.SetAttributes(attribute.Int64("comment.id", created.ID), attribute.Int64("threads.shifted", shifted))
	e.log.Debug("reply inserted",
		zap.Int64("item_id", itemID),
		zap.Int64("comment_id", created.ID),
		zap.Int64("position", created.Position),
		zap.Int64("shifted", shifted))
	e.publish(events.SubjectReplied, "comment.replied", created, map[string]any{
		"parent_id": parentID,
		"depth":     created.Depth,
	})
	return created, nil
}

// DeleteComment removes the comment and all of its transitive replies and
// returns their ids, the target first. Remaining positions are left as they
// are; the gap does not affect ordering.
func (e *Engine) DeleteComment(ctx context.Context, id int64) ([]int64, error) {
	const op = "delete"
	ctx, span := e.tracer.Start(ctx, "threads."+op, trace.WithAttributes(attribute.Int64("comment.id", id)))
	defer span.End()
	started := time.Now()

	var (
		target  store.Comment
		removed []int64
	)
	err := e.retry(ctx, op, func() error {
		c, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		target = c
		return e.store.InItem(ctx, c.ItemID, func(tx store.ItemTx) error {
			ids, err := tx.DeleteSubtree(ctx, id)
			if err != nil {
				return err
			}
			removed = ids
			return nil
		})
	})
	e.finish(span, op, started, err)
	if err != nil {
		return nil, err
	}

	e.metrics.Deleted(len(removed))
	span.SetAttributes(attribute.Int64("item.id", target.ItemID), attribute.Int("threads.deleted", len(removed)))
	e.publish(events.SubjectDeleted, "comment.deleted", target, map[string]any{"deleted": removed})
	return removed, nil
}

// EditComment replaces the content of a comment. Its place in the thread
// does not change.
func (e *Engine) EditComment(ctx context.Context, id int64, content string) (store.Comment, error) {
	const op = "edit"
	ctx, span := e.tracer.Start(ctx, "threads."+op, trace.WithAttributes(attribute.Int64("comment.id", id)))
	defer span.End()
	started := time.Now()

	var updated store.Comment
	err := e.retry(ctx, op, func() error {
		c, err := e.store.UpdateContent(ctx, id, content)
		updated = c
		return err
	})
	e.finish(span, op, started, err)
	if err != nil {
		return store.Comment{}, err
	}
	e.publish(events.SubjectEdited, "comment.edited", updated, nil)
	return updated, nil
}

// GetComment returns a single comment.
func (e *Engine) GetComment(ctx context.Context, id int64) (store.Comment, error) {
	const op = "get"
	started := time.Now()
	c, err := e.store.Get(ctx, id)
	e.metrics.Observe(op, resultOf(err), started)
	return c, err
}

// ListThread returns every comment of the item in display order: each root
// followed by its replies, depth first.
func (e *Engine) ListThread(ctx context.Context, itemID int64) ([]store.Comment, error) {
	const op = "list"
	ctx, span := e.tracer.Start(ctx, "threads."+op, trace.WithAttributes(attribute.Int64("item.id", itemID)))
	defer span.End()
	started := time.Now()

	comments, err := e.store.ListByItem(ctx, itemID)
	e.finish(span, op, started, err)
	if err != nil {
		return nil, err
	}
	return tree.Order(comments), nil
}

// ThreadTree returns the item's comments as a forest of roots.
func (e *Engine) ThreadTree(ctx context.Context, itemID int64) ([]*tree.Node, error) {
	const op = "tree"
	ctx, span := e.tracer.Start(ctx, "threads."+op, trace.WithAttributes(attribute.Int64("item.id", itemID)))
	defer span.End()
	started := time.Now()

	comments, err := e.store.ListByItem(ctx, itemID)
	e.finish(span, op, started, err)
	if err != nil {
		return nil, err
	}
	return tree.Build(comments), nil
}

// Ready reports whether the backing store answers.
func (e *Engine) Ready(ctx context.Context) error {
	return e.store.Ping(ctx)
}

func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrConflict) || attempt >= e.maxAttempts {
			return err
		}

		wait := e.backoff.Delay(attempt)
		e.metrics.Retry(op)
		e.log.Warn("store conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (e *Engine) insertFailed(err error, itemID int64, alloc position.Allocation) error {
	if errors.Is(err, ErrInvariantViolation) {
		e.metrics.Invariant()
		e.log.Error("position collision",
			zap.Int64("item_id", itemID),
			zap.Int64("position", alloc.Position),
			zap.Stringer("allocation", alloc),
			zap.Error(err))
	}
	return fmt.Errorf("insert at %d: %w", alloc.Position, err)
}

func (e *Engine) finish(span trace.Span, op string, started time.Time, err error) {
	e.metrics.Observe(op, resultOf(err), started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (e *Engine) publish(subject, name string, c store.Comment, props map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(subject, events.Event{
		EventName:  name,
		ItemID:     c.ItemID,
		CommentID:  c.ID,
		AuthorID:   c.AuthorID,
		Properties: props,
	})
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, ErrConflict):
		return metrics.ResultConflict
	case errors.Is(err, ErrInvariantViolation):
		return metrics.ResultInvariant
	}
	return metrics.ResultError
}
