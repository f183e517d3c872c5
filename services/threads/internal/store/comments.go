package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Comment represents a single comment row.
//
// Position is the total-order key inside ItemID; Depth and ParentID describe
// the nesting. Position, Depth and ParentID never change after insert.
type Comment struct {
	ID        int64      `json:"id"`
	ItemID    int64      `json:"item_id"`
	AuthorID  string     `json:"author_id"`
	Content   string     `json:"content"`
	Depth     int        `json:"depth"`
	Position  int64      `json:"position"`
	ParentID  *int64     `json:"parent_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// IsRoot reports whether c is attached directly to its item.
func (c Comment) IsRoot() bool { return c.ParentID == nil }

// Sentinel errors
var (
	// ErrNotFound is returned when a referenced comment does not exist.
	ErrNotFound = errors.New("comment not found")
	// ErrInvariantViolation signals a position collision on insert. It means the
	// allocator and the stored positions went out of sync and is never a user error.
	ErrInvariantViolation = errors.New("comment position invariant violated")
	// ErrConflict is a store level serialization failure. The operation can be
	// retried from scratch.
	ErrConflict = errors.New("concurrent modification conflict")
)

// ItemTx groups mutations of a single item. Everything done through an ItemTx
// commits or rolls back as a unit, and no other writer of the same item can
// interleave with it.
type ItemTx interface {
	ItemID() int64
	// Get returns the comment with id, or ErrNotFound. Comments of other items
	// are reported as ErrNotFound.
	Get(ctx context.Context, id int64) (Comment, error)
	// MaxPosition returns the highest position in the item; ok is false for an
	// empty item.
	MaxPosition(ctx context.Context) (pos int64, ok bool, err error)
	// ShiftPositions adds delta to every position >= from and returns the
	// number of shifted comments. delta must be positive.
	ShiftPositions(ctx context.Context, from, delta int64) (int64, error)
	// Insert stores c, assigning ID and CreatedAt. A taken position yields
	// ErrInvariantViolation.
	Insert(ctx context.Context, c Comment) (Comment, error)
	// DeleteSubtree removes rootID and every comment transitively replying to
	// it. It returns the removed ids, root first.
	DeleteSubtree(ctx context.Context, rootID int64) ([]int64, error)
}

// CommentStore defines the contract for comment persistence.
type CommentStore interface {
	Get(ctx context.Context, id int64) (Comment, error)
	// ListByItem returns every comment of the item as a consistent snapshot.
	// The slice order carries no meaning.
	ListByItem(ctx context.Context, itemID int64) ([]Comment, error)
	UpdateContent(ctx context.Context, id int64, content string) (Comment, error)
	// InItem runs fn serialized against all other InItem calls for itemID.
	InItem(ctx context.Context, itemID int64, fn func(tx ItemTx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// checkShift rejects shifts that would move a range down onto the
// positions below it.
func checkShift(delta int64) error {
	if delta <= 0 {
		return fmt.Errorf("shift by %d: delta must be positive", delta)
	}
	return nil
}
