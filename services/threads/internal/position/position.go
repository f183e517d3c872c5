// Package position computes where a new comment lands in the per-item total
// order.
//
// A thread is stored flat: every comment of an item carries a distinct integer
// position, and reading the item in ascending position yields the threads in
// display order. Roots go after everything else. A reply goes directly after
// its parent, which requires everything from that slot onwards to move down by
// one first.
package position

import "fmt"

// First is the position of the first comment in an empty item.
const First int64 = 1

// Allocation says where to insert and which range of existing positions has
// to be shifted beforehand. The shifted range is [ShiftFrom, ∞).
type Allocation struct {
	Position  int64
	ShiftFrom int64
	Delta     int64
}

// Shift reports whether existing comments must move before the insert.
func (a Allocation) Shift() bool { return a.Delta != 0 }

func (a Allocation) String() string {
	if !a.Shift() {
		return fmt.Sprintf("insert@%d", a.Position)
	}
	return fmt.Sprintf("shift[%d..)%+d insert@%d", a.ShiftFrom, a.Delta, a.Position)
}

// Root allocates a new root comment. top is the highest position in the
// item and ok is false when the item has no comments yet.
func Root(top int64, ok bool) Allocation {
	if !ok {
		return Allocation{Position: First}
	}
	return Allocation{Position: top + 1}
}

// Reply allocates a reply to the comment sitting at parentPos.
func Reply(parentPos int64) Allocation {
	return Allocation{
		Position:  parentPos + 1,
		ShiftFrom: parentPos + 1,
		Delta:     1,
	}
}
