package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryCommentStore keeps every item as an immutable snapshot: a table of
// comments keyed by id plus an index of (position, id) slots sorted by
// position. Writers of an item are serialized by a per-item mutex, work on a
// private copy and publish it on commit, so readers never see a half-applied
// shift.
type InMemoryCommentStore struct {
	mu     sync.RWMutex
	items  map[int64]*itemThread // item id -> committed snapshot
	owners map[int64]int64       // comment id -> item id
	locks  map[int64]*sync.Mutex // item id -> writer lock
	nextID atomic.Int64
}

type slot struct {
	pos int64
	id  int64
}

type itemThread struct {
	comments map[int64]Comment
	index    []slot // sorted by pos
}

func newItemThread() *itemThread {
	return &itemThread{comments: make(map[int64]Comment)}
}

func (t *itemThread) clone() *itemThread {
	c := &itemThread{
		comments: make(map[int64]Comment, len(t.comments)),
		index:    make([]slot, len(t.index)),
	}
	for id, cm := range t.comments {
		c.comments[id] = cm
	}
	copy(c.index, t.index)
	return c
}

// search returns the index of the first slot with pos >= p.
func (t *itemThread) search(p int64) int {
	return sort.Search(len(t.index), func(i int) bool { return t.index[i].pos >= p })
}

func NewInMemoryCommentStore() *InMemoryCommentStore {
	return &InMemoryCommentStore{
		items:  make(map[int64]*itemThread),
		owners: make(map[int64]int64),
		locks:  make(map[int64]*sync.Mutex),
	}
}

func (s *InMemoryCommentStore) snapshot(itemID int64) *itemThread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[itemID]
}

func (s *InMemoryCommentStore) itemLock(itemID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[itemID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[itemID] = l
	}
	return l
}

func (s *InMemoryCommentStore) Get(_ context.Context, id int64) (Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	itemID, ok := s.owners[id]
	if !ok {
		return Comment{}, ErrNotFound
	}
	c, ok := s.items[itemID].comments[id]
	if !ok {
		return Comment{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryCommentStore) ListByItem(_ context.Context, itemID int64) ([]Comment, error) {
	t := s.snapshot(itemID)
	if t == nil {
		return []Comment{}, nil
	}
	out := make([]Comment, 0, len(t.index))
	for _, sl := range t.index {
		out = append(out, t.comments[sl.id])
	}
	return out, nil
}

func (s *InMemoryCommentStore) UpdateContent(ctx context.Context, id int64, content string) (Comment, error) {
	s.mu.RLock()
	itemID, ok := s.owners[id]
	s.mu.RUnlock()
	if !ok {
		return Comment{}, ErrNotFound
	}

	var out Comment
	err := s.InItem(ctx, itemID, func(tx ItemTx) error {
		mt := tx.(*memoryTx)
		c, ok := mt.work.comments[id]
		if !ok {
			return ErrNotFound
		}
		now := time.Now().UTC()
		c.Content = content
		c.UpdatedAt = &now
		mt.work.comments[id] = c
		out = c
		return nil
	})
	return out, err
}

func (s *InMemoryCommentStore) InItem(ctx context.Context, itemID int64, fn func(tx ItemTx) error) error {
	l := s.itemLock(itemID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := newItemThread()
	if cur := s.snapshot(itemID); cur != nil {
		work = cur.clone()
	}
	tx := &memoryTx{store: s, itemID: itemID, work: work}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[itemID] = work
	for _, id := range tx.inserted {
		if _, ok := work.comments[id]; ok {
			s.owners[id] = itemID
		}
	}
	for _, id := range tx.deleted {
		delete(s.owners, id)
	}
	return nil
}

func (s *InMemoryCommentStore) Ping(context.Context) error { return nil }

func (s *InMemoryCommentStore) Close() error { return nil }

type memoryTx struct {
	store    *InMemoryCommentStore
	itemID   int64
	work     *itemThread
	inserted []int64
	deleted  []int64
}

func (tx *memoryTx) ItemID() int64 { return tx.itemID }

func (tx *memoryTx) Get(_ context.Context, id int64) (Comment, error) {
	c, ok := tx.work.comments[id]
	if !ok {
		return Comment{}, ErrNotFound
	}
	return c, nil
}

func (tx *memoryTx) MaxPosition(context.Context) (int64, bool, error) {
	if len(tx.work.index) == 0 {
		return 0, false, nil
	}
	return tx.work.index[len(tx.work.index)-1].pos, true, nil
}

func (tx *memoryTx) ShiftPositions(_ context.Context, from, delta int64) (int64, error) {
	if err := checkShift(delta); err != nil {
		return 0, err
	}
	i := tx.work.search(from)
	for j := i; j < len(tx.work.index); j++ {
		sl := &tx.work.index[j]
		sl.pos += delta
		c := tx.work.comments[sl.id]
		c.Position = sl.pos
		tx.work.comments[sl.id] = c
	}
	return int64(len(tx.work.index) - i), nil
}

func (tx *memoryTx) Insert(_ context.Context, c Comment) (Comment, error) {
	i := tx.work.search(c.Position)
	if i < len(tx.work.index) && tx.work.index[i].pos == c.Position {
		return Comment{}, fmt.Errorf("item %d position %d: %w", tx.itemID, c.Position, ErrInvariantViolation)
	}

	c.ID = tx.store.nextID.Add(1)
	c.ItemID = tx.itemID
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = nil

	tx.work.index = append(tx.work.index, slot{})
	copy(tx.work.index[i+1:], tx.work.index[i:])
	tx.work.index[i] = slot{pos: c.Position, id: c.ID}
	tx.work.comments[c.ID] = c
	tx.inserted = append(tx.inserted, c.ID)
	return c, nil
}

func (tx *memoryTx) DeleteSubtree(_ context.Context, rootID int64) ([]int64, error) {
	if _, ok := tx.work.comments[rootID]; !ok {
		return nil, ErrNotFound
	}

	children := make(map[int64][]int64)
	for _, c := range tx.work.comments {
		if c.ParentID != nil {
			children[*c.ParentID] = append(children[*c.ParentID], c.ID)
		}
	}

	removed := []int64{rootID}
	gone := map[int64]struct{}{rootID: {}}
	for q := 0; q < len(removed); q++ {
		kids := children[removed[q]]
		sort.Slice(kids, func(a, b int) bool { return kids[a] < kids[b] })
		for _, kid := range kids {
			if _, seen := gone[kid]; seen {
				continue
			}
			gone[kid] = struct{}{}
			removed = append(removed, kid)
		}
	}

	for _, id := range removed {
		delete(tx.work.comments, id)
	}
	kept := tx.work.index[:0]
	for _, sl := range tx.work.index {
		if _, ok := gone[sl.id]; !ok {
			kept = append(kept, sl)
		}
	}
	tx.work.index = kept
	tx.deleted = append(tx.deleted, removed...)
	return removed, nil
}
