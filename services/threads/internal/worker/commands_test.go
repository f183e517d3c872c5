package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/discussion/internal/platform/metrics"
	"github.com/example/discussion/services/threads/internal/engine"
	"github.com/example/discussion/services/threads/internal/idempotency"
	"github.com/example/discussion/services/threads/internal/store"
)

func newConsumer(t *testing.T) (*Consumer, *engine.Engine, *metrics.Metrics) {
	t.Helper()
	m, err := metrics.New(nil)
	require.NoError(t, err)
	seen, err := idempotency.NewStore(idempotency.Options{})
	require.NoError(t, err)
	th := engine.New(store.NewInMemoryCommentStore(), engine.Options{})
	c := NewConsumer(th, Options{
		Metrics:     m,
		Idempotency: seen,
		Backoff:     engine.Backoff{Base: time.Second, Max: 8 * time.Second},
		BatchSize:   10,
		MaxWait:     10 * time.Millisecond,
	})
	return c, th, m
}

func payload(t *testing.T, cmd Command) []byte {
	t.Helper()
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	return b
}

func TestHandle_CreateAndReply(t *testing.T) {
	c, th, m := newConsumer(t)
	ctx := context.Background()

	out := c.Handle(ctx, SubjectCreate, payload(t, Command{CommandID: "c1", ItemID: 7, AuthorID: "a", Content: "root"}))
	require.Equal(t, Applied, out)

	list, err := th.ListThread(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 1)

	out = c.Handle(ctx, SubjectReply, payload(t, Command{
		CommandID: "c2", ItemID: 7, ParentID: list[0].ID, AuthorID: "b", Content: "reply",
	}))
	require.Equal(t, Applied, out)

	list, err = th.ListThread(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[1].Position)
	assert.Equal(t, 1, list[1].Depth)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsProcessed.WithLabelValues("create", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsProcessed.WithLabelValues("reply", "applied")))
}

func TestHandle_DuplicateIsSkipped(t *testing.T) {
	c, th, _ := newConsumer(t)
	ctx := context.Background()
	data := payload(t, Command{CommandID: "same", ItemID: 1, AuthorID: "a", Content: "once"})

	require.Equal(t, Applied, c.Handle(ctx, SubjectCreate, data))
	require.Equal(t, Duplicate, c.Handle(ctx, SubjectCreate, data))

	list, err := th.ListThread(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestHandle_EditAndDelete(t *testing.T) {
	c, th, _ := newConsumer(t)
	ctx := context.Background()
	root, err := th.CreateRoot(ctx, 3, "a", "root")
	require.NoError(t, err)
	_, err = th.CreateReply(ctx, 3, root.ID, "b", "reply")
	require.NoError(t, err)

	require.Equal(t, Applied, c.Handle(ctx, SubjectEdit,
		payload(t, Command{CommandID: "e1", CommentID: root.ID, Content: "edited"})))
	got, err := th.GetComment(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)

	require.Equal(t, Applied, c.Handle(ctx, SubjectDelete,
		payload(t, Command{CommandID: "d1", CommentID: root.ID})))
	list, err := th.ListThread(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHandle_Rejections(t *testing.T) {
	c, _, m := newConsumer(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		subject string
		data    []byte
	}{
		{"bad json", SubjectCreate, []byte(`{"command_id":`)},
		{"missing command id", SubjectCreate, payload(t, Command{ItemID: 1, AuthorID: "a", Content: "x"})},
		{"unknown action", SubjectPrefix + "vote", payload(t, Command{CommandID: "u1"})},
		{"empty content", SubjectCreate, payload(t, Command{CommandID: "v1", ItemID: 1, AuthorID: "a", Content: "  "})},
		{"missing author", SubjectCreate, payload(t, Command{CommandID: "v2", ItemID: 1, Content: "x"})},
		{"zero item", SubjectCreate, payload(t, Command{CommandID: "v3", AuthorID: "a", Content: "x"})},
		{"zero parent", SubjectReply, payload(t, Command{CommandID: "v4", ItemID: 1, AuthorID: "a", Content: "x"})},
		{"edit without target", SubjectEdit, payload(t, Command{CommandID: "v5", Content: "x"})},
		{"delete without target", SubjectDelete, payload(t, Command{CommandID: "v6", CommentID: -1})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, Rejected, c.Handle(ctx, tc.subject, tc.data))
		})
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsProcessed.WithLabelValues("unknown", "rejected")))
}

func TestHandle_TrimsContent(t *testing.T) {
	c, th, _ := newConsumer(t)
	ctx := context.Background()

	require.Equal(t, Applied, c.Handle(ctx, SubjectCreate,
		payload(t, Command{CommandID: "t1", ItemID: 5, AuthorID: "a", Content: "  padded\n"})))
	list, err := th.ListThread(ctx, 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "padded", list[0].Content)
}

func TestHandle_InvalidCommandIsNotClaimed(t *testing.T) {
	seen, err := idempotency.NewStore(idempotency.Options{})
	require.NoError(t, err)
	th := &failingThreads{}
	c := NewConsumer(th, Options{Idempotency: seen})
	ctx := context.Background()

	require.Equal(t, Rejected, c.Handle(ctx, SubjectCreate,
		payload(t, Command{CommandID: "late", ItemID: 1, AuthorID: "a", Content: " "})))
	assert.Zero(t, th.calls)

	st, err := seen.Claim(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, idempotency.New, st)
}

func TestHandle_ClaimedCommandIsRetried(t *testing.T) {
	seen, err := idempotency.NewStore(idempotency.Options{})
	require.NoError(t, err)
	th := &failingThreads{}
	c := NewConsumer(th, Options{Idempotency: seen})
	ctx := context.Background()
	data := payload(t, Command{CommandID: "crashed", ItemID: 1, AuthorID: "a", Content: "x"})

	// A replica claimed the command and died before applying it.
	st, err := seen.Claim(ctx, "crashed")
	require.NoError(t, err)
	require.Equal(t, idempotency.New, st)

	assert.Equal(t, Retry, c.Handle(ctx, SubjectCreate, data))
	assert.Zero(t, th.calls)

	require.NoError(t, seen.Forget(ctx, "crashed"))
	assert.Equal(t, Applied, c.Handle(ctx, SubjectCreate, data))
	assert.Equal(t, Duplicate, c.Handle(ctx, SubjectCreate, data))
	assert.Equal(t, 1, th.calls)
}

func TestHandle_MissingTargetIsAcked(t *testing.T) {
	c, _, _ := newConsumer(t)
	ctx := context.Background()

	assert.Equal(t, Skipped, c.Handle(ctx, SubjectReply,
		payload(t, Command{CommandID: "r1", ItemID: 1, ParentID: 99, AuthorID: "a", Content: "x"})))
	assert.Equal(t, Skipped, c.Handle(ctx, SubjectDelete,
		payload(t, Command{CommandID: "r2", CommentID: 99})))
}

type failingThreads struct {
	err   error
	calls int
}

func (f *failingThreads) CreateRoot(context.Context, int64, string, string) (store.Comment, error) {
	f.calls++
	return store.Comment{}, f.err
}

func (f *failingThreads) CreateReply(context.Context, int64, int64, string, string) (store.Comment, error) {
	f.calls++
	return store.Comment{}, f.err
}

func (f *failingThreads) EditComment(context.Context, int64, string) (store.Comment, error) {
	f.calls++
	return store.Comment{}, f.err
}

func (f *failingThreads) DeleteComment(context.Context, int64) ([]int64, error) {
	f.calls++
	return nil, f.err
}

func TestHandle_ConflictForgetsCommand(t *testing.T) {
	seen, err := idempotency.NewStore(idempotency.Options{})
	require.NoError(t, err)
	th := &failingThreads{err: engine.ErrConflict}
	c := NewConsumer(th, Options{Idempotency: seen})
	ctx := context.Background()
	data := payload(t, Command{CommandID: "busy", ItemID: 1, AuthorID: "a", Content: "x"})

	require.Equal(t, Retry, c.Handle(ctx, SubjectCreate, data))
	// The redelivery must run again rather than count as a duplicate.
	require.Equal(t, Retry, c.Handle(ctx, SubjectCreate, data))
	assert.Equal(t, 2, th.calls)

	th.err = nil
	assert.Equal(t, Applied, c.Handle(ctx, SubjectCreate, data))
	assert.Equal(t, Duplicate, c.Handle(ctx, SubjectCreate, data))
}

func TestHandle_InvariantIsRejected(t *testing.T) {
	th := &failingThreads{err: errors.Join(errors.New("insert at 4"), engine.ErrInvariantViolation)}
	c := NewConsumer(th, Options{})
	out := c.Handle(context.Background(), SubjectCreate,
		payload(t, Command{CommandID: "x", ItemID: 1, AuthorID: "a", Content: "x"}))
	assert.Equal(t, Rejected, out)
}

type fakeMsg struct {
	delivered uint64
	acked     bool
	termed    bool
	nakDelay  time.Duration
}

func (m *fakeMsg) Ack(...nats.AckOpt) error {
	m.acked = true
	return nil
}

func (m *fakeMsg) Term(...nats.AckOpt) error {
	m.termed = true
	return nil
}

func (m *fakeMsg) NakWithDelay(d time.Duration, _ ...nats.AckOpt) error {
	m.nakDelay = d
	return nil
}

func (m *fakeMsg) Metadata() (*nats.MsgMetadata, error) {
	return &nats.MsgMetadata{NumDelivered: m.delivered}, nil
}

func TestSettle(t *testing.T) {
	c, _, _ := newConsumer(t)

	for _, out := range []Outcome{Applied, Duplicate, Skipped} {
		m := &fakeMsg{delivered: 1}
		c.settle(m, SubjectCreate, out)
		assert.True(t, m.acked, out.String())
	}

	m := &fakeMsg{delivered: 1}
	c.settle(m, SubjectCreate, Rejected)
	assert.True(t, m.termed)
	assert.False(t, m.acked)

	m = &fakeMsg{delivered: 1}
	c.settle(m, SubjectCreate, Retry)
	assert.Equal(t, time.Second, m.nakDelay)

	m = &fakeMsg{delivered: 3}
	c.settle(m, SubjectCreate, Retry)
	assert.Equal(t, 4*time.Second, m.nakDelay)

	m = &fakeMsg{delivered: 9}
	c.settle(m, SubjectCreate, Retry)
	assert.Equal(t, 8*time.Second, m.nakDelay)
}

type fakeFetcher struct {
	batches [][]*nats.Msg
	cancel  context.CancelFunc
}

func (f *fakeFetcher) Fetch(int, ...nats.PullOpt) ([]*nats.Msg, error) {
	if len(f.batches) == 0 {
		f.cancel()
		return nil, nats.ErrTimeout
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func TestRun_StopsOnCancel(t *testing.T) {
	c, _, _ := newConsumer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{cancel: cancel}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, f) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ClosedConnection(t *testing.T) {
	c, _, _ := newConsumer(t)
	err := c.Run(context.Background(), fetchErr{nats.ErrConnectionClosed})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

type fetchErr struct{ err error }

func (f fetchErr) Fetch(int, ...nats.PullOpt) ([]*nats.Msg, error) { return nil, f.err }
