package run

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRun_CleanExit(t *testing.T) {
	r := New(zap.NewNop())
	code := r.run(context.Background(), func(context.Context) error { return nil })
	if code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
}

func TestRun_ServerClosedIsClean(t *testing.T) {
	r := New(zap.NewNop())
	code := r.run(context.Background(), func(context.Context) error { return http.ErrServerClosed })
	if code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
}

func TestRun_ErrorExit(t *testing.T) {
	r := New(zap.NewNop())
	code := r.run(context.Background(), func(context.Context) error { return errors.New("boom") })
	if code != 1 {
		t.Fatalf("expected 1, got %d", code)
	}
}

func TestRun_CancelWaitsForStart(t *testing.T) {
	r := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	code := r.run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	if code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("run returned before start finished")
	}
}

func TestRun_ShutdownTimeout(t *testing.T) {
	r := &Runner{Logger: zap.NewNop(), ShutdownTimeout: 20 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)

	code := r.run(ctx, func(context.Context) error {
		<-block
		return nil
	})
	if code != 1 {
		t.Fatalf("expected 1 on timeout, got %d", code)
	}
}

func TestGraceful_RunsAllHooks(t *testing.T) {
	r := New(zap.NewNop())
	var calls int
	r.Graceful(
		func(context.Context) error { calls++; return errors.New("first fails") },
		func(ctx context.Context) error {
			calls++
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected a deadline on the shutdown context")
			}
			return nil
		},
	)
	if calls != 2 {
		t.Fatalf("expected 2 hooks to run, got %d", calls)
	}
}
