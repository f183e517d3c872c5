package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds Graceful when no explicit timeout is given.
const DefaultShutdownTimeout = 10 * time.Second

type Runner struct {
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
}

func New(log *zap.Logger) *Runner {
	return &Runner{Logger: log, ShutdownTimeout: DefaultShutdownTimeout}
}

// WithSignals runs start until it returns or SIGINT/SIGTERM arrives, and
// converts the outcome into a process exit code. start receives a context
// that is cancelled on the signal and should return once it has stopped.
func (r *Runner) WithSignals(start func(ctx context.Context) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.run(ctx, start)
}

func (r *Runner) run(ctx context.Context, start func(ctx context.Context) error) int {
	errCh := make(chan error, 1)
	go func() {
		errCh <- start(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
		r.Logger.Info("shutdown signal received")
		// Give start the chance to drain before the process exits.
		select {
		case err = <-errCh:
		case <-time.After(r.timeout()):
			r.Logger.Warn("shutdown timed out")
			return 1
		}
	case err = <-errCh:
	}

	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return 0
	}
	r.Logger.Error("service exited with error", zap.Error(err))
	return 1
}

// Graceful calls every shutdown hook with a fresh context bounded by the
// runner's timeout. Hooks run in order; failures are logged and do not stop
// the remaining hooks.
func (r *Runner) Graceful(shutdowns ...func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
	defer cancel()
	for _, fn := range shutdowns {
		if err := fn(ctx); err != nil {
			r.Logger.Warn("shutdown hook failed", zap.Error(err))
		}
	}
}

func (r *Runner) timeout() time.Duration {
	if r.ShutdownTimeout <= 0 {
		return DefaultShutdownTimeout
	}
	return r.ShutdownTimeout
}

func Exit(code int) {
	os.Exit(code)
}
