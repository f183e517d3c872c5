package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/discussion/internal/platform/auth"
	"github.com/example/discussion/internal/platform/config"
	"github.com/example/discussion/internal/platform/events"
	"github.com/example/discussion/internal/platform/httpserver"
	"github.com/example/discussion/internal/platform/logging"
	"github.com/example/discussion/internal/platform/metrics"
	"github.com/example/discussion/internal/platform/natsconn"
	"github.com/example/discussion/internal/platform/run"
	"github.com/example/discussion/internal/platform/tracing"
	"github.com/example/discussion/services/threads/internal/engine"
	"github.com/example/discussion/services/threads/internal/handlers"
	"github.com/example/discussion/services/threads/internal/idempotency"
	"github.com/example/discussion/services/threads/internal/worker"
)

const (
	healthInterval = 5 * time.Second
	eventsMaxAge   = 7 * 24 * time.Hour
)

func serve(ctx context.Context, cfg config.AppConfig, log *zap.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    !cfg.IsProd(),
	})
	if err != nil {
		log.Error("tracing init", zap.Error(err))
		return errExit
	}

	m, err := metrics.New(nil)
	if err != nil {
		log.Error("metrics init", zap.Error(err))
		return errExit
	}

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Error("open store", zap.Error(err))
		return errExit
	}
	defer func() { _ = b.store.Close() }()

	if b.migrate != nil {
		applied, err := b.migrate(ctx)
		if err != nil {
			log.Error("migrate", zap.String("backend", b.name), zap.Error(err))
			return errExit
		}
		if len(applied) > 0 {
			log.Info("migrations applied", zap.Strings("applied", applied))
		}
	}

	// NATS is optional; without it there are no events and no command consumer.
	var (
		nc  *nats.Conn
		js  nats.JetStreamContext
		pub *events.Publisher
	)
	if cfg.NATSURL != "" {
		nc, err = natsconn.Connect(natsconn.Options{URL: cfg.NATSURL, Name: cfg.ServiceName, Logger: log})
		if err != nil {
			log.Error("nats connect", zap.Error(err))
			return errExit
		}
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			log.Error("jetstream", zap.Error(err))
			return errExit
		}
		if err := natsconn.EnsureStream(js, events.Stream, []string{"threads.>"}, eventsMaxAge); err != nil {
			log.Error("ensure stream", zap.Error(err))
			return errExit
		}
		pub = events.New(js, logging.Component(log, "events"))
	} else {
		log.Warn("NATS_URL not set, events and commands are disabled")
	}

	opts := engine.Options{
		Logger:      log,
		Metrics:     m,
		MaxAttempts: cfg.MaxAttempts,
	}
	if pub != nil {
		opts.Events = pub
	}
	th := engine.New(b.store, opts)

	ready := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return th.Ready(ctx)
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc:   ready,
		Metrics:     m.Handler(),
		Logger:      log,
		CORSOrigins: cfg.CORSOrigins,
	})
	verifier := auth.JWTVerifier{Secret: []byte(cfg.JWTSecret)}
	handlers.Mount(r, th, verifier, log)

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Error("grpc listen", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
		return errExit
	}
	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	reflection.Register(grpcSrv)

	var (
		consumer *worker.Consumer
		sub      *nats.Subscription
	)
	if js != nil {
		seen, err := idempotency.NewStore(idempotency.Options{
			RedisDSN: cfg.RedisDSN,
			Pool:     b.pool,
			TTL:      cfg.IdempotencyTTL,
			Lease:    cfg.IdempotencyLease,
			IsProd:   cfg.IsProd(),
		})
		if err != nil {
			log.Error("idempotency store", zap.Error(err))
			return errExit
		}
		sub, err = worker.Subscribe(js)
		if err != nil {
			log.Error("commands subscribe", zap.Error(err))
			return errExit
		}
		consumer = worker.NewConsumer(th, worker.Options{
			Logger:      log,
			Metrics:     m,
			Idempotency: seen,
		})
	}

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error { return srv.Start(log) })
		g.Go(func() error {
			log.Info("grpc server starting", zap.String("addr", cfg.GRPC.Addr))
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			watchHealth(gctx, hs, cfg.ServiceName, ready, log)
			return nil
		})
		if consumer != nil {
			g.Go(func() error { return consumer.Run(gctx, sub) })
		}

		g.Go(func() error {
			<-gctx.Done()
			hs.Shutdown()
			runner.Graceful(
				srv.Shutdown,
				func(ctx context.Context) error { return stopGRPC(ctx, grpcSrv) },
				func(ctx context.Context) error { return flush(ctx, js) },
				shutdownTracing,
			)
			return nil
		})
		return g.Wait()
	})

	log.Info("exit", zap.Int("code", code))
	if code != 0 {
		return errExit
	}
	return nil
}

// watchHealth mirrors store readiness into the gRPC health service until ctx
// is cancelled.
func watchHealth(ctx context.Context, hs *health.Server, service string, ready func() error, log *zap.Logger) {
	status := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		next := healthpb.HealthCheckResponse_SERVING
		if err := ready(); err != nil {
			next = healthpb.HealthCheckResponse_NOT_SERVING
			if status != next {
				log.Warn("store not ready", zap.Error(err))
			}
		}
		if next != status {
			hs.SetServingStatus("", next)
			hs.SetServingStatus(service, next)
			status = next
		}
	}

	update()
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			update()
		}
	}
}

func stopGRPC(ctx context.Context, srv *grpc.Server) error {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		srv.Stop()
		return errors.New("grpc graceful stop timed out")
	}
}

// flush waits for in-flight async event publishes.
func flush(ctx context.Context, js nats.JetStreamContext) error {
	if js == nil {
		return nil
	}
	select {
	case <-js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
