package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/eventpipe/libs/auth"
	"github.com/md-rashed-zaman/eventpipe/libs/config"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/deadletter"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/httpx"
	"github.com/md-rashed-zaman/eventpipe/libs/kafkax"
	"github.com/md-rashed-zaman/eventpipe/libs/obs"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
	"github.com/md-rashed-zaman/eventpipe/libs/partition"
	"github.com/md-rashed-zaman/eventpipe/libs/redisx"
	"github.com/md-rashed-zaman/eventpipe/libs/relay"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
	"github.com/md-rashed-zaman/eventpipe/migrations"
	"github.com/md-rashed-zaman/eventpipe/services/relay-service/internal/admin"
)

func main() {
	config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "relay-service")
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	if err := run(ctx, service, logger); err != nil {
		logger.Error("relay-service failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, service string, logger *slog.Logger) error {
	port, err := config.Port("PORT", "8090")
	if err != nil {
		return err
	}
	pipeline, err := config.PipelineFromEnv()
	if err != nil {
		return err
	}
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return err
	}
	brokers := config.String("KAFKA_BROKERS", "")

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service).ForPipeline(pipeline.Topic, ""))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	if config.Bool("MIGRATE_ON_START", false) {
		if err := migrations.Up(dbURL, logger); err != nil {
			return err
		}
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("db connection failed: %w", err)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg, service)
	alerter := obs.NewAlerter(logger, metrics)

	codec := envelope.Codec{}
	outboxRepo := outbox.NewRepository(pool, codec)
	deadLetters := deadletter.NewRepository(pool)

	publisher, err := kafkax.NewPublisher(kafkax.PublisherConfig{Brokers: brokers, WriteTimeout: pipeline.PublishTimeout})
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	sink, closeSink, err := deadLetterSink(deadLetters, brokers)
	if err != nil {
		return err
	}
	defer closeSink()

	router, err := partition.NewRouter(pipeline.PartitionCount)
	if err != nil {
		return err
	}
	r := relay.New(outboxRepo, publisher, router, codec, sink, relay.ConfigFromPipeline(pipeline), logger, metrics, alerter)
	if err := r.VerifyPartitions(ctx); err != nil {
		// Publishing with a stale partition count would break per-key ordering.
		return err
	}

	rdb, err := redisx.FromEnv()
	if err != nil {
		return err
	}
	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(brokers, pipeline.Topic, pipeline.PartitionCount)},
	}
	limitPerMinute, err := config.Int("ADMIN_RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return err
	}
	var limiter httpx.Limiter
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
		limiter = httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, "relay-admin")
		logger.Info("admin rate limiting enabled (redis)", "per_minute", limitPerMinute)
	} else {
		limiter = httpx.NewRateLimiter(limitPerMinute, time.Minute)
		logger.Info("admin rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	purgeEvery, err := config.Duration("OUTBOX_PURGE_INTERVAL", time.Hour)
	if err != nil {
		return err
	}

	adminSecret := config.String("ADMIN_JWT_SECRET", "")
	if adminSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; admin API rejects every request")
	}
	adminMux := http.NewServeMux()
	replayer := deadletter.NewReplayer(pool, deadLetters, outboxRepo, codec, logger)
	admin.NewHandler(deadLetters, replayer, logger).Register(adminMux)

	mux := runtime.NewOpsMux(reg, checks...)
	mux.Handle("/admin/", httpx.Chain(adminMux,
		httpx.WithRateLimit(limiter, logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true)),
		auth.RequireRole(adminSecret, logger, auth.RoleOperator),
		httpx.WithBodyLimit(1<<20),
	))
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(handler, "relay"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	g.Go(func() error { return outbox.NewListener(pool, logger).Run(gctx, r.Wake) })
	g.Go(func() error {
		runtime.Every(gctx, purgeEvery, func(ctx context.Context) {
			n, err := outboxRepo.PurgeSent(ctx, pipeline.OutboxRetention)
			if err != nil {
				logger.Error("outbox purge failed", "err", err)
				return
			}
			if n > 0 {
				logger.Info("outbox purged", "rows", n, "retention", pipeline.OutboxRetention.String())
			}
		})
		return nil
	})
	g.Go(func() error { return runtime.Serve(gctx, srv, logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// deadLetterSink picks the sink named by DEAD_LETTER_SINK. The admin API
// always reads the postgres table.
func deadLetterSink(repo *deadletter.Repository, brokers string) (deadletter.Sink, func(), error) {
	switch kind := strings.ToLower(config.String("DEAD_LETTER_SINK", "postgres")); kind {
	case "postgres":
		return repo, func() {}, nil
	case "kafka":
		sink, err := kafkax.NewDLQSink(brokers, config.String("DLQ_TOPIC", "domain.events.dlq.v1"))
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("DEAD_LETTER_SINK must be postgres or kafka (got %q)", kind)
	}
}
