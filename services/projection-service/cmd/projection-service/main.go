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

	"github.com/md-rashed-zaman/eventpipe/libs/config"
	"github.com/md-rashed-zaman/eventpipe/libs/consumer"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/deadletter"
	"github.com/md-rashed-zaman/eventpipe/libs/dedup"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/httpx"
	"github.com/md-rashed-zaman/eventpipe/libs/kafkax"
	"github.com/md-rashed-zaman/eventpipe/libs/obs"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"github.com/md-rashed-zaman/eventpipe/libs/redisx"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
	"github.com/md-rashed-zaman/eventpipe/migrations"
	"github.com/md-rashed-zaman/eventpipe/services/projection-service/internal/projection"
)

func main() {
	config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "projection-service")
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	if err := run(ctx, service, logger); err != nil {
		logger.Error("projection-service failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, service string, logger *slog.Logger) error {
	port, err := config.Port("PORT", "8092")
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
	group := config.String("KAFKA_GROUP_ID", service)
	claimTimeout, err := config.Duration("DEDUP_CLAIM_TIMEOUT", 5*time.Minute)
	if err != nil {
		return err
	}
	handlerTimeout, err := config.Duration("HANDLER_TIMEOUT", 30*time.Second)
	if err != nil {
		return err
	}

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service).ForPipeline(pipeline.Topic, group))
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

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(brokers, pipeline.Topic, 0)},
	}

	g, gctx := errgroup.WithContext(ctx)

	dedupCfg := dedup.Config{TTL: pipeline.DedupTTL, ClaimTimeout: claimTimeout}
	var claims dedup.Store
	switch backend := strings.ToLower(config.String("DEDUP_BACKEND", "redis")); backend {
	case "redis":
		rdb, err := redisx.FromEnv()
		if err != nil {
			return err
		}
		if rdb == nil {
			return errors.New("DEDUP_BACKEND=redis requires REDIS_ADDR")
		}
		defer func() { _ = rdb.Close() }()
		claims = dedup.NewRedis(rdb, dedupCfg)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
	case "postgres":
		pg := dedup.NewPostgres(pool, dedupCfg)
		claims = pg
		g.Go(func() error {
			runtime.Every(gctx, time.Hour, func(ctx context.Context) {
				n, err := pg.Purge(ctx)
				if err != nil {
					logger.Error("dedup purge failed", "err", err)
					return
				}
				if n > 0 {
					logger.Info("dedup records purged", "rows", n)
				}
			})
			return nil
		})
	default:
		return fmt.Errorf("DEDUP_BACKEND must be redis or postgres (got %q)", backend)
	}

	src, err := kafkax.NewGroupSource(kafkax.SourceConfig{Brokers: brokers, GroupID: group, Topic: pipeline.Topic})
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	repo := projection.NewRepository(pool)
	registry := consumer.NewRegistry()
	if err := projection.Register(registry, repo); err != nil {
		return err
	}

	cfg := consumer.ConfigFromPipeline(group, pipeline)
	cfg.HandlerTimeout = handlerTimeout
	cfg.ClaimTimeout = claimTimeout
	dispatcher, err := consumer.New(src, registry, claims, deadletter.NewRepository(pool), envelope.Codec{},
		cfg, logger, metrics, alerter)
	if err != nil {
		return err
	}

	mux := runtime.NewOpsMux(reg, checks...)
	mux.Handle("GET /customers/{id}/totals", projection.TotalsHandler(repo, logger))
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(handler, "projection"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return runtime.Serve(gctx, srv, logger) })
	return g.Wait()
}
