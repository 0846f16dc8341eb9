package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/eventpipe/libs/config"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/httpx"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
	"github.com/md-rashed-zaman/eventpipe/migrations"
	"github.com/md-rashed-zaman/eventpipe/services/orders-service/internal/orders"
)

func main() {
	config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "orders-service")
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	if err := run(ctx, service, logger); err != nil {
		logger.Error("orders-service failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, service string, logger *slog.Logger) error {
	port, err := config.Port("PORT", "8091")
	if err != nil {
		return err
	}
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return err
	}
	requestTimeout, err := config.Duration("REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return err
	}

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
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

	producer := envelope.ProducerID(service, config.ServiceVersion())
	repo := orders.NewRepository(pool, outbox.NewRepository(pool, envelope.Codec{}), producer)
	mux := runtime.NewOpsMux(reg, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	orders.NewHandler(repo, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(64<<10),
		httpx.WithTimeout(requestTimeout),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(handler, "orders"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return runtime.Serve(ctx, srv, logger)
}
