package runtime

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext is cancelled on the first SIGINT or SIGTERM so the relay and
// dispatchers can release leases and claims. A second signal exits at once.
func SignalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := notifyContext(context.Background(), sigs, OrDiscard(logger), os.Exit)
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

func notifyContext(parent context.Context, sigs <-chan os.Signal, logger *slog.Logger, exit func(int)) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case sig := <-sigs:
			logger.Info("shutdown requested; draining", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigs:
			logger.Warn("second signal; exiting without drain", "signal", sig.String())
			exit(1)
		case <-parent.Done():
		}
	}()
	return ctx, cancel
}
