package signalctx

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// WithSignals returns a context that is cancelled on SIGINT or SIGTERM,
// logging the signal that triggered the cancellation. It also returns
// the raw channel so a caller needing the specific signal (for example
// to distinguish a user's Ctrl-C from an orchestrator's SIGTERM in a
// log line of its own) can read it without racing the internal goroutine.
func WithSignals(parent context.Context) (ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal) {
	ctx, cancel = context.WithCancel(parent)
	c := make(chan os.Signal, 1)
	out := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-ctx.Done():
			// already cancelled
		case sig := <-c:
			slog.Info("received signal, stopping stream", "signal", sig.String())
			out <- sig
			cancel()
		}
	}()

	return ctx, cancel, out
}
