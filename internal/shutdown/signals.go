package shutdown

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// WatchSignals calls fn for the first SIGINT or SIGTERM. Later signals are
// logged and ignored so a second Ctrl-C cannot interrupt cleanup. The
// returned func stops watching.
func WatchSignals(logger *slog.Logger, fn func(os.Signal)) (stop func()) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})

	go func() {
		first := true
		for {
			select {
			case <-quit:
				return
			case sig := <-sigCh:
				if first {
					first = false
					logger.Info("received signal, shutting down", "signal", sig.String())
					fn(sig)
					continue
				}
				logger.Warn("shutdown already in progress, ignoring signal", "signal", sig.String())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(quit)
		})
	}
}

// ExitCode returns the conventional exit status for termination by sig:
// 128 plus the signal number.
func ExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
