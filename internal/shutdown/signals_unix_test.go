//go:build unix

package shutdown

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestWatchSignals_FirstSignalOnly(t *testing.T) {
	var calls atomic.Int32
	got := make(chan os.Signal, 2)
	stop := WatchSignals(nil, func(sig os.Signal) {
		calls.Add(1)
		got <- sig
	})
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case sig := <-got:
		if sig != syscall.SIGTERM {
			t.Errorf("expected SIGTERM, got %v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not delivered")
	}

	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("kill: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly one callback, got %d", n)
	}
}
