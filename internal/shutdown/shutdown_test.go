package shutdown

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/leonletto/chatlink/internal/clock"
)

func TestRun_OrdersByStageThenRegistration(t *testing.T) {
	c := New(nil, nil)

	var mu sync.Mutex
	var order []string
	add := func(stage Stage, name string) {
		c.Register(stage, name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	add(StageCleanup, "remove-socket")
	add(StageRelease, "release-lock")
	add(StageStopIntake, "stop-intake")
	add(StageDisconnect, "disconnect")
	add(StageCleanup, "remove-tmp")

	if err := c.Run(time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"stop-intake", "disconnect", "release-lock", "remove-socket", "remove-tmp"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("hook order = %v, want %v", order, want)
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	c := New(nil, nil)
	calls := 0
	c.Register(StageRelease, "count", func(context.Context) error {
		calls++
		return nil
	})

	_ = c.Run(time.Second)
	_ = c.Run(time.Second)

	if calls != 1 {
		t.Errorf("expected hook to run once, ran %d times", calls)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed after Run")
	}
}

func TestRun_ContinuesPastFailures(t *testing.T) {
	c := New(nil, nil)
	boom := errors.New("boom")
	ranLater := false

	c.Register(StageDisconnect, "disconnect", func(context.Context) error { return boom })
	c.Register(StageRelease, "release", func(context.Context) error {
		ranLater = true
		return nil
	})

	err := c.Run(time.Second)
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to include hook failure, got %v", err)
	}
	if !ranLater {
		t.Error("later hooks must run after a failure")
	}
}

func TestRun_Unregister(t *testing.T) {
	c := New(nil, nil)
	ran := false
	unregister := c.Register(StageCleanup, "gone", func(context.Context) error {
		ran = true
		return nil
	})
	unregister()

	_ = c.Run(time.Second)
	if ran {
		t.Error("unregistered hook must not run")
	}
}

func TestRun_GraceBound(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	c := New(clk, nil)

	stuck := make(chan struct{})
	defer close(stuck)
	cancelled := make(chan struct{})
	c.Register(StageDisconnect, "hang", func(ctx context.Context) error {
		select {
		case <-stuck:
		case <-ctx.Done():
			close(cancelled)
		}
		return nil
	})

	result := make(chan error, 1)
	go func() { result <- c.Run(5 * time.Second) }()

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)

	select {
	case err := <-result:
		if !errors.Is(err, ErrGraceExceeded) {
			t.Fatalf("expected ErrGraceExceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the grace period")
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Error("hook context should be cancelled once the grace period ends")
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(syscall.SIGINT); got != 130 {
		t.Errorf("SIGINT exit code = %d, want 130", got)
	}
	if got := ExitCode(syscall.SIGTERM); got != 143 {
		t.Errorf("SIGTERM exit code = %d, want 143", got)
	}
	if got := ExitCode(os.Interrupt); got != 130 {
		t.Errorf("os.Interrupt exit code = %d, want 130", got)
	}
}
