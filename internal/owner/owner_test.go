package owner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAcquireWritesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "var", "owner.json")

	lock, err := Acquire(path, "work", "sess-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer func() { _ = lock.Release() }()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	for _, key := range []string{"processId", "profile", "sessionId", "startedAt"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("record missing %q field: %s", key, data)
		}
	}
	if int(fields["processId"].(float64)) != os.Getpid() {
		t.Errorf("processId = %v, want %d", fields["processId"], os.Getpid())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("record perms = %o, want 600", info.Mode().Perm())
	}
}

func TestAcquireConflictWithLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.json")

	first, err := Acquire(path, "work", "sess-1")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer func() { _ = first.Release() }()

	_, err = Acquire(path, "work", "sess-2")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.PID != os.Getpid() {
		t.Errorf("conflict PID = %d, want %d", conflict.PID, os.Getpid())
	}
}

func TestAcquireReclaimsStaleRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.json")

	stale := Record{PID: 999999, Profile: "work", SessionID: "dead"}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to seed stale record: %v", err)
	}

	lock, err := Acquire(path, "work", "fresh", WithLivenessProbe(func(pid int) bool {
		return pid == os.Getpid()
	}))
	if err != nil {
		t.Fatalf("Acquire over stale record failed: %v", err)
	}
	defer func() { _ = lock.Release() }()

	status, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if status.Record.SessionID != "fresh" {
		t.Errorf("expected fresh session in record, got %q", status.Record.SessionID)
	}
}

func TestAcquireReclaimsCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("failed to seed corrupt record: %v", err)
	}

	lock, err := Acquire(path, "work", "sess")
	if err != nil {
		t.Fatalf("Acquire over corrupt record failed: %v", err)
	}
	_ = lock.Release()
}

func TestAcquireGivesUpAfterBoundedAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.json")

	// Every time the caller judges the record stale, a different stale record
	// replaces it before removal, simulating a pathological race.
	seed := func(n int) {
		data, _ := json.Marshal(Record{PID: 424242, Profile: "work", SessionID: fmt.Sprintf("ghost-%d", n)})
		_ = os.WriteFile(path, data, 0600)
	}
	seed(0)

	probes := 0
	_, err := Acquire(path, "work", "sess", WithLivenessProbe(func(int) bool {
		probes++
		seed(probes)
		return false
	}))
	if !errors.Is(err, ErrAcquireRetries) {
		t.Fatalf("expected ErrAcquireRetries, got %v", err)
	}
	if probes != maxAcquireAttempts {
		t.Errorf("probe calls = %d, want %d", probes, maxAcquireAttempts)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.json")

	lock, err := Acquire(path, "work", "sess")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("record should be removed after Release")
	}
}

func TestReleaseLeavesForeignRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.json")

	lock, err := Acquire(path, "work", "mine")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Another process took over after a crash-without-cleanup.
	foreign, _ := json.Marshal(Record{PID: 31337, Profile: "work", SessionID: "theirs"})
	if err := os.WriteFile(path, foreign, 0600); err != nil {
		t.Fatalf("failed to overwrite record: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("foreign record was removed: %v", err)
	}
	if string(data) != string(foreign) {
		t.Error("foreign record was modified")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.json")

	const contenders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []*Lock
		conflicts int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lock, err := Acquire(path, "work", "sess", WithPID(os.Getpid()))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, lock)
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("contender %d: unexpected error %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if conflicts != contenders-1 {
		t.Errorf("expected %d conflicts, got %d", contenders-1, conflicts)
	}
	_ = winners[0].Release()
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.json")

	status, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect on missing record failed: %v", err)
	}
	if status.Present {
		t.Fatal("expected no record")
	}

	lock, err := Acquire(path, "work", "sess")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer func() { _ = lock.Release() }()

	status, err = Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !status.Present || !status.Alive {
		t.Fatalf("expected present and alive, got %+v", status)
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if IsProcessAlive(0) || IsProcessAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}
