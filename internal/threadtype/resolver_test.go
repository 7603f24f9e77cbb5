package threadtype

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leonletto/chatlink/internal/protocol"
)

type memCache struct {
	groups map[string]bool
	err    error
	added  []string
}

func (m *memCache) Contains(_ context.Context, id string) (bool, error) {
	return m.groups[id], m.err
}

func (m *memCache) Add(_ context.Context, id string) error {
	m.added = append(m.added, id)
	return nil
}

type proberFunc func(ctx context.Context, id string) (json.RawMessage, error)

func (f proberFunc) GroupInfo(ctx context.Context, id string) (json.RawMessage, error) {
	return f(ctx, id)
}

func groupProber(groups ...string) proberFunc {
	return func(_ context.Context, id string) (json.RawMessage, error) {
		for _, g := range groups {
			if g == id {
				return json.RawMessage(`{"groupId":"` + id + `"}`), nil
			}
		}
		return nil, errors.New("group not found")
	}
}

func TestResolvePrecedence(t *testing.T) {
	cache := &memCache{groups: map[string]bool{"cached": true}}
	prober := groupProber("probed", "cached")

	tests := []struct {
		name     string
		opts     Options
		thread   string
		explicit string
		want     Result
	}{
		{"flag wins over cache", Options{UseCache: true, Probe: true}, "cached", "user", Result{protocol.ThreadUser, SourceFlag}},
		{"numeric flag", Options{}, "x", "1", Result{protocol.ThreadGroup, SourceFlag}},
		{"cache hit", Options{UseCache: true, Probe: true}, "cached", "", Result{protocol.ThreadGroup, SourceCache}},
		{"cache disabled falls to probe", Options{Probe: true}, "cached", "", Result{protocol.ThreadGroup, SourceProbe}},
		{"probe hit", Options{UseCache: true, Probe: true}, "probed", "", Result{protocol.ThreadGroup, SourceProbe}},
		{"probe miss", Options{UseCache: true, Probe: true}, "peer", "", Result{protocol.ThreadUser, SourceDefault}},
		{"everything disabled", Options{}, "cached", "", Result{protocol.ThreadUser, SourceDefault}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.opts, cache, prober)
			got, err := r.Resolve(context.Background(), tt.thread, tt.explicit)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveInvalidFlag(t *testing.T) {
	r := New(Options{}, nil, nil)
	if _, err := r.Resolve(context.Background(), "x", "channel"); err == nil {
		t.Error("expected error for unknown thread type")
	}
}

func TestResolveCacheErrorFallsThrough(t *testing.T) {
	cache := &memCache{err: errors.New("database is locked")}
	r := New(Options{UseCache: true, Probe: true}, cache, groupProber("g1"))
	got, err := r.Resolve(context.Background(), "g1", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != SourceProbe {
		t.Errorf("Source = %s, want probe", got.Source)
	}
}

func TestResolveProbeRecordsGroup(t *testing.T) {
	cache := &memCache{groups: map[string]bool{}}
	r := New(Options{UseCache: true, Probe: true}, cache, groupProber("g9"))
	if _, err := r.Resolve(context.Background(), "g9", ""); err != nil {
		t.Fatal(err)
	}
	if len(cache.added) != 1 || cache.added[0] != "g9" {
		t.Errorf("added = %v, want [g9]", cache.added)
	}
}

func TestResolveProbeBounded(t *testing.T) {
	slow := proberFunc(func(ctx context.Context, id string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := New(Options{Probe: true, ProbeTimeout: 20 * time.Millisecond}, nil, slow)

	start := time.Now()
	got, err := r.Resolve(context.Background(), "g1", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != protocol.ThreadUser {
		t.Errorf("Type = %s, want user", got.Type)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("probe was not bounded by ProbeTimeout")
	}
}

func TestResolveNilProberSkipsProbe(t *testing.T) {
	r := New(Options{Probe: true}, nil, nil)
	got, err := r.Resolve(context.Background(), "g1", "")
	if err != nil || got.Source != SourceDefault {
		t.Errorf("Resolve = %+v, %v", got, err)
	}
}
