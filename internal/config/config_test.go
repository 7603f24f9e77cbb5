package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leonletto/chatlink/internal/paths"
)

func loadWith(t *testing.T, home string, set map[string]any) (*Settings, error) {
	t.Helper()
	v := New()
	v.Set("home", home)
	for k, val := range set {
		v.Set(k, val)
	}
	return Load(v)
}

func writeProfileConfig(t *testing.T, home, profile, body string) {
	t.Helper()
	path := paths.ConfigPath(home, profile)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	s, err := loadWith(t, home, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Profile != "default" || s.ConfigFile != "" {
		t.Errorf("profile/config = %q/%q", s.Profile, s.ConfigFile)
	}
	if !s.Delegation.Enabled || s.Delegation.ConnectTimeout != 500*time.Millisecond || s.Delegation.RequestTimeout != 2*time.Minute {
		t.Errorf("delegation = %+v", s.Delegation)
	}
	if !s.Owner.Enforce {
		t.Error("owner.enforce should default to true")
	}
	if s.Listen.Recycle != 0 || !s.Listen.KeepAlive || s.Listen.RestartDelay != 5*time.Second {
		t.Errorf("listen = %+v", s.Listen)
	}
	wantCodes := []int{1000, 1001, 1006, 1011, 1012, 1013, 4000}
	if !reflect.DeepEqual(s.Listen.RestartCloseCodes, wantCodes) {
		t.Errorf("close codes = %v, want %v", s.Listen.RestartCloseCodes, wantCodes)
	}
	if s.Media.Dir != filepath.Join(paths.ProfileDir(home, "default"), "media") {
		t.Errorf("media dir = %s", s.Media.Dir)
	}
	if s.Media.MaxBytes != 20971520 || s.Media.MaxFiles != 4 || s.Media.Timeout != 15*time.Second {
		t.Errorf("media = %+v", s.Media)
	}
	if !s.Reply.Context || s.Reply.Media || s.Reply.MaxChars != 200 {
		t.Errorf("reply = %+v", s.Reply)
	}
	if !s.Thread.Cache || s.Thread.Probe {
		t.Errorf("thread = %+v", s.Thread)
	}
	if s.Relay.Stdout != "auto" || s.Relay.WebhookRetries != 3 {
		t.Errorf("relay = %+v", s.Relay)
	}
}

func TestLoad_FromEnvironmentVariables(t *testing.T) {
	t.Setenv("CHATLINK_LISTEN_RECYCLE_MS", "60000")
	t.Setenv("CHATLINK_DELEGATION_ENABLED", "false")
	t.Setenv("CHATLINK_LISTEN_RESTART_CLOSE_CODES", "1006, 4000")
	t.Setenv("CHATLINK_MEDIA_DIR", "/var/tmp/chatlink-media")

	s, err := loadWith(t, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Listen.Recycle != time.Minute {
		t.Errorf("recycle = %v", s.Listen.Recycle)
	}
	if s.Delegation.Enabled {
		t.Error("delegation should be disabled by env")
	}
	if !reflect.DeepEqual(s.Listen.RestartCloseCodes, []int{1006, 4000}) {
		t.Errorf("close codes = %v", s.Listen.RestartCloseCodes)
	}
	if s.Media.Dir != "/var/tmp/chatlink-media" {
		t.Errorf("media dir = %s", s.Media.Dir)
	}
}

func TestLoad_FromProfileConfigFile(t *testing.T) {
	home := t.TempDir()
	writeProfileConfig(t, home, "work", `
backend:
  url: wss://gateway.example/ws
  token: abc
listen:
  restart_close_codes: [1001, 4000]
  heartbeat_ms: 1000
reply:
  max_chars: 80
media:
  dir: cache
`)
	s, err := loadWith(t, home, map[string]any{"profile": "work"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.ConfigFile != paths.ConfigPath(home, "work") {
		t.Errorf("ConfigFile = %q", s.ConfigFile)
	}
	if s.Backend.URL != "wss://gateway.example/ws" || s.Backend.Token != "abc" {
		t.Errorf("backend = %+v", s.Backend)
	}
	if !reflect.DeepEqual(s.Listen.RestartCloseCodes, []int{1001, 4000}) {
		t.Errorf("close codes = %v", s.Listen.RestartCloseCodes)
	}
	if s.Listen.Heartbeat != time.Second || s.Reply.MaxChars != 80 {
		t.Errorf("listen/reply = %+v / %+v", s.Listen, s.Reply)
	}
	if s.Media.Dir != filepath.Join(paths.ProfileDir(home, "work"), "cache") {
		t.Errorf("relative media dir = %s", s.Media.Dir)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	writeProfileConfig(t, home, "default", "reply:\n  max_chars: 80\n")
	t.Setenv("CHATLINK_REPLY_MAX_CHARS", "120")

	s, err := loadWith(t, home, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Reply.MaxChars != 120 {
		t.Errorf("max_chars = %d, want env value 120", s.Reply.MaxChars)
	}
}

func TestLoad_ExplicitConfigMissing(t *testing.T) {
	_, err := loadWith(t, t.TempDir(), map[string]any{"config": filepath.Join(t.TempDir(), "nope.yaml")})
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("err = %v, want read config error", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{"bad profile", map[string]any{"profile": "../etc"}},
		{"bad close code", map[string]any{"listen.restart_close_codes": "1000,abc"}},
		{"out of range close code", map[string]any{"listen.restart_close_codes": "200"}},
		{"negative recycle", map[string]any{"listen.recycle_ms": -1}},
		{"zero max bytes", map[string]any{"media.max_bytes": 0}},
		{"bad stdout mode", map[string]any{"relay.stdout": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadWith(t, t.TempDir(), tt.set); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	v := New()
	v.Set("backend.token", "secret-token")
	out := Redacted(v)
	backend, ok := out["backend"].(map[string]any)
	if !ok {
		t.Fatalf("backend section missing: %#v", out)
	}
	if backend["token"] != "********" {
		t.Errorf("token = %v, want masked", backend["token"])
	}
	if v.GetString("backend.token") != "secret-token" {
		t.Error("Redacted modified the viper instance")
	}
}
