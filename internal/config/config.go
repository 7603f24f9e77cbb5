// Package config resolves chatlink settings.
//
// Priority, highest first:
//  1. Command flags bound into the viper instance, when set
//  2. CHATLINK_* environment variables (key "listen.recycle_ms" reads
//     CHATLINK_LISTEN_RECYCLE_MS)
//  3. The profile's config.yaml, or the file named by --config
//  4. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/leonletto/chatlink/internal/paths"
)

const envPrefix = "CHATLINK"

// DefaultRestartCloseCodes are the close codes that trigger a keep-alive
// restart unless configured otherwise.
const DefaultRestartCloseCodes = "1000,1001,1006,1011,1012,1013,4000"

// Settings is the resolved configuration for one profile.
type Settings struct {
	Home    string
	Profile string

	// ConfigFile is the file that was read, if any.
	ConfigFile string

	Backend    BackendSettings
	Delegation DelegationSettings
	Owner      OwnerSettings
	Listen     ListenSettings
	Media      MediaSettings
	Reply      ReplySettings
	Thread     ThreadSettings
	Relay      RelaySettings
	Logging    LoggingSettings
}

type BackendSettings struct {
	URL    string
	Token  string
	SelfID string
}

type DelegationSettings struct {
	Enabled        bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxRPS         float64
	Burst          int
	MaxInFlight    int
}

type OwnerSettings struct {
	Enforce bool
}

type ListenSettings struct {
	Recycle           time.Duration
	KeepAlive         bool
	RestartDelay      time.Duration
	RestartAnyClose   bool
	RestartCloseCodes []int
	Heartbeat         time.Duration
	ShutdownGrace     time.Duration
	ConnectTimeout    time.Duration
}

type MediaSettings struct {
	Dir      string
	MaxBytes int64
	MaxFiles int
	Timeout  time.Duration
}

type ReplySettings struct {
	Context  bool
	Media    bool
	MaxChars int
}

type ThreadSettings struct {
	Cache        bool
	Probe        bool
	ProbeTimeout time.Duration
}

// RelaySettings selects the listener's sinks.
type RelaySettings struct {
	// Stdout is "auto", "json", "human" or "off".
	Stdout         string
	WebhookURL     string
	WebhookSecret  string
	WebhookRetries int
	Echo           bool
	Buffer         int
}

type LoggingSettings struct {
	Level  string
	Format string
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults installs every known key with its default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("home", "")
	v.SetDefault("profile", "default")
	v.SetDefault("config", "")

	v.SetDefault("backend.url", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.self_id", "")

	v.SetDefault("delegation.enabled", true)
	v.SetDefault("delegation.connect_timeout_ms", 500)
	v.SetDefault("delegation.request_timeout_ms", 120000)
	v.SetDefault("delegation.max_rps", 10.0)
	v.SetDefault("delegation.burst", 20)
	v.SetDefault("delegation.max_in_flight", 16)

	v.SetDefault("owner.enforce", true)

	v.SetDefault("listen.recycle_ms", 0)
	v.SetDefault("listen.keepalive", true)
	v.SetDefault("listen.restart_delay_ms", 5000)
	v.SetDefault("listen.restart_any_close", false)
	v.SetDefault("listen.restart_close_codes", DefaultRestartCloseCodes)
	v.SetDefault("listen.heartbeat_ms", 30000)
	v.SetDefault("listen.shutdown_grace_ms", 5000)
	v.SetDefault("listen.connect_timeout_ms", 20000)

	v.SetDefault("media.dir", "")
	v.SetDefault("media.max_bytes", int64(20<<20))
	v.SetDefault("media.max_files", 4)
	v.SetDefault("media.timeout_ms", 15000)

	v.SetDefault("reply.context", true)
	v.SetDefault("reply.media", false)
	v.SetDefault("reply.max_chars", 200)

	v.SetDefault("thread.cache", true)
	v.SetDefault("thread.probe", false)
	v.SetDefault("thread.probe_timeout_ms", 3000)

	v.SetDefault("relay.stdout", "auto")
	v.SetDefault("relay.webhook.url", "")
	v.SetDefault("relay.webhook.secret", "")
	v.SetDefault("relay.webhook.retries", 3)
	v.SetDefault("relay.echo", false)
	v.SetDefault("relay.buffer", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load resolves settings from v, reading the profile's config file first.
// A missing default config file is not an error; a missing explicit one is.
func Load(v *viper.Viper) (*Settings, error) {
	home := strings.TrimSpace(v.GetString("home"))
	if home == "" {
		h, err := paths.DefaultHome()
		if err != nil {
			return nil, err
		}
		home = h
	}
	home, err := expandHome(home)
	if err != nil {
		return nil, err
	}
	profile := strings.TrimSpace(v.GetString("profile"))
	if err := paths.ValidateProfile(profile); err != nil {
		return nil, err
	}

	s := &Settings{Home: home, Profile: profile}

	cfgFile := strings.TrimSpace(v.GetString("config"))
	explicit := cfgFile != ""
	if !explicit {
		cfgFile = paths.ConfigPath(home, profile)
	}
	v.SetConfigFile(cfgFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else {
		s.ConfigFile = cfgFile
	}

	codes, err := parseCloseCodes(v.GetStringSlice("listen.restart_close_codes"))
	if err != nil {
		return nil, err
	}

	s.Backend = BackendSettings{
		URL:    v.GetString("backend.url"),
		Token:  v.GetString("backend.token"),
		SelfID: v.GetString("backend.self_id"),
	}
	s.Delegation = DelegationSettings{
		Enabled:        v.GetBool("delegation.enabled"),
		ConnectTimeout: millis(v, "delegation.connect_timeout_ms"),
		RequestTimeout: millis(v, "delegation.request_timeout_ms"),
		MaxRPS:         v.GetFloat64("delegation.max_rps"),
		Burst:          v.GetInt("delegation.burst"),
		MaxInFlight:    v.GetInt("delegation.max_in_flight"),
	}
	s.Owner = OwnerSettings{Enforce: v.GetBool("owner.enforce")}
	s.Listen = ListenSettings{
		Recycle:           millis(v, "listen.recycle_ms"),
		KeepAlive:         v.GetBool("listen.keepalive"),
		RestartDelay:      millis(v, "listen.restart_delay_ms"),
		RestartAnyClose:   v.GetBool("listen.restart_any_close"),
		RestartCloseCodes: codes,
		Heartbeat:         millis(v, "listen.heartbeat_ms"),
		ShutdownGrace:     millis(v, "listen.shutdown_grace_ms"),
		ConnectTimeout:    millis(v, "listen.connect_timeout_ms"),
	}
	s.Media = MediaSettings{
		Dir:      paths.MediaCacheDir(home, profile, v.GetString("media.dir")),
		MaxBytes: v.GetInt64("media.max_bytes"),
		MaxFiles: v.GetInt("media.max_files"),
		Timeout:  millis(v, "media.timeout_ms"),
	}
	s.Reply = ReplySettings{
		Context:  v.GetBool("reply.context"),
		Media:    v.GetBool("reply.media"),
		MaxChars: v.GetInt("reply.max_chars"),
	}
	s.Thread = ThreadSettings{
		Cache:        v.GetBool("thread.cache"),
		Probe:        v.GetBool("thread.probe"),
		ProbeTimeout: millis(v, "thread.probe_timeout_ms"),
	}
	s.Relay = RelaySettings{
		Stdout:         strings.ToLower(strings.TrimSpace(v.GetString("relay.stdout"))),
		WebhookURL:     v.GetString("relay.webhook.url"),
		WebhookSecret:  v.GetString("relay.webhook.secret"),
		WebhookRetries: v.GetInt("relay.webhook.retries"),
		Echo:           v.GetBool("relay.echo"),
		Buffer:         v.GetInt("relay.buffer"),
	}
	s.Logging = LoggingSettings{
		Level:  v.GetString("logging.level"),
		Format: v.GetString("logging.format"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks value ranges.
func (s *Settings) Validate() error {
	if s.Listen.Recycle < 0 {
		return fmt.Errorf("listen.recycle_ms must not be negative, got %d", s.Listen.Recycle.Milliseconds())
	}
	if s.Listen.RestartDelay <= 0 {
		return fmt.Errorf("listen.restart_delay_ms must be positive, got %d", s.Listen.RestartDelay.Milliseconds())
	}
	if s.Listen.Heartbeat <= 0 {
		return fmt.Errorf("listen.heartbeat_ms must be positive, got %d", s.Listen.Heartbeat.Milliseconds())
	}
	if s.Listen.ShutdownGrace <= 0 {
		return fmt.Errorf("listen.shutdown_grace_ms must be positive, got %d", s.Listen.ShutdownGrace.Milliseconds())
	}
	if s.Delegation.ConnectTimeout <= 0 || s.Delegation.RequestTimeout <= 0 {
		return fmt.Errorf("delegation timeouts must be positive")
	}
	if s.Media.MaxBytes <= 0 {
		return fmt.Errorf("media.max_bytes must be positive, got %d", s.Media.MaxBytes)
	}
	if s.Media.MaxFiles < 0 {
		return fmt.Errorf("media.max_files must not be negative, got %d", s.Media.MaxFiles)
	}
	if s.Media.Timeout <= 0 {
		return fmt.Errorf("media.timeout_ms must be positive, got %d", s.Media.Timeout.Milliseconds())
	}
	if s.Reply.MaxChars <= 0 {
		return fmt.Errorf("reply.max_chars must be positive, got %d", s.Reply.MaxChars)
	}
	switch s.Relay.Stdout {
	case "auto", "json", "human", "off":
	default:
		return fmt.Errorf("relay.stdout must be auto, json, human or off, got %q", s.Relay.Stdout)
	}
	return nil
}

// Redacted returns every setting known to v with credentials masked.
func Redacted(v *viper.Viper) map[string]any {
	all := v.AllSettings()
	out := make(map[string]any, len(all))
	maps.Copy(out, all)
	for _, key := range []string{"backend.token", "relay.webhook.secret"} {
		if v.GetString(key) != "" {
			setNested(out, key, "********")
		}
	}
	return out
}

func setNested(m map[string]any, key, value string) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		cp := make(map[string]any, len(next))
		maps.Copy(cp, next)
		m[p] = cp
		m = cp
	}
	m[parts[len(parts)-1]] = value
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

// parseCloseCodes accepts a list, a comma-separated string, or both mixed.
func parseCloseCodes(items []string) ([]int, error) {
	var codes []int
	for _, item := range items {
		for _, f := range strings.Split(item, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			n, err := strconv.Atoi(f)
			if err != nil || n < 1000 || n > 4999 {
				return nil, fmt.Errorf("listen.restart_close_codes: invalid close code %q", f)
			}
			codes = append(codes, n)
		}
	}
	return codes, nil
}

func expandHome(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve user home: %w", err)
		}
		p = filepath.Join(userHome, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}
