package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// maxSocketPathLen is the conservative sun_path limit shared by Linux (108)
	// and the BSDs/macOS (104), minus the trailing NUL.
	maxSocketPathLen = 103

	profileNameMaxLen = 64
)

// DefaultHome returns the state root for chatlink.
// Resolution order: CHATLINK_HOME env var, then ~/.chatlink.
func DefaultHome() (string, error) {
	if home := strings.TrimSpace(os.Getenv("CHATLINK_HOME")); home != "" {
		return filepath.Abs(home)
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(userHome, ".chatlink"), nil
}

// ValidateProfile checks that a profile name is safe to embed in file names.
// Allowed characters: lowercase letters, digits, '.', '_' and '-'.
func ValidateProfile(name string) error {
	if name == "" {
		return fmt.Errorf("profile name is empty")
	}
	if len(name) > profileNameMaxLen {
		return fmt.Errorf("profile name too long (%d > %d)", len(name), profileNameMaxLen)
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("profile name cannot start or end with a dot: %q", name)
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("invalid character %q in profile name %q", r, name)
	}
	return nil
}

// ProfileDir returns <home>/profiles/<profile>.
// Holds config.yaml, the var/ runtime directory, media/ and groups.db.
func ProfileDir(home, profile string) string {
	return filepath.Join(home, "profiles", profile)
}

// VarDir returns the runtime directory for a profile (owner record, socket).
func VarDir(home, profile string) string {
	return filepath.Join(ProfileDir(home, profile), "var")
}

// OwnerRecordPath returns the path of the per-profile owner lock record.
func OwnerRecordPath(home, profile string) string {
	return filepath.Join(VarDir(home, profile), "owner.json")
}

// ConfigPath returns the optional per-profile config file.
func ConfigPath(home, profile string) string {
	return filepath.Join(ProfileDir(home, profile), "config.yaml")
}

// GroupCachePath returns the sqlite database of known group thread ids.
func GroupCachePath(home, profile string) string {
	return filepath.Join(ProfileDir(home, profile), "groups.db")
}

// MediaCacheDir returns the inbound media cache directory for a profile.
// A non-empty override wins; a relative override is resolved against the profile dir.
func MediaCacheDir(home, profile, override string) string {
	override = strings.TrimSpace(override)
	if override == "" {
		return filepath.Join(ProfileDir(home, profile), "media")
	}
	if !filepath.IsAbs(override) {
		return filepath.Join(ProfileDir(home, profile), override)
	}
	return override
}

// DelegationSocketPath returns the delegation socket address for a profile.
//
// The address is derived only from home and profile, so every process computes
// the same path. When the natural location would exceed the unix socket path
// limit, a hashed name under the system temp dir is used instead.
func DelegationSocketPath(home, profile string) string {
	natural := filepath.Join(VarDir(home, profile), "delegate.sock")
	if len(natural) <= maxSocketPathLen {
		return natural
	}
	sum := sha256.Sum256([]byte(filepath.Clean(home) + "\x00" + profile))
	name := fmt.Sprintf("chatlink-%d-%s.sock", os.Getuid(), hex.EncodeToString(sum[:8]))
	return filepath.Join(os.TempDir(), name)
}
