package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/leonletto/chatlink/internal/groupcache"
	"github.com/leonletto/chatlink/internal/owner"
	"github.com/leonletto/chatlink/internal/paths"
)

// OwnerInfo describes the profile's owner record.
type OwnerInfo struct {
	Present   bool      `json:"present"`
	Alive     bool      `json:"alive"`
	PID       int       `json:"pid,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	UptimeMs  int64     `json:"uptime_ms,omitempty"`
}

// StatusResult contains the local state of one profile.
type StatusResult struct {
	Profile     string    `json:"profile"`
	Home        string    `json:"home"`
	Owner       OwnerInfo `json:"owner"`
	Socket      string    `json:"socket"`
	SocketFound bool      `json:"socket_present"`
	Delegation  bool      `json:"delegation_enabled"`
	KnownGroups int       `json:"known_groups"`
}

// Status inspects the profile without taking ownership or connecting.
func Status(ctx context.Context, env *Env) (*StatusResult, error) {
	s := env.Settings
	result := &StatusResult{
		Profile:    s.Profile,
		Home:       s.Home,
		Socket:     paths.DelegationSocketPath(s.Home, s.Profile),
		Delegation: s.Delegation.Enabled,
	}

	st, err := owner.Inspect(paths.OwnerRecordPath(s.Home, s.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to read owner record: %w", err)
	}
	result.Owner = OwnerInfo{Present: st.Present, Alive: st.Alive}
	if st.Present {
		result.Owner.PID = st.Record.PID
		result.Owner.SessionID = st.Record.SessionID
		result.Owner.StartedAt = st.Record.StartedAt
		if st.Alive && !st.Record.StartedAt.IsZero() {
			result.Owner.UptimeMs = time.Since(st.Record.StartedAt).Milliseconds()
		}
	}

	if _, err := os.Stat(result.Socket); err == nil {
		result.SocketFound = true
	}

	dbPath := paths.GroupCachePath(s.Home, s.Profile)
	if _, err := os.Stat(dbPath); err == nil {
		gc, err := groupcache.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open group cache: %w", err)
		}
		defer func() { _ = gc.Close() }()
		if result.KnownGroups, err = gc.Count(ctx); err != nil {
			return nil, fmt.Errorf("failed to count groups: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat group cache: %w", err)
	}

	return result, nil
}

// FormatStatus formats the status result for display.
func FormatStatus(result *StatusResult) string {
	var output strings.Builder

	output.WriteString(fmt.Sprintf("Profile:   %s\n", result.Profile))
	output.WriteString(fmt.Sprintf("Home:      %s\n", result.Home))

	o := result.Owner
	switch {
	case !o.Present:
		output.WriteString("Listener:  not running\n")
	case o.Alive:
		uptime := formatDuration(time.Duration(o.UptimeMs) * time.Millisecond)
		output.WriteString(fmt.Sprintf("Listener:  running (PID %d, %s uptime)\n", o.PID, uptime))
		output.WriteString(fmt.Sprintf("Session:   %s\n", o.SessionID))
	default:
		output.WriteString(fmt.Sprintf("Listener:  stale record (PID %d not running)\n", o.PID))
	}

	if !result.Delegation {
		output.WriteString("Socket:    delegation disabled\n")
	} else if result.SocketFound {
		output.WriteString(fmt.Sprintf("Socket:    %s\n", result.Socket))
	} else {
		output.WriteString(fmt.Sprintf("Socket:    %s (absent)\n", result.Socket))
	}

	output.WriteString(fmt.Sprintf("Groups:    %d known\n", result.KnownGroups))
	return output.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	// Show the two largest units, dropping a zero second unit.
	units := []struct {
		size   time.Duration
		suffix string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
	}
	for i, u := range units[:len(units)-1] {
		if d < u.size {
			continue
		}
		next := units[i+1]
		out := fmt.Sprintf("%d%s", int64(d/u.size), u.suffix)
		if rest := (d % u.size) / next.size; rest > 0 {
			out += fmt.Sprintf("%d%s", int64(rest), next.suffix)
		}
		return out
	}
	return fmt.Sprintf("%dm", int64(d/time.Minute))
}
