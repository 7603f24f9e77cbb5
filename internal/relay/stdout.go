package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/leonletto/chatlink/internal/inbound"
)

var (
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	senderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("111")).Bold(true)
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	threadStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("180"))
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// StdoutSink writes events as JSON lines, or as styled lines for humans.
type StdoutSink struct {
	w     io.Writer
	human bool
}

// NewStdoutSink creates a sink writing to w. w must be safe to share with
// other writers of the same stream.
func NewStdoutSink(w io.Writer, human bool) *StdoutSink {
	return &StdoutSink{w: w, human: human}
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Deliver(_ context.Context, ev *inbound.Event) error {
	if s.human {
		_, err := io.WriteString(s.w, formatHuman(ev))
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.w.Write(append(data, '\n'))
	return err
}

func formatHuman(ev *inbound.Event) string {
	ts := time.Now()
	if ev.Timestamp > 0 {
		ts = time.UnixMilli(ev.Timestamp)
	}
	who := ev.SenderName
	if who == "" {
		who = ev.SenderID
	}
	style := senderStyle
	if ev.IsSelf {
		style = selfStyle
	}

	var b strings.Builder
	for i, line := range strings.Split(ev.Text, "\n") {
		if i == 0 {
			fmt.Fprintf(&b, "%s %s %s %s\n",
				timeStyle.Render(ts.Format("15:04:05")),
				style.Render(who),
				threadStyle.Render(fmt.Sprintf("(%s %s)", ev.ThreadType, ev.ThreadID)),
				line)
			continue
		}
		if strings.HasPrefix(line, "[") {
			line = noteStyle.Render(line)
		}
		fmt.Fprintf(&b, "  %s\n", line)
	}
	return b.String()
}
