package utils

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/google/shlex"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (detector logs)
// so crash information survives when a helper process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ParseCommandLine splits a command line such as DETECTOR_CMD into a program
// and its arguments using POSIX shell quoting and backslash escapes.
func ParseCommandLine(line string) (string, []string, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return "", nil, fmt.Errorf("parse command line %q: %w", line, err)
	}
	if len(words) == 0 {
		return "", nil, fmt.Errorf("empty command line")
	}
	return words[0], words[1:], nil
}

// --- 2. Operator-facing errors ---

// ShowError prints a formatted error box to w and includes the helper
// process logs when a SafeCommand captured any.
func ShowError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 MOBILEFACE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(w, "\nDETECTOR LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// --- 3. Formatting ---

// FormatDuration renders d as 1h02m03s, 4m05s or 6.2s.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		d = d.Round(time.Second)
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		d = d.Round(time.Second)
		return fmt.Sprintf("%dh%02dm%02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
}

// Percent formats an accuracy that is already a percentage.
func Percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}
