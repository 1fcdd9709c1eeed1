package utils

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseCommandLine(t *testing.T) {
	tests := []struct {
		line    string
		name    string
		args    []string
		wantErr bool
	}{
		{line: "detector", name: "detector"},
		{line: "python3 -u  detect.py", name: "python3", args: []string{"-u", "detect.py"}},
		{line: `python3 "my models/detect.py" --size 112`, name: "python3", args: []string{"my models/detect.py", "--size", "112"}},
		{line: `python3 my\ models/detect.py`, name: "python3", args: []string{"my models/detect.py"}},
		{line: `a\ b`, name: "a b"},
		{line: `echo "say \"hi\""`, name: "echo", args: []string{`say "hi"`}},
		{line: "\tdetector\t--gpu ", name: "detector", args: []string{"--gpu"}},
		{line: "   ", wantErr: true},
		{line: `python3 "open`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, args, err := ParseCommandLine(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if name != tt.name {
				t.Errorf("Expected program %q, got %q", tt.name, name)
			}
			if strings.Join(args, "|") != strings.Join(tt.args, "|") || len(args) != len(tt.args) {
				t.Errorf("Expected args %q, got %q", tt.args, args)
			}
		})
	}
}

func TestShowError(t *testing.T) {
	var buf bytes.Buffer
	sc := NewSafeCommand("detector")
	sc.Stderr.WriteString("Traceback: model file missing")

	ShowError(&buf, "Detector crashed", errors.New("broken pipe"), sc)
	out := buf.String()
	for _, want := range []string{"Detector crashed", "DETAILS: broken pipe", "DETECTOR LOGS", "model file missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}

	buf.Reset()
	ShowError(&buf, "No logs", nil, nil)
	if strings.Contains(buf.String(), "DETAILS") || strings.Contains(buf.String(), "DETECTOR LOGS") {
		t.Errorf("Expected a bare box, got:\n%s", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{6200 * time.Millisecond, "6.2s"},
		{4*time.Minute + 5*time.Second, "4m05s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h02m03s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
	if got := Percent(87.5); got != "87.50%" {
		t.Errorf("Percent(87.5) = %q", got)
	}
}
