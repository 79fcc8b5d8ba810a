package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type rows struct{}

func (rows) Header() []string { return []string{"sequence", "event_type"} }
func (rows) Rows() [][]string {
	return [][]string{{"1", "policy_change"}, {"2", "tool_enforcement"}}
}

func TestFormatters(t *testing.T) {
	tests := []struct {
		name    string
		format  OutputFormat
		data    any
		want    string
		wantErr bool
	}{
		{"text scalar", FormatText, "ok", "ok\n", false},
		{"text table", FormatText, rows{}, "sequence  event_type\n1         policy_change\n2         tool_enforcement\n", false},
		{"json", FormatJSON, map[string]int{"n": 1}, "{\n  \"n\": 1\n}\n", false},
		{"csv table", FormatCSV, rows{}, "sequence,event_type\n1,policy_change\n2,tool_enforcement\n", false},
		{"csv scalar", FormatCSV, "ok", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewFormatter(tt.format).FormatTo(&buf, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FormatTo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && buf.String() != tt.want {
				t.Errorf("FormatTo() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"JSON", FormatJSON, false},
		{"csv", FormatCSV, false},
		{"junit", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
		var cfgErr *ConfigError
		if tt.wantErr && !errors.As(err, &cfgErr) {
			t.Errorf("ParseFormat(%q) error type = %T", tt.in, err)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("x"), 1},
		{"exit", NewExitError(2, "chain broken"), 2},
		{"wrapped exit", NewCommandError("audit verify", NewExitError(3, "x")), 3},
		{"wrapped fmt", fmt.Errorf("run: %w", NewExitError(4, "x")), 4},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("%s: ExitCode() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestErrors(t *testing.T) {
	inner := errors.New("disk full")
	err := NewCommandError("retention cleanup", inner)
	if !errors.Is(err, inner) {
		t.Error("CommandError does not unwrap")
	}
	if got := err.Error(); got != "command retention cleanup failed: disk full" {
		t.Errorf("Error() = %q", got)
	}
	if got := NewConfigError("signing.secret_ref", "missing").Error(); got != "config error in signing.secret_ref: missing" {
		t.Errorf("Error() = %q", got)
	}
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressReporter(&buf, "rec")
	p.Start(4)
	p.Update(2)
	p.Finish()

	out := buf.String()
	if !strings.Contains(out, "(2/4)") || !strings.Contains(out, "(4/4)") || !strings.Contains(out, "rec/s") {
		t.Errorf("progress output = %q", out)
	}

	buf.Reset()
	p.Error(errors.New("boom"))
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("error output = %q", buf.String())
	}

	buf.Reset()
	empty := NewProgressReporter(&buf, "rec")
	empty.Start(0)
	empty.Update(1)
	if buf.Len() != 0 {
		t.Errorf("zero total rendered %q", buf.String())
	}
}

func TestSetupSignalHandler(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := SetupSignalHandler(parent)
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context canceled before any signal")
	default:
	}

	cancelParent()
	<-ctx.Done()
}
