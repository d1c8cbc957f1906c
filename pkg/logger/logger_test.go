package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewLogger tests creating a new logger instance
func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid text logger",
			config: Config{Level: "info", Format: "text", Output: "stdout", Component: "test"},
		},
		{
			name:   "valid json logger",
			config: Config{Level: "debug", Format: "json", Output: "stderr", Component: "test"},
		},
		{
			name:   "invalid log level falls back to info",
			config: Config{Level: "invalid", Format: "text", Output: "stdout", Component: "test"},
		},
		{
			name:   "empty values use defaults",
			config: Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")

	l, err := New(Config{Level: "debug", Format: "json", Output: path, Component: "test"})
	require.NoError(t, err)
	defer l.Close()

	l.Puts(LogTypeError, "written to file")
	assert.FileExists(t, path)
}

func TestParseVerbosity(t *testing.T) {
	tests := []struct {
		in   string
		want Verbosity
	}{
		{"off", VerbosityOff},
		{"error", VerbosityError},
		{"warn", VerbosityWarning},
		{"WARNING", VerbosityWarning},
		{"info", VerbosityInfo},
		{"debug", VerbosityDebug},
		{"", VerbosityInfo},
		{"bogus", VerbosityInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseVerbosity(tt.in), "ParseVerbosity(%q)", tt.in)
	}

	assert.True(t, VerbosityDebug >= VerbosityError)
	assert.True(t, VerbosityOff < VerbosityError)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		out = append(out, m)
	}
	return out
}

// Puts must write regardless of the slog level; gating is the caller's job.
func TestPuts_BypassesLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "json", VerbosityError, "errors", "test")

	l.Debug("filtered out")
	l.Puts(LogTypeDebug, "connect failed: 111")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "connect failed: 111", lines[0]["msg"])
	assert.Equal(t, "debug", lines[0]["type"])
	assert.Equal(t, "errors", lines[0]["component"])
	assert.Equal(t, "usp-agent", lines[0]["service"])
}

func TestPuts_ErrorType(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "json", VerbosityDebug, "test", "")

	l.Puts(LogTypeError, "ERROR: Segmentation Fault")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "error", lines[0]["type"])
}

func TestCallstack(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "json", VerbosityDebug, "test", "")

	l.Callstack()

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	msg, _ := lines[0]["msg"].(string)
	assert.True(t, strings.HasPrefix(msg, "callstack:"))
	assert.Contains(t, msg, "TestCallstack")
	assert.NotContains(t, msg, "logger.(*Logger).Callstack")
}

func TestCaptureStack_SkipsRuntime(t *testing.T) {
	frames := CaptureStack(0)
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[0].Function, "TestCaptureStack_SkipsRuntime")
	for _, f := range frames {
		assert.False(t, strings.HasPrefix(f.Function, "runtime."), f.Function)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "json", VerbosityInfo, "base", "")

	child := l.WithComponent("dispatch")
	assert.Equal(t, "dispatch", child.Component())
	assert.Equal(t, VerbosityInfo, child.Verbosity())

	child.Info("hello")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "dispatch", lines[0]["component"])
}

func TestWithComponent_SingleComponentAttr(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "text", VerbosityInfo, "agent", "1.2.3")

	l.WithComponent("errors").WithRequestID("req-1").WithComponent("dispatch").Info("hello")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "component="), out)
	assert.Contains(t, out, "component=dispatch")
	assert.Equal(t, 1, strings.Count(out, "version="), out)
	assert.Contains(t, out, "request_id=req-1")
}

func TestErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "json", VerbosityInfo, "agent", "")

	l.ErrorEvent(context.Background(), "failed to close data model",
		fs.ErrClosed, slog.String("path", "/var/lib/usp/datamodel.db"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "failed to close data model", lines[0]["msg"])
	assert.Equal(t, "file already closed", lines[0]["error"])
	assert.Equal(t, "*errors.errorString", lines[0]["error_type"])
	assert.Equal(t, "/var/lib/usp/datamodel.db", lines[0]["path"])
}

func TestInitialize_ReplacesGlobal(t *testing.T) {
	defer SetGlobal(nil)

	first, err := Initialize(Config{Level: "off"})
	require.NoError(t, err)
	assert.Same(t, first, Global())

	path := filepath.Join(t.TempDir(), "agent.log")
	second, err := Initialize(Config{Level: "debug", Output: path})
	require.NoError(t, err)
	defer second.Close()
	assert.Same(t, second, Global())
	assert.Equal(t, VerbosityDebug, Global().Verbosity())
}

func TestGlobal_Fallback(t *testing.T) {
	SetGlobal(nil)
	assert.NotNil(t, Global())

	var buf bytes.Buffer
	SetGlobal(NewWithWriter(&buf, "text", VerbosityDebug, "global", ""))
	defer SetGlobal(nil)

	Debug("via global")
	assert.Contains(t, buf.String(), "via global")
}
