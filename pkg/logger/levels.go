package logger

import (
	"log/slog"
	"runtime"
	"strconv"
	"strings"
)

// Verbosity is the agent-wide log verbosity. Higher values log more.
type Verbosity int

const (
	VerbosityOff Verbosity = iota
	VerbosityError
	VerbosityWarning
	VerbosityInfo
	VerbosityDebug
)

// ParseVerbosity maps a config level string to a Verbosity. Unknown values
// fall back to info.
func ParseVerbosity(level string) Verbosity {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "off", "none":
		return VerbosityOff
	case "error":
		return VerbosityError
	case "warn", "warning":
		return VerbosityWarning
	case "debug":
		return VerbosityDebug
	default:
		return VerbosityInfo
	}
}

func (v Verbosity) String() string {
	switch v {
	case VerbosityOff:
		return "off"
	case VerbosityError:
		return "error"
	case VerbosityWarning:
		return "warn"
	case VerbosityInfo:
		return "info"
	case VerbosityDebug:
		return "debug"
	default:
		return "unknown"
	}
}

func (v Verbosity) slogLevel() slog.Level {
	switch v {
	case VerbosityOff:
		return slog.LevelError + 4
	case VerbosityError:
		return slog.LevelError
	case VerbosityWarning:
		return slog.LevelWarn
	case VerbosityDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// LogType tags a line written through Puts
type LogType int

const (
	LogTypeDebug LogType = iota
	LogTypeError
	LogTypeWarning
	LogTypeInfo
	LogTypeProtocol
)

func (t LogType) String() string {
	switch t {
	case LogTypeDebug:
		return "debug"
	case LogTypeError:
		return "error"
	case LogTypeWarning:
		return "warning"
	case LogTypeInfo:
		return "info"
	case LogTypeProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

func (t LogType) slogLevel() slog.Level {
	switch t {
	case LogTypeError:
		return slog.LevelError
	case LogTypeWarning:
		return slog.LevelWarn
	case LogTypeInfo, LogTypeProtocol:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// CaptureStack captures the caller's stack, skipping the specified number of
// frames above CaptureStack itself. Runtime internals are elided and the walk
// stops after main.main.
func CaptureStack(skip int) []StackFrame {
	var frames []StackFrame

	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return frames
	}

	callers := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callers.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			frames = append(frames, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}
		if frame.Function == "main.main" || !more {
			break
		}
	}

	return frames
}

// FormatStack renders frames the way Callstack logs them
func FormatStack(frames []StackFrame) string {
	var sb strings.Builder
	for _, f := range frames {
		sb.WriteString(f.Function)
		sb.WriteString("\n\t")
		sb.WriteString(f.File)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(f.Line))
		sb.WriteByte('\n')
	}
	return sb.String()
}
