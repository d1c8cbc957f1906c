package errors

import (
	"fmt"

	"github.com/uspagent/agent/pkg/logger"
)

// SetMessage renders the message and, on the owning goroutine, makes it the
// canonical error message. Other goroutines only log it.
func (s *System) SetMessage(format string, args ...any) {
	text := s.render(format, args...)

	scope := ScopeLocal
	if s.oracle.IsOwner("SetMessage") {
		s.message.Store(&text)
		scope = ScopeOwner
	}
	s.record(scope, text)

	if s.logEnabled() {
		s.sink.Puts(logger.LogTypeDebug, text)
	}

	if s.callstackDebug.Load() {
		s.sink.Callstack()
	}
}

// ReplaceEmptyMessage sets the canonical message only if it is currently
// empty, so an outer caller can supply a generic message without hiding a
// more specific one set further down. Owning goroutine only.
func (s *System) ReplaceEmptyMessage(format string, args ...any) {
	current := s.message.Load()
	if *current != "" {
		return
	}

	text := s.render(format, args...)
	if !s.message.CompareAndSwap(current, &text) {
		return
	}
	s.record(ScopeReplace, text)

	if s.logEnabled() {
		s.sink.Puts(logger.LogTypeDebug, text)
	}
}

// ClearMessage empties the canonical message. Called before vendor hooks so a
// message set by the hook can be told apart from a stale one.
func (s *System) ClearMessage() {
	s.message.Store(&emptyMessage)
	s.metrics.clears.Inc()
}

// GetMessage returns the canonical error message
func (s *System) GetMessage() string {
	return *s.message.Load()
}

// render formats and truncates to capacity-1 bytes
func (s *System) render(format string, args ...any) string {
	text := fmt.Sprintf(format, args...)
	if len(text) > s.maxLen-1 {
		text = text[:s.maxLen-1]
		s.metrics.truncations.Inc()
	}
	return text
}

func (s *System) record(scope MessageScope, text string) {
	s.metrics.messages.WithLabelValues(string(scope)).Inc()
	if s.history != nil {
		s.history.Add(newMessageEntry(scope, text))
	}
}
