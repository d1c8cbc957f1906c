package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/uspagent/agent/pkg/logger"
)

// ErrTerminated is the panic value raised if an injected abort returns
var ErrTerminated = stderrors.New("usp agent terminated")

// Termination kinds, as recorded in metrics and the crash journal
const (
	KindTerminate = "terminate"
	KindBadCase   = "bad_case"
	KindAssert    = "assert"
	KindFault     = "fault"
)

// Terminate records the reason as the canonical message, logs it with a
// callstack, journals the crash and aborts the process so that a core dump
// is produced. It never returns.
//
// The ownership check is skipped: termination is rare, and the message is
// the last thing the process writes.
func (s *System) Terminate(format string, args ...any) {
	s.terminate(KindTerminate, s.render(format, args...))
}

// TerminateBadCase terminates on a switch value that should be impossible
func (s *System) TerminateBadCase(site Site, value any) {
	s.terminate(KindBadCase, s.render("%s: Unexpected case (%v) in switch", site, value))
}

// TerminateOnAssert terminates on a failed invariant check, embedding the
// text of the check
func (s *System) TerminateOnAssert(site Site, statement string) {
	s.terminate(KindAssert, s.render("Failed assert at %s: %s", site, statement))
}

// Assert terminates with the caller's site when cond is false
func (s *System) Assert(cond bool, statement string) {
	if cond {
		return
	}
	s.TerminateOnAssert(callerSite(1), statement)
}

func (s *System) terminate(kind, text string) {
	s.message.Store(&text)
	s.record(ScopeTerminate, text)
	s.metrics.terminations.WithLabelValues(kind).Inc()

	if s.logEnabled() {
		s.sink.Puts(logger.LogTypeDebug, text)
		s.sink.Callstack()
		s.sink.Puts(logger.LogTypeDebug, "Exiting USP Agent")
	}

	s.journalCrash(kind, text, logger.FormatStack(logger.CaptureStack(2)))

	s.abort()
	panic(ErrTerminated)
}

// journalCrash writes a crash record, bounded by the record timeout. Errors
// are logged and otherwise ignored; the process is about to die.
func (s *System) journalCrash(kind, text, stack string) {
	if s.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.recordTimeout)
	defer cancel()

	rec := &CrashRecord{
		Kind:    kind,
		Message: text,
		Stack:   stack,
	}
	if s.history != nil {
		rec.History = s.history.GetAll()
	}

	if err := s.journal.Record(ctx, rec); err != nil && s.logEnabled() {
		s.sink.Puts(logger.LogTypeError, fmt.Sprintf("failed to record crash: %v", err))
	}
}
