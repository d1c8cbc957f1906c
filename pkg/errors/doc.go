// Package errors is the USP agent's process-wide error-reporting and
// fatal-failure core.
//
// # Overview
//
// The package keeps a single, bounded "last error" message that the request
// dispatcher reads after a failed operation so a controller can be told why
// the operation failed, and it owns the paths that end the process on
// unrecoverable conditions:
//   - SetMessage / ReplaceEmptyMessage / ClearMessage / GetMessage manage the
//     canonical message
//   - SetMessageErrno / SetMessageSQL / SetMessageSQLParam format failures of
//     OS calls and SQLite operations in one house style
//   - Terminate, TerminateBadCase, TerminateOnAssert and Assert log, journal
//     and abort with a core dump
//   - the crash handler installed by Init turns memory faults into the same
//     best-effort diagnostics
//
// # Coding Style
//
//  1. Call SetMessage where an error is first encountered.
//  2. Code that only passes a failure upwards does not call SetMessage.
//  3. Conditions that leave internal state undefined call a Terminate function.
//
// # Ownership
//
// Only the owning goroutine (normally the dispatcher, see ThreadOracle) may
// replace the canonical message. SetMessage from any other goroutine renders
// and logs the text but leaves the canonical message untouched, so a request
// being answered never picks up a message produced by unrelated work. The
// message is held in an atomic pointer, so a misidentified caller can at
// worst replace the message, never tear it.
//
// # Capacity
//
// Messages are capped at MaxLen-1 bytes; longer text is cut, never rejected.
//
// # Quick Start
//
//	sys, err := errors.New(errors.Config{
//	    Sink:        logger.Global().WithComponent("errors"),
//	    JournalPath: "/var/lib/usp-agent/crashes.db",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sys.Init()
//	defer sys.Stop()
//
//	if err := connect(addr); err != nil {
//	    sys.SetMessageErrno(errors.Here(), "connect", err)
//	    return err
//	}
package errors
