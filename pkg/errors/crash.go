package errors

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/uspagent/agent/pkg/logger"
)

// CrashHandler turns memory faults into a logged, journaled abort.
//
// The Go runtime owns synchronous SIGSEGV, so the handler works in three
// places: the runtime's own crash output (traceback "crash"), a watchdog
// goroutine for fault signals delivered asynchronously, and Guard for faults
// raised as panics on a guarded goroutine. All diagnostics run in ordinary
// goroutine context, never inside a signal handler.
type CrashHandler struct {
	sys       *System
	signals   chan os.Signal
	done      chan struct{}
	once      sync.Once
	installed atomic.Bool
	handling  atomic.Bool
}

func newCrashHandler(sys *System) *CrashHandler {
	return &CrashHandler{
		sys:     sys,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
}

func (h *CrashHandler) install() {
	h.once.Do(func() {
		debug.SetTraceback("crash")
		notifyFaults(h.signals)
		h.installed.Store(true)
		go h.watch()
	})
}

// uninstall stops the watchdog. The agent never calls it; tests do.
func (h *CrashHandler) uninstall() {
	if h.installed.CompareAndSwap(true, false) {
		stopFaults(h.signals)
		close(h.done)
	}
}

func (h *CrashHandler) watch() {
	for {
		select {
		case sig := <-h.signals:
			name := signalName(sig)
			h.handle(name, faultMessage(name))
		case <-h.done:
			return
		}
	}
}

// handle logs, journals and aborts. Only the first fault is handled; later
// ones are dropped while the abort is in flight.
func (h *CrashHandler) handle(signal, text string) {
	if !h.handling.CompareAndSwap(false, true) {
		return
	}

	s := h.sys
	s.metrics.crashSignals.WithLabelValues(signal).Inc()

	if s.logEnabled() {
		s.sink.Puts(logger.LogTypeError, text)
		s.sink.Callstack()
	}

	s.journalCrash(KindFault, text, logger.FormatStack(logger.CaptureStack(2)))
	s.abort()
}

// Installed reports whether Init has installed the handler
func (h *CrashHandler) Installed() bool {
	return h.installed.Load()
}

// CrashHandler returns the system's crash handler
func (s *System) CrashHandler() *CrashHandler {
	return s.crash
}

// Guard runs fn with faults turned into panics and handles any memory fault
// fn raises as a crash. Other panics propagate unchanged.
func (s *System) Guard(fn func()) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !isMemoryFault(r) {
			panic(r)
		}
		s.crash.handle("SIGSEGV", fmt.Sprintf("%s: %v", faultMessage("SIGSEGV"), r))
	}()

	fn()
}

func isMemoryFault(r any) bool {
	rerr, ok := r.(runtime.Error)
	if !ok {
		return false
	}
	if _, ok := rerr.(interface{ Addr() uintptr }); ok {
		return true
	}
	return strings.Contains(rerr.Error(), "invalid memory address")
}

func faultMessage(signal string) string {
	switch signal {
	case "SIGBUS":
		return "ERROR: Bus Error"
	default:
		return "ERROR: Segmentation Fault"
	}
}
