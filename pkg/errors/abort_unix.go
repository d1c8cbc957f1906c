//go:build unix

package errors

import (
	"os"
	"os/signal"
	"runtime/debug"
	"time"

	"golang.org/x/sys/unix"
)

// abortProcess raises SIGABRT with the runtime's default disposition. With
// traceback set to "crash" the runtime prints every goroutine and re-raises
// the signal so the kernel writes a core.
func abortProcess() {
	debug.SetTraceback("crash")
	signal.Reset(unix.SIGABRT)
	_ = unix.Kill(unix.Getpid(), unix.SIGABRT)

	// Signal delivery is asynchronous
	time.Sleep(5 * time.Second)
	os.Exit(2)
}
