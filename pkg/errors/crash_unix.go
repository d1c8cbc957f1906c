//go:build unix

package errors

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// notifyFaults routes fault signals sent with kill(2) to the watchdog. Faults
// raised by the program itself never reach the channel; the runtime handles
// those with its own traceback.
func notifyFaults(ch chan<- os.Signal) {
	signal.Notify(ch, unix.SIGSEGV, unix.SIGBUS)
}

func stopFaults(ch chan<- os.Signal) {
	signal.Stop(ch)
}

func signalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}
