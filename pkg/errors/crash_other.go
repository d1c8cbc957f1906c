//go:build !unix

package errors

import "os"

func notifyFaults(chan<- os.Signal) {}

func stopFaults(chan<- os.Signal) {}

func signalName(sig os.Signal) string {
	return sig.String()
}
