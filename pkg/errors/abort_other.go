//go:build !unix

package errors

import (
	"os"
	"runtime/debug"
)

func abortProcess() {
	debug.SetTraceback("crash")
	os.Stderr.Write(debug.Stack())
	os.Exit(2)
}
