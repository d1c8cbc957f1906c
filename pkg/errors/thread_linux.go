//go:build linux

package errors

import "golang.org/x/sys/unix"

// A goroutine locked with runtime.LockOSThread has its thread to itself, so
// the kernel thread id identifies it.
func currentThreadID() int64 {
	return int64(unix.Gettid())
}
