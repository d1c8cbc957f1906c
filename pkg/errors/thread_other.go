//go:build !linux

package errors

import (
	"bytes"
	"runtime"
	"strconv"
)

// No portable thread id outside Linux; fall back to the goroutine id from the
// stack header ("goroutine 42 [running]:").
func currentThreadID() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
