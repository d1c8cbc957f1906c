package errors

import (
	"runtime"
	"sync/atomic"
)

// Oracle answers whether the caller is the owning goroutine. Implementations
// must be cheap, callable from any goroutine, and must never block or fail.
type Oracle interface {
	IsOwner(label string) bool
}

// OracleFunc adapts a function to the Oracle interface
type OracleFunc func(label string) bool

// IsOwner calls f(label)
func (f OracleFunc) IsOwner(label string) bool {
	return f(label)
}

// Owner returns an oracle that treats every caller as the owner. Suitable for
// single-goroutine tools.
func Owner() Oracle {
	return OracleFunc(func(string) bool { return true })
}

// NoOwner returns an oracle that treats every caller as a non-owner
func NoOwner() Oracle {
	return OracleFunc(func(string) bool { return false })
}

// ThreadOracle identifies the owner by the OS thread it is locked to. Until
// Bind is called nobody is the owner.
type ThreadOracle struct {
	owner atomic.Int64
}

// NewThreadOracle creates an unbound oracle
func NewThreadOracle() *ThreadOracle {
	return &ThreadOracle{}
}

// Bind locks the calling goroutine to its OS thread and makes it the owner.
// The goroutine stays locked until it calls Unbind.
func (o *ThreadOracle) Bind() {
	runtime.LockOSThread()
	o.owner.Store(currentThreadID())
}

// Unbind releases ownership. Must be called from the goroutine that called Bind.
func (o *ThreadOracle) Unbind() {
	if o.owner.CompareAndSwap(currentThreadID(), 0) {
		runtime.UnlockOSThread()
	}
}

// Bound reports whether an owner is currently bound
func (o *ThreadOracle) Bound() bool {
	return o.owner.Load() != 0
}

// IsOwner reports whether the caller runs on the bound owner's thread
func (o *ThreadOracle) IsOwner(string) bool {
	id := o.owner.Load()
	return id != 0 && id == currentThreadID()
}
