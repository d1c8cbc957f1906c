package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOracleFunc(t *testing.T) {
	var seen string
	o := OracleFunc(func(label string) bool {
		seen = label
		return label == "SetMessage"
	})

	assert.True(t, o.IsOwner("SetMessage"))
	assert.Equal(t, "SetMessage", seen)
	assert.False(t, o.IsOwner("other"))
}

func TestOwnerAndNoOwner(t *testing.T) {
	assert.True(t, Owner().IsOwner(""))
	assert.False(t, NoOwner().IsOwner(""))
}

func TestThreadOracle_Unbound(t *testing.T) {
	o := NewThreadOracle()

	assert.False(t, o.Bound())
	assert.False(t, o.IsOwner("SetMessage"))
}

func TestThreadOracle_BindUnbind(t *testing.T) {
	o := NewThreadOracle()

	bound := make(chan struct{})
	check := make(chan struct{})
	done := make(chan bool, 2)

	go func() {
		o.Bind()
		close(bound)
		done <- o.IsOwner("owner")
		<-check
		o.Unbind()
		done <- o.Bound()
	}()

	<-bound
	assert.True(t, o.Bound())
	assert.True(t, <-done, "bound goroutine must be the owner")
	assert.False(t, o.IsOwner("other goroutine"))

	close(check)
	assert.False(t, <-done, "Unbind must release ownership")
}

func TestThreadOracle_UnbindFromOtherGoroutine(t *testing.T) {
	o := NewThreadOracle()

	bound := make(chan struct{})
	release := make(chan struct{})
	go func() {
		o.Bind()
		close(bound)
		<-release
		o.Unbind()
	}()
	<-bound

	o.Unbind()
	assert.True(t, o.Bound(), "only the owner can unbind")

	close(release)
}
