package recovery

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunRecoversPanic(t *testing.T) {
	var cleaned atomic.Bool
	panicked := Run("test", func() { panic("boom") }, func() { cleaned.Store(true) })
	assert.True(t, panicked)
	assert.True(t, cleaned.Load())

	assert.False(t, Run("quiet", func() {}, nil))
}

func TestSafeGoWithCleanup(t *testing.T) {
	done := make(chan struct{})
	SafeGoWithCleanup("worker", func() { panic("boom") }, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not run")
	}
}
