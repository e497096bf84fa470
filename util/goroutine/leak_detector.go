package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks fails the test when, after cleanup, more goroutines are
// running than when it was called. Call it first so it runs last.
func AssertNoLeaks(t testing.TB) {
	t.Helper()
	before := runtime.NumGoroutine()
	t.Cleanup(func() {
		if WaitForCount(before, 5*time.Second) {
			return
		}
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Errorf("goroutine leak: %d before, %d after\n%s", before, runtime.NumGoroutine(), buf[:n])
	})
}

// WaitForCount polls until at most target goroutines are running
func WaitForCount(target int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if runtime.NumGoroutine() <= target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}
