package testutil

import (
	"testing"
	"time"
)

// Eventually polls cond until it reports true, failing the test when the
// deadline passes first. Used where change events arrive on a dispatch
// goroutine rather than on the writer's stack.
func Eventually(t *testing.T, wait time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", wait)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
