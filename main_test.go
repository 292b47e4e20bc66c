package sapling

import (
	"testing"

	"go.uber.org/goleak"
)

// Every test must leave no worker, watcher or parse goroutine behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
