package app

import (
	"os"
	"sync"
	"sync/atomic"
)

// TestModeEnv names the variable that keeps entrypoints from dialing
// PostgreSQL and Redis while the test suite runs.
const TestModeEnv = "BOOKSHELF_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

func readTestMode() {
	testMode.Store(os.Getenv(TestModeEnv) == "1")
}

// InTestMode reports whether entrypoints should skip runtime side effects.
func InTestMode() bool {
	testModeOnce.Do(readTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads TestModeEnv after the environment changed.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	readTestMode()
}
