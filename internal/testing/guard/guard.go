// Package guard switches entrypoints into test mode. Import it for side
// effects from tests that call a main function.
package guard

import (
	"os"
	"sync"

	"github.com/odyssey-erp/bookshelf/internal/app"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(app.TestModeEnv) == "" {
			_ = os.Setenv(app.TestModeEnv, "1")
		}
		app.RefreshTestMode()
	})
}
