package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("APFLOW_TEST_MODE") == "" {
			_ = os.Setenv("APFLOW_TEST_MODE", "1")
		}
	})
}
