package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("LIQUORLEDGER_TEST_MODE") == "" {
			_ = os.Setenv("LIQUORLEDGER_TEST_MODE", "1")
		}
	})
}
