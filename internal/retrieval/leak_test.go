package retrieval

import (
	"testing"

	"go.uber.org/goleak"
)

// Access tracking runs on background goroutines; none may outlive the test
// binary.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
