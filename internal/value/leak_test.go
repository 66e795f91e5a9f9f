package value

import (
	"testing"

	"go.uber.org/goleak"
)

// Knowledge commits run on background goroutines; none may outlive the test
// binary.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
