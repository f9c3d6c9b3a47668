package graph

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain fails the package if a test leaves goroutines behind; the graph is
// exercised by concurrent writers and readers below.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
