package server

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// TestMain silences the global zerolog level once, before any test server
// starts logging from its own goroutines.
func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}
