//go:build tools
// +build tools

// Tool dependencies. These imports pin the generators invoked through
// `go generate` (mockgen) in go.mod so a fresh checkout regenerates the
// same mocks.
package camlink

import (
	_ "go.uber.org/mock/mockgen"
)
