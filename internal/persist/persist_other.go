//go:build !linux && !darwin && !windows

package persist

import (
	"fmt"
	"runtime"
)

// New reports that no persistence mechanism exists for this OS.
func New(scope Scope) (Manager, error) {
	return nil, fmt.Errorf("persistence is not supported on %s", runtime.GOOS)
}
