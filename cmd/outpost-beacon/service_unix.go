//go:build !windows

package main

import "fmt"

// isWindowsService always returns false on non-Windows platforms.
func isWindowsService() bool { return false }

// runAsService is a stub; the Windows build provides the real one.
func runAsService(_ *beaconComponents) error {
	return fmt.Errorf("Windows service mode is not available on this platform")
}
