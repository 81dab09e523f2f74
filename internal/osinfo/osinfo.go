// Package osinfo collects the host metadata a beacon reports to the server.
package osinfo

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/outpost-ops/outpost/pkg/api"
)

// Collect gathers hostname, OS identity and uptime for registration and
// check-in payloads. Individual probe failures degrade to empty fields
// rather than failing the whole collection.
func Collect(beaconVersion string) api.OSInfo {
	info := api.OSInfo{
		Architecture:  runtime.GOARCH,
		BeaconVersion: beaconVersion,
	}

	hostInfo, err := host.Info()
	if err == nil {
		info.Hostname = hostInfo.Hostname
		info.OSType = normalizeOSType(hostInfo.OS)
		info.OSVersion = hostInfo.Platform + " " + hostInfo.PlatformVersion
		info.OSBuild = hostInfo.KernelVersion
		info.UptimeSeconds = hostInfo.Uptime
	}

	return info
}

// Hostname returns the host name alone, for callers that do not need the
// full metadata set.
func Hostname() string {
	hostInfo, err := host.Info()
	if err != nil {
		return ""
	}
	return hostInfo.Hostname
}

func normalizeOSType(os string) string {
	if os == "darwin" {
		return "macos"
	}
	return os
}
