//go:build windows

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows/svc"
)

// isWindowsService reports whether the process was started by the Windows
// Service Control Manager. Called before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		// Can't determine, treat as console.
		return false
	}
	return ok
}

// beaconService implements svc.Handler around an already running beacon.
type beaconService struct {
	comps *beaconComponents
}

// runAsService parks the running beacon under the SCM: it reports Running,
// then waits for an SCM stop request or for the loop to end on its own.
func runAsService(comps *beaconComponents) error {
	return svc.Run("OutpostBeacon", &beaconService{comps: comps})
}

func (s *beaconService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}
	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("beacon running as a Windows service")

	for {
		select {
		case err := <-s.comps.done:
			if s.comps.updateApplied.Load() {
				// Exit without reporting SERVICE_STOPPED; the SCM treats
				// that as a failure and its recovery actions start the
				// updated binary.
				log.Info("update installed, exiting so the SCM restarts the new binary")
				os.Exit(0)
			}
			changes <- svc.Status{State: svc.StopPending}
			if err != nil {
				log.Error("beacon loop failed", "error", err)
				return true, 1
			}
			return false, 0

		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				changes <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				log.Info("SCM requested stop")
				changes <- svc.Status{State: svc.StopPending}
				s.comps.stop()
				if err := <-s.comps.done; err != nil {
					log.Error("beacon stop failed", "error", err)
					return true, 1
				}
				return false, 0
			default:
				log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
			}
		}
	}
}
