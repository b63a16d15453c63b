//go:build windows

package process

import (
	"os"
)

// Windows has no SIGTERM for console process groups; both graceful and
// forced stop end the process directly.
func signalTerm(pid int) error { return killPID(pid) }

func signalKill(pid int) error { return killPID(pid) }

func killPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// Windows process groups are not tracked: killPID already ends the leader and
// the job has no separate members to wait for.
func killGroup(int) {}

func groupAlive(int) bool { return false }

func processExists(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
