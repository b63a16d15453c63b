//go:build !windows

package process

import (
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// signalTerm asks the whole process group to stop.
func signalTerm(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

// signalKill forcibly stops the whole process group.
func signalKill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; fall back to the leader in case it left the group
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}

// killGroup sends SIGKILL to the group led by pid. Unlike signalKill it never
// falls back to the bare pid, which may have been reused once the leader was
// reaped.
func killGroup(pid int) {
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// groupAlive reports whether any live member of the process group led by pid
// remains. Zombies do not count.
func groupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" {
		if alive, ok := procGroupAlive(pid); ok {
			return alive
		}
	}
	err := syscall.Kill(-pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// procGroupAlive scans /proc for a member of pgid. ok is false when /proc
// cannot be read.
func procGroupAlive(pgid int) (alive, ok bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false, false
	}
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		b, err := os.ReadFile("/proc/" + e.Name() + "/stat")
		if err != nil {
			continue
		}
		state, group := statStateGroup(string(b))
		if group == pgid && state != "Z" && state != "X" {
			return true, true
		}
	}
	return false, true
}

// processExists reports whether pid is present in the process table and is
// not a zombie.
func processExists(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	if runtime.GOOS != "linux" {
		return true
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	state, _ := statStateGroup(string(b))
	return state != "Z" && state != "X"
}
