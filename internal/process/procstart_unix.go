//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// getProcStartUnix returns the OS-reported start time of pid as Unix seconds.
// It is recorded next to the wall-clock launch time so a handle can be told
// apart from a later process that reuses the same pid. Returns 0 when
// unavailable.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		if v := getProcStartUnixLinux(pid); v > 0 {
			return v
		}
	}
	return createTimeGopsutil(pid)
}

// createTimeGopsutil asks gopsutil (sysctl on Darwin/BSD).
func createTimeGopsutil(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// getProcStartUnixLinux converts the starttime field of /proc/<pid>/stat
// (clock ticks since boot) into Unix seconds.
func getProcStartUnixLinux(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	ticks := startTicks(string(b))
	if ticks <= 0 {
		return 0
	}
	boot := bootTime()
	if boot == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return boot + ticks/clk
}

// startTicks extracts field 22 of a stat line. The command name in field 2
// may contain spaces and parentheses, so fields are counted from the last ")".
func startTicks(stat string) int64 {
	end := strings.LastIndex(stat, ")")
	if end == -1 {
		return 0
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 20 {
		return 0
	}
	v, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// statStateGroup extracts the state (field 3) and process group (field 5) of
// a stat line. group is 0 when the line cannot be parsed.
func statStateGroup(stat string) (state string, group int) {
	end := strings.LastIndex(stat, ")")
	if end == -1 {
		return "", 0
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 3 {
		return "", 0
	}
	g, err := strconv.Atoi(fields[2])
	if err != nil {
		return fields[0], 0
	}
	return fields[0], g
}

// bootTime reads btime from /proc/stat.
func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0
			}
			return bt
		}
	}
	return 0
}
