//go:build linux

package procinfo

import (
	"bytes"
	"os"
	"strconv"
	"strings"
)

func currentPID() int { return os.Getpid() }

// LinuxResolver reads /proc/<pid>/stat to resolve process start time,
// expressed in clock ticks since boot (field 22 of the stat file, per
// proc(5)). It is the only Resolver used on the supported Linux transport.
type LinuxResolver struct{}

// StartTime implements Resolver.
func (LinuxResolver) StartTime(pid int32) (uint64, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(int(pid)) + "/stat")
	if err != nil {
		return 0, false
	}
	return parseStatStartTime(data)
}

// parseStatStartTime extracts field 22 from a /proc/<pid>/stat line. The
// comm field (field 2) is parenthesized and may itself contain spaces or
// parens, so split on the last ')' rather than by naive whitespace.
func parseStatStartTime(data []byte) (uint64, bool) {
	close := bytes.LastIndexByte(data, ')')
	if close < 0 || close+2 >= len(data) {
		return 0, false
	}
	fields := strings.Fields(string(data[close+2:]))
	// fields[0] is field 3 (state); field 22 overall is fields[22-3] = fields[19].
	const startTimeIdx = 19
	if len(fields) <= startTimeIdx {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[startTimeIdx], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
