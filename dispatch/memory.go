package dispatch

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// failOpenMB is reported when /proc/meminfo cannot be read, so the
// gate never blocks on hosts without it.
const failOpenMB = 99999

// MemoryProbe reports available system memory in MB.
type MemoryProbe func() int

// AvailableMB reads MemAvailable from /proc/meminfo.
func AvailableMB() int {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return failOpenMB
	}
	defer f.Close()

	if mb, ok := parseAvailableMB(f); ok {
		return mb
	}
	return failOpenMB
}

func parseAvailableMB(r io.Reader) (int, bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}
