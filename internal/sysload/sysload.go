// Package sysload reads the host's current load average for §4.9's
// callback "system load" field. Grounded on
// Reece-Reklai-learn_go_cam_dashboard/internal/perf/monitor.go's
// updateLoadAverage, which parses /proc/loadavg's first (1-minute) field
// with strconv.ParseFloat; that repo's broader Monitor also tracks
// temperature and memory, which the spec has no use for here, so only the
// load-average read is carried over.
package sysload

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Read returns the 1-minute load average from /proc/loadavg.
func Read() (float32, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, errors.Wrap(err, "sysload: read /proc/loadavg")
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, errors.New("sysload: /proc/loadavg has no fields")
	}
	v, err := strconv.ParseFloat(fields[0], 32)
	if err != nil {
		return 0, errors.Wrap(err, "sysload: parse load average")
	}
	return float32(v), nil
}
