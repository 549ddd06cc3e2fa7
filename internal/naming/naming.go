// Package naming builds the resource names used for scopes and sensors.
// Names embed either the calling process's PID or a sub-resource index
// so that concurrent invocations of the same tool on one host never
// collide.
package naming

import (
	"fmt"
	"os"
	"strings"
)

// Name returns "pattern.PID" for the calling process.
func Name(pattern string) string {
	return fmt.Sprintf("%s.%d", pattern, os.Getpid())
}

// Indexed returns "pattern.subkind.index", e.g. "nrm.papi.numa.1".
func Indexed(pattern, subkind string, index int) string {
	return fmt.Sprintf("%s.%s.%d", pattern, subkind, index)
}

// SensorName returns the per-counter sensor name for a tool,
// e.g. "nrm.sensor.perfwrapper.PAPI_TOT_INS.4242".
func SensorName(tool, counter string) string {
	return Name("nrm.sensor." + tool + "." + sanitize(counter))
}

// sanitize collapses separators that would make a counter name awkward
// inside a dotted resource name.
func sanitize(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch r {
		case ':', ' ', '.', '/':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		default:
			b.WriteRune(r)
			lastUnderscore = false
		}
	}
	return strings.Trim(b.String(), "_")
}
