// Package systemdmanager starts, stops and inspects systemd units over the
// system D-Bus. Only linux has a real implementation.
package systemdmanager

import (
	"fmt"
	"strings"
	"time"
)

// unitSuffixes are the unit types systemd accepts by name.
var unitSuffixes = []string{
	".service", ".socket", ".target", ".timer", ".mount", ".path", ".slice", ".scope",
}

// UnitName normalizes a resource name into a unit name. A bare name gets the
// .service suffix; a name with a known unit type is kept as is.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, s := range unitSuffixes {
		if strings.HasSuffix(name, s) {
			return name
		}
	}
	return name + ".service"
}

// ServiceStatus is the state of one unit.
type ServiceStatus struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	ActiveSince time.Time
	StateChange time.Time
}

// Found reports whether systemd knows the unit.
func (s *ServiceStatus) Found() bool { return s != nil && s.LoadState != "not-found" }

// JobError is returned when systemd accepted a job but it did not finish
// with "done".
type JobError struct {
	Action string
	Unit   string
	Result string // canceled, timeout, failed, dependency, skipped
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: job %s", e.Action, e.Unit, e.Result)
}

func FormatActionResult(unit, action string, err error) string {
	if err != nil {
		return fmt.Sprintf("%s %s: error: %v", action, unit, err)
	}
	return fmt.Sprintf("%s %s: ok", action, unit)
}
