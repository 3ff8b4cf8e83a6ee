package systemdmanager

import (
	"errors"
	"testing"
)

func TestUnitName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"nginx":             "nginx.service",
		" nginx ":           "nginx.service",
		"nginx.service":     "nginx.service",
		"backup.timer":      "backup.timer",
		"app@1":             "app@1.service",
		"my.app":            "my.app.service",
		"":                  "",
		"docker.socket":     "docker.socket",
		"multi-user.target": "multi-user.target",
	}
	for in, want := range cases {
		if got := UnitName(in); got != want {
			t.Fatalf("UnitName(%q)=%q want %q", in, got, want)
		}
	}
}

func TestJobError(t *testing.T) {
	var err error = &JobError{Action: "restart", Unit: "web.service", Result: "failed"}
	var je *JobError
	if !errors.As(err, &je) || je.Result != "failed" {
		t.Fatalf("errors.As failed for %v", err)
	}
	if err.Error() != "restart web.service: job failed" {
		t.Fatalf("Error()=%q", err.Error())
	}
	if got := FormatActionResult("web.service", "stop", nil); got != "stop web.service: ok" {
		t.Fatalf("FormatActionResult=%q", got)
	}
}

func TestStatusFound(t *testing.T) {
	var nilStatus *ServiceStatus
	if nilStatus.Found() {
		t.Fatal("nil status reported found")
	}
	if (&ServiceStatus{LoadState: "not-found"}).Found() {
		t.Fatal("not-found unit reported found")
	}
	if !(&ServiceStatus{LoadState: "loaded"}).Found() {
		t.Fatal("loaded unit reported missing")
	}
}
