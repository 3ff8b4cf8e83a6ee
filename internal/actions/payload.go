package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type unitPayload struct {
	Unit string `json:"unit"`
}

type commandPayload struct {
	Command string `json:"command"`
	WorkDir string `json:"work_dir"`
	Timeout string `json:"timeout"`
}

type backupPayload struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
	Keep   *int   `json:"keep"`
}

func isJSONObject(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), "{")
}

func decodeStrict(raw string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// An empty payload is valid; the unit then comes from the task resource.
func decodeUnitPayload(raw string) (unitPayload, error) {
	var p unitPayload
	if strings.TrimSpace(raw) == "" {
		return p, nil
	}
	if !isJSONObject(raw) {
		p.Unit = strings.TrimSpace(raw)
		return p, nil
	}
	err := decodeStrict(raw, &p)
	p.Unit = strings.TrimSpace(p.Unit)
	return p, err
}

// A payload that is not a JSON object is the command line itself.
func decodeCommandPayload(raw string) (commandPayload, time.Duration, error) {
	var p commandPayload
	if !isJSONObject(raw) {
		p.Command = strings.TrimSpace(raw)
	} else if err := decodeStrict(raw, &p); err != nil {
		return p, 0, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return p, 0, fmt.Errorf("%w: empty command", ErrBadPayload)
	}
	var timeout time.Duration
	if s := strings.TrimSpace(p.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return p, 0, fmt.Errorf("%w: timeout %q", ErrBadPayload, s)
		}
		timeout = d
	}
	return p, timeout, nil
}

func decodeBackupPayload(raw string) (backupPayload, error) {
	var p backupPayload
	if !isJSONObject(raw) {
		p.Source = strings.TrimSpace(raw)
	} else if err := decodeStrict(raw, &p); err != nil {
		return p, err
	}
	if p.Source == "" {
		return p, fmt.Errorf("%w: backup source is required", ErrBadPayload)
	}
	if p.Keep != nil && *p.Keep < 0 {
		return p, fmt.Errorf("%w: keep must not be negative", ErrBadPayload)
	}
	return p, nil
}
