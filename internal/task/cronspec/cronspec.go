// Package cronspec validates and evaluates 5-field cron expressions
// (minute hour day-of-month month day-of-week). All fire times are computed
// in UTC.
package cronspec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"autopanel/internal/task/model"
)

// Fields is the number of whitespace-separated fields an expression must have.
const Fields = 5

// Descriptors ("@daily") and the seconds field are not accepted.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parser returns the parser shared with the scheduler registry so armed
// timers and validation agree on the grammar.
func Parser() cron.Parser { return parser }

// Check returns nil for a valid expression, or an error wrapping
// model.ErrInvalidSchedule describing the problem.
func Check(expr string) error {
	_, err := Parse(expr)
	return err
}

// Validate reports whether expr is a valid 5-field expression.
func Validate(expr string) bool { return Check(expr) == nil }

// Parse validates expr and returns its schedule. A CRON_TZ= prefix counts as a
// field and is therefore rejected.
func Parse(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != Fields {
		return nil, fmt.Errorf("%w: %q has %d fields, want %d", model.ErrInvalidSchedule, expr, len(fields), Fields)
	}
	fields[4] = normalizeDow(fields[4])
	sched, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", model.ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// normalizeDow maps day-of-week 7 to 0 so "7", "1,7" and "5-7" mean Sunday
// as in crontab. Names and values the parser rejects anyway pass through.
func normalizeDow(field string) string {
	items := strings.Split(field, ",")
	for i, it := range items {
		items[i] = normalizeDowItem(it)
	}
	return strings.Join(items, ",")
}

func normalizeDowItem(it string) string {
	rng, step, hasStep := strings.Cut(it, "/")
	lo, hi, isRange := strings.Cut(rng, "-")
	if !isRange {
		if rng == "7" {
			return "0"
		}
		return it
	}
	if hi != "7" {
		return it
	}
	from, err := strconv.Atoi(lo)
	if err != nil || from < 0 || from > 7 {
		return it
	}
	by := 1
	if hasStep {
		if by, err = strconv.Atoi(step); err != nil || by <= 0 {
			return it
		}
	}
	if by == 1 {
		switch {
		case from == 7:
			return "0"
		case from == 0:
			return "0-6"
		}
		return lo + "-6,0"
	}
	var days []string
	for d := from; d <= 7; d += by {
		days = append(days, strconv.Itoa(d%7))
	}
	return strings.Join(days, ",")
}

// NextFireTime returns the first fire time strictly after from, in UTC.
func NextFireTime(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.UTC()), nil
}

// NextN returns up to n upcoming fire times after from. It stops early if the
// expression can never fire again.
func NextN(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from.UTC()
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// Preview renders the next n fire times as a comma-separated RFC3339 list.
func Preview(expr string, from time.Time, n int) string {
	ts, err := NextN(expr, from, n)
	if err != nil || len(ts) == 0 {
		return ""
	}
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.Format(time.RFC3339)
	}
	return strings.Join(parts, ", ")
}
