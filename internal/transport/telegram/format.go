package telegram

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"autopanel/internal/eventbus"
	"autopanel/internal/task/engine"
	"autopanel/internal/task/model"
	"autopanel/internal/task/orchestrator"
	"autopanel/internal/task/scheduler"
	"autopanel/pkg/tgui"
)

// Status is the /status view.
type Status struct {
	Scheduler scheduler.Snapshot
	Engine    engine.Snapshot
	StartedAt time.Time
}

// upcomingShown bounds the next-fire list in /status.
const upcomingShown = 5

func rel(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func lastRun(at *time.Time, status model.RunStatus, now time.Time) string {
	if at == nil || status == model.StatusUnset {
		return "never run"
	}
	return fmt.Sprintf("%s %s", status, rel(*at, now))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func formatStatus(s Status, now time.Time) string {
	var b strings.Builder
	sch := s.Scheduler
	eng := s.Engine
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "up since %s\n", rel(s.StartedAt, now))
	}
	fmt.Fprintf(&b, "scheduler: %s, %d armed\n", onOff(sch.Enabled && !sch.Closed), len(sch.Entries))
	fmt.Fprintf(&b, "workers: %d, in flight %d, queue %d/%d", eng.Workers, eng.InFlight, eng.QueueLen, eng.QueueCap)
	if eng.Dropped > 0 {
		fmt.Fprintf(&b, ", dropped %s", humanize.Comma(int64(eng.Dropped)))
	}
	b.WriteString("\n")

	entries := append([]scheduler.EntryInfo(nil), sch.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Next.Before(entries[j].Next) })
	if len(entries) > 0 {
		b.WriteString("\nnext:\n")
	}
	for i, e := range entries {
		if i == upcomingShown {
			fmt.Fprintf(&b, "... and %d more\n", len(entries)-upcomingShown)
			break
		}
		fmt.Fprintf(&b, "%s %s (%s) %s\n", e.Key, e.Name, e.Expr, rel(e.Next, now))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatTasks(tasks []model.Task, now time.Time) string {
	if len(tasks) == 0 {
		return "no tasks"
	}
	var b strings.Builder
	for i := range tasks {
		t := &tasks[i]
		mark := "+"
		if !t.Enabled {
			mark = "-"
		}
		fmt.Fprintf(&b, "%s #%d %s [%s] %s, %s\n", mark, t.ID, t.Label(), t.Kind, t.Schedule, lastRun(t.LastRunAt, t.LastStatus, now))
		if t.LastStatus == model.StatusFailed && t.LastError != "" {
			fmt.Fprintf(&b, "    %s\n", tgui.TruncRunes(t.LastError, 200))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatGroups(groups []model.TaskGroup, now time.Time) string {
	if len(groups) == 0 {
		return "no groups"
	}
	var b strings.Builder
	for i := range groups {
		g := &groups[i]
		mark := "+"
		if !g.Enabled {
			mark = "-"
		}
		fmt.Fprintf(&b, "%s #%d %s %s, on failure %s", mark, g.ID, g.Name, g.Schedule, g.FailureMode)
		if g.Delay > 0 {
			fmt.Fprintf(&b, ", delay %s", g.Delay)
		}
		fmt.Fprintf(&b, ", %s\n", lastRun(g.LastRunAt, g.LastStatus, now))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatExecutions(groupID int64, execs []model.Execution, now time.Time) string {
	if len(execs) == 0 {
		return fmt.Sprintf("group %d has no runs yet", groupID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "group %d, last %d runs\n", groupID, len(execs))
	for i := range execs {
		e := &execs[i]
		fmt.Fprintf(&b, "#%d %s %s", e.ID, e.Status, rel(e.StartedAt, now))
		if e.Status != model.StatusRunning {
			fmt.Fprintf(&b, " in %s, %d/%d ok", e.Duration().Round(time.Millisecond), e.TasksCompleted, e.TasksTotal)
		}
		if e.TasksFailed > 0 {
			fmt.Fprintf(&b, ", %d failed", e.TasksFailed)
		}
		if e.TasksSkipped > 0 {
			fmt.Fprintf(&b, ", %d skipped", e.TasksSkipped)
		}
		b.WriteString("\n")
		if e.Error != "" {
			fmt.Fprintf(&b, "    %s\n", tgui.TruncRunes(e.Error, 300))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// noticeText renders a group run notice. Only group.run.finished produces one.
func noticeText(ev eventbus.Event) (string, bool) {
	if ev.Type != eventbus.GroupRunFinished {
		return "", false
	}
	r, ok := ev.Data.(orchestrator.GroupRunEvent)
	if !ok {
		return "", false
	}
	text := fmt.Sprintf("group %s (#%d) %s: %d/%d ok", r.GroupName, r.GroupID, r.Status, r.Completed, r.Total)
	if r.Failed > 0 {
		text += fmt.Sprintf(", %d failed", r.Failed)
	}
	if r.Skipped > 0 {
		text += fmt.Sprintf(", %d skipped", r.Skipped)
	}
	text += fmt.Sprintf(" in %s", r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		text += "\n" + tgui.TruncRunes(r.Error, 500)
	}
	return text, true
}
