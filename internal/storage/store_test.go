package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

// Every backend must satisfy the same contract.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "autopanel.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func mustTask(t *testing.T, st Store, name string, enabled bool) *model.Task {
	t.Helper()
	tk := &model.Task{Resource: "web", Name: name, Kind: model.ActionCommand, Payload: `{"command":"true"}`, Schedule: "*/5 * * * *", Enabled: enabled}
	if err := st.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func mustGroup(t *testing.T, st Store, name string, enabled bool) *model.TaskGroup {
	t.Helper()
	g := &model.TaskGroup{Name: name, Schedule: "0 3 * * *", Enabled: enabled, FailureMode: model.FailureStop, Delay: 1500 * time.Millisecond}
	if err := st.CreateGroup(context.Background(), g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return g
}

func TestTaskCRUD(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := mustTask(t, st, "a", true)
		mustTask(t, st, "b", false)
		if a.ID == 0 || a.CreatedAt.IsZero() {
			t.Fatalf("create did not fill id/timestamps: %+v", a)
		}

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if err := st.UpdateTaskRun(ctx, a.ID, model.RunSummary{At: at, Status: model.StatusFailed, Error: "exit 1"}); err != nil {
			t.Fatalf("UpdateTaskRun: %v", err)
		}
		// A definition update keeps last-run fields.
		a.Schedule = "0 * * * *"
		if err := st.UpdateTask(ctx, a); err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		got, err := st.GetTask(ctx, a.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Schedule != "0 * * * *" || got.LastStatus != model.StatusFailed || got.LastError != "exit 1" {
			t.Fatalf("unexpected task %+v", got)
		}
		if got.LastRunAt == nil || !got.LastRunAt.Equal(at) {
			t.Fatalf("last_run_at=%v", got.LastRunAt)
		}

		all, _ := st.ListTasks(ctx)
		enabled, _ := st.ListEnabledTasks(ctx)
		if len(all) != 2 || len(enabled) != 1 || enabled[0].ID != a.ID {
			t.Fatalf("list all=%d enabled=%v", len(all), enabled)
		}

		if err := st.DeleteTask(ctx, a.ID); err != nil {
			t.Fatalf("DeleteTask: %v", err)
		}
		if _, err := st.GetTask(ctx, a.ID); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := st.UpdateTask(ctx, a); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("update missing: %v", err)
		}
	})
}

func TestGroupDetailOrdering(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		g := mustGroup(t, st, "nightly", true)
		t1 := mustTask(t, st, "t1", true)
		t2 := mustTask(t, st, "t2", false)
		t3 := mustTask(t, st, "t3", true)

		// Non-contiguous positions, inserted out of order.
		for _, m := range []struct {
			id  int64
			pos int
		}{{t3.ID, 30}, {t1.ID, 10}, {t2.ID, 20}} {
			if err := st.AddMember(ctx, g.ID, m.id, m.pos); err != nil {
				t.Fatalf("AddMember: %v", err)
			}
		}

		d, err := st.GetGroupDetail(ctx, g.ID)
		if err != nil {
			t.Fatalf("GetGroupDetail: %v", err)
		}
		if d.Group.Delay != 1500*time.Millisecond || d.Group.FailureMode != model.FailureStop {
			t.Fatalf("group fields lost: %+v", d.Group)
		}
		var names []string
		for _, m := range d.Members {
			names = append(names, m.Task.Name)
		}
		if len(names) != 3 || names[0] != "t1" || names[1] != "t2" || names[2] != "t3" {
			t.Fatalf("order=%v", names)
		}
		if d.Members[1].Task.Enabled || d.Members[0].Task.Resource != "web" {
			t.Fatalf("member task not populated: %+v", d.Members[1].Task)
		}

		if err := st.ReorderMembers(ctx, g.ID, []int64{t3.ID, t1.ID, t2.ID}); err != nil {
			t.Fatalf("ReorderMembers: %v", err)
		}
		d, _ = st.GetGroupDetail(ctx, g.ID)
		if d.Members[0].TaskID != t3.ID || d.Members[0].Position != 1 || d.Members[2].Position != 3 {
			t.Fatalf("reorder result %+v", d.Members)
		}

		if err := st.ReorderMembers(ctx, g.ID, []int64{t3.ID, t1.ID}); !errors.Is(err, model.ErrInvalidGroup) {
			t.Fatalf("partial reorder: %v", err)
		}

		// Deleting a task drops its membership.
		if err := st.DeleteTask(ctx, t1.ID); err != nil {
			t.Fatalf("DeleteTask: %v", err)
		}
		d, _ = st.GetGroupDetail(ctx, g.ID)
		if len(d.Members) != 2 {
			t.Fatalf("members after delete=%d", len(d.Members))
		}
		if _, err := st.GetGroupDetail(ctx, 9999); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("missing group: %v", err)
		}
	})
}

func TestMembershipUniqueness(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		g := mustGroup(t, st, "g", true)
		a := mustTask(t, st, "a", true)
		b := mustTask(t, st, "b", true)

		if err := st.AddMember(ctx, g.ID, a.ID, 1); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
		if err := st.AddMember(ctx, g.ID, a.ID, 2); !errors.Is(err, model.ErrDuplicateMember) {
			t.Fatalf("duplicate pair: %v", err)
		}
		if err := st.AddMember(ctx, g.ID, b.ID, 1); !errors.Is(err, model.ErrDuplicateMember) {
			t.Fatalf("duplicate position: %v", err)
		}
		if err := st.AddMember(ctx, g.ID, 9999, 3); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("missing task: %v", err)
		}
		if err := st.RemoveMember(ctx, g.ID, a.ID); err != nil {
			t.Fatalf("RemoveMember: %v", err)
		}
		if err := st.RemoveMember(ctx, g.ID, a.ID); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("remove twice: %v", err)
		}
	})
}

func TestExecutionLifecycle(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		g := mustGroup(t, st, "g", true)
		start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

		e := &model.Execution{GroupID: g.ID, StartedAt: start, Status: model.StatusRunning, TasksTotal: 2}
		if err := st.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		running, _ := st.ListExecutionsByStatus(ctx, model.StatusRunning)
		if len(running) != 1 || running[0].ID != e.ID {
			t.Fatalf("running=%v", running)
		}

		done := start.Add(time.Minute)
		e.CompletedAt = &done
		e.Results = []model.MemberResult{
			{TaskID: 1, TaskName: "a", Status: model.StatusSuccess, StartedAt: start, FinishedAt: start.Add(time.Second)},
			{TaskID: 2, TaskName: "b", Status: model.StatusSkipped, Error: model.ReasonTaskDisabled},
		}
		e.Tally()
		if err := st.FinalizeExecution(ctx, e); err != nil {
			t.Fatalf("FinalizeExecution: %v", err)
		}
		if err := st.FinalizeExecution(ctx, e); !errors.Is(err, model.ErrExecutionFinalized) {
			t.Fatalf("second finalize: %v", err)
		}
		if err := st.FinalizeExecution(ctx, &model.Execution{ID: 9999}); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("finalize missing: %v", err)
		}

		got, err := st.GetExecution(ctx, e.ID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status != model.StatusPartial || got.TasksCompleted != 1 || got.TasksSkipped != 1 {
			t.Fatalf("execution %+v", got)
		}
		if len(got.Results) != 2 || got.Results[1].Error != model.ReasonTaskDisabled || !got.Results[1].StartedAt.IsZero() {
			t.Fatalf("results %+v", got.Results)
		}
		if got.CompletedAt == nil || got.Duration() != time.Minute {
			t.Fatalf("duration=%v", got.Duration())
		}
	})
}

func TestListExecutionsNewestFirst(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		g := mustGroup(t, st, "g", true)
		other := mustGroup(t, st, "other", true)
		var ids []int64
		for i := 0; i < 3; i++ {
			e := &model.Execution{GroupID: g.ID, StartedAt: time.Now().UTC(), Status: model.StatusRunning}
			if err := st.CreateExecution(ctx, e); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}
			ids = append(ids, e.ID)
		}
		_ = st.CreateExecution(ctx, &model.Execution{GroupID: other.ID, StartedAt: time.Now().UTC(), Status: model.StatusRunning})

		list, err := st.ListExecutions(ctx, g.ID, 2)
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(list) != 2 || list[0].ID != ids[2] || list[1].ID != ids[1] {
			t.Fatalf("list=%v", list)
		}
		all, _ := st.ListExecutions(ctx, g.ID, 0)
		if len(all) != 3 {
			t.Fatalf("unlimited list=%d", len(all))
		}
		if err := st.CreateExecution(ctx, &model.Execution{GroupID: 9999, Status: model.StatusRunning}); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("execution for missing group: %v", err)
		}
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
