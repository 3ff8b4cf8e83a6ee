package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autopanel/internal/storage"
	"autopanel/internal/task/history"
	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

// scriptedExecutor fails the task names in fail and records call order.
type scriptedExecutor struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
	block chan struct{}
	panic string
}

func (x *scriptedExecutor) Execute(ctx context.Context, t *model.Task) error {
	x.mu.Lock()
	x.calls = append(x.calls, t.Name)
	block := x.block
	x.mu.Unlock()
	if block != nil {
		<-block
	}
	if t.Name == x.panic {
		panic("boom")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if x.fail[t.Name] {
		return errors.New(t.Name + " exploded")
	}
	return nil
}

func (x *scriptedExecutor) called() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.calls...)
}

type fixture struct {
	st   *storage.Memory
	exec *scriptedExecutor
	orch *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	exec := &scriptedExecutor{fail: map[string]bool{}}
	rec := history.New(st, logx.Nop(), nil)
	return &fixture{st: st, exec: exec, orch: New(st, exec, rec, logx.Nop(), nil)}
}

// group creates a group whose members are the given task names in order.
// Names prefixed with "-" are disabled tasks.
func (f *fixture) group(t *testing.T, mode model.FailureMode, delay time.Duration, names ...string) *model.TaskGroup {
	t.Helper()
	ctx := context.Background()
	g := &model.TaskGroup{Name: "pipeline", Schedule: "0 3 * * *", Enabled: true, FailureMode: mode, Delay: delay}
	if err := f.st.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	for i, n := range names {
		enabled := true
		if n[0] == '-' {
			enabled, n = false, n[1:]
		}
		tk := &model.Task{Resource: "srv", Name: n, Kind: model.ActionCommand, Schedule: "0 0 * * *", Enabled: enabled}
		if err := f.st.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if err := f.st.AddMember(ctx, g.ID, tk.ID, (i+1)*10); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}
	return g
}

func statuses(e *model.Execution) []model.RunStatus {
	out := make([]model.RunStatus, len(e.Results))
	for i, r := range e.Results {
		out[i] = r.Status
	}
	return out
}

func TestContinueModeAttemptsAllMembers(t *testing.T) {
	f := newFixture(t)
	f.exec.fail["b"] = true
	g := f.group(t, model.FailureContinue, 0, "a", "b", "c", "d")

	e, err := f.orch.ExecuteGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("ExecuteGroup: %v", err)
	}
	if e.Status != model.StatusPartial || e.TasksCompleted != 3 || e.TasksFailed != 1 || e.TasksSkipped != 0 {
		t.Fatalf("execution %+v", e)
	}
	if len(e.Results) != 4 || len(f.exec.called()) != 4 {
		t.Fatalf("results=%d calls=%v", len(e.Results), f.exec.called())
	}
	if e.Error != "b: b exploded" {
		t.Fatalf("error summary %q", e.Error)
	}
}

func TestStopModeSkipsAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.fail["b"] = true
	g := f.group(t, model.FailureStop, 0, "a", "b", "c", "d")

	e, err := f.orch.ExecuteGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("ExecuteGroup: %v", err)
	}
	want := []model.RunStatus{model.StatusSuccess, model.StatusFailed, model.StatusSkipped, model.StatusSkipped}
	got := statuses(e)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses=%v want %v", got, want)
		}
	}
	if e.Status != model.StatusPartial || e.TasksCompleted != 1 || e.TasksFailed != 1 || e.TasksSkipped != 2 {
		t.Fatalf("execution %+v", e)
	}
	if e.Results[2].Error != model.ReasonPreviousFailure {
		t.Fatalf("skip reason %q", e.Results[2].Error)
	}
	if calls := f.exec.called(); len(calls) != 2 {
		t.Fatalf("executor calls=%v", calls)
	}

	// The group's last-run fields mirror the record.
	stored, _ := f.st.GetGroup(context.Background(), g.ID)
	if stored.LastStatus != model.StatusPartial || stored.LastRunAt == nil || !stored.LastRunAt.Equal(e.StartedAt) {
		t.Fatalf("group last run %+v", stored)
	}
	rec, _ := f.st.GetExecution(context.Background(), e.ID)
	if rec.Status != model.StatusPartial || len(rec.Results) != 4 || rec.CompletedAt == nil {
		t.Fatalf("stored record %+v", rec)
	}
}

func TestAllMembersDisabledIsPartial(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, model.FailureStop, 0, "-a", "-b")

	e, err := f.orch.ExecuteGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("ExecuteGroup: %v", err)
	}
	if e.Status != model.StatusPartial || e.TasksCompleted != 0 || e.TasksSkipped != 2 {
		t.Fatalf("execution %+v", e)
	}
	for _, r := range e.Results {
		if r.Status != model.StatusSkipped || r.Error != model.ReasonTaskDisabled {
			t.Fatalf("result %+v", r)
		}
	}
	if len(f.exec.called()) != 0 {
		t.Fatal("executor invoked for disabled tasks")
	}
	if e.Error != "" {
		t.Fatalf("skips are not failures, got summary %q", e.Error)
	}
}

func TestDisabledSkipDoesNotTriggerStop(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, model.FailureStop, 0, "a", "-b", "c")
	e, _ := f.orch.ExecuteGroup(context.Background(), g.ID)
	if e.TasksCompleted != 2 || e.TasksSkipped != 1 || e.Status != model.StatusPartial {
		t.Fatalf("execution %+v", e)
	}
}

func TestAllFailedIsFailed(t *testing.T) {
	f := newFixture(t)
	f.exec.fail["a"], f.exec.fail["b"] = true, true
	g := f.group(t, model.FailureContinue, 0, "a", "b")
	e, _ := f.orch.ExecuteGroup(context.Background(), g.ID)
	if e.Status != model.StatusFailed {
		t.Fatalf("status=%s", e.Status)
	}
}

func TestDelayBetweenMembersOnly(t *testing.T) {
	f := newFixture(t)
	const delay = 60 * time.Millisecond
	g := f.group(t, model.FailureStop, delay, "a", "b", "c")

	start := time.Now()
	e, err := f.orch.ExecuteGroup(context.Background(), g.ID)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("ExecuteGroup: %v", err)
	}
	if elapsed < 2*delay {
		t.Fatalf("elapsed %v, want >= %v", elapsed, 2*delay)
	}
	// No delay after the last member.
	last := e.Results[2].FinishedAt
	if e.CompletedAt.Sub(last) >= delay {
		t.Fatalf("delay applied after last member: %v", e.CompletedAt.Sub(last))
	}
	if e.Status != model.StatusSuccess {
		t.Fatalf("status=%s", e.Status)
	}
}

func TestNoDelayAfterStopModeFailure(t *testing.T) {
	const delay = 200 * time.Millisecond
	f := newFixture(t)
	f.exec.fail["a"] = true
	g := f.group(t, model.FailureStop, delay, "a", "b", "c")

	start := time.Now()
	e, err := f.orch.ExecuteGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("ExecuteGroup: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= delay {
		t.Fatalf("stop mode waited %v after a failure with nothing left to run", elapsed)
	}
	if e.TasksFailed != 1 || e.TasksSkipped != 2 {
		t.Fatalf("execution %+v", e)
	}

	// Continue mode still runs the rest, so it still waits.
	f = newFixture(t)
	f.exec.fail["a"] = true
	g = f.group(t, model.FailureContinue, delay, "a", "b")
	start = time.Now()
	if _, err := f.orch.ExecuteGroup(context.Background(), g.ID); err != nil {
		t.Fatalf("ExecuteGroup: %v", err)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("continue mode skipped the delay: %v", elapsed)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	f := newFixture(t)
	f.exec.block = make(chan struct{})
	g := f.group(t, model.FailureStop, 0, "a")

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.ExecuteGroup(context.Background(), g.ID)
		done <- err
	}()
	deadline := time.Now().Add(3 * time.Second)
	for len(f.exec.called()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first run never reached the executor")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := f.orch.ExecuteGroup(context.Background(), g.ID); !errors.Is(err, model.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(f.exec.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	execs, _ := f.st.ListExecutions(context.Background(), g.ID, 0)
	if len(execs) != 1 {
		t.Fatalf("records=%d, want 1", len(execs))
	}
}

func TestMissingGroupCreatesNoRecord(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.ExecuteGroup(context.Background(), 404); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	running, _ := f.st.ListExecutionsByStatus(context.Background(), model.StatusRunning)
	if len(running) != 0 {
		t.Fatalf("records=%d", len(running))
	}
	if f.orch.Running(model.GroupKey(404)) {
		t.Fatal("in-flight slot leaked")
	}
}

func TestMemberTasksGetLastRun(t *testing.T) {
	f := newFixture(t)
	f.exec.fail["b"] = true
	g := f.group(t, model.FailureStop, 0, "a", "b", "c")
	if _, err := f.orch.ExecuteGroup(context.Background(), g.ID); err != nil {
		t.Fatalf("ExecuteGroup: %v", err)
	}
	d, _ := f.st.GetGroupDetail(context.Background(), g.ID)
	a, b, c := d.Members[0].Task, d.Members[1].Task, d.Members[2].Task
	if a.LastStatus != model.StatusSuccess || a.LastRunAt == nil {
		t.Fatalf("a %+v", a)
	}
	if b.LastStatus != model.StatusFailed || b.LastError != "b exploded" {
		t.Fatalf("b %+v", b)
	}
	if c.LastRunAt != nil || c.LastStatus != model.StatusUnset {
		t.Fatalf("skipped member was touched: %+v", c)
	}
}

func TestPanicIsMemberFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.panic = "a"
	g := f.group(t, model.FailureContinue, 0, "a", "b")
	e, err := f.orch.ExecuteGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("ExecuteGroup: %v", err)
	}
	if e.Results[0].Status != model.StatusFailed || e.Results[1].Status != model.StatusSuccess {
		t.Fatalf("results %+v", e.Results)
	}
}

func TestCanceledContextStillFinalizes(t *testing.T) {
	f := newFixture(t)
	g := f.group(t, model.FailureContinue, time.Hour, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	e, err := f.orch.ExecuteGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("ExecuteGroup: %v", err)
	}
	if e.Results[0].Status != model.StatusSuccess || e.Results[1].Status != model.StatusFailed {
		t.Fatalf("results %+v", e.Results)
	}
	rec, _ := f.st.GetExecution(context.Background(), e.ID)
	if rec.Status != model.StatusPartial {
		t.Fatalf("stored status %s", rec.Status)
	}
}

func TestExecuteTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok := &model.Task{Name: "ok", Kind: model.ActionCommand, Schedule: "* * * * *", Enabled: true}
	off := &model.Task{Name: "off", Kind: model.ActionCommand, Schedule: "* * * * *"}
	bad := &model.Task{Name: "bad", Kind: model.ActionCommand, Schedule: "* * * * *", Enabled: true}
	for _, tk := range []*model.Task{ok, off, bad} {
		_ = f.st.CreateTask(ctx, tk)
	}
	f.exec.fail["bad"] = true

	res, err := f.orch.ExecuteTask(ctx, ok.ID)
	if err != nil || res.Status != model.StatusSuccess {
		t.Fatalf("ok: %+v %v", res, err)
	}
	res, err = f.orch.ExecuteTask(ctx, bad.ID)
	if err != nil || res.Status != model.StatusFailed {
		t.Fatalf("bad: %+v %v", res, err)
	}
	got, _ := f.st.GetTask(ctx, bad.ID)
	if got.LastStatus != model.StatusFailed || got.LastError != "bad exploded" {
		t.Fatalf("bad last run %+v", got)
	}

	res, err = f.orch.ExecuteTask(ctx, off.ID)
	if err != nil || res.Status != model.StatusSkipped {
		t.Fatalf("off: %+v %v", res, err)
	}
	got, _ = f.st.GetTask(ctx, off.ID)
	if got.LastRunAt != nil {
		t.Fatal("disabled task last run was updated")
	}

	if _, err := f.orch.ExecuteTask(ctx, 999); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing task: %v", err)
	}
	if err := f.orch.RunEntity(ctx, model.TaskKey(ok.ID)); err != nil {
		t.Fatalf("RunEntity: %v", err)
	}
}
