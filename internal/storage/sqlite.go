package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

var (
	taskColumns = []string{
		"id", "resource", "name", "kind", "payload", "schedule", "enabled",
		"last_run_at", "last_status", "last_error", "created_at", "updated_at",
	}
	groupColumns = []string{
		"id", "name", "description", "schedule", "enabled", "failure_mode", "delay_ms",
		"last_run_at", "last_status", "last_error", "created_at", "updated_at",
	}
	executionColumns = []string{
		"id", "group_id", "started_at", "completed_at", "status",
		"tasks_total", "tasks_completed", "tasks_failed", "tasks_skipped", "error",
	}
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// foreign_keys is per connection, so it goes in the DSN.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage/sqlite: migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exec(ctx context.Context, db execer, b sq.Sqlizer) (sql.Result, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, q, args...)
}

func query(ctx context.Context, db execer, b sq.Sqlizer) (*sql.Rows, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, q, args...)
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		err = errors.Join(ErrClosed, err)
	}
	return fmt.Errorf("storage/sqlite: %s: %w", op, err)
}

func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mustAffect(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, model.ErrNotFound)
	}
	return nil
}

// Tasks

func (s *sqliteStore) CreateTask(ctx context.Context, t *model.Task) error {
	now := s.now()
	res, err := exec(ctx, s.db, psql.Insert("tasks").
		Columns("resource", "name", "kind", "payload", "schedule", "enabled", "created_at", "updated_at").
		Values(t.Resource, t.Name, string(t.Kind), t.Payload, t.Schedule, t.Enabled, fmtTime(now), fmtTime(now)))
	if err != nil {
		return opErr("create task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return opErr("create task", err)
	}
	t.ID, t.CreatedAt, t.UpdatedAt = id, now, now
	return nil
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	res, err := exec(ctx, s.db, psql.Update("tasks").
		SetMap(map[string]any{
			"resource":   t.Resource,
			"name":       t.Name,
			"kind":       string(t.Kind),
			"payload":    t.Payload,
			"schedule":   t.Schedule,
			"enabled":    t.Enabled,
			"updated_at": fmtTime(s.now()),
		}).
		Where(sq.Eq{"id": t.ID}))
	if err == nil {
		err = mustAffect(res, "task", t.ID)
	}
	if err != nil {
		return opErr("update task", err)
	}
	cur, err := s.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	*t = *cur
	return nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id int64) error {
	res, err := exec(ctx, s.db, psql.Delete("tasks").Where(sq.Eq{"id": id}))
	if err == nil {
		err = mustAffect(res, "task", id)
	}
	return opErr("delete task", err)
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	tasks, err := s.selectTasks(ctx, psql.Select(taskColumns...).From("tasks").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, opErr("get task", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	}
	return &tasks[0], nil
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	tasks, err := s.selectTasks(ctx, psql.Select(taskColumns...).From("tasks").OrderBy("id"))
	return tasks, opErr("list tasks", err)
}

func (s *sqliteStore) ListEnabledTasks(ctx context.Context) ([]model.Task, error) {
	tasks, err := s.selectTasks(ctx, psql.Select(taskColumns...).From("tasks").Where(sq.Eq{"enabled": true}).OrderBy("id"))
	return tasks, opErr("list enabled tasks", err)
}

func (s *sqliteStore) UpdateTaskRun(ctx context.Context, id int64, run model.RunSummary) error {
	res, err := exec(ctx, s.db, psql.Update("tasks").
		Set("last_run_at", fmtTime(run.At)).
		Set("last_status", string(run.Status)).
		Set("last_error", run.Error).
		Where(sq.Eq{"id": id}))
	if err == nil {
		err = mustAffect(res, "task", id)
	}
	return opErr("update task run", err)
}

func (s *sqliteStore) selectTasks(ctx context.Context, b sq.SelectBuilder) ([]model.Task, error) {
	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

// scanTask reads taskColumns, preceded by any lead columns of the query.
func scanTask(r scanner, lead ...any) (*model.Task, error) {
	var (
		t                model.Task
		kind, status     string
		lastRun          sql.NullString
		created, updated string
	)
	dest := append(lead, &t.ID, &t.Resource, &t.Name, &kind, &t.Payload, &t.Schedule, &t.Enabled,
		&lastRun, &status, &t.LastError, &created, &updated)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	t.Kind, t.LastStatus = model.ActionKind(kind), model.RunStatus(status)
	t.LastRunAt = parseNullTime(lastRun)
	t.CreatedAt, t.UpdatedAt = parseTime(created), parseTime(updated)
	return &t, nil
}

// Groups

func (s *sqliteStore) CreateGroup(ctx context.Context, g *model.TaskGroup) error {
	now := s.now()
	res, err := exec(ctx, s.db, psql.Insert("task_groups").
		Columns("name", "description", "schedule", "enabled", "failure_mode", "delay_ms", "created_at", "updated_at").
		Values(g.Name, g.Description, g.Schedule, g.Enabled, string(g.FailureMode), g.Delay.Milliseconds(), fmtTime(now), fmtTime(now)))
	if err != nil {
		return opErr("create group", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return opErr("create group", err)
	}
	g.ID, g.CreatedAt, g.UpdatedAt = id, now, now
	return nil
}

func (s *sqliteStore) UpdateGroup(ctx context.Context, g *model.TaskGroup) error {
	res, err := exec(ctx, s.db, psql.Update("task_groups").
		SetMap(map[string]any{
			"name":         g.Name,
			"description":  g.Description,
			"schedule":     g.Schedule,
			"enabled":      g.Enabled,
			"failure_mode": string(g.FailureMode),
			"delay_ms":     g.Delay.Milliseconds(),
			"updated_at":   fmtTime(s.now()),
		}).
		Where(sq.Eq{"id": g.ID}))
	if err == nil {
		err = mustAffect(res, "group", g.ID)
	}
	if err != nil {
		return opErr("update group", err)
	}
	cur, err := s.GetGroup(ctx, g.ID)
	if err != nil {
		return err
	}
	*g = *cur
	return nil
}

func (s *sqliteStore) DeleteGroup(ctx context.Context, id int64) error {
	res, err := exec(ctx, s.db, psql.Delete("task_groups").Where(sq.Eq{"id": id}))
	if err == nil {
		err = mustAffect(res, "group", id)
	}
	return opErr("delete group", err)
}

func (s *sqliteStore) GetGroup(ctx context.Context, id int64) (*model.TaskGroup, error) {
	return s.getGroup(ctx, s.db, id)
}

func (s *sqliteStore) getGroup(ctx context.Context, db execer, id int64) (*model.TaskGroup, error) {
	groups, err := s.selectGroups(ctx, db, psql.Select(groupColumns...).From("task_groups").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, opErr("get group", err)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("group %d: %w", id, model.ErrNotFound)
	}
	return &groups[0], nil
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]model.TaskGroup, error) {
	groups, err := s.selectGroups(ctx, s.db, psql.Select(groupColumns...).From("task_groups").OrderBy("id"))
	return groups, opErr("list groups", err)
}

func (s *sqliteStore) ListEnabledGroups(ctx context.Context) ([]model.TaskGroup, error) {
	groups, err := s.selectGroups(ctx, s.db, psql.Select(groupColumns...).From("task_groups").Where(sq.Eq{"enabled": true}).OrderBy("id"))
	return groups, opErr("list enabled groups", err)
}

func (s *sqliteStore) UpdateGroupRun(ctx context.Context, id int64, run model.RunSummary) error {
	res, err := exec(ctx, s.db, psql.Update("task_groups").
		Set("last_run_at", fmtTime(run.At)).
		Set("last_status", string(run.Status)).
		Set("last_error", run.Error).
		Where(sq.Eq{"id": id}))
	if err == nil {
		err = mustAffect(res, "group", id)
	}
	return opErr("update group run", err)
}

func (s *sqliteStore) selectGroups(ctx context.Context, db execer, b sq.SelectBuilder) ([]model.TaskGroup, error) {
	rows, err := query(ctx, db, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TaskGroup
	for rows.Next() {
		var (
			g                model.TaskGroup
			mode, status     string
			delayMS          int64
			lastRun          sql.NullString
			created, updated string
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.Schedule, &g.Enabled, &mode, &delayMS,
			&lastRun, &status, &g.LastError, &created, &updated); err != nil {
			return nil, err
		}
		g.FailureMode, g.LastStatus = model.FailureMode(mode), model.RunStatus(status)
		g.Delay = time.Duration(delayMS) * time.Millisecond
		g.LastRunAt = parseNullTime(lastRun)
		g.CreatedAt, g.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, g)
	}
	return out, rows.Err()
}

// Membership

func (s *sqliteStore) GetGroupDetail(ctx context.Context, id int64) (*model.GroupDetail, error) {
	var d *model.GroupDetail
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		g, err := s.getGroup(ctx, tx, id)
		if err != nil {
			return err
		}
		d = &model.GroupDetail{Group: *g}

		cols := make([]string, 0, len(taskColumns)+1)
		cols = append(cols, "m.position")
		for _, c := range taskColumns {
			cols = append(cols, "t."+c)
		}
		rows, err := query(ctx, tx, psql.Select(cols...).
			From("task_group_members m").
			Join("tasks t ON t.id = m.task_id").
			Where(sq.Eq{"m.group_id": id}).
			OrderBy("m.position"))
		if err != nil {
			return opErr("get group detail", err)
		}
		defer rows.Close()
		for rows.Next() {
			var pos int
			t, err := scanTask(rows, &pos)
			if err != nil {
				return opErr("get group detail", err)
			}
			d.Members = append(d.Members, model.Member{GroupID: id, TaskID: t.ID, Position: pos, Task: t})
		}
		return opErr("get group detail", rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *sqliteStore) exists(ctx context.Context, db execer, table string, id int64) (bool, error) {
	q, args, err := psql.Select("1").From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) AddMember(ctx context.Context, groupID, taskID int64, position int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if ok, err := s.exists(ctx, tx, "task_groups", groupID); err != nil {
			return opErr("add member", err)
		} else if !ok {
			return fmt.Errorf("group %d: %w", groupID, model.ErrNotFound)
		}
		if ok, err := s.exists(ctx, tx, "tasks", taskID); err != nil {
			return opErr("add member", err)
		} else if !ok {
			return fmt.Errorf("task %d: %w", taskID, model.ErrNotFound)
		}
		_, err := exec(ctx, tx, psql.Insert("task_group_members").
			Columns("group_id", "task_id", "position").
			Values(groupID, taskID, position))
		if isUnique(err) {
			return fmt.Errorf("task %d at position %d in group %d: %w", taskID, position, groupID, model.ErrDuplicateMember)
		}
		return opErr("add member", err)
	})
}

func (s *sqliteStore) RemoveMember(ctx context.Context, groupID, taskID int64) error {
	res, err := exec(ctx, s.db, psql.Delete("task_group_members").
		Where(sq.Eq{"group_id": groupID, "task_id": taskID}))
	if err != nil {
		return opErr("remove member", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return opErr("remove member", err)
	}
	if n == 0 {
		return fmt.Errorf("task %d in group %d: %w", taskID, groupID, model.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ReorderMembers(ctx context.Context, groupID int64, taskIDs []int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if ok, err := s.exists(ctx, tx, "task_groups", groupID); err != nil {
			return opErr("reorder members", err)
		} else if !ok {
			return fmt.Errorf("group %d: %w", groupID, model.ErrNotFound)
		}
		rows, err := query(ctx, tx, psql.Select("task_id").From("task_group_members").Where(sq.Eq{"group_id": groupID}))
		if err != nil {
			return opErr("reorder members", err)
		}
		var cur []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return opErr("reorder members", err)
			}
			cur = append(cur, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return opErr("reorder members", err)
		}
		if err := checkPermutation(groupID, cur, taskIDs); err != nil {
			return err
		}
		// Negative positions first so the UNIQUE(group_id, position) index
		// never sees a transient collision.
		for i, id := range taskIDs {
			if _, err := exec(ctx, tx, psql.Update("task_group_members").
				Set("position", -(i + 1)).
				Where(sq.Eq{"group_id": groupID, "task_id": id})); err != nil {
				return opErr("reorder members", err)
			}
		}
		_, err = exec(ctx, tx, psql.Update("task_group_members").
			Set("position", sq.Expr("-position")).
			Where(sq.Eq{"group_id": groupID}))
		return opErr("reorder members", err)
	})
}

// Executions

func (s *sqliteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if ok, err := s.exists(ctx, tx, "task_groups", e.GroupID); err != nil {
			return opErr("create execution", err)
		} else if !ok {
			return fmt.Errorf("group %d: %w", e.GroupID, model.ErrNotFound)
		}
		res, err := exec(ctx, tx, psql.Insert("task_group_executions").
			Columns(executionColumns[1:]...).
			Values(e.GroupID, fmtTime(e.StartedAt), fmtNullTime(e.CompletedAt), string(e.Status),
				e.TasksTotal, e.TasksCompleted, e.TasksFailed, e.TasksSkipped, e.Error))
		if err != nil {
			return opErr("create execution", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return opErr("create execution", err)
		}
		if err := insertResults(ctx, tx, id, e.Results); err != nil {
			return opErr("create execution", err)
		}
		e.ID = id
		return nil
	})
}

func (s *sqliteStore) FinalizeExecution(ctx context.Context, e *model.Execution) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := exec(ctx, tx, psql.Update("task_group_executions").
			SetMap(map[string]any{
				"completed_at":    fmtNullTime(e.CompletedAt),
				"status":          string(e.Status),
				"tasks_total":     e.TasksTotal,
				"tasks_completed": e.TasksCompleted,
				"tasks_failed":    e.TasksFailed,
				"tasks_skipped":   e.TasksSkipped,
				"error":           e.Error,
			}).
			Where(sq.Eq{"id": e.ID, "status": string(model.StatusRunning)}))
		if err != nil {
			return opErr("finalize execution", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return opErr("finalize execution", err)
		}
		if n == 0 {
			ok, err := s.exists(ctx, tx, "task_group_executions", e.ID)
			if err != nil {
				return opErr("finalize execution", err)
			}
			if !ok {
				return fmt.Errorf("execution %d: %w", e.ID, model.ErrNotFound)
			}
			return fmt.Errorf("execution %d: %w", e.ID, model.ErrExecutionFinalized)
		}
		if _, err := exec(ctx, tx, psql.Delete("execution_results").Where(sq.Eq{"execution_id": e.ID})); err != nil {
			return opErr("finalize execution", err)
		}
		return opErr("finalize execution", insertResults(ctx, tx, e.ID, e.Results))
	})
}

func insertResults(ctx context.Context, tx execer, executionID int64, results []model.MemberResult) error {
	if len(results) == 0 {
		return nil
	}
	b := psql.Insert("execution_results").
		Columns("execution_id", "seq", "task_id", "task_name", "resource", "status", "error", "started_at", "finished_at")
	for i, r := range results {
		b = b.Values(executionID, i, r.TaskID, r.TaskName, r.Resource, string(r.Status), r.Error,
			fmtZeroTime(r.StartedAt), fmtZeroTime(r.FinishedAt))
	}
	_, err := exec(ctx, tx, b)
	return err
}

func (s *sqliteStore) GetExecution(ctx context.Context, id int64) (*model.Execution, error) {
	execs, err := s.selectExecutions(ctx, psql.Select(executionColumns...).From("task_group_executions").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, opErr("get execution", err)
	}
	if len(execs) == 0 {
		return nil, fmt.Errorf("execution %d: %w", id, model.ErrNotFound)
	}
	return &execs[0], nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, groupID int64, limit int) ([]model.Execution, error) {
	b := psql.Select(executionColumns...).From("task_group_executions").
		Where(sq.Eq{"group_id": groupID}).
		OrderBy("id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	execs, err := s.selectExecutions(ctx, b)
	return execs, opErr("list executions", err)
}

func (s *sqliteStore) ListExecutionsByStatus(ctx context.Context, status model.RunStatus) ([]model.Execution, error) {
	execs, err := s.selectExecutions(ctx, psql.Select(executionColumns...).From("task_group_executions").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("id DESC"))
	return execs, opErr("list executions by status", err)
}

func (s *sqliteStore) selectExecutions(ctx context.Context, b sq.SelectBuilder) ([]model.Execution, error) {
	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	var (
		out   []model.Execution
		ids   []int64
		index = make(map[int64]int)
	)
	for rows.Next() {
		var (
			e         model.Execution
			started   string
			completed sql.NullString
			status    string
		)
		if err := rows.Scan(&e.ID, &e.GroupID, &started, &completed, &status,
			&e.TasksTotal, &e.TasksCompleted, &e.TasksFailed, &e.TasksSkipped, &e.Error); err != nil {
			rows.Close()
			return nil, err
		}
		e.StartedAt, e.CompletedAt, e.Status = parseTime(started), parseNullTime(completed), model.RunStatus(status)
		index[e.ID] = len(out)
		ids = append(ids, e.ID)
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	rrows, err := query(ctx, s.db, psql.Select("execution_id", "task_id", "task_name", "resource", "status", "error", "started_at", "finished_at").
		From("execution_results").
		Where(sq.Eq{"execution_id": ids}).
		OrderBy("execution_id", "seq"))
	if err != nil {
		return nil, err
	}
	defer rrows.Close()
	for rrows.Next() {
		var (
			execID            int64
			r                 model.MemberResult
			status            string
			started, finished sql.NullString
		)
		if err := rrows.Scan(&execID, &r.TaskID, &r.TaskName, &r.Resource, &status, &r.Error, &started, &finished); err != nil {
			return nil, err
		}
		r.Status = model.RunStatus(status)
		if t := parseNullTime(started); t != nil {
			r.StartedAt = *t
		}
		if t := parseNullTime(finished); t != nil {
			r.FinishedAt = *t
		}
		i := index[execID]
		out[i].Results = append(out[i].Results, r)
	}
	return out, rrows.Err()
}

// Times are stored as RFC3339Nano text in UTC.

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func fmtZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
