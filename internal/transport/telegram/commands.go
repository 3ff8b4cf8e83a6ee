package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"autopanel/internal/task/engine"
	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
	"autopanel/pkg/tgui"
)

const (
	commandTimeout = 15 * time.Second
	defaultHistory = 5
	maxHistory     = 20
	listPageSize   = 20
)

const helpText = `autopanel commands
/status - scheduler and worker state
/tasks [page] - list tasks
/groups [page] - list task groups
/run <group-id> - run a group now
/runtask <task-id> - run a task now
/history <group-id> [n] - recent group runs`

func (b *Bot) registerHandlers() {
	b.bot.Use(b.ownersOnly)

	b.bot.Handle("/start", b.handleHelp)
	b.bot.Handle("/help", b.handleHelp)
	b.bot.Handle("/status", b.handleStatus)
	b.bot.Handle("/tasks", b.handleTasks)
	b.bot.Handle("/groups", b.handleGroups)
	b.bot.Handle("/run", b.handleRunGroup)
	b.bot.Handle("/runtask", b.handleRunTask)
	b.bot.Handle("/history", b.handleHistory)
}

// ownersOnly drops updates from anyone not listed in owner_user_ids.
func (b *Bot) ownersOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		s := c.Sender()
		if s == nil || !b.isOwner(s.ID) {
			if s != nil {
				b.log.Debug("ignored update from non-owner", logx.Int64("user_id", s.ID))
			}
			return nil
		}
		return next(c)
	}
}

func (b *Bot) reply(c tele.Context, text string) error {
	for _, chunk := range tgui.SplitText(text, tgui.MaxMessageRunes) {
		if err := c.Send(chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) handleHelp(c tele.Context) error { return b.reply(c, helpText) }

func (b *Bot) handleStatus(c tele.Context) error {
	if b.status == nil {
		return b.reply(c, "status unavailable")
	}
	return b.reply(c, formatStatus(b.status(), b.now()))
}

func (b *Bot) handleTasks(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	tasks, err := b.panel.ListTasks(ctx)
	if err != nil {
		return b.reply(c, "list tasks: "+err.Error())
	}
	p := tgui.Paginate(tasks, pageArg(c.Args()), listPageSize)
	return b.reply(c, withPageLabel(formatTasks(p.Items, b.now()), p.Pages, p.Label()))
}

func (b *Bot) handleGroups(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	groups, err := b.panel.ListGroups(ctx)
	if err != nil {
		return b.reply(c, "list groups: "+err.Error())
	}
	p := tgui.Paginate(groups, pageArg(c.Args()), listPageSize)
	return b.reply(c, withPageLabel(formatGroups(p.Items, b.now()), p.Pages, p.Label()))
}

func (b *Bot) handleRunGroup(c tele.Context) error {
	id, err := parseID(c.Args(), 0)
	if err != nil {
		return b.reply(c, "usage: /run <group-id>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	b.log.Info("run requested", logx.String("key", model.GroupKey(id).String()), logx.Int64("by", c.Sender().ID))
	return b.reply(c, runReply("group", id, b.panel.RunGroupNow(ctx, id)))
}

func (b *Bot) handleRunTask(c tele.Context) error {
	id, err := parseID(c.Args(), 0)
	if err != nil {
		return b.reply(c, "usage: /runtask <task-id>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	b.log.Info("run requested", logx.String("key", model.TaskKey(id).String()), logx.Int64("by", c.Sender().ID))
	return b.reply(c, runReply("task", id, b.panel.RunTaskNow(ctx, id)))
}

func (b *Bot) handleHistory(c tele.Context) error {
	args := c.Args()
	id, err := parseID(args, 0)
	if err != nil {
		return b.reply(c, "usage: /history <group-id> [n]")
	}
	n := defaultHistory
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return b.reply(c, "usage: /history <group-id> [n]")
		}
		n = min(v, maxHistory)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	execs, err := b.panel.ListExecutions(ctx, id, n)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return b.reply(c, fmt.Sprintf("group %d not found", id))
		}
		return b.reply(c, "history: "+err.Error())
	}
	return b.reply(c, formatExecutions(id, execs, b.now()))
}

func parseID(args []string, i int) (int64, error) {
	if len(args) <= i {
		return 0, errors.New("missing id")
	}
	id, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", args[i])
	}
	return id, nil
}

// pageArg reads an optional 1-based page number; anything else is page 1.
func pageArg(args []string) int {
	if len(args) == 0 {
		return 0
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0
	}
	return n - 1
}

func withPageLabel(text string, pages int, label string) string {
	if pages <= 1 {
		return text
	}
	return text + "\n\n" + label
}

func runReply(kind string, id int64, err error) string {
	switch {
	case err == nil:
		return fmt.Sprintf("%s %d queued", kind, id)
	case errors.Is(err, model.ErrNotFound):
		return fmt.Sprintf("%s %d not found", kind, id)
	case errors.Is(err, engine.ErrBusy):
		return fmt.Sprintf("%s %d is already queued or running", kind, id)
	case errors.Is(err, engine.ErrQueueFull):
		return "worker queue is full, try again later"
	default:
		return fmt.Sprintf("%s %d: %v", kind, id, err)
	}
}
