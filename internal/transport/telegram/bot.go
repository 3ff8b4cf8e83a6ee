// Package telegram is the optional operator surface: owner-only commands to
// inspect and trigger schedules, run notices, and the chat sink for logx.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"autopanel/internal/eventbus"
	rtsup "autopanel/internal/runtime/supervisor"
	"autopanel/internal/task/model"
	logx "autopanel/pkg/logx"
	"autopanel/pkg/tgui"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	Owners      []int64
	// NoticeChatID receives group run notices; 0 disables them.
	NoticeChatID int64
	NoticeThread int
}

// Panel is the control plane the commands drive. *manage.Service satisfies it.
type Panel interface {
	ListTasks(ctx context.Context) ([]model.Task, error)
	ListGroups(ctx context.Context) ([]model.TaskGroup, error)
	ListExecutions(ctx context.Context, groupID int64, limit int) ([]model.Execution, error)
	RunGroupNow(ctx context.Context, id int64) error
	RunTaskNow(ctx context.Context, id int64) error
}

// StatusFunc builds the /status view on demand.
type StatusFunc func() Status

type Bot struct {
	cfg    Config
	log    logx.Logger
	bot    *tele.Bot
	panel  Panel
	status StatusFunc
	bus    eventbus.Bus
	owners map[int64]struct{}

	mu  sync.Mutex
	sup *rtsup.Supervisor

	now func() time.Time
}

func New(cfg Config, panel Panel, status StatusFunc, bus eventbus.Bus, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	bt := &Bot{
		cfg:    cfg,
		log:    log,
		bot:    b,
		panel:  panel,
		status: status,
		bus:    bus,
		owners: make(map[int64]struct{}, len(cfg.Owners)),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, id := range cfg.Owners {
		bt.owners[id] = struct{}{}
	}
	bt.registerHandlers()
	return bt, nil
}

// Start runs the poll loop and the notice relay until Stop.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sup != nil {
		return nil
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(b.log),
		// The bot is best-effort; its failures must not stop the scheduler.
		rtsup.WithCancelOnError(false),
	)
	b.sup = sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	if b.bus != nil && b.cfg.NoticeChatID != 0 {
		events, unsubscribe := b.bus.Subscribe(64, eventbus.GroupRunFinished)
		sup.Go0("notices", func(c context.Context) {
			defer unsubscribe()
			b.relayNotices(c, events)
		})
	}
	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	// Never hold shutdown for a long poll that is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// SendLog implements logx.Sender.
func (b *Bot) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	return b.send(ctx, chatID, threadID, text)
}

func (b *Bot) send(ctx context.Context, chatID int64, threadID int, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range tgui.SplitText(text, tgui.MaxMessageRunes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}
		if _, err := b.bot.Send(chat, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) relayNotices(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			text, ok := noticeText(ev)
			if !ok {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := b.send(sctx, b.cfg.NoticeChatID, b.cfg.NoticeThread, text); err != nil {
				b.log.Debug("run notice not delivered", logx.Err(err))
			}
			cancel()
		}
	}
}

func (b *Bot) isOwner(id int64) bool {
	_, ok := b.owners[id]
	return ok
}
