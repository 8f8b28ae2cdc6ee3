// Package bot routes chat updates: account linking, lesson submission, job
// listing and cancellation, and admin broadcast.
package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"enrollbot/internal/enroll"
	"enrollbot/internal/eventbus"
	"enrollbot/internal/notifier"
	rtsup "enrollbot/internal/runtime/supervisor"
	"enrollbot/internal/scheduler"
	"enrollbot/internal/store"
	kit "enrollbot/internal/transport"
	"enrollbot/internal/vault"
	logx "enrollbot/pkg/logx"
)

// Router consumes the adapter's update stream through a bounded worker pool
// so one slow handler (a session resolve is an HTTP round trip) cannot stall
// unrelated chats.
type Router struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	adapter  kit.Adapter
	sched    *scheduler.Service
	store    store.Store
	driver   enroll.PageDriver
	vault    *vault.Vault
	notifier *notifier.Service
	lessonRe *regexp.Regexp

	jobs chan func()
	sup  *rtsup.Supervisor
}

func New(cfg Config, adapter kit.Adapter, sched *scheduler.Service, st store.Store,
	driver enroll.PageDriver, v *vault.Vault, n *notifier.Service,
	log logx.Logger, bus eventbus.Bus) *Router {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		adapter:  adapter,
		sched:    sched,
		store:    st,
		driver:   driver,
		vault:    v,
		notifier: n,
		lessonRe: regexp.MustCompile(regexp.QuoteMeta(strings.TrimRight(cfg.SiteBaseURL, "/")) + `/tn/lessons/\d+`),
	}
}

// Start launches the dispatch loop plus the handler pool. The updates channel
// is owned by the caller and stays open across adapter restarts.
func (r *Router) Start(ctx context.Context, updates <-chan kit.Update) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.sup != nil {
		return
	}
	r.jobs = make(chan func(), r.cfg.QueueSize)
	r.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "bot"))),
		rtsup.WithCancelOnError(false),
	)

	jobs := r.jobs
	for i := 0; i < r.cfg.Workers; i++ {
		name := fmt.Sprintf("handler.%d", i)
		r.sup.GoRestart0(name, func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					job()
				}
			}
		})
	}

	r.sup.GoRestart0("dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up, ok := <-updates:
				if !ok {
					return
				}
				r.enqueue(c, up)
			}
		}
	})

	if mu, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		r.sup.Go0("menu.update", func(c context.Context) {
			if err := mu.UpdateMenuCommands(c, menuCommands()); err != nil {
				r.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	r.log.Info("chat router started", logx.Int("workers", r.cfg.Workers))
}

func menuCommands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "Link your account"},
		{Command: "help", Description: "How to use the bot"},
		{Command: "jobs", Description: "List your open enrollment jobs"},
		{Command: "cancel", Description: "Cancel a job by number"},
	}
}

func (r *Router) Stop(ctx context.Context) {
	if r.sup == nil {
		return
	}
	r.sup.Cancel()
	_ = r.sup.Wait(ctx)
	r.sup = nil
	r.jobs = nil
}

func (r *Router) enqueue(ctx context.Context, up kit.Update) {
	job := func() {
		hctx, cancel := context.WithTimeout(ctx, r.cfg.HandleTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in update handler", logx.Any("panic", rec))
			}
		}()
		r.route(hctx, up)
	}
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("handler queue full, dropping update")
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil || up.Message.IsGroup {
			return
		}
		r.handleMessage(ctx, up.Message)
	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		r.handleCallback(ctx, up.Callback)
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (r *Router) replyHTML(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	opt.ParseMode = "HTML"
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}
