package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"enrollbot/internal/enroll"
	"enrollbot/internal/eventbus"
	"enrollbot/internal/scheduler"
	"enrollbot/internal/store"
	kit "enrollbot/internal/transport"
	logx "enrollbot/pkg/logx"
	"enrollbot/pkg/tgui"
)

const callbackNS = "enroll"

func (r *Router) handleMessage(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	user, err := r.store.GetUserByChat(ctx, msg.ChatID)
	linked := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.log.Error("user lookup failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		return
	}

	if strings.HasPrefix(text, "/") {
		cmd, args := splitCommand(text)
		switch cmd {
		case "start":
			r.cmdStart(ctx, msg, linked)
		case "help":
			if r.requireLinked(ctx, msg, linked) {
				r.cmdHelp(ctx, msg)
			}
		case "jobs":
			if r.requireLinked(ctx, msg, linked) {
				r.cmdJobs(ctx, msg)
			}
		case "cancel":
			if r.requireLinked(ctx, msg, linked) {
				r.cmdCancel(ctx, msg, args)
			}
		case "broadcast":
			r.cmdBroadcast(ctx, msg, args)
		default:
			if linked {
				r.reply(ctx, msg.ChatID, "Sorry, I didn't understand that command.")
			}
		}
		return
	}

	if !linked {
		r.tryLinkToken(ctx, msg, text)
		return
	}
	r.handleSubmission(ctx, msg, user, text)
}

func splitCommand(text string) (string, string) {
	word, rest, _ := strings.Cut(text, " ")
	word = strings.TrimPrefix(word, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return word, strings.TrimSpace(rest)
}

// requireLinked silently drops messages from unknown chats; an unlinked chat
// only gets /start and the token exchange.
func (r *Router) requireLinked(ctx context.Context, msg *kit.Message, linked bool) bool {
	if !linked {
		r.log.Warn("unauthorized access",
			logx.Int64("chat", msg.ChatID), logx.String("tg_user", msg.FromUsername))
	}
	return linked
}

func (r *Router) cmdStart(ctx context.Context, msg *kit.Message, linked bool) {
	if linked {
		r.reply(ctx, msg.ChatID, "Welcome back!")
		return
	}
	r.reply(ctx, msg.ChatID, "Access token:")
}

func (r *Router) cmdHelp(ctx context.Context, msg *kit.Message) {
	r.reply(ctx, msg.ChatID,
		"Send me a link to a lesson and I will enroll you. You can directly share a "+
			"lesson with me from the app. Send /jobs to see a list of open enrollment "+
			"jobs. With /cancel {jobnumber} you can remove specific jobs. The "+
			"jobnumber can be found with /jobs.")
}

func (r *Router) cmdJobs(ctx context.Context, msg *kit.Message) {
	jobs, err := r.sched.List(ctx, msg.ChatID)
	if err != nil {
		r.log.Error("job listing failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		r.reply(ctx, msg.ChatID, "Could not load your jobs, try again later.")
		return
	}
	if len(jobs) == 0 {
		r.reply(ctx, msg.ChatID, "No jobs found.")
		return
	}
	var b strings.Builder
	b.WriteString("Jobs:\n")
	for i, j := range jobs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, j.Session.Summary())
	}
	r.reply(ctx, msg.ChatID, b.String())
}

// cmdCancel resolves the index against the current listing and asks for
// confirmation; the destructive step only runs from the callback.
func (r *Router) cmdCancel(ctx context.Context, msg *kit.Message, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		r.reply(ctx, msg.ChatID, "Please specify a job number.")
		return
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		r.reply(ctx, msg.ChatID, "Please specify a job number.")
		return
	}
	jobs, lerr := r.sched.List(ctx, msg.ChatID)
	if lerr != nil {
		r.reply(ctx, msg.ChatID, "Could not load your jobs, try again later.")
		return
	}
	if len(jobs) == 0 {
		r.reply(ctx, msg.ChatID, "No jobs found.")
		return
	}
	if idx < 1 || idx > len(jobs) {
		r.reply(ctx, msg.ChatID, "Job number not found. Try again.")
		return
	}
	job := jobs[idx-1]

	kb := tgui.ConfirmInline(
		tgui.Btn("Yes", tgui.Data(callbackNS, "cancel_yes", job.ID)),
		tgui.Btn("No", tgui.Data(callbackNS, "cancel_no", job.ID)),
	)
	r.replyHTML(ctx, msg.ChatID,
		fmt.Sprintf("Are you sure you want to cancel job %s?", tgui.B(job.Session.Summary())),
		&kit.SendOptions{ReplyMarkupAdapter: kb.Markup()})
}

func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	ns, action, payload := tgui.SplitData(cb.Data)
	if ns != callbackNS {
		return
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}

	switch action {
	case "cancel_yes":
		err := r.sched.Cancel(ctx, payload, cb.ChatID)
		switch {
		case err == nil:
			_ = r.adapter.EditText(ctx, ref, "Job cancelled.", nil)
		case errors.Is(err, scheduler.ErrNotFound):
			_ = r.adapter.EditText(ctx, ref, "Job not found.", nil)
		case errors.Is(err, scheduler.ErrForbidden):
			r.log.Warn("cancel denied", logx.Int64("chat", cb.ChatID), logx.String("job", payload))
			_ = r.adapter.EditText(ctx, ref, "Job not found.", nil)
		default:
			r.log.Error("cancel failed", logx.String("job", payload), logx.Err(err))
			_ = r.adapter.EditText(ctx, ref, "Could not cancel the job, try again later.", nil)
		}
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	case "cancel_no":
		_ = r.adapter.EditText(ctx, ref, "Cancellation aborted.", nil)
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	}
}

// tryLinkToken treats any non-command text from an unknown chat as an access
// token. A valid token triggers a live credential check before the chat is
// linked; a failed check retracts the token so the front-end must issue a new
// one.
func (r *Router) tryLinkToken(ctx context.Context, msg *kit.Message, token string) {
	user, err := r.store.GetUserByToken(ctx, token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Error("token lookup failed", logx.Err(err))
		}
		return
	}
	if user.Linked {
		return
	}

	r.reply(ctx, msg.ChatID, fmt.Sprintf(
		"Welcome %s! You are now authorized. Verifying your login credentials...", user.Username))

	secret, err := r.vault.Decrypt(user.SiteSecretEnc)
	if err != nil {
		r.log.Error("credential decryption failed", logx.String("user", user.Username), logx.Err(err))
		r.reply(ctx, msg.ChatID, "Something went wrong while verifying your credentials, try again later.")
		return
	}
	creds := enroll.Credentials{
		Organisation: user.Organisation,
		Username:     user.SiteUsername,
		Secret:       secret,
	}
	ok, err := r.driver.VerifyCredentials(ctx, creds)
	if err != nil {
		r.log.Error("credential verification failed",
			logx.String("creds", creds.Masked()), logx.Err(err))
		r.reply(ctx, msg.ChatID, "Something went wrong while verifying your credentials, try again later.")
		return
	}
	if !ok {
		if err := r.store.InvalidateCredentials(ctx, user.Username); err != nil {
			r.log.Error("credential invalidation failed", logx.String("user", user.Username), logx.Err(err))
		}
		r.reply(ctx, msg.ChatID, fmt.Sprintf(
			"Your login credentials are not valid and your authorization has been retracted. "+
				"Please visit %s to change them and reauthorize.", r.cfg.ManageURL))
		return
	}

	if err := r.store.LinkChat(ctx, user.Username, msg.ChatID, msg.FromUsername); err != nil {
		r.log.Error("chat linking failed", logx.String("user", user.Username), logx.Err(err))
		r.reply(ctx, msg.ChatID, "Something went wrong while linking your account, try again later.")
		return
	}
	r.log.Info("account linked",
		logx.String("user", user.Username), logx.Int64("chat", msg.ChatID))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Kind: eventbus.KindUserLinked, Data: user.Username})
	}
	r.reply(ctx, msg.ChatID,
		"Your login credentials have been verified. Your account is now linked to this "+
			"telegram account. Send /help for more information on how to use me.")
}

// handleSubmission extracts a lesson link from free text and submits it.
func (r *Router) handleSubmission(ctx context.Context, msg *kit.Message, user store.User, text string) {
	if user.Verified != 1 {
		r.reply(ctx, msg.ChatID,
			"Your login credentials are not yet verified. This might take some minutes. "+
				"Resubmit the job in a few minutes. You will be notified when your "+
				"credentials have been verified.")
		return
	}

	url := r.lessonRe.FindString(text)
	if url == "" {
		r.reply(ctx, msg.ChatID, fmt.Sprintf(
			"Could not find a lesson url in your message. It should look like "+
				"%s/tn/lessons/ followed by some number.", strings.TrimRight(r.cfg.SiteBaseURL, "/")))
		return
	}

	r.log.Info("job received",
		logx.String("user", user.Username), logx.String("ref", url))
	job, err := r.sched.Submit(ctx, url, user)
	switch {
	case err == nil:
		r.reply(ctx, msg.ChatID, fmt.Sprintf("Job submitted: %s", job.Session.Summary()))
	case errors.Is(err, enroll.ErrSessionNotFound):
		r.reply(ctx, msg.ChatID, "That lesson does not exist (anymore).")
	case errors.Is(err, enroll.ErrParse):
		r.reply(ctx, msg.ChatID, "The lesson page could not be read, try again later.")
	case errors.Is(err, scheduler.ErrStopped):
		r.reply(ctx, msg.ChatID, "The bot is shutting down, try again in a minute.")
	default:
		r.log.Error("submission failed", logx.String("ref", url), logx.Err(err))
		r.reply(ctx, msg.ChatID, "Could not submit the job, try again later.")
	}
}

// cmdBroadcast fans a message out to every linked account through the
// dispatcher. Restricted to configured admin chats.
func (r *Router) cmdBroadcast(ctx context.Context, msg *kit.Message, args string) {
	if !r.cfg.isAdmin(msg.ChatID) {
		r.log.Warn("broadcast denied", logx.Int64("chat", msg.ChatID))
		return
	}
	if args == "" {
		r.reply(ctx, msg.ChatID, "Usage: /broadcast <message>")
		return
	}
	users, err := r.store.ListVerifiedUsers(ctx)
	if err != nil {
		r.log.Error("broadcast listing failed", logx.Err(err))
		r.reply(ctx, msg.ChatID, "Could not load recipients.")
		return
	}
	queued := 0
	for _, u := range users {
		if u.ChatID == 0 {
			continue
		}
		if err := r.notifier.Enqueue(kit.Notification{
			Target: kit.ChatTarget{ChatID: u.ChatID},
			Text:   args,
		}); err == nil {
			queued++
		}
	}
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Broadcast queued for %d users.", queued))
}
