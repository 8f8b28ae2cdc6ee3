package bot

import (
	"fmt"

	"enrollbot/internal/enroll"
	"enrollbot/internal/scheduler"
	kit "enrollbot/internal/transport"
	logx "enrollbot/pkg/logx"
)

// HandleResult is the scheduler's outcome sink. It formats the terminal
// outcome and hands it to the dispatcher; it must not block.
func (r *Router) HandleResult(res scheduler.Result) {
	text := formatOutcome(res)
	if text == "" {
		return
	}
	if err := r.notifier.Enqueue(kit.Notification{
		Target: kit.ChatTarget{ChatID: res.ChatID},
		Text:   text,
	}); err != nil {
		r.log.Warn("outcome delivery dropped",
			logx.String("job", res.JobID), logx.Int64("chat", res.ChatID), logx.Err(err))
	}
}

func formatOutcome(res scheduler.Result) string {
	summary := res.Session.Summary()
	switch res.Outcome.Kind {
	case enroll.OutcomeEnrolled:
		return fmt.Sprintf("You have been successfully enrolled for %s!", summary)
	case enroll.OutcomeSessionStarted:
		return fmt.Sprintf("The lesson %s has started and no spot opened up. The job has been removed.", summary)
	case enroll.OutcomeCredentialsInvalid:
		return fmt.Sprintf("Your login credentials were rejected while enrolling for %s. "+
			"Your authorization has been retracted; please update your credentials and reauthorize.", summary)
	case enroll.OutcomeExecutionError:
		return fmt.Sprintf("An error occured while enrolling for %s.", summary)
	default:
		return ""
	}
}
