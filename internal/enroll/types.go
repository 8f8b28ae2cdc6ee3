package enroll

import "time"

// Session describes one bookable lesson on the scheduling site.
// It is resolved once by the page driver and never mutated afterwards.
type Session struct {
	Ref              string // lesson URL or id, as submitted
	Title            string
	Location         string
	LessonStart      time.Time
	RegistrationOpen time.Time
}

// Summary renders the short human-readable form used in job listings and
// outcome messages.
func (s Session) Summary() string {
	return s.LessonStart.Format("02.01.06 15:04") + " - " + s.Title + " (" + s.Location + ")"
}

// Credentials are the site login of one user. They are held in memory for the
// duration of a single execution and never persisted in cleartext.
type Credentials struct {
	Organisation string
	Username     string
	Secret       string
}

// Masked returns a log-safe representation. The mask is fixed-width so it does
// not reveal the secret's length.
func (c Credentials) Masked() string {
	return c.Username + ":****"
}

type OutcomeKind string

const (
	OutcomeEnrolled           OutcomeKind = "enrolled"
	OutcomeSessionStarted     OutcomeKind = "session_started"
	OutcomeCredentialsInvalid OutcomeKind = "credentials_invalid"
	OutcomeExecutionError     OutcomeKind = "execution_error"
)

// Outcome is the terminal result of one execution.
type Outcome struct {
	Kind   OutcomeKind
	Detail string // extra context for execution_error; empty otherwise
}
