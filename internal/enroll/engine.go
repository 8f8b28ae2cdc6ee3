package enroll

import (
	"context"
	"time"

	logx "enrollbot/pkg/logx"
)

// Config controls the engine's timing policy. Both values are policy knobs,
// not correctness-critical; see config.example.yaml.
type Config struct {
	// EarlyLoginWindow is how long before registration opens the engine wakes
	// up to warm the login session.
	EarlyLoginWindow time.Duration
	// PollInterval is the recheck interval while the session is booked out.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.EarlyLoginWindow <= 0 {
		c.EarlyLoginWindow = 59 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
}

// Engine executes a single enrollment end-to-end: login verification, deadline
// wait, contested-capacity retry loop, outcome classification.
//
// An Engine is stateless across executions and safe for concurrent use; each
// Execute call is expected to run on a dedicated scheduler worker.
type Engine struct {
	cfg    Config
	driver PageDriver
	clock  Clock
	log    logx.Logger
}

func NewEngine(cfg Config, driver PageDriver, clock Clock, log logx.Logger) *Engine {
	cfg.applyDefaults()
	if clock == nil {
		clock = RealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg, driver: driver, clock: clock, log: log}
}

// Execute runs one enrollment to a terminal outcome.
//
// The returned error is non-nil only when ctx was cancelled before a terminal
// outcome was reached; every other result, including driver failures, is
// classified into the Outcome.
func (e *Engine) Execute(ctx context.Context, sess Session, creds Credentials) (Outcome, error) {
	log := e.log.With(
		logx.String("lesson", sess.Ref),
		logx.String("user", creds.Masked()),
	)
	log.Info("execution started", logx.String("session", sess.Summary()))

	ok, err := e.driver.VerifyCredentials(ctx, creds)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		log.Error("login check failed", logx.Err(err))
		return Outcome{Kind: OutcomeExecutionError, Detail: err.Error()}, nil
	}
	if !ok {
		// Deterministic failure, not contention: no point retrying the job.
		log.Warn("credentials rejected")
		return Outcome{Kind: OutcomeCredentialsInvalid}, nil
	}

	if err := e.waitForWindow(ctx, sess, creds, log); err != nil {
		return Outcome{}, err
	}
	return e.pollLoop(ctx, sess, creds, log)
}

// waitForWindow sleeps until registration opens. The engine wakes
// EarlyLoginWindow before the window to re-verify the login (warming the site
// session), then sleeps the remainder so AttemptRegister is never called
// before RegistrationOpen.
func (e *Engine) waitForWindow(ctx context.Context, sess Session, creds Credentials, log logx.Logger) error {
	now := e.clock.Now()
	open := sess.RegistrationOpen
	if !open.After(now) {
		return nil
	}

	wake := open.Add(-e.cfg.EarlyLoginWindow)
	if wake.After(now) {
		log.Info("sleeping until early-login wake",
			logx.Time("wake", wake),
			logx.Time("registration_open", open),
			logx.Duration("sleep", wake.Sub(now)))
		if err := e.clock.Sleep(ctx, wake.Sub(now)); err != nil {
			return err
		}

		// Warm the login session just before the window opens. A rejection here
		// is surfaced by the poll loop's LoginExpired handling; transient driver
		// errors are tolerated since the real attempt follows in under a minute.
		if _, err := e.driver.VerifyCredentials(ctx, creds); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("early login warmup failed", logx.Err(err))
		}
	}

	if rem := open.Sub(e.clock.Now()); rem > 0 {
		log.Debug("waiting for registration window", logx.Duration("remaining", rem))
		if err := e.clock.Sleep(ctx, rem); err != nil {
			return err
		}
	}
	return nil
}

// pollLoop contests capacity until a terminal condition. It has no iteration
// cap: the exits are success, the lesson-started deadline (checked every pass),
// or an unrecoverable error.
func (e *Engine) pollLoop(ctx context.Context, sess Session, creds Credentials, log logx.Logger) (Outcome, error) {
	loginRetried := false
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		st, err := e.driver.AttemptRegister(ctx, sess, creds)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			// Unknown driver failures are terminal; retrying blindly risks
			// spinning forever against a broken page.
			log.Error("registration attempt failed", logx.Err(err))
			return Outcome{Kind: OutcomeExecutionError, Detail: err.Error()}, nil
		}

		switch st {
		case RegisterEnrolled:
			log.Info("enrolled")
			return Outcome{Kind: OutcomeEnrolled}, nil

		case RegisterNoCapacity:
			if e.clock.Now().After(sess.LessonStart) {
				log.Info("lesson started before capacity freed")
				return Outcome{Kind: OutcomeSessionStarted}, nil
			}
			log.Info("session booked out, rechecking", logx.Duration("in", e.cfg.PollInterval))
			if err := e.clock.Sleep(ctx, e.cfg.PollInterval); err != nil {
				return Outcome{}, err
			}

		case RegisterSlotTaken:
			// Spot disappeared between the capacity check and the click: treat
			// as if no capacity was observed and recheck immediately.
			log.Info("spot taken in the meantime, rechecking")

		case RegisterLoginExpired:
			if loginRetried {
				log.Warn("login retry failed")
				return Outcome{Kind: OutcomeCredentialsInvalid}, nil
			}
			loginRetried = true
			log.Info("login expired mid-flow, retrying login")
			ok, err := e.driver.VerifyCredentials(ctx, creds)
			if err != nil {
				if ctx.Err() != nil {
					return Outcome{}, ctx.Err()
				}
				log.Error("login retry failed", logx.Err(err))
				return Outcome{Kind: OutcomeExecutionError, Detail: err.Error()}, nil
			}
			if !ok {
				return Outcome{Kind: OutcomeCredentialsInvalid}, nil
			}

		default:
			log.Error("unknown register status", logx.String("status", string(st)))
			return Outcome{Kind: OutcomeExecutionError, Detail: "unknown register status: " + string(st)}, nil
		}
	}
}
