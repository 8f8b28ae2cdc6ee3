package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"enrollbot/internal/enroll"
	"enrollbot/internal/eventbus"
	rtsup "enrollbot/internal/runtime/supervisor"
	"enrollbot/internal/store"
	logx "enrollbot/pkg/logx"
)

func New(cfg Config, st store.Store, engine *enroll.Engine, driver enroll.PageDriver,
	vault Vault, clock enroll.Clock, sink OutcomeSink, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if clock == nil {
		clock = enroll.RealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    st,
		engine:   engine,
		driver:   driver,
		vault:    vault,
		clock:    clock,
		sink:     sink,
		timers:   map[string]*time.Timer{},
		inflight: map[string]*jobRun{},
	}
}

// Start launches the worker pool, re-arms persisted triggers, and starts the
// due-job sweep. Triggers whose instant already passed fire immediately: a
// missed enrollment window is the single worst failure this system can
// produce, so recovery errs on the side of running.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.accepting = true
	s.runCh = make(chan string, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.runCh
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			return fmt.Errorf("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("restart recovery: %w", err)
	}

	// Periodic sweep behind the timers: catches queue-full deferrals and any
	// timer that failed to fire.
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.SweepInterval), func() {
		s.sweepDue(sup.Context())
	}); err != nil {
		return err
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("sweep_interval", s.cfg.SweepInterval))
	return nil
}

// Stop stops intake and triggering, then waits for in-flight executions to
// observe cancellation. Interrupted jobs are re-marked pending by their
// workers so the next Start picks them up.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.accepting = false
	c := s.cron
	s.cron = nil
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("scheduler stopped")
}

// Submit resolves the session synchronously (so the submitter gets immediate
// feedback that the reference is valid), persists the job, and arms its
// trigger. The trigger fires at RegistrationOpen exactly; the engine applies
// the fine-grained early-login wait itself, so a delayed worker pickup can
// only miss the early-login window by the queuing delay.
func (s *Service) Submit(ctx context.Context, ref string, user store.User) (store.Job, error) {
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		return store.Job{}, ErrStopped
	}

	sess, err := s.driver.ResolveSession(ctx, ref)
	if err != nil {
		return store.Job{}, err
	}

	now := s.clock.Now()
	job := store.Job{
		ID:           uuid.NewString(),
		ChatID:       user.ChatID,
		Session:      sess,
		Account:      user.Username,
		Organisation: user.Organisation,
		SiteUsername: user.SiteUsername,
		SecretEnc:    user.SiteSecretEnc,
		State:        store.JobPending,
		CreatedAt:    now,
	}
	if sess.RegistrationOpen.After(now) {
		job.TriggerAt = sess.RegistrationOpen
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return store.Job{}, fmt.Errorf("persist job: %w", err)
	}

	log := s.log.With(logx.String("job", job.ID), logx.String("user", user.Username))
	if job.TriggerAt.IsZero() {
		log.Info("registration already open, queueing now", logx.String("session", sess.Summary()))
		s.enqueue(job.ID)
	} else {
		log.Info("job scheduled",
			logx.String("session", sess.Summary()),
			logx.Time("trigger", job.TriggerAt))
		s.armTimer(job.ID, job.TriggerAt)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobSubmitted, Data: JobEvent{
			JobID: job.ID, ChatID: job.ChatID, Ref: sess.Ref, Trigger: job.TriggerAt,
		}})
	}
	return job, nil
}

// List returns the submitter's jobs in submission order.
func (s *Service) List(ctx context.Context, chatID int64) ([]store.Job, error) {
	return s.store.ListJobsByChat(ctx, chatID)
}

// Cancel removes a job's future trigger. Guaranteed for not-yet-triggered
// jobs; an execution already past the registration attempt may still complete
// (its terminal outcome is then still recorded exactly once).
func (s *Service) Cancel(ctx context.Context, jobID string, requester int64) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	if job.ChatID != requester {
		return ErrForbidden
	}

	s.mu.Lock()
	if t := s.timers[jobID]; t != nil {
		t.Stop()
		delete(s.timers, jobID)
	}
	r := s.inflight[jobID]
	if r != nil {
		// Queued or running: the owning worker observes the flag and removes
		// the row; cancellation is cooperative at poll boundaries.
		r.cancelled = true
		running := r.cancel != nil
		if running {
			r.cancel()
		}
		s.mu.Unlock()
		if !running {
			// Still queued: delete the row here so a crash before pickup
			// cannot resurrect an acknowledged cancel at restart recovery.
			// The worker's own delete tolerates the missing row.
			if err := s.store.DeleteJob(ctx, jobID); err != nil && err != store.ErrNotFound {
				return err
			}
		}
		s.log.Info("cancelling in-flight job", logx.String("job", jobID))
		s.publishCancelled(job)
		return nil
	}
	s.mu.Unlock()

	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		if err == store.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	s.log.Info("job cancelled", logx.String("job", jobID))
	s.publishCancelled(job)
	return nil
}

func (s *Service) publishCancelled(job store.Job) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobCancelled, Data: JobEvent{
			JobID: job.ID, ChatID: job.ChatID, Ref: job.Session.Ref,
		}})
	}
}

// recover re-arms triggers from the durable store after a restart.
func (s *Service) recover(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	var due, future int
	for _, j := range jobs {
		// Jobs left in running state were interrupted mid-execution; run them
		// again rather than dropping them.
		if j.State == store.JobRunning {
			if err := s.store.SetJobState(ctx, j.ID, store.JobPending); err != nil {
				s.log.Warn("failed to reset interrupted job", logx.String("job", j.ID), logx.Err(err))
			}
		}
		if j.TriggerAt.IsZero() || !j.TriggerAt.After(now) {
			due++
			s.enqueue(j.ID)
		} else {
			future++
			s.armTimer(j.ID, j.TriggerAt)
		}
	}
	if len(jobs) > 0 {
		s.log.Info("recovered persisted jobs", logx.Int("due", due), logx.Int("future", future))
	}
	return nil
}

func (s *Service) armTimer(jobID string, at time.Time) {
	d := at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if t := s.timers[jobID]; t != nil {
		t.Stop()
	}
	s.timers[jobID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, jobID)
		s.mu.Unlock()
		s.enqueue(jobID)
	})
	s.mu.Unlock()
}

// enqueue hands a job to the worker pool at most once. If the run queue is
// full the job stays pending and the sweep retries it.
func (s *Service) enqueue(jobID string) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if _, ok := s.inflight[jobID]; ok {
		s.mu.Unlock()
		return
	}
	s.inflight[jobID] = &jobRun{}
	q := s.runCh
	s.mu.Unlock()

	select {
	case q <- jobID:
	default:
		s.mu.Lock()
		delete(s.inflight, jobID)
		s.mu.Unlock()
		s.log.Warn("run queue full, job deferred to sweep", logx.String("job", jobID))
	}
}

func (s *Service) sweepDue(ctx context.Context) {
	due, err := s.store.ListDueJobs(ctx, s.clock.Now())
	if err != nil {
		s.log.Warn("due-job sweep failed", logx.Err(err))
		return
	}
	for _, j := range due {
		s.enqueue(j.ID)
	}
}
