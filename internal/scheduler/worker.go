package scheduler

import (
	"context"
	"errors"
	"time"

	"enrollbot/internal/enroll"
	"enrollbot/internal/eventbus"
	"enrollbot/internal/store"
	logx "enrollbot/pkg/logx"
)

func (s *Service) workerLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-q:
			if !ok {
				return
			}
			s.execute(ctx, id)
		}
	}
}

// execute runs one job to completion. The worker exclusively owns the job's
// row from here on.
func (s *Service) execute(ctx context.Context, jobID string) {
	log := s.log.With(logx.String("job", jobID))

	s.mu.Lock()
	r := s.inflight[jobID]
	if r == nil {
		// Enqueue always registers the run before the channel send.
		r = &jobRun{}
		s.inflight[jobID] = r
	}
	if r.cancelled {
		// Cancelled while queued: guaranteed to never execute.
		delete(s.inflight, jobID)
		s.mu.Unlock()
		s.removeRow(jobID)
		log.Debug("skipping cancelled job")
		return
	}
	jctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.clearRun(jobID)
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("failed to load job", logx.Err(err))
		}
		return
	}
	if err := s.store.SetJobState(ctx, jobID, store.JobRunning); err != nil {
		s.clearRun(jobID)
		log.Error("failed to mark job running", logx.Err(err))
		return
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobStarted, Data: JobEvent{
			JobID: job.ID, ChatID: job.ChatID, Ref: job.Session.Ref,
		}})
	}

	outcome, execErr := s.run(jctx, job)
	cancelled := s.clearRun(jobID)

	if execErr != nil {
		// No terminal outcome: the execution was interrupted.
		if cancelled {
			s.removeRow(jobID)
			log.Info("job cancelled mid-execution")
		} else {
			// Shutdown: leave the job for restart recovery.
			s.resetRow(jobID)
			log.Info("execution interrupted by shutdown, job re-queued for recovery")
		}
		return
	}

	s.finish(job, outcome, log)
}

// run decrypts the job's credentials and hands it to the enrollment engine.
func (s *Service) run(ctx context.Context, job store.Job) (enroll.Outcome, error) {
	secret, err := s.vault.Decrypt(job.SecretEnc)
	if err != nil {
		if ctx.Err() != nil {
			return enroll.Outcome{}, ctx.Err()
		}
		s.log.Error("credential decryption failed", logx.String("job", job.ID), logx.Err(err))
		return enroll.Outcome{Kind: enroll.OutcomeExecutionError, Detail: "credential decryption failed"}, nil
	}
	creds := enroll.Credentials{
		Organisation: job.Organisation,
		Username:     job.SiteUsername,
		Secret:       secret,
	}
	return s.engine.Execute(ctx, job.Session, creds)
}

// finish records the terminal outcome exactly once: the row is removed, the
// credential side effect applied, and the outcome handed to the sink.
func (s *Service) finish(job store.Job, outcome enroll.Outcome, log logx.Logger) {
	if outcome.Kind == enroll.OutcomeCredentialsInvalid {
		// The submitter must re-authenticate before submitting again.
		if err := s.invalidate(job.Account); err != nil {
			log.Warn("failed to invalidate credentials", logx.Err(err))
		}
	}

	s.removeRow(job.ID)

	log.Info("job finished", logx.String("outcome", string(outcome.Kind)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobFinished, Data: JobEvent{
			JobID: job.ID, ChatID: job.ChatID, Ref: job.Session.Ref, Outcome: string(outcome.Kind),
		}})
	}
	if s.sink != nil {
		s.sink(Result{
			JobID:   job.ID,
			ChatID:  job.ChatID,
			Session: job.Session,
			Outcome: outcome,
		})
	}
}

// clearRun removes the in-flight record and reports whether the job was
// cancelled by its owner.
func (s *Service) clearRun(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.inflight[jobID]
	delete(s.inflight, jobID)
	return r != nil && r.cancelled
}

// Store writes after an execution use a background context: the worker's
// context may already be cancelled, and losing the write would leak or
// double-run the job.
func (s *Service) removeRow(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.DeleteJob(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("failed to delete job row", logx.String("job", jobID), logx.Err(err))
	}
}

func (s *Service) resetRow(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SetJobState(ctx, jobID, store.JobPending); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("failed to reset job row", logx.String("job", jobID), logx.Err(err))
	}
}

func (s *Service) invalidate(account string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.store.InvalidateCredentials(ctx, account)
}
