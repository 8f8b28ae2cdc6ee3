package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"enrollbot/internal/enroll"
	"enrollbot/internal/eventbus"
	rtsup "enrollbot/internal/runtime/supervisor"
	"enrollbot/internal/store"
	logx "enrollbot/pkg/logx"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrForbidden = errors.New("job belongs to another user")
	ErrStopped   = errors.New("scheduler stopped")
)

// Config controls trigger handling and execution parallelism.
//
// Workers bounds concurrent enrollments; each execution drives its own
// browser session on the driver side, so this stays small.
type Config struct {
	Workers       int           // default 3
	QueueSize     int           // default 32
	SweepInterval time.Duration // default 1m; safety net behind per-job timers
}

// Vault decrypts a stored site secret at execution time.
type Vault interface {
	Decrypt(stored string) (string, error)
}

// Result pairs a finished job with its terminal outcome.
type Result struct {
	JobID   string
	ChatID  int64
	Session enroll.Session
	Outcome enroll.Outcome
}

// OutcomeSink receives terminal outcomes. Implementations must not block:
// the dispatcher behind it buffers.
type OutcomeSink func(Result)

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	JobID   string    `json:"job_id"`
	ChatID  int64     `json:"chat_id"`
	Ref     string    `json:"ref"`
	Trigger time.Time `json:"trigger,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
}

// jobRun tracks a job that is queued or executing. Guarded by Service.mu.
type jobRun struct {
	cancel    context.CancelFunc // nil while queued
	cancelled bool               // set by Cancel; suppresses outcome delivery
}

// Service owns the durable job set and decides when each job is handed to the
// enrollment engine. State transitions follow single-writer-per-job: only the
// worker that picked a job up touches its row afterwards.
type Service struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	store  store.Store
	engine *enroll.Engine
	driver enroll.PageDriver
	vault  Vault
	clock  enroll.Clock
	sink   OutcomeSink

	mu        sync.Mutex
	started   bool
	accepting bool
	runCh     chan string
	sup       *rtsup.Supervisor
	cron      *cron.Cron
	timers    map[string]*time.Timer
	inflight  map[string]*jobRun
}
