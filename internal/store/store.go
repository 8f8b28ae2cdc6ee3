package store

import (
	"context"
	"errors"
	"time"

	"enrollbot/internal/enroll"
)

var ErrNotFound = errors.New("not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Job is one persisted enrollment job. The site secret is kept in its
// vault-encrypted form; it is decrypted only when a worker picks the job up.
type Job struct {
	ID      string
	ChatID  int64
	Session enroll.Session
	// Account is the owning account's primary key in the users table; used for
	// the credential-invalidation side effect.
	Account      string
	Organisation string
	SiteUsername string
	SecretEnc    string

	State     JobState
	TriggerAt time.Time // zero = run now
	CreatedAt time.Time
}

type JobState string

const (
	// JobPending: waiting for its trigger instant (or for a free worker).
	JobPending JobState = "pending"
	// JobRunning: an execution owns the job. Single-writer per job id: only
	// the owning worker transitions or removes a running job.
	JobRunning JobState = "running"
)

// User mirrors the account table shared with the credential web front-end.
// This process only reads accounts and flips the linking/verification flags;
// account creation and credential capture happen elsewhere.
type User struct {
	Username         string
	SiteUsername     string
	SiteSecretEnc    string
	Organisation     string
	ChatID           int64
	TelegramUsername string
	AccessToken      string
	Linked           bool
	// Verified: 1 = credentials verified, -1 = not verified (must re-auth).
	Verified int
}

// Store is the persistence API shared by the scheduler and the chat router.
//
// Jobs are keyed by id with single-writer-per-job discipline, so no
// cross-job locking is required on top of it.
type Store interface {
	CreateJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	DeleteJob(ctx context.Context, id string) error
	SetJobState(ctx context.Context, id string, state JobState) error
	// ListJobsByChat returns a submitter's jobs in submission order.
	ListJobsByChat(ctx context.Context, chatID int64) ([]Job, error)
	// ListJobs returns every job in submission order (restart recovery).
	ListJobs(ctx context.Context) ([]Job, error)
	// ListDueJobs returns jobs whose trigger instant is at or before now,
	// including run-now jobs that never got picked up.
	ListDueJobs(ctx context.Context, now time.Time) ([]Job, error)

	GetUserByChat(ctx context.Context, chatID int64) (User, error)
	GetUserByToken(ctx context.Context, token string) (User, error)
	// LinkChat binds a chat to an account and marks it verified.
	LinkChat(ctx context.Context, username string, chatID int64, telegramUsername string) error
	// InvalidateCredentials resets the account's token and verification so the
	// user must re-authenticate through the front-end.
	InvalidateCredentials(ctx context.Context, username string) error
	// ListVerifiedUsers returns all linked+verified accounts (broadcast).
	ListVerifiedUsers(ctx context.Context) ([]User, error)

	Close() error
}
