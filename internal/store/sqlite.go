package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "enrollbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

const jobColumns = `id, chat_id, ref, title, location, lesson_start, registration_open,
	account, organisation, site_username, secret_enc, state, trigger_at, created_at`

func (s *sqliteStore) CreateJob(ctx context.Context, j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.State == "" {
		j.State = JobPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ChatID, j.Session.Ref, j.Session.Title, j.Session.Location,
		fmtTime(j.Session.LessonStart), fmtTime(j.Session.RegistrationOpen),
		j.Account, j.Organisation, j.SiteUsername, j.SecretEnc,
		string(j.State), nullTime(j.TriggerAt), fmtTime(j.CreatedAt),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetJobState(ctx context.Context, id string, state JobState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListJobsByChat(ctx context.Context, chatID int64) ([]Job, error) {
	// rowid preserves insertion order even when created_at instants collide.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE chat_id = ? ORDER BY rowid`, chatID)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *sqliteStore) ListDueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ? AND (trigger_at IS NULL OR trigger_at <= ?)
		 ORDER BY rowid`,
		string(JobPending), fmtTime(now))
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                         Job
		state                     string
		lessonStart, regOpen, cre string
		trigger                   sql.NullString
	)
	err := row.Scan(&j.ID, &j.ChatID, &j.Session.Ref, &j.Session.Title, &j.Session.Location,
		&lessonStart, &regOpen, &j.Account, &j.Organisation, &j.SiteUsername, &j.SecretEnc,
		&state, &trigger, &cre)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.State = JobState(state)
	if j.Session.LessonStart, err = parseTime(lessonStart); err != nil {
		return Job{}, err
	}
	if j.Session.RegistrationOpen, err = parseTime(regOpen); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime(cre); err != nil {
		return Job{}, err
	}
	if trigger.Valid {
		if j.TriggerAt, err = parseTime(trigger.String); err != nil {
			return Job{}, err
		}
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- users ----

const userColumns = `username, site_username, site_secret_enc, organisation,
	chat_id, telegram_username, access_token, linked, verified`

func (s *sqliteStore) GetUserByChat(ctx context.Context, chatID int64) (User, error) {
	if chatID == 0 {
		return User{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE chat_id = ?`, chatID)
	return scanUser(row)
}

func (s *sqliteStore) GetUserByToken(ctx context.Context, token string) (User, error) {
	if strings.TrimSpace(token) == "" {
		return User{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE access_token = ?`, token)
	return scanUser(row)
}

func (s *sqliteStore) LinkChat(ctx context.Context, username string, chatID int64, telegramUsername string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET chat_id = ?, telegram_username = ?, linked = 1, verified = 1 WHERE username = ?`,
		chatID, telegramUsername, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) InvalidateCredentials(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token = '', site_username = '', site_secret_enc = '', verified = -1 WHERE username = ?`,
		username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListVerifiedUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE linked = 1 AND verified = 1 ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row rowScanner) (User, error) {
	var (
		u      User
		linked int
	)
	err := row.Scan(&u.Username, &u.SiteUsername, &u.SiteSecretEnc, &u.Organisation,
		&u.ChatID, &u.TelegramUsername, &u.AccessToken, &linked, &u.Verified)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Linked = linked != 0
	return u, nil
}

// ---- helpers ----

// timeLayout keeps the fractional part fixed-width so the TEXT columns
// compare lexicographically in trigger_at range queries. RFC3339Nano trims
// trailing zeros, which breaks that ordering across second boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}
