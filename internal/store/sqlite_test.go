package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"enrollbot/internal/enroll"
	logx "enrollbot/pkg/logx"
)

func openTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st.(*sqliteStore)
}

func insertUser(t *testing.T, st *sqliteStore, u User) {
	t.Helper()
	linked := 0
	if u.Linked {
		linked = 1
	}
	_, err := st.db.Exec(
		`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		u.Username, u.SiteUsername, u.SiteSecretEnc, u.Organisation,
		u.ChatID, u.TelegramUsername, u.AccessToken, linked, u.Verified)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func sampleJob(id string, chatID int64) Job {
	at := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	return Job{
		ID:     id,
		ChatID: chatID,
		Session: enroll.Session{
			Ref:              "https://schalter.example.org/tn/lessons/" + id,
			Title:            "Bouldering",
			Location:         "Wall 3",
			LessonStart:      at,
			RegistrationOpen: at.Add(-24 * time.Hour),
		},
		Account:      "alice",
		Organisation: "Uni",
		SiteUsername: "alice@example.org",
		SecretEnc:    "b64ciphertext",
		State:        JobPending,
		TriggerAt:    at.Add(-24 * time.Hour),
		CreatedAt:    at.Add(-48 * time.Hour),
	}
}

func TestJobRoundtrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	want := sampleJob("j1", 42)
	if err := st.CreateJob(ctx, want); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	got, err := st.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.ID != want.ID || got.ChatID != want.ChatID || got.State != want.State {
		t.Fatalf("GetJob() = %+v, want %+v", got, want)
	}
	if got.Session != want.Session {
		t.Fatalf("session = %+v, want %+v", got.Session, want.Session)
	}
	if !got.TriggerAt.Equal(want.TriggerAt) || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("times = (%v, %v), want (%v, %v)",
			got.TriggerAt, got.CreatedAt, want.TriggerAt, want.CreatedAt)
	}
	if got.SecretEnc != want.SecretEnc || got.Account != want.Account {
		t.Fatalf("credentials = (%q, %q), want (%q, %q)",
			got.Account, got.SecretEnc, want.Account, want.SecretEnc)
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, sampleJob("j1", 42)); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := st.DeleteJob(ctx, "j1"); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	if err := st.DeleteJob(ctx, "j1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteJob() error = %v, want ErrNotFound", err)
	}
}

func TestSetJobState(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, sampleJob("j1", 42)); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := st.SetJobState(ctx, "j1", JobRunning); err != nil {
		t.Fatalf("SetJobState() error = %v", err)
	}
	got, err := st.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != JobRunning {
		t.Fatalf("state = %q, want %q", got.State, JobRunning)
	}
	if err := st.SetJobState(ctx, "missing", JobRunning); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetJobState(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListJobsByChatOrder(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := st.CreateJob(ctx, sampleJob(id, 42)); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", id, err)
		}
	}
	if err := st.CreateJob(ctx, sampleJob("other", 99)); err != nil {
		t.Fatalf("CreateJob(other) error = %v", err)
	}

	jobs, err := st.ListJobsByChat(ctx, 42)
	if err != nil {
		t.Fatalf("ListJobsByChat() error = %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "a" || jobs[1].ID != "b" {
		t.Fatalf("ListJobsByChat() = %+v, want [a b]", jobs)
	}
}

func TestListDueJobs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	due := sampleJob("due", 1)
	due.TriggerAt = now.Add(-time.Minute)

	runNow := sampleJob("run-now", 2)
	runNow.TriggerAt = time.Time{} // NULL trigger: due immediately

	future := sampleJob("future", 3)
	future.TriggerAt = now.Add(time.Hour)

	running := sampleJob("running", 4)
	running.TriggerAt = now.Add(-time.Minute)
	running.State = JobRunning

	for _, j := range []Job{due, runNow, future, running} {
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", j.ID, err)
		}
	}

	got, err := st.ListDueJobs(ctx, now)
	if err != nil {
		t.Fatalf("ListDueJobs() error = %v", err)
	}
	ids := make([]string, 0, len(got))
	for _, j := range got {
		ids = append(ids, j.ID)
	}
	if len(ids) != 2 || ids[0] != "due" || ids[1] != "run-now" {
		t.Fatalf("due jobs = %v, want [due run-now]", ids)
	}
}

func TestListDueJobsFractionalSecondBoundary(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	// Triggers land on whole seconds (site registration windows do), while
	// the sweep's now carries nanoseconds. The stored encoding must order
	// these correctly within the same second.
	trigger := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	j := sampleJob("boundary", 1)
	j.TriggerAt = trigger
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	got, err := st.ListDueJobs(ctx, trigger.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("ListDueJobs() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "boundary" {
		t.Fatalf("due = %d jobs, want the boundary job", len(got))
	}

	got, err = st.ListDueJobs(ctx, trigger.Add(-time.Nanosecond))
	if err != nil {
		t.Fatalf("ListDueJobs() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("due before trigger = %d jobs, want 0", len(got))
	}
}

func TestUserTokenLinkFlow(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	insertUser(t, st, User{
		Username:      "alice",
		SiteUsername:  "alice@example.org",
		SiteSecretEnc: "enc",
		Organisation:  "Uni",
		AccessToken:   "tok-123",
		Verified:      -1,
	})

	u, err := st.GetUserByToken(ctx, "tok-123")
	if err != nil {
		t.Fatalf("GetUserByToken() error = %v", err)
	}
	if u.Username != "alice" || u.Linked {
		t.Fatalf("user = %+v, want unlinked alice", u)
	}

	if err := st.LinkChat(ctx, "alice", 42, "alice_tg"); err != nil {
		t.Fatalf("LinkChat() error = %v", err)
	}
	u, err = st.GetUserByChat(ctx, 42)
	if err != nil {
		t.Fatalf("GetUserByChat() error = %v", err)
	}
	if !u.Linked || u.Verified != 1 || u.TelegramUsername != "alice_tg" {
		t.Fatalf("linked user = %+v, want linked+verified", u)
	}
}

func TestGetUserByTokenEmptyOrMissing(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetUserByToken(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUserByToken(\"\") error = %v, want ErrNotFound", err)
	}
	if _, err := st.GetUserByToken(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUserByToken(nope) error = %v, want ErrNotFound", err)
	}
	// chat_id 0 is the unlinked default; it must never match a user.
	if _, err := st.GetUserByChat(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUserByChat(0) error = %v, want ErrNotFound", err)
	}
}

func TestInvalidateCredentials(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	insertUser(t, st, User{
		Username:      "alice",
		SiteUsername:  "alice@example.org",
		SiteSecretEnc: "enc",
		AccessToken:   "tok-123",
		ChatID:        42,
		Linked:        true,
		Verified:      1,
	})

	if err := st.InvalidateCredentials(ctx, "alice"); err != nil {
		t.Fatalf("InvalidateCredentials() error = %v", err)
	}
	u, err := st.GetUserByChat(ctx, 42)
	if err != nil {
		t.Fatalf("GetUserByChat() error = %v", err)
	}
	if u.Verified != -1 || u.AccessToken != "" || u.SiteSecretEnc != "" {
		t.Fatalf("user after invalidation = %+v, want wiped credentials", u)
	}
	if err := st.InvalidateCredentials(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("InvalidateCredentials(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListVerifiedUsers(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	insertUser(t, st, User{Username: "alice", ChatID: 1, Linked: true, Verified: 1})
	insertUser(t, st, User{Username: "bob", ChatID: 2, Linked: true, Verified: -1})
	insertUser(t, st, User{Username: "carol", Verified: 1})

	users, err := st.ListVerifiedUsers(ctx)
	if err != nil {
		t.Fatalf("ListVerifiedUsers() error = %v", err)
	}
	if len(users) != 1 || users[0].Username != "alice" {
		t.Fatalf("verified users = %+v, want [alice]", users)
	}
}
