package bot

import (
	"testing"
	"time"

	"enrollbot/internal/enroll"
	"enrollbot/internal/scheduler"
	logx "enrollbot/pkg/logx"
)

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text     string
		wantCmd  string
		wantArgs string
	}{
		{"/start", "start", ""},
		{"/cancel 2", "cancel", "2"},
		{"/cancel@enrollbot 2", "cancel", "2"},
		{"/broadcast hello   there", "broadcast", "hello   there"},
		{"/jobs   ", "jobs", ""},
		{"/help@enrollbot", "help", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			cmd, args := splitCommand(tt.text)
			if cmd != tt.wantCmd || args != tt.wantArgs {
				t.Fatalf("splitCommand(%q) = (%q, %q), want (%q, %q)",
					tt.text, cmd, args, tt.wantCmd, tt.wantArgs)
			}
		})
	}
}

func TestLessonLinkExtraction(t *testing.T) {
	t.Parallel()
	cfg := Config{SiteBaseURL: "https://schalter.example.org/"}
	cfg.applyDefaults()
	r := New(cfg, nil, nil, nil, nil, nil, nil, logx.Nop(), nil)

	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "bare link",
			text: "https://schalter.example.org/tn/lessons/123456",
			want: "https://schalter.example.org/tn/lessons/123456",
		},
		{
			name: "link inside sentence",
			text: "please book https://schalter.example.org/tn/lessons/42 for me",
			want: "https://schalter.example.org/tn/lessons/42",
		},
		{
			name: "wrong host",
			text: "https://elsewhere.example.org/tn/lessons/42",
			want: "",
		},
		{
			name: "missing lesson id",
			text: "https://schalter.example.org/tn/lessons/",
			want: "",
		},
		{
			name: "plain text",
			text: "hello",
			want: "",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := r.lessonRe.FindString(tt.text); got != tt.want {
				t.Fatalf("FindString(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsAdmin(t *testing.T) {
	t.Parallel()
	cfg := Config{AdminChatIDs: []int64{1, 7}}
	if !cfg.isAdmin(7) {
		t.Fatalf("isAdmin(7) = false, want true")
	}
	if cfg.isAdmin(2) {
		t.Fatalf("isAdmin(2) = true, want false")
	}
	if (Config{}).isAdmin(1) {
		t.Fatalf("isAdmin with empty list = true, want false")
	}
}

func TestFormatOutcome(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	res := scheduler.Result{
		JobID:  "j1",
		ChatID: 42,
		Session: enroll.Session{
			Title:       "Cycling",
			Location:    "Hall A",
			LessonStart: start,
		},
	}
	summary := "02.03.26 18:00 - Cycling (Hall A)"

	tests := []struct {
		kind enroll.OutcomeKind
		want string
	}{
		{enroll.OutcomeEnrolled, "You have been successfully enrolled for " + summary + "!"},
		{enroll.OutcomeSessionStarted, "The lesson " + summary + " has started and no spot opened up. The job has been removed."},
		{enroll.OutcomeExecutionError, "An error occured while enrolling for " + summary + "."},
		{enroll.OutcomeKind("unknown"), ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			res := res
			res.Outcome = enroll.Outcome{Kind: tt.kind}
			if got := formatOutcome(res); got != tt.want {
				t.Fatalf("formatOutcome(%s) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}

	res.Outcome = enroll.Outcome{Kind: enroll.OutcomeCredentialsInvalid}
	got := formatOutcome(res)
	if got == "" {
		t.Fatalf("formatOutcome(credentials_invalid) returned empty message")
	}
}
