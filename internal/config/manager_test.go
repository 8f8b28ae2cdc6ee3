package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: /var/log/enrollbot/bot.log
storage:
  path: /var/lib/enrollbot/bot.db
  busy_timeout: 5s
driver:
  base_url: http://127.0.0.1:8710
  timeout: 90s
enroll:
  early_login_window: 59s
  poll_interval: 30s
scheduler:
  workers: 3
  queue_size: 32
  sweep_interval: 1m
notifier:
  queue_size: 256
  rate_per_sec: 3
  send_timeout: 10s
vault:
  key_path: /var/lib/enrollbot/vault.key
bot:
  site_base_url: https://schalter.example.org
  manage_url: https://bot.example.org
  admin_chat_ids: [42, 99]
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, sampleYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q, want %q", cfg.Telegram.Token, "123:abc")
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.File.Enabled {
		t.Fatalf("logging = %+v, want debug with file sink", cfg.Logging)
	}
	if cfg.Driver.BaseURL != "http://127.0.0.1:8710" {
		t.Fatalf("driver base_url = %q", cfg.Driver.BaseURL)
	}
	if cfg.Enroll.EarlyLoginWindow != "59s" || cfg.Enroll.PollInterval != "30s" {
		t.Fatalf("enroll = %+v", cfg.Enroll)
	}
	if cfg.Scheduler.Workers != 3 || cfg.Scheduler.SweepInterval != "1m" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Notifier == nil || cfg.Notifier.RatePerSec != 3 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if len(cfg.Bot.AdminChatIDs) != 2 || cfg.Bot.AdminChatIDs[1] != 99 {
		t.Fatalf("admin_chat_ids = %v", cfg.Bot.AdminChatIDs)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, `
telegram:
  token: "123:abc"
  flood_limit: 5
`))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("Parse() accepted unknown field")
	}
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("Parse() on missing file returned nil error")
	}
}

func TestLoadCommitsAndGetReturnsIt(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get() = %p, want the loaded config %p", got, cfg)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, sampleYAML))
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Telegram: TelegramConfig{Token: "a"}}
	second := &Config{Telegram: TelegramConfig{Token: "b"}}
	m.publish(first)
	m.publish(second) // full buffer: oldest dropped, newest kept

	select {
	case got := <-ch:
		if got.Telegram.Token != "b" {
			t.Fatalf("received token %q, want %q", got.Telegram.Token, "b")
		}
	case <-time.After(time.Second):
		t.Fatalf("no config published")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"", 0, false},
		{"  ", 0, false},
		{"thirty", 0, true},
		{"-5s", 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("enroll.poll_interval", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q) error = nil, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("scheduler.sweep_interval", "", time.Minute)
	if err != nil {
		t.Fatalf("ParseDurationOrDefault() error = %v", err)
	}
	if got != time.Minute {
		t.Fatalf("ParseDurationOrDefault(\"\") = %v, want 1m", got)
	}
	got, err = ParseDurationOrDefault("scheduler.sweep_interval", "5m", time.Minute)
	if err != nil {
		t.Fatalf("ParseDurationOrDefault(5m) error = %v", err)
	}
	if got != 5*time.Minute {
		t.Fatalf("ParseDurationOrDefault(5m) = %v, want 5m", got)
	}
}
