package config

// Config is the full on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "30s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Driver    DriverConfig    `json:"driver"`
	Enroll    EnrollConfig    `json:"enroll,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Vault     VaultConfig     `json:"vault"`
	Bot       BotConfig       `json:"bot,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DriverConfig points at the page-driver sidecar that talks to the
// enrollment site.
type DriverConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`
}

// EnrollConfig tunes the engine's timing. Defaults follow the site's
// contract: logins expire after a minute, capacity polls twice a minute.
type EnrollConfig struct {
	EarlyLoginWindow string `json:"early_login_window,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty"`
}

type SchedulerConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

type NotifierConfig struct {
	QueueSize   int     `json:"queue_size,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
}

type VaultConfig struct {
	KeyPath string `json:"key_path"`
}

type BotConfig struct {
	SiteBaseURL   string  `json:"site_base_url,omitempty"`
	ManageURL     string  `json:"manage_url,omitempty"`
	AdminChatIDs  []int64 `json:"admin_chat_ids,omitempty"`
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	HandleTimeout string  `json:"handle_timeout,omitempty"`
}
