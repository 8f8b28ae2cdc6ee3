package app

import (
	"fmt"
	"strings"

	"enrollbot/internal/bot"
	"enrollbot/internal/config"
	"enrollbot/internal/enroll"
	"enrollbot/internal/notifier"
	"enrollbot/internal/scheduler"
)

func mapEnrollConfig(cfg *config.Config) (enroll.Config, error) {
	early, err := config.ParseDurationField("enroll.early_login_window", cfg.Enroll.EarlyLoginWindow)
	if err != nil {
		return enroll.Config{}, err
	}
	poll, err := config.ParseDurationField("enroll.poll_interval", cfg.Enroll.PollInterval)
	if err != nil {
		return enroll.Config{}, err
	}
	return enroll.Config{
		EarlyLoginWindow: early,
		PollInterval:     poll,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sweep, err := config.ParseDurationField("scheduler.sweep_interval", cfg.Scheduler.SweepInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	if cfg.Scheduler.Workers < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.QueueSize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.queue_size must be >= 0")
	}
	return scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueSize:     cfg.Scheduler.QueueSize,
		SweepInterval: sweep,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	if n.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if n.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	return notifier.Config{
		QueueSize:   n.QueueSize,
		RatePerSec:  n.RatePerSec,
		SendTimeout: sendTimeout,
	}, nil
}

func mapBotConfig(cfg *config.Config) (bot.Config, error) {
	handleTimeout, err := config.ParseDurationField("bot.handle_timeout", cfg.Bot.HandleTimeout)
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		SiteBaseURL:   cfg.Bot.SiteBaseURL,
		ManageURL:     cfg.Bot.ManageURL,
		AdminChatIDs:  cfg.Bot.AdminChatIDs,
		Workers:       cfg.Bot.Workers,
		QueueSize:     cfg.Bot.QueueSize,
		HandleTimeout: handleTimeout,
	}, nil
}

// validate rejects a config before a hot reload commits it. The required
// fields only matter at startup; reload keeps running components on their
// old settings anyway.
func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(cfg.Driver.BaseURL) == "" {
		return fmt.Errorf("driver.base_url is required")
	}
	if strings.TrimSpace(cfg.Vault.KeyPath) == "" {
		return fmt.Errorf("vault.key_path is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("driver.timeout", cfg.Driver.Timeout); err != nil {
		return err
	}
	if _, err := mapEnrollConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBotConfig(cfg); err != nil {
		return err
	}
	return nil
}
