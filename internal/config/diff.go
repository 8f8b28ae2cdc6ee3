package config

import (
	"reflect"
	"sort"
	"strings"

	logx "enrollbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections plus safe
// structured attrs for logging. Secrets (bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Driver, newCfg.Driver) {
		changed = append(changed, "driver")
		attrs = append(attrs, logx.String("driver.base_url", newCfg.Driver.BaseURL))
	}
	if !reflect.DeepEqual(oldCfg.Enroll, newCfg.Enroll) {
		changed = append(changed, "enroll")
		attrs = append(attrs,
			logx.String("enroll.early_login_window", newCfg.Enroll.EarlyLoginWindow),
			logx.String("enroll.poll_interval", newCfg.Enroll.PollInterval))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Int("scheduler.workers", newCfg.Scheduler.Workers))
	}

	oN, nN := oldCfg.Notifier, newCfg.Notifier
	if (oN == nil) != (nN == nil) || (oN != nil && nN != nil && !reflect.DeepEqual(*oN, *nN)) {
		changed = append(changed, "notifier")
	}
	if !reflect.DeepEqual(oldCfg.Vault, newCfg.Vault) {
		changed = append(changed, "vault")
	}
	if !reflect.DeepEqual(oldCfg.Bot, newCfg.Bot) {
		changed = append(changed, "bot")
		attrs = append(attrs, logx.Int("bot.admin_count", len(newCfg.Bot.AdminChatIDs)))
	}

	sort.Strings(changed)
	return changed, attrs
}
