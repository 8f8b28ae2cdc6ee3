package bot

import (
	"time"
)

// Config controls the chat router.
type Config struct {
	// SiteBaseURL is the enrollment site root; lesson links must live under
	// it to be recognized as submissions.
	SiteBaseURL string
	// ManageURL is the credential front-end users are sent to after a failed
	// verification.
	ManageURL string
	// AdminChatIDs may use /broadcast.
	AdminChatIDs []int64

	Workers       int
	QueueSize     int
	HandleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SiteBaseURL == "" {
		c.SiteBaseURL = "https://schalter.asvz.ch"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 2 * time.Minute
	}
}

func (c Config) isAdmin(chatID int64) bool {
	for _, id := range c.AdminChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}
