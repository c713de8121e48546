package notify

import "time"

// Event is one activity-log entry / live-stream item.
//
// Priority steers the Telegram announcer: 0 is routine (heartbeats, state
// churn), 5 warns (retries, cooldown overrides), 8+ pages (blocked, banned).
type Event struct {
	Type      string
	AccountID int64
	UserID    int64
	Message   string
	Priority  int
	Meta      map[string]any
	At        time.Time
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled   bool
	QueueSize int

	Telegram TelegramConfig
}

type TelegramConfig struct {
	Enabled     bool
	Token       string
	ChatID      int64
	MinPriority int
	RatePerSec  int
}
