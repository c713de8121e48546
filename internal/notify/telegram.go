package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "bumpd/pkg/logx"
)

// Telegram announces high-priority events to an operator channel.
// Send-only: no poller, no command handling.
type Telegram struct {
	mu  sync.Mutex
	cfg TelegramConfig
	bot *tele.Bot
	lim *rate.Limiter
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Telegram{log: log}
	t.Apply(cfg)

	if !cfg.Enabled {
		return t, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is required when telegram notify is enabled")
	}
	// Offline skips the getMe probe so startup doesn't depend on the API
	// being reachable; send errors surface per message instead.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	return t, nil
}

func (t *Telegram) Apply(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	t.mu.Lock()
	t.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	t.lim = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()
}

// Announce sends the event if it clears the priority floor and rate limit.
// Failures are logged and never retried.
func (t *Telegram) Announce(ctx context.Context, ev Event) {
	t.mu.Lock()
	cfg := t.cfg
	bot := t.bot
	lim := t.lim
	t.mu.Unlock()

	if !cfg.Enabled || bot == nil || cfg.ChatID == 0 {
		return
	}
	if ev.Priority < cfg.MinPriority {
		return
	}
	if lim != nil && !lim.Allow() {
		return
	}

	prefix := "ℹ️"
	switch {
	case ev.Priority >= 8:
		prefix = "🚨"
	case ev.Priority >= 5:
		prefix = "⚠️"
	}

	text := fmt.Sprintf("%s [%s] account %d: %s", prefix, ev.Type, ev.AccountID, ev.Message)
	if _, err := bot.Send(tele.ChatID(cfg.ChatID), text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		t.log.Warn("telegram announce failed",
			logx.String("event", ev.Type),
			logx.Int64("account_id", ev.AccountID),
			logx.Err(err),
		)
	}
}
