package app

import (
	"bumpd/internal/config"
	"bumpd/internal/notify"
	"bumpd/internal/policy"
	"bumpd/internal/sched"
	"bumpd/internal/worker"
)

// Translation from file config (strings, zero means default) to the typed
// component configs. Components apply their own defaults on zero values.

func schedulerConfig(cfg *config.Config) sched.Config {
	return sched.Config{
		MaxConcurrency:    cfg.Scheduler.MaxConcurrency,
		StopWait:          config.Duration(cfg.Scheduler.StopWait, 0),
		RecoveryInterval:  config.Duration(cfg.Scheduler.RecoveryInterval, 0),
		StaleStartupAfter: config.Duration(cfg.Scheduler.StaleStartupAfter, 0),
		RolloverSpec:      cfg.Scheduler.RolloverSpec,
		Worker:            workerConfig(cfg.Worker),
	}
}

func workerConfig(cfg config.WorkerConfig) worker.Config {
	return worker.Config{
		SessionTTL:         config.Duration(cfg.SessionTTL, 0),
		ChallengeAttempts:  cfg.ChallengeAttempts,
		CycleRetries:       cfg.CycleRetries,
		CycleRetryDelay:    config.Duration(cfg.CycleRetryDelay, 0),
		HeartbeatInterval:  config.Duration(cfg.HeartbeatInterval, 0),
		HeartbeatEmitEvery: config.Duration(cfg.HeartbeatEmitEvery, 0),
		WatchdogInterval:   config.Duration(cfg.WatchdogInterval, 0),
		WatchdogTolerance:  config.Duration(cfg.WatchdogTolerance, 0),
	}
}

func retryPolicy(cfg config.RetryConfig) *policy.RetryPolicy {
	return policy.NewRetryPolicy(policy.RetryConfig{
		FailureLimit: cfg.FailureLimit,
		Base:         config.Duration(cfg.Base, 0),
		Max:          config.Duration(cfg.Max, 0),
		Jitter:       config.Duration(cfg.Jitter, 0),
	})
}

func cooldownPolicy(cfg config.CooldownConfig) *policy.CooldownPolicy {
	return policy.NewCooldownPolicy(policy.CooldownConfig{
		MinSafeInterval: config.Duration(cfg.MinSafeInterval, 0),
		SafetyBuffer:    config.Duration(cfg.SafetyBuffer, 0),
		SanityCeiling:   config.Duration(cfg.SanityCeiling, 0),
	})
}

func notifyConfig(cfg config.NotifyConfig) notify.Config {
	return notify.Config{
		Enabled:   cfg.Enabled,
		QueueSize: cfg.QueueSize,
		Telegram:  telegramConfig(cfg.Telegram),
	}
}

func telegramConfig(cfg config.TelegramConfig) notify.TelegramConfig {
	return notify.TelegramConfig{
		Enabled:     cfg.Enabled,
		Token:       cfg.Token,
		ChatID:      cfg.ChatID,
		MinPriority: cfg.MinPriority,
		RatePerSec:  cfg.RatePerSec,
	}
}
