// Package config loads the daemon configuration from a JSON or YAML file,
// validates it strictly (unknown fields are errors) and republishes it to
// subscribers when the file changes on disk.
package config

import (
	"errors"
	"fmt"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Driver    DriverConfig    `json:"driver"`
	Solver    SolverConfig    `json:"solver,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Worker    WorkerConfig    `json:"worker,omitempty"`
	Retry     RetryConfig     `json:"retry,omitempty"`
	Cooldown  CooldownConfig  `json:"cooldown,omitempty"`
	API       APIConfig       `json:"api"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DriverConfig selects the session driver. Kind "sim" runs the in-process
// simulator, anything else must match a registered driver name.
type DriverConfig struct {
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint,omitempty"`
}

// SolverConfig selects the challenge solver. Kind "http" posts captcha
// images to Endpoint; "static" always answers with Answer (sim runs);
// empty disables automatic solving, challenges then wait for a human code.
type SolverConfig struct {
	Kind     string `json:"kind,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type NotifyConfig struct {
	Enabled   bool `json:"enabled"`
	QueueSize int  `json:"queue_size,omitempty"`

	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	MinPriority int    `json:"min_priority,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// All durations are Go duration strings (e.g. "30s", "2m").
type SchedulerConfig struct {
	MaxConcurrency    int    `json:"max_concurrency,omitempty"`
	StopWait          string `json:"stop_wait,omitempty"`
	RecoveryInterval  string `json:"recovery_interval,omitempty"`
	StaleStartupAfter string `json:"stale_startup_after,omitempty"`
	RolloverSpec      string `json:"rollover_spec,omitempty"`
}

type WorkerConfig struct {
	SessionTTL         string `json:"session_ttl,omitempty"`
	ChallengeAttempts  int    `json:"challenge_attempts,omitempty"`
	CycleRetries       int    `json:"cycle_retries,omitempty"`
	CycleRetryDelay    string `json:"cycle_retry_delay,omitempty"`
	HeartbeatInterval  string `json:"heartbeat_interval,omitempty"`
	HeartbeatEmitEvery string `json:"heartbeat_emit_every,omitempty"`
	WatchdogInterval   string `json:"watchdog_interval,omitempty"`
	WatchdogTolerance  string `json:"watchdog_tolerance,omitempty"`
}

type RetryConfig struct {
	FailureLimit int    `json:"failure_limit,omitempty"`
	Base         string `json:"base,omitempty"`
	Max          string `json:"max,omitempty"`
	Jitter       string `json:"jitter,omitempty"`
}

type CooldownConfig struct {
	MinSafeInterval string `json:"min_safe_interval,omitempty"`
	SafetyBuffer    string `json:"safety_buffer,omitempty"`
	SanityCeiling   string `json:"sanity_ceiling,omitempty"`
}

type APIConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	Metrics   bool   `json:"metrics,omitempty"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

// Validate rejects configurations that cannot run. Duration fields are
// checked here so a hot-reloaded file with a typo never reaches components.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if c.Driver.Kind == "" {
		return errors.New("driver.kind is required")
	}
	if c.API.Enabled {
		if c.API.Addr == "" {
			return errors.New("api.addr is required when api.enabled")
		}
		if c.API.AuthToken == "" {
			return errors.New("api.auth_token is required when api.enabled")
		}
	}
	if c.Notify.Telegram.Enabled && c.Notify.Telegram.Token == "" {
		return errors.New("notify.telegram.token is required when telegram is enabled")
	}
	if c.Solver.Kind == "http" && c.Solver.Endpoint == "" {
		return errors.New("solver.endpoint is required for the http solver")
	}

	durations := map[string]string{
		"store.busy_timeout":            c.Store.BusyTimeout,
		"solver.timeout":                c.Solver.Timeout,
		"scheduler.stop_wait":           c.Scheduler.StopWait,
		"scheduler.recovery_interval":   c.Scheduler.RecoveryInterval,
		"scheduler.stale_startup_after": c.Scheduler.StaleStartupAfter,
		"worker.session_ttl":            c.Worker.SessionTTL,
		"worker.cycle_retry_delay":      c.Worker.CycleRetryDelay,
		"worker.heartbeat_interval":     c.Worker.HeartbeatInterval,
		"worker.heartbeat_emit_every":   c.Worker.HeartbeatEmitEvery,
		"worker.watchdog_interval":      c.Worker.WatchdogInterval,
		"worker.watchdog_tolerance":     c.Worker.WatchdogTolerance,
		"retry.base":                    c.Retry.Base,
		"retry.max":                     c.Retry.Max,
		"retry.jitter":                  c.Retry.Jitter,
		"cooldown.min_safe_interval":    c.Cooldown.MinSafeInterval,
		"cooldown.safety_buffer":        c.Cooldown.SafetyBuffer,
		"cooldown.sanity_ceiling":       c.Cooldown.SanityCeiling,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Scheduler.MaxConcurrency < 0 {
		return fmt.Errorf("scheduler.max_concurrency must be >= 0, got %d", c.Scheduler.MaxConcurrency)
	}
	return nil
}
