package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "bumpd/pkg/logx"
)

const validYAML = `
logging:
  level: debug
  console: true
store:
  path: ./bumpd.db
driver:
  kind: sim
scheduler:
  max_concurrency: 4
  recovery_interval: 45s
api:
  enabled: true
  addr: 127.0.0.1:8477
  auth_token: secret
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.yaml", validYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Scheduler.MaxConcurrency != 4 {
		t.Fatalf("max_concurrency = %d", cfg.Scheduler.MaxConcurrency)
	}
	if got := Duration(cfg.Scheduler.RecoveryInterval, 0); got != 45*time.Second {
		t.Fatalf("recovery_interval = %v", got)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.json", `{
		"store": {"path": "./bumpd.db"},
		"driver": {"kind": "sim"},
		"api": {"enabled": false}
	}`), logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.yaml", validYAML+"\nsurprise: 1\n"), logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatalf("unknown top-level field accepted")
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  string
		wantErr string
	}{
		{"missing store path", strings.Replace(validYAML, "path: ./bumpd.db", "busy_timeout: 1s", 1), "store.path"},
		{"missing driver kind", strings.Replace(validYAML, "kind: sim", "endpoint: x", 1), "driver.kind"},
		{"api without token", strings.Replace(validYAML, "auth_token: secret", "metrics: true", 1), "auth_token"},
		{"bad duration", strings.Replace(validYAML, "recovery_interval: 45s", "recovery_interval: soon", 1), "invalid duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(writeTemp(t, "config.yaml", tt.mutate), logx.Nop())
			_, err := m.Load()
			if err == nil {
				t.Fatalf("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestReloadPublishes(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "config.yaml", validYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, "level: debug", "level: warn", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q, want warn", cfg.Logging.Level)
		}
	default:
		t.Fatalf("reload published nothing")
	}

	// Same content again: hash short-circuits, nothing published.
	m.reload()
	select {
	case <-sub:
		t.Fatalf("unchanged reload still published")
	default:
	}
}

func TestReloadKeepsRunningConfigOnError(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "config.yaml", validYAML)
	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("driver: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()

	if m.Get() != cfg {
		t.Fatalf("broken reload replaced the running config")
	}
}
