package policy

import (
	"testing"
	"time"

	logx "bumpd/pkg/logx"
)

func TestConfiguredDelayFloor(t *testing.T) {
	t.Parallel()

	p := NewCooldownPolicy(CooldownConfig{})
	for i := 0; i < 50; i++ {
		d := p.ConfiguredDelay(30*time.Second, 0, 10*time.Second)
		if d < 5*time.Minute {
			t.Fatalf("delay %v undercuts the safety floor", d)
		}
	}
}

func TestConfiguredDelayJitterRange(t *testing.T) {
	t.Parallel()

	p := NewCooldownPolicy(CooldownConfig{})
	base := 20 * time.Minute
	lo, hi := time.Minute, 3*time.Minute
	for i := 0; i < 50; i++ {
		d := p.ConfiguredDelay(base, lo, hi)
		if d < base+lo || d > base+hi {
			t.Fatalf("delay %v outside [%v, %v]", d, base+lo, base+hi)
		}
	}
}

func TestEffectiveWait(t *testing.T) {
	t.Parallel()

	p := NewCooldownPolicy(CooldownConfig{})

	tests := []struct {
		name       string
		configured time.Duration
		reported   time.Duration
		reportedOK bool
		want       time.Duration
	}{
		{"no report keeps configured", 20 * time.Minute, 0, false, 20 * time.Minute},
		{"no report floors configured", time.Minute, 0, false, 5 * time.Minute},
		{"reported 40m wins over 20m configured", 20 * time.Minute, 40 * time.Minute, true, 42 * time.Minute},
		{"short report loses to configured", 20 * time.Minute, 3 * time.Minute, true, 20 * time.Minute},
		{"short report still floors", time.Minute, time.Minute, true, 5 * time.Minute},
		{"report above ceiling falls back", 20 * time.Minute, 4 * time.Hour, true, 20 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.EffectiveWait(tt.configured, tt.reported, tt.reportedOK, logx.Nop())
			if got != tt.want {
				t.Fatalf("EffectiveWait = %v, want %v", got, tt.want)
			}
		})
	}
}
