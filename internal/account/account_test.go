package account

import (
	"testing"
	"time"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return time.Date(2026, 3, 10, t.Hour(), t.Minute(), 0, 0, time.UTC)
}

func TestRuntimeWindowOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		w    *RuntimeWindow
		at   time.Time
		want bool
	}{
		{"nil window always open", nil, at("03:00"), true},
		{"inside plain window", &RuntimeWindow{From: "09:00", To: "18:00"}, at("12:30"), true},
		{"before plain window", &RuntimeWindow{From: "09:00", To: "18:00"}, at("08:59"), false},
		{"at open edge", &RuntimeWindow{From: "09:00", To: "18:00"}, at("09:00"), true},
		{"at close edge", &RuntimeWindow{From: "09:00", To: "18:00"}, at("18:00"), false},
		{"wraps midnight, late evening", &RuntimeWindow{From: "22:00", To: "06:00"}, at("23:30"), true},
		{"wraps midnight, early morning", &RuntimeWindow{From: "22:00", To: "06:00"}, at("05:00"), true},
		{"wraps midnight, midday closed", &RuntimeWindow{From: "22:00", To: "06:00"}, at("12:00"), false},
		{"degenerate window always open", &RuntimeWindow{From: "08:00", To: "08:00"}, at("03:00"), true},
		{"malformed window treated as open", &RuntimeWindow{From: "soon", To: "18:00"}, at("03:00"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Open(tt.at); got != tt.want {
				t.Fatalf("Open(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestRuntimeWindowValidate(t *testing.T) {
	t.Parallel()

	if err := (&RuntimeWindow{From: "22:00", To: "06:00", Timezone: "Asia/Jakarta"}).Validate(); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}
	if err := (&RuntimeWindow{From: "25:00", To: "06:00"}).Validate(); err == nil {
		t.Fatalf("hour 25 accepted")
	}
	if err := (&RuntimeWindow{From: "22:00", To: "06:00", Timezone: "Mars/Olympus"}).Validate(); err == nil {
		t.Fatalf("bogus timezone accepted")
	}
}

func TestQuotaAndBudget(t *testing.T) {
	t.Parallel()

	a := &Account{
		Schedule: Schedule{MaxDailyBumps: 10, MaxDailyRuntime: 2 * time.Hour},
		// Carried over from earlier runs today.
		BumpsToday:   8,
		RuntimeToday: 90 * time.Minute,
	}

	if a.QuotaReached(1) {
		t.Fatalf("quota reached at 9/10")
	}
	if !a.QuotaReached(2) {
		t.Fatalf("quota not reached at 10/10")
	}
	if a.RuntimeBudgetSpent(20 * time.Minute) {
		t.Fatalf("budget spent at 110m/120m")
	}
	if !a.RuntimeBudgetSpent(31 * time.Minute) {
		t.Fatalf("budget not spent at 121m/120m")
	}

	unlimited := &Account{}
	if unlimited.QuotaReached(1000) || unlimited.RuntimeBudgetSpent(100*time.Hour) {
		t.Fatalf("zero limits must mean unlimited")
	}
}
