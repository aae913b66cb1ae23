package domain

import (
	"fmt"
	"testing"
	"time"
)

func TestPlanValid(t *testing.T) {
	for _, p := range []Plan{PlanDemo, PlanBasic, PlanPremium, PlanEnterprise} {
		if !p.Valid() {
			t.Errorf("%s should be valid", p)
		}
	}
	for _, p := range []Plan{"", "pro", "trial", "DEMO"} {
		if p.Valid() {
			t.Errorf("%q should not be valid", p)
		}
	}
}

func TestAppendActivityRingEviction(t *testing.T) {
	var lic License
	for i := 0; i < ActivityLogLimit+25; i++ {
		lic.AppendActivity(ActivityEntry{Kind: fmt.Sprintf("event-%d", i)})
	}

	if len(lic.ActivityLog) != ActivityLogLimit {
		t.Fatalf("activity log length = %d, want %d", len(lic.ActivityLog), ActivityLogLimit)
	}
	// Oldest entries evicted, newest kept.
	if lic.ActivityLog[0].Kind != "event-25" {
		t.Errorf("oldest surviving entry = %s, want event-25", lic.ActivityLog[0].Kind)
	}
	last := lic.ActivityLog[len(lic.ActivityLog)-1]
	if last.Kind != fmt.Sprintf("event-%d", ActivityLogLimit+24) {
		t.Errorf("newest entry = %s, want event-%d", last.Kind, ActivityLogLimit+24)
	}
}

func TestHasModule(t *testing.T) {
	lic := License{ActiveModules: []Module{ModuleBasicFeatures, ModuleAnalytics}}
	if !lic.HasModule(ModuleAnalytics) {
		t.Error("analytics should be active")
	}
	if lic.HasModule(ModuleSSO) {
		t.Error("sso should not be active")
	}
}

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expires  time.Time
		expected int
	}{
		{"thirty days out", now.Add(30 * 24 * time.Hour), 30},
		{"partial day rounds down", now.Add(36 * time.Hour), 1},
		{"already expired", now.Add(-48 * time.Hour), -2},
		{"expires this instant", now, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lic := License{ExpiresAt: tt.expires}
			if got := lic.DaysRemaining(now); got != tt.expected {
				t.Errorf("DaysRemaining = %d, want %d", got, tt.expected)
			}
		})
	}
}
