package scheduler

import (
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   SpecKind
		every  time.Duration
		cron   string
		source string
	}{
		{in: "*/30 * * * *", kind: SpecCron, cron: "*/30 * * * *", source: "cron"},
		{in: "@every 45m", kind: SpecCron, cron: "@every 45m", source: "cron"},
		{in: "cron: @hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "45m", kind: SpecInterval, every: 45 * time.Minute, source: "duration"},
		{in: "06:00", kind: SpecInterval, every: 6 * time.Hour, source: "hhmm"},
		{in: "every: 00:30", kind: SpecInterval, every: 30 * time.Minute, source: "hhmm"},
		{in: "Interval: 2h", kind: SpecInterval, every: 2 * time.Hour, source: "duration"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSpec(tt.in)
			if err != nil {
				t.Fatalf("ParseSpec(%q): %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Cron != tt.cron || got.Source != tt.source {
				t.Fatalf("ParseSpec(%q) = %+v", tt.in, got)
			}
		})
	}
}

func TestParseSpecRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "cron:", "soon", "00:61", "00:00", "-5m", "every:"} {
		if _, err := ParseSpec(in); err == nil {
			t.Fatalf("ParseSpec(%q) accepted", in)
		}
	}
}
