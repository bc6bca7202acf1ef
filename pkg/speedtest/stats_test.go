package speedtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestReducePingLaws(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		latencies []float64
		attempted int
		latency   float64
		jitter    float64
		loss      float64
	}{
		{name: "jitter law", latencies: []float64{100, 120, 110}, attempted: 3, latency: 110, jitter: 15, loss: 0},
		{name: "loss law", latencies: []float64{10, 10, 10, 10, 10, 10, 10}, attempted: 10, latency: 10, jitter: 0, loss: 30},
		{name: "single sample", latencies: []float64{42.4}, attempted: 1, latency: 42, jitter: 0, loss: 0},
		{name: "rounding", latencies: []float64{10.4, 11.9}, attempted: 3, latency: 11, jitter: 2, loss: 33.3},
		{name: "none", latencies: nil, attempted: 4, latency: 0, jitter: 0, loss: 100},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := reducePing(tt.latencies, tt.attempted)
			if got.LatencyMs != tt.latency {
				t.Fatalf("LatencyMs = %v, want %v", got.LatencyMs, tt.latency)
			}
			if got.JitterMs != tt.jitter {
				t.Fatalf("JitterMs = %v, want %v", got.JitterMs, tt.jitter)
			}
			if got.PacketLossPct != tt.loss {
				t.Fatalf("PacketLossPct = %v, want %v", got.PacketLossPct, tt.loss)
			}
			if got.Attempted != tt.attempted || got.Successful != len(tt.latencies) {
				t.Fatalf("counts = %d/%d", got.Successful, got.Attempted)
			}
		})
	}
}

func TestSuccessiveJitterIsNotAllPairs(t *testing.T) {
	// All-pairs would give (10+20+10)/3; adjacent pairs give (10+10)/2.
	if got := successiveJitter([]float64{100, 110, 120}); got != 10 {
		t.Fatalf("successiveJitter = %v, want 10", got)
	}
}

func TestBitrateMbps(t *testing.T) {
	if got := bitrateMbps(1310720, time.Second); got != 10.00 {
		t.Fatalf("bitrateMbps = %v, want 10.00", got)
	}
	if got := bitrateMbps(0, time.Second); got != 0 {
		t.Fatalf("zero bytes = %v, want 0", got)
	}
	if got := bitrateMbps(1000, 0); got != 0 {
		t.Fatalf("zero elapsed = %v, want 0", got)
	}
	// 1 MiB in 3s = 2.6666.. Mbps
	if got := bitrateMbps(1<<20, 3*time.Second); got != 2.67 {
		t.Fatalf("rounding = %v, want 2.67", got)
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", newError(KindServerUnreachable, "ping", "all probes failed", nil))
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{wrapped, KindServerUnreachable},
		{context.Canceled, KindCancelled},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), KindTimeout},
		{errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Fatalf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if !IsRetryable(newError(KindNetworkUnavailable, "", "offline", nil)) {
		t.Fatal("network unavailable should be retryable")
	}
	if IsRetryable(wrapped) {
		t.Fatal("server unreachable should not be retryable")
	}
}
