package speedtest

import (
	"context"
	"time"

	logx "speedcheck/pkg/logx"
)

// PingSampler runs sequential latency probes against a server.
type PingSampler struct {
	transport Transport
	interval  time.Duration
	timeout   time.Duration
	log       logx.Logger
}

// NewPingSampler constructs a sampler. A negative interval disables the
// inter-probe delay; zero selects DefaultPingInterval.
func NewPingSampler(t Transport, interval, timeout time.Duration, log logx.Logger) *PingSampler {
	if interval == 0 {
		interval = DefaultPingInterval
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &PingSampler{transport: t, interval: interval, timeout: timeout, log: log}
}

// Sample runs count probes and reduces them. Failed probes count as loss; the
// phase fails with KindServerUnreachable only when no probe succeeds.
func (p *PingSampler) Sample(ctx context.Context, server Server, count int) (PingStats, error) {
	if count <= 0 {
		count = DefaultPingSamples
	}

	latencies := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return PingStats{}, interrupted(ctx, "ping")
		}
		if i > 0 && p.interval > 0 {
			if err := sleepCtx(ctx, p.interval); err != nil {
				return PingStats{}, interrupted(ctx, "ping")
			}
		}

		if ms, ok := p.probe(ctx, server.PingURL); ok {
			latencies = append(latencies, ms)
		}
	}

	if len(latencies) == 0 {
		if ctx.Err() != nil {
			return PingStats{}, interrupted(ctx, "ping")
		}
		return PingStats{}, newError(KindServerUnreachable, "ping", "no ping probe succeeded", nil)
	}

	stats := reducePing(latencies, count)
	p.log.Debug("ping phase reduced",
		logx.Float64("latency_ms", stats.LatencyMs),
		logx.Float64("jitter_ms", stats.JitterMs),
		logx.Float64("loss_pct", stats.PacketLossPct),
		logx.Int("ok", stats.Successful),
		logx.Int("attempted", stats.Attempted),
	)
	return stats, nil
}

func (p *PingSampler) probe(ctx context.Context, url string) (float64, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.transport.Head(reqCtx, url)
	if err != nil {
		p.log.Debug("ping probe failed", logx.String("url", url), logx.Err(err))
		return 0, false
	}
	if !resp.OK() {
		p.log.Debug("ping probe rejected", logx.String("url", url), logx.Int("status", resp.StatusCode))
		return 0, false
	}
	return durationMs(resp.Elapsed), true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
