package speedtest

import (
	"math"
	"time"
)

const bitsPerMegabit = 1024 * 1024

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// reducePing folds successful latencies (probe order, ms) into PingStats.
func reducePing(latencies []float64, attempted int) PingStats {
	out := PingStats{Attempted: attempted, Successful: len(latencies)}
	if attempted > 0 {
		lost := attempted - len(latencies)
		out.PacketLossPct = roundTo(float64(lost)/float64(attempted)*100, 1)
	}
	if len(latencies) == 0 {
		return out
	}
	var sum float64
	for _, v := range latencies {
		sum += v
	}
	out.LatencyMs = math.Round(sum / float64(len(latencies)))
	out.JitterMs = math.Round(successiveJitter(latencies))
	return out
}

// successiveJitter is the mean absolute difference between adjacent samples.
// It is 0 for fewer than two samples.
func successiveJitter(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(xs); i++ {
		total += math.Abs(xs[i] - xs[i-1])
	}
	return total / float64(len(xs)-1)
}

// bitrateMbps converts a byte count over a window into megabits per second.
func bitrateMbps(totalBytes int64, elapsed time.Duration) float64 {
	if totalBytes <= 0 || elapsed <= 0 {
		return 0
	}
	bps := float64(totalBytes) * 8 / elapsed.Seconds()
	return roundTo(bps/bitsPerMegabit, 2)
}
