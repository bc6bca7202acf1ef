package speedtest

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ProgressChannel delivers progress events to a single observer.
//
// Contract:
//   - publishing never blocks the engine
//   - when the buffer is full, the oldest queued event is dropped
//   - state transitions always enqueue; intermediate chunk updates may be
//     throttled by the limiter
type ProgressChannel struct {
	ch      chan ProgressEvent
	limiter *rate.Limiter

	mu     sync.Mutex
	latest ProgressEvent

	dropped atomic.Uint64
}

// NewProgressChannel creates a channel with the given buffer. perSecond > 0
// caps how many intermediate updates per second are enqueued.
func NewProgressChannel(buffer int, perSecond float64) *ProgressChannel {
	if buffer <= 0 {
		buffer = 16
	}
	c := &ProgressChannel{ch: make(chan ProgressEvent, buffer)}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return c
}

// Events returns the receive side. It is never closed.
func (c *ProgressChannel) Events() <-chan ProgressEvent { return c.ch }

// Latest returns the most recently published event.
func (c *ProgressChannel) Latest() ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Dropped reports how many events were discarded because the observer was slow.
func (c *ProgressChannel) Dropped() uint64 { return c.dropped.Load() }

func (c *ProgressChannel) publish(ev ProgressEvent, transition bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.latest = ev
	c.mu.Unlock()

	if !transition && c.limiter != nil && !c.limiter.Allow() {
		return
	}

	select {
	case c.ch <- ev:
		return
	default:
	}
	// Full: drop the oldest queued event, then push the newest.
	select {
	case <-c.ch:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
}
