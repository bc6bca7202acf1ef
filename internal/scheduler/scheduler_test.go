package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"speedcheck/pkg/speedtest"
)

type recorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recorder) PublishEvent(kind string, _ map[string]any) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

var _ speedtest.EventPublisher = (*recorder)(nil)

func TestTickSkipsWhenBusy(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	rec := &recorder{}
	busy := true
	s := New(func(context.Context) error {
		runs.Add(1)
		return nil
	}, WithBusy(func() bool { return busy }), WithEvents(rec))

	s.tick(context.Background())
	if runs.Load() != 0 || s.Stats().Skipped != 1 {
		t.Fatalf("runs=%d stats=%+v", runs.Load(), s.Stats())
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != "schedule.skipped" {
		t.Fatalf("events = %v", rec.kinds)
	}

	busy = false
	s.tick(context.Background())
	if runs.Load() != 1 || s.Stats().Runs != 1 {
		t.Fatalf("runs=%d stats=%+v", runs.Load(), s.Stats())
	}
}

func TestTickSkipsOverlappingTicks(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	s := New(func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.tick(context.Background())
	}()
	<-started
	s.tick(context.Background())
	close(release)
	<-done

	st := s.Stats()
	if st.Runs != 1 || st.Skipped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestApplyFiresAndStops(t *testing.T) {
	var runs atomic.Int32
	s := New(func(context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Apply(ctx, Config{Enabled: true, Spec: "1s"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s.Next().IsZero() {
		t.Fatalf("expected next fire time")
	}
	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatalf("schedule never fired")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := s.Stats(); st.Enabled || !st.Next.IsZero() {
		t.Fatalf("stats after stop = %+v", st)
	}
}

func TestApplyRejectsBadConfig(t *testing.T) {
	t.Parallel()
	s := New(func(context.Context) error { return nil })
	tests := []Config{
		{Enabled: true, Spec: "61 * * * *"},
		{Enabled: true, Spec: "500ms"},
		{Enabled: true, Spec: "1h", Timezone: "Mars/Olympus"},
	}
	for _, cfg := range tests {
		if err := s.Apply(context.Background(), cfg); err == nil {
			t.Fatalf("Apply(%+v) accepted", cfg)
		}
	}
	if err := s.Apply(context.Background(), Config{}); err != nil {
		t.Fatalf("disabled Apply: %v", err)
	}
}
