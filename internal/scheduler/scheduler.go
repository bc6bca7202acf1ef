package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"speedcheck/pkg/logx"
	"speedcheck/pkg/speedtest"
)

// RunFunc performs one scheduled measurement.
type RunFunc func(ctx context.Context) error

// Config is the runtime form of the schedule section.
type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
}

// Stats is a point-in-time view for status output.
type Stats struct {
	Enabled bool      `json:"enabled"`
	Spec    string    `json:"spec,omitempty"`
	Next    time.Time `json:"next,omitempty"`
	Runs    uint64    `json:"runs"`
	Skipped uint64    `json:"skipped"`
	Failed  uint64    `json:"failed"`
	LastRun time.Time `json:"last_run,omitempty"`
}

type Option func(*Scheduler)

func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }

// WithBusy reports whether a measurement is already running outside the scheduler.
func WithBusy(fn func() bool) Option { return func(s *Scheduler) { s.busy = fn } }

func WithEvents(p speedtest.EventPublisher) Option { return func(s *Scheduler) { s.events = p } }

type Scheduler struct {
	log    logx.Logger
	parser cron.Parser
	run    RunFunc
	busy   func() bool
	events speedtest.EventPublisher

	mu      sync.Mutex
	c       *cron.Cron
	entry   cron.EntryID
	cfg     Config
	spec    Spec
	lastRun time.Time

	active  atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

func New(run RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:    logx.Nop(),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		run:    run,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply replaces the active schedule. A disabled config stops the scheduler.
// Ticks run with ctx; cancel it to abort an in-flight scheduled run.
func (s *Scheduler) Apply(ctx context.Context, cfg Config) error {
	var (
		spec  Spec
		sched cron.Schedule
		loc   = time.Local
	)
	if cfg.Enabled {
		var err error
		if spec, err = ParseSpec(cfg.Spec); err != nil {
			return err
		}
		if sched, err = s.schedule(spec); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
			if loc, err = time.LoadLocation(tz); err != nil {
				return fmt.Errorf("schedule timezone %q: %w", tz, err)
			}
		}
	}

	s.mu.Lock()
	if s.cfg == cfg && (s.c != nil) == cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	old := s.c
	s.c = nil
	s.cfg = cfg
	s.spec = spec
	if cfg.Enabled {
		s.c = cron.New(
			cron.WithParser(s.parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{s.log})),
		)
		s.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.tick(ctx) }))
		s.c.Start()
	}
	s.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	if cfg.Enabled {
		s.log.Info("schedule applied",
			logx.String("spec", spec.String()),
			logx.String("source", spec.Source),
			logx.Time("next", s.Next()),
		)
	} else if old != nil {
		s.log.Info("schedule disabled")
	}
	return nil
}

func (s *Scheduler) schedule(spec Spec) (cron.Schedule, error) {
	if spec.Kind == SpecInterval {
		if spec.Every < time.Second {
			return nil, fmt.Errorf("interval must be >= 1s")
		}
		return cron.Every(spec.Every), nil
	}
	sched, err := s.parser.Parse(spec.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", spec.Cron, err)
	}
	return sched, nil
}

// tick runs one measurement unless another one is in flight.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if (s.busy != nil && s.busy()) || !s.active.CompareAndSwap(false, true) {
		n := s.skipped.Add(1)
		s.log.Info("scheduled run skipped: measurement in progress", logx.Int64("skipped", int64(n)))
		if s.events != nil {
			s.events.PublishEvent("schedule.skipped", map[string]any{"at": time.Now()})
		}
		return
	}
	defer s.active.Store(false)

	s.runs.Add(1)
	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	if err := s.run(ctx); err != nil {
		s.failed.Add(1)
		s.log.Warn("scheduled run failed", logx.Err(err))
	}
}

// Next returns the next fire time, or zero when disabled.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{Enabled: s.c != nil, LastRun: s.lastRun}
	if s.c != nil {
		st.Spec = s.spec.String()
		st.Next = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()
	st.Runs = s.runs.Load()
	st.Skipped = s.skipped.Load()
	st.Failed = s.failed.Load()
	return st
}

// Stop halts the schedule and waits for an in-flight tick or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.cfg = Config{}
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logx to cron.Logger for the Recover chain.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
