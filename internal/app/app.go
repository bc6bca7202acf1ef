package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"speedcheck/internal/config"
	"speedcheck/internal/eventbus"
	"speedcheck/internal/observability/pprof"
	"speedcheck/internal/runtime/supervisor"
	"speedcheck/internal/scheduler"
	"speedcheck/internal/storage"
	logx "speedcheck/pkg/logx"
	"speedcheck/pkg/speedtest"
)

// ErrHistoryDisabled is returned by history operations when storage is off.
var ErrHistoryDisabled = errors.New("history disabled: storage.driver is none")

type App struct {
	version string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	transport *speedtest.HTTPTransport
	history   *speedtest.HistoryStore
	progress  *speedtest.ProgressChannel
	orch      *speedtest.Orchestrator
	retry     *speedtest.RetryController
	sched     *scheduler.Scheduler
	pprof     *pprof.Service
}

// Option overrides a component chosen from config.
type Option func(*overrides)

type overrides struct {
	inspector speedtest.NetworkInspector
}

// WithNetworkInspector replaces the interface-based network inspector.
func WithNetworkInspector(n speedtest.NetworkInspector) Option {
	return func(o *overrides) { o.inspector = n }
}

// New loads cfgPath (empty means built-in defaults) and wires every component.
// Nothing runs until Start or RunOnce.
func New(cfgPath, version string, opts ...Option) (*App, error) {
	var ov overrides
	for _, o := range opts {
		o(&ov)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		version: version,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.history = speedtest.NewHistoryStore(st, cfg.History.Key, log.With(logx.String("comp", "history")))
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	rc, _ := mapRunConfig(cfg)
	selector, _ := mapSelector(cfg, log.With(logx.String("comp", "selector")))
	inspector := ov.inspector
	if inspector == nil {
		inspector, _ = mapInspector(cfg, log.With(logx.String("comp", "network")))
	}

	a.transport = speedtest.NewHTTPTransport(mapHTTPOptions(cfg, rc, version))
	a.progress = speedtest.NewProgressChannel(cfg.Progress.Buffer, cfg.Progress.RatePerSec)

	orchOpts := []speedtest.Option{
		speedtest.WithInspector(inspector),
		speedtest.WithSelector(selector),
		speedtest.WithDevice(mapDevice(cfg, version)),
		speedtest.WithProgress(a.progress),
		speedtest.WithEvents(a.bus),
		speedtest.WithLogger(log.With(logx.String("comp", "speedtest"))),
	}
	if a.history != nil {
		orchOpts = append(orchOpts, speedtest.WithHistory(a.history))
	}
	a.orch = speedtest.NewOrchestrator(a.transport, orchOpts...)
	a.retry = speedtest.NewRetryController(rc.RetryAttempts, log.With(logx.String("comp", "retry")))

	a.sched = scheduler.New(a.scheduledRun,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBusy(a.orch.IsRunning),
		scheduler.WithEvents(a.bus),
	)

	ppc, _ := mapPprofConfig(cfg)
	a.pprof = pprof.New(ppc, log.With(logx.String("comp", "pprof")))
	a.pprof.SetStatus(func() any { return a.Status() })

	return a, nil
}

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Bus exposes the event bus for subscribers such as the CLI.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Progress exposes the live progress stream.
func (a *App) Progress() *speedtest.ProgressChannel { return a.progress }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the daemon loops: config watch and reload, progress and
// event logging, the scheduler and the optional pprof listener.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()
	sc, _ := mapScheduleConfig(cfg)
	if err := a.sched.Apply(a.sup.Context(), sc); err != nil {
		return err
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	a.sup.Go0("progress.log", a.progressLoop)
	a.sup.Go0("eventbus.log", a.eventLoop)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("version", a.version),
		logx.String("config", a.cfgm.Path()),
		logx.Bool("schedule", sc.Enabled),
	)
	return nil
}

// RunOnce performs one measurement with retries for NetworkUnavailable.
func (a *App) RunOnce(ctx context.Context) (*speedtest.Record, error) {
	return a.measure(ctx, true)
}

func (a *App) scheduledRun(ctx context.Context) error {
	_, err := a.measure(ctx, a.cfgm.Get().Schedule.RetryOnOffline)
	return err
}

func (a *App) measure(ctx context.Context, withRetry bool) (*speedtest.Record, error) {
	rc, err := mapRunConfig(a.cfgm.Get())
	if err != nil {
		return nil, err
	}
	start := func(c context.Context) (*speedtest.Record, error) { return a.orch.Start(c, rc) }
	if !withRetry {
		return start(ctx)
	}
	return a.retry.Run(ctx, start)
}

// StopRun cancels the active measurement, if any.
func (a *App) StopRun() { a.orch.Stop() }

func (a *App) History(ctx context.Context, n int) ([]speedtest.Record, error) {
	if a.history == nil {
		return nil, ErrHistoryDisabled
	}
	if n <= 0 {
		return a.history.Load(ctx)
	}
	return a.history.Recent(ctx, n)
}

func (a *App) ClearHistory(ctx context.Context) error {
	if a.history == nil {
		return ErrHistoryDisabled
	}
	return a.history.Clear(ctx)
}

func (a *App) Stats(ctx context.Context) (*speedtest.DailyStats, error) {
	if a.history == nil {
		return nil, ErrHistoryDisabled
	}
	return a.history.Stats24h(ctx)
}

// Status is the snapshot served on the debug listener.
type Status struct {
	Version    string                  `json:"version"`
	State      speedtest.State         `json:"state"`
	Running    bool                    `json:"running"`
	Progress   speedtest.ProgressEvent `json:"progress"`
	Retries    int                     `json:"retries"`
	Schedule   scheduler.Stats         `json:"schedule"`
	Dropped    uint64                  `json:"events_dropped"`
	Supervisor *supervisor.Snapshot    `json:"supervisor,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		Version:  a.version,
		State:    a.orch.State(),
		Running:  a.orch.IsRunning(),
		Progress: a.progress.Latest(),
		Retries:  a.retry.RetryCount(),
		Schedule: a.sched.Stats(),
		Dropped:  a.bus.Dropped() + a.progress.Dropped(),
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
	}
	return st
}

func (a *App) progressLoop(ctx context.Context) {
	events := a.progress.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if !a.cfgm.Get().Progress.Log {
				continue
			}
			a.log.Debug("progress",
				logx.String("state", ev.State.String()),
				logx.Float64("percent", ev.Percent),
				logx.Float64("mbps", ev.CurrentMbps),
				logx.Duration("remaining", ev.Remaining),
			)
		}
	}
}

func (a *App) eventLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// restartSections cannot be applied live.
var restartSections = map[string]bool{
	"storage": true,
	"history": true,
	"server":  true,
	"network": true,
	"device":  true,
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// keep only the latest config from a burst
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var pending []string
	for _, s := range sections {
		if restartSections[s] {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if sc, err := mapScheduleConfig(newCfg); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(ctx, sc); err != nil {
		a.log.Warn("schedule apply failed", logx.Err(err))
	}

	if ppc, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := newStepper(ctx, a.log)
	step.run("scheduler", 2*time.Second, a.sched.Stop)
	step.run("speedtest", time.Second, func(context.Context) error {
		a.orch.Stop()
		a.transport.CloseIdleConnections()
		return nil
	})
	step.run("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	if a.sup != nil {
		step.run("supervisor", 2*time.Second, a.sup.Wait)
	}
	step.run("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			return fmt.Errorf("close logs: %w", err)
		}
	}
	return nil
}
