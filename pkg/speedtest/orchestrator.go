package speedtest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "speedcheck/pkg/logx"
)

// Progress bands per phase.
const (
	progressConnecting    = 0
	progressPing          = 10
	progressDownloadStart = 30
	progressDownloadEnd   = 70
	progressUploadEnd     = 95
	progressDone          = 100
)

// NetworkInspector reports reachability at the start of a run.
type NetworkInspector interface {
	Inspect(ctx context.Context) (NetworkInfo, error)
}

// ServerSelector picks the server a run measures against.
type ServerSelector interface {
	Select(ctx context.Context, cfg RunConfig) (Server, error)
}

// EventPublisher receives lifecycle events. Implementations must not block.
type EventPublisher interface {
	PublishEvent(kind string, data map[string]any)
}

// EventFunc adapts a function to EventPublisher.
type EventFunc func(kind string, data map[string]any)

func (f EventFunc) PublishEvent(kind string, data map[string]any) { f(kind, data) }

// StaticSelector builds the server from the configured endpoints.
type StaticSelector struct {
	Name string
}

func (s StaticSelector) Select(_ context.Context, cfg RunConfig) (Server, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.DownloadEndpoint)
	if err != nil || u.Host == "" {
		return Server{}, fmt.Errorf("invalid download endpoint %q", cfg.DownloadEndpoint)
	}
	name := s.Name
	if name == "" {
		name = u.Hostname()
	}
	return Server{
		Name:        name,
		Host:        u.Host,
		PingURL:     cfg.PingEndpoint,
		DownloadURL: cfg.DownloadEndpoint,
		UploadURL:   cfg.UploadEndpoint,
	}, nil
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithInspector sets the reachability check run before the ping phase.
func WithInspector(n NetworkInspector) Option { return func(o *Orchestrator) { o.inspector = n } }

// WithSelector sets how the server is chosen. The default is StaticSelector.
func WithSelector(s ServerSelector) Option { return func(o *Orchestrator) { o.selector = s } }

// WithDevice sets the device descriptor copied into every record.
func WithDevice(d DeviceInfo) Option { return func(o *Orchestrator) { o.device = d } }

// WithHistory persists completed records. Save failures are logged, not returned.
func WithHistory(h *HistoryStore) Option { return func(o *Orchestrator) { o.history = h } }

// WithProgress publishes state and percentage updates during a run.
func WithProgress(p *ProgressChannel) Option { return func(o *Orchestrator) { o.progress = p } }

// WithEvents publishes run lifecycle events.
func WithEvents(p EventPublisher) Option { return func(o *Orchestrator) { o.events = p } }

// WithLogger sets the orchestrator logger.
func WithLogger(l logx.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithClock replaces the clock used for measurement windows.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator sequences ping, download and upload into one Record.
//
// Only one run may be active at a time. State and the running flag are
// mutated exclusively here.
type Orchestrator struct {
	transport Transport
	inspector NetworkInspector
	selector  ServerSelector
	device    DeviceInfo
	history   *HistoryStore
	progress  *ProgressChannel
	events    EventPublisher
	log       logx.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	state   State
	cancel  context.CancelFunc
}

// NewOrchestrator returns an idle orchestrator measuring over t.
func NewOrchestrator(t Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{transport: t, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.selector == nil {
		o.selector = StaticSelector{}
	}
	return o
}

// run is the per-run state passed through every phase.
type run struct {
	cfg     RunConfig
	started time.Time
	server  Server
	network NetworkInfo
	ping    PingStats
	down    float64
	up      float64
	phase   string
}

// IsRunning reports whether a run is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// State returns the current run state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stop requests cancellation of the active run. It is a no-op when idle.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.state = StateIdle
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.log.Info("speedtest stop requested")
	o.progress.publish(ProgressEvent{State: StateIdle, At: time.Now()}, true)
}

// Start runs one full measurement. It fails with KindUnknown when another
// run is active.
func (o *Orchestrator) Start(ctx context.Context, cfg RunConfig) (*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindUnknown, "", "invalid run config", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, newError(KindUnknown, "", "test already running", ErrAlreadyRunning)
	}
	o.running = true
	o.stopped = false
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	r := &run{cfg: cfg, started: o.now()}
	o.publishEvent("run.started", map[string]any{"duration_s": cfg.TestDuration.Seconds()})

	rec, err := o.execute(runCtx, r)
	if err != nil {
		return nil, o.fail(r, err)
	}

	o.save(ctx, rec)
	o.log.Info("speedtest completed",
		logx.String("id", rec.ID),
		logx.Float64("download_mbps", rec.DownloadMbps),
		logx.Float64("upload_mbps", rec.UploadMbps),
		logx.Float64("ping_ms", rec.PingMs),
		logx.Float64("jitter_ms", rec.JitterMs),
		logx.Float64("packet_loss_pct", rec.PacketLossPct),
		logx.String("server", rec.Server.Name),
		logx.Duration("took", rec.Duration),
	)
	o.publishEvent("run.finished", map[string]any{"id": rec.ID, "took_ms": rec.Duration.Milliseconds()})
	return rec, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*Record, error) {
	r.phase = "connectivity"
	network, err := o.inspect(ctx)
	if err != nil {
		return nil, newError(KindNetworkUnavailable, r.phase, "network inspection failed", err)
	}
	if !network.IsConnected {
		return nil, newError(KindNetworkUnavailable, r.phase, "no network connection", nil)
	}
	r.network = network

	r.phase = "select"
	server, err := o.selector.Select(ctx, r.cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx, r.phase)
		}
		return nil, newError(KindServerUnreachable, r.phase, "server selection failed", err)
	}
	r.server = server

	if err := o.transition(ctx, r, StateConnecting, progressConnecting); err != nil {
		return nil, err
	}

	if err := o.transition(ctx, r, StateTestingPing, progressPing); err != nil {
		return nil, err
	}
	r.phase = "ping"
	sampler := NewPingSampler(o.transport, r.cfg.PingInterval, r.cfg.Timeout, o.log.With(logx.String("phase", "ping")))
	r.ping, err = sampler.Sample(ctx, r.server, r.cfg.PingSamples)
	if err != nil {
		return nil, err
	}

	meter := NewThroughputMeter(o.transport, r.cfg.UploadChunkBytes, r.cfg.Timeout, o.log)
	meter.now = o.now

	if err := o.transition(ctx, r, StateTestingDownload, progressDownloadStart); err != nil {
		return nil, err
	}
	r.phase = "download"
	r.down, err = meter.Measure(ctx, DirectionDownload, r.server, r.cfg.TestDuration, o.bandProgress(r, StateTestingDownload, progressDownloadStart, progressDownloadEnd))
	if err != nil {
		return nil, err
	}

	if err := o.transition(ctx, r, StateTestingUpload, progressDownloadEnd); err != nil {
		return nil, err
	}
	r.phase = "upload"
	r.up, err = meter.Measure(ctx, DirectionUpload, r.server, r.cfg.TestDuration, o.bandProgress(r, StateTestingUpload, progressDownloadEnd, progressUploadEnd))
	if err != nil {
		return nil, err
	}

	if err := o.transition(ctx, r, StateCompleted, progressDone); err != nil {
		return nil, err
	}
	return o.assemble(r), nil
}

// transition is a cancellation checkpoint followed by a state change.
func (o *Orchestrator) transition(ctx context.Context, r *run, s State, percent float64) error {
	if ctx.Err() != nil {
		return interrupted(ctx, r.phase)
	}
	o.setState(s)
	o.progress.publish(ProgressEvent{State: s, Percent: percent, At: time.Now()}, true)
	return nil
}

func (o *Orchestrator) bandProgress(r *run, s State, from, to float64) func(ThroughputProgress) {
	return func(p ThroughputProgress) {
		remaining := r.cfg.TestDuration - p.Elapsed
		if remaining < 0 {
			remaining = 0
		}
		if s == StateTestingDownload {
			remaining += r.cfg.TestDuration
		}
		o.progress.publish(ProgressEvent{
			State:       s,
			Percent:     roundTo(from+(to-from)*p.Fraction, 1),
			CurrentMbps: p.CurrentMbps,
			Remaining:   remaining.Round(time.Second),
			At:          time.Now(),
		}, false)
	}
}

func (o *Orchestrator) assemble(r *run) *Record {
	return &Record{
		ID:            uuid.NewString(),
		Timestamp:     time.Now(),
		DownloadMbps:  r.down,
		UploadMbps:    r.up,
		PingMs:        r.ping.LatencyMs,
		JitterMs:      r.ping.JitterMs,
		PacketLossPct: r.ping.PacketLossPct,
		Server:        r.server,
		Device:        o.device,
		Network:       r.network,
		Duration:      o.now().Sub(r.started),
	}
}

func (o *Orchestrator) inspect(ctx context.Context) (NetworkInfo, error) {
	if o.inspector == nil {
		return NetworkInfo{ConnectionType: ConnectionUnknown, IsConnected: true, IsInternetReachable: true}, nil
	}
	return o.inspector.Inspect(ctx)
}

// setState ignores transitions once Stop has parked the run in Idle.
func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.state = s
}

func (o *Orchestrator) fail(r *run, err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = newError(KindUnknown, r.phase, "unexpected failure", err)
	}
	if e.Details.Phase == "" {
		e.Details.Phase = r.phase
	}
	e.Details.State = o.State()

	if e.Kind == KindCancelled {
		o.setState(StateIdle)
		o.log.Info("speedtest cancelled", logx.String("phase", e.Details.Phase))
	} else {
		o.setState(StateError)
		o.progress.publish(ProgressEvent{State: StateError, At: time.Now()}, true)
		o.log.Warn("speedtest failed",
			logx.String("kind", string(e.Kind)),
			logx.String("phase", e.Details.Phase),
			logx.Err(e),
		)
	}
	o.publishEvent("run.failed", map[string]any{"kind": string(e.Kind), "phase": e.Details.Phase, "message": e.Message})
	return e
}

// save persists rec. Failures are reported but never fail the run.
func (o *Orchestrator) save(ctx context.Context, rec *Record) {
	if o.history == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.history.Append(saveCtx, *rec); err != nil {
		o.log.Warn("history save failed", logx.String("id", rec.ID), logx.Err(err))
		o.publishEvent("history.save_failed", map[string]any{"id": rec.ID, "err": err.Error()})
	}
}

func (o *Orchestrator) publishEvent(kind string, data map[string]any) {
	if o.events == nil {
		return
	}
	o.events.PublishEvent(kind, data)
}
