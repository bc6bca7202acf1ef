package speedtest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	logx "speedcheck/pkg/logx"
)

type staticInspector struct {
	info NetworkInfo
	err  error
}

func (s staticInspector) Inspect(context.Context) (NetworkInfo, error) { return s.info, s.err }

type eventLog struct {
	mu    sync.Mutex
	kinds []string
}

func (e *eventLog) PublishEvent(kind string, _ map[string]any) {
	e.mu.Lock()
	e.kinds = append(e.kinds, kind)
	e.mu.Unlock()
}

func (e *eventLog) has(kind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range e.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func testRunConfig() RunConfig {
	return RunConfig{
		TestDuration:     5 * time.Second,
		DownloadEndpoint: "http://speed.test/down",
		UploadEndpoint:   "http://speed.test/up",
		PingEndpoint:     "http://speed.test/ping",
		PingSamples:      3,
		PingInterval:     -1,
		Timeout:          time.Second,
	}
}

func waitForState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s)", want, o.State())
}

func TestOrchestratorFullRun(t *testing.T) {
	t.Parallel()
	kv := newMapKV()
	hist := NewHistoryStore(kv, "", logx.Nop())
	progress := NewProgressChannel(256, 0)
	events := &eventLog{}
	device := DeviceInfo{Platform: "linux", Model: "test", OSVersion: "6.1", AppVersion: "dev"}

	o := NewOrchestrator(&fakeTransport{},
		WithHistory(hist),
		WithProgress(progress),
		WithEvents(events),
		WithDevice(device),
		WithClock(newStepClock(time.Second).Now),
		WithInspector(staticInspector{info: NetworkInfo{ConnectionType: ConnectionWiFi, IsConnected: true}}),
	)

	rec, err := o.Start(context.Background(), testRunConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.ID == "" || rec.Timestamp.IsZero() {
		t.Fatalf("record identity missing: %+v", rec)
	}
	if rec.DownloadMbps <= 0 || rec.UploadMbps <= 0 {
		t.Fatalf("throughput = %v/%v", rec.DownloadMbps, rec.UploadMbps)
	}
	if rec.PingMs != 20 || rec.JitterMs != 0 || rec.PacketLossPct != 0 {
		t.Fatalf("ping stats = %v/%v/%v", rec.PingMs, rec.JitterMs, rec.PacketLossPct)
	}
	if rec.Device != device || rec.Network.ConnectionType != ConnectionWiFi {
		t.Fatalf("pass-through fields = %+v / %+v", rec.Device, rec.Network)
	}
	if rec.Server.Host != "speed.test" || rec.Server.PingURL != "http://speed.test/ping" {
		t.Fatalf("server = %+v", rec.Server)
	}
	if o.IsRunning() || o.State() != StateCompleted {
		t.Fatalf("after run: running=%v state=%s", o.IsRunning(), o.State())
	}

	saved, _ := hist.Load(context.Background())
	if len(saved) != 1 || saved[0].ID != rec.ID {
		t.Fatalf("history = %+v", saved)
	}
	if !events.has("run.started") || !events.has("run.finished") {
		t.Fatalf("events = %v", events.kinds)
	}

	var evs []ProgressEvent
	for len(progress.Events()) > 0 {
		evs = append(evs, <-progress.Events())
	}
	if len(evs) < 5 {
		t.Fatalf("progress events = %d", len(evs))
	}
	if evs[0].State != StateConnecting || evs[0].Percent != 0 {
		t.Fatalf("first event = %+v", evs[0])
	}
	last := evs[len(evs)-1]
	if last.State != StateCompleted || last.Percent != 100 {
		t.Fatalf("last event = %+v", last)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Percent < evs[i-1].Percent || evs[i].Percent > 100 {
			t.Fatalf("percent regressed at %d: %+v", i, evs)
		}
	}
	for _, ev := range evs {
		switch ev.State {
		case StateTestingDownload:
			if ev.Percent < 30 || ev.Percent > 70 {
				t.Fatalf("download percent out of band: %+v", ev)
			}
		case StateTestingUpload:
			if ev.Percent < 70 || ev.Percent > 95 {
				t.Fatalf("upload percent out of band: %+v", ev)
			}
		}
	}
}

func TestOrchestratorNetworkUnavailable(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	hist := NewHistoryStore(newMapKV(), "", logx.Nop())
	o := NewOrchestrator(&fakeTransport{},
		WithHistory(hist),
		WithEvents(events),
		WithInspector(staticInspector{info: NetworkInfo{IsConnected: false}}),
	)

	rec, err := o.Start(context.Background(), testRunConfig())
	if rec != nil || KindOf(err) != KindNetworkUnavailable {
		t.Fatalf("Start = %+v, %v", rec, err)
	}
	if !IsRetryable(err) {
		t.Fatalf("network unavailable should be retryable")
	}
	if o.State() != StateError || o.IsRunning() {
		t.Fatalf("state=%s running=%v", o.State(), o.IsRunning())
	}
	if !events.has("run.failed") {
		t.Fatalf("events = %v", events.kinds)
	}
	if saved, _ := hist.Load(context.Background()); len(saved) != 0 {
		t.Fatalf("failed run persisted: %+v", saved)
	}

	var failed map[string]any
	o = NewOrchestrator(&fakeTransport{},
		WithInspector(staticInspector{err: errBoom}),
		WithEvents(EventFunc(func(kind string, data map[string]any) {
			if kind == "run.failed" {
				failed = data
			}
		})),
	)
	if _, err := o.Start(context.Background(), testRunConfig()); KindOf(err) != KindNetworkUnavailable {
		t.Fatalf("inspector error kind = %q", KindOf(err))
	}
	if failed["kind"] != string(KindNetworkUnavailable) {
		t.Fatalf("run.failed data = %v", failed)
	}
}

func TestOrchestratorPingFailure(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{head: func(int) (Response, error) { return Response{StatusCode: 500}, nil }}
	o := NewOrchestrator(ft)

	_, err := o.Start(context.Background(), testRunConfig())
	if KindOf(err) != KindServerUnreachable {
		t.Fatalf("kind = %q", KindOf(err))
	}
	var e *Error
	if !errors.As(err, &e) || e.Details.Phase != "ping" {
		t.Fatalf("details = %+v", e)
	}
	if o.State() != StateError {
		t.Fatalf("state = %s", o.State())
	}
}

func blockingDownload() *fakeTransport {
	return &fakeTransport{stream: func(ctx context.Context) (io.ReadCloser, error) {
		return blockingReader{ctx: ctx}, nil
	}}
}

func TestOrchestratorStopDuringDownload(t *testing.T) {
	t.Parallel()
	hist := NewHistoryStore(newMapKV(), "", logx.Nop())
	o := NewOrchestrator(blockingDownload(), WithHistory(hist))

	type result struct {
		rec *Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := o.Start(context.Background(), testRunConfig())
		done <- result{rec, err}
	}()

	waitForState(t, o, StateTestingDownload)
	if !o.IsRunning() {
		t.Fatalf("IsRunning = false during download")
	}
	o.Stop()

	select {
	case res := <-done:
		if res.rec != nil || KindOf(res.err) != KindCancelled {
			t.Fatalf("Start = %+v, %v", res.rec, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Start did not return after Stop")
	}
	if o.IsRunning() || o.State() != StateIdle {
		t.Fatalf("running=%v state=%s", o.IsRunning(), o.State())
	}
	if saved, _ := hist.Load(context.Background()); len(saved) != 0 {
		t.Fatalf("cancelled run persisted: %+v", saved)
	}

	// Stop while idle is a no-op.
	o.Stop()
}

func TestOrchestratorRejectsConcurrentStart(t *testing.T) {
	t.Parallel()
	o := NewOrchestrator(blockingDownload())

	done := make(chan error, 1)
	go func() {
		_, err := o.Start(context.Background(), testRunConfig())
		done <- err
	}()
	waitForState(t, o, StateTestingDownload)

	_, err := o.Start(context.Background(), testRunConfig())
	if KindOf(err) != KindUnknown || !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v", err)
	}
	if o.State() != StateTestingDownload {
		t.Fatalf("second Start disturbed state: %s", o.State())
	}

	o.Stop()
	if err := <-done; KindOf(err) != KindCancelled {
		t.Fatalf("first Start = %v", err)
	}
}

func TestOrchestratorCallerDeadlineIsTimeout(t *testing.T) {
	t.Parallel()
	o := NewOrchestrator(blockingDownload())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.Start(ctx, testRunConfig())
	if KindOf(err) != KindTimeout {
		t.Fatalf("kind = %q (%v)", KindOf(err), err)
	}
	if o.State() != StateError {
		t.Fatalf("state = %s", o.State())
	}
}

func TestOrchestratorHistoryFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	kv := newMapKV()
	kv.setErr = errBoom
	events := &eventLog{}
	o := NewOrchestrator(&fakeTransport{},
		WithHistory(NewHistoryStore(kv, "", logx.Nop())),
		WithEvents(events),
		WithClock(newStepClock(time.Second).Now),
	)

	rec, err := o.Start(context.Background(), testRunConfig())
	if err != nil || rec == nil {
		t.Fatalf("Start = %+v, %v", rec, err)
	}
	if !events.has("history.save_failed") {
		t.Fatalf("events = %v", events.kinds)
	}
}

func TestOrchestratorInvalidConfig(t *testing.T) {
	t.Parallel()
	o := NewOrchestrator(&fakeTransport{})
	cfg := testRunConfig()
	cfg.TestDuration = time.Second
	if _, err := o.Start(context.Background(), cfg); KindOf(err) != KindUnknown {
		t.Fatalf("kind = %q", KindOf(err))
	}
	if o.IsRunning() {
		t.Fatalf("invalid config left orchestrator running")
	}
}
