package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"speedcheck/internal/config"
	"speedcheck/pkg/speedtest"
)

func TestMapRunConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Test.PingInterval = "50ms"
	cfg.Test.TimeoutMS = 2500

	rc, err := mapRunConfig(cfg)
	if err != nil {
		t.Fatalf("mapRunConfig: %v", err)
	}
	if rc.TestDuration != 10*time.Second || rc.PingInterval != 50*time.Millisecond || rc.Timeout != 2500*time.Millisecond {
		t.Fatalf("rc = %+v", rc)
	}
	if rc.DownloadEndpoint != speedtest.DefaultDownloadEndpoint || rc.PingSamples != speedtest.DefaultPingSamples {
		t.Fatalf("defaults not applied: %+v", rc)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		driver  string
		enabled bool
		wantErr bool
	}{
		{name: "nil", sc: nil},
		{name: "none", sc: &config.StorageConfig{Driver: "none"}},
		{name: "memory", sc: &config.StorageConfig{Driver: "mem"}, driver: "memory", enabled: true},
		{name: "file", sc: &config.StorageConfig{Driver: "file", Path: "./data/h"}, driver: "file", enabled: true},
		{name: "sqlite", sc: &config.StorageConfig{Driver: "SQLite3", Path: "x.db"}, driver: "sqlite", enabled: true},
		{name: "sqlite no path", sc: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "bad busy", sc: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown", sc: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.sc})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if enabled != tt.enabled || sc.Driver != tt.driver {
				t.Fatalf("got %+v enabled=%v", sc, enabled)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := map[string]func(*config.Config){
		"schedule spec":  func(c *config.Config) { c.Schedule = config.ScheduleConfig{Enabled: true, Spec: "whenever"} },
		"pprof insecure": func(c *config.Config) { c.Pprof = config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"} },
		"selector":       func(c *config.Config) { c.Server.Selector = "fastest" },
		"duration":       func(c *config.Config) { c.Test.TestDurationSeconds = 2 },
	}
	for name, mutate := range tests {
		cfg := config.Default()
		mutate(cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: validate accepted %+v", name, cfg)
		}
	}
	if err := validate(config.Default()); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
}

type onlineInspector struct{}

func (onlineInspector) Inspect(context.Context) (speedtest.NetworkInfo, error) {
	return speedtest.NetworkInfo{ConnectionType: speedtest.ConnectionWiFi, IsConnected: true, IsInternetReachable: true}, nil
}

func newSpeedServer(t *testing.T) *httptest.Server {
	t.Helper()
	chunk := make([]byte, 64*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		for r.Context().Err() == nil {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "speedcheck.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestRunOnceRecordsHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("runs two 5s throughput windows")
	}
	srv := newSpeedServer(t)
	p := writeConfig(t, strings.NewReplacer("{{url}}", srv.URL).Replace(`
logging:
  level: error
test:
  test_duration_seconds: 5
  ping_endpoint: {{url}}/ping
  download_endpoint: {{url}}/down
  upload_endpoint: {{url}}/up
  ping_samples: 3
  ping_interval: 10ms
storage:
  driver: memory
`))

	a, err := New(p, "test", WithNetworkInspector(onlineInspector{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopOnceDone) }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rec, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rec.DownloadMbps <= 0 || rec.UploadMbps <= 0 || rec.Device.AppVersion != "test" {
		t.Fatalf("record = %+v", rec)
	}

	hist, err := a.History(ctx, 5)
	if err != nil || len(hist) != 1 || hist[0].ID != rec.ID {
		t.Fatalf("History = %+v, %v", hist, err)
	}
	stats, err := a.Stats(ctx)
	if err != nil || stats.TestCount != 1 {
		t.Fatalf("Stats = %+v, %v", stats, err)
	}
	if err := a.ClearHistory(ctx); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if hist, _ := a.History(ctx, 0); len(hist) != 0 {
		t.Fatalf("history after clear = %d", len(hist))
	}
}

func TestHistoryDisabled(t *testing.T) {
	p := writeConfig(t, "storage:\n  driver: none\n")
	a, err := New(p, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopOnceDone) }()

	if _, err := a.History(context.Background(), 1); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("History err = %v", err)
	}
	if err := a.ClearHistory(context.Background()); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("ClearHistory err = %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	p := writeConfig(t, "logging:\n  level: error\n")
	a, err := New(p, "test", WithNetworkInspector(onlineInspector{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := a.Status()
	if st.Running || st.State != speedtest.StateIdle || st.Schedule.Enabled || st.Supervisor == nil {
		t.Fatalf("status = %+v", st)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}
