package app

import (
	"fmt"
	"strings"
	"time"

	"speedcheck/internal/config"
	"speedcheck/internal/discovery"
	"speedcheck/internal/observability/pprof"
	"speedcheck/internal/scheduler"
	"speedcheck/internal/storage"
	logx "speedcheck/pkg/logx"
	"speedcheck/pkg/speedtest"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns enabled=false when history persistence is off.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, true, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRunConfig(cfg *config.Config) (speedtest.RunConfig, error) {
	t := cfg.Test
	interval, err := config.ParseDurationField("test.ping_interval", t.PingInterval)
	if err != nil {
		return speedtest.RunConfig{}, err
	}
	rc := speedtest.RunConfig{
		TestDuration:             time.Duration(t.TestDurationSeconds) * time.Second,
		DownloadEndpoint:         strings.TrimSpace(t.DownloadEndpoint),
		UploadEndpoint:           strings.TrimSpace(t.UploadEndpoint),
		PingEndpoint:             strings.TrimSpace(t.PingEndpoint),
		MaxConcurrentConnections: t.MaxConcurrentConnections,
		RetryAttempts:            t.RetryAttempts,
		Timeout:                  time.Duration(t.TimeoutMS) * time.Millisecond,
		PingSamples:              t.PingSamples,
		PingInterval:             interval,
		UploadChunkBytes:         t.UploadChunkBytes,
	}.WithDefaults()
	if err := rc.Validate(); err != nil {
		return speedtest.RunConfig{}, err
	}
	return rc, nil
}

func mapHTTPOptions(cfg *config.Config, rc speedtest.RunConfig, version string) speedtest.HTTPOptions {
	ua := strings.TrimSpace(cfg.Test.UserAgent)
	if ua == "" {
		ua = "speedcheck/" + version
	}
	return speedtest.HTTPOptions{
		Timeout:        rc.Timeout,
		MaxConnections: rc.MaxConcurrentConnections,
		DisableHTTP2:   cfg.Test.DisableHTTP2,
		UserAgent:      ua,
	}
}

func mapSelector(cfg *config.Config, log logx.Logger) (speedtest.ServerSelector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Server.Selector)) {
	case "", config.SelectorStatic:
		return speedtest.StaticSelector{Name: strings.TrimSpace(cfg.Server.Name)}, nil
	case config.SelectorSpeedtestNet:
		lookup, err := config.ParseDurationField("server.lookup_timeout", cfg.Server.LookupTimeout)
		if err != nil {
			return nil, err
		}
		return discovery.NewSpeedtestNetSelector(discovery.SelectorConfig{
			ServerIDs:      cfg.Server.ServerIDs,
			LookupTimeout:  lookup,
			MaxConnections: cfg.Test.MaxConcurrentConnections,
		}, log), nil
	default:
		return nil, fmt.Errorf("server.selector: unknown %q", cfg.Server.Selector)
	}
}

func mapInspector(cfg *config.Config, log logx.Logger) (speedtest.NetworkInspector, error) {
	dial, err := config.ParseDurationField("network.dial_timeout", cfg.Network.DialTimeout)
	if err != nil {
		return nil, err
	}
	var n speedtest.NetworkInspector = discovery.NewInterfaceInspector(discovery.InspectorConfig{
		ReachabilityAddr: strings.TrimSpace(cfg.Network.ReachabilityAddr),
		DialTimeout:      dial,
	}, log)
	if cfg.Network.ISPLookup {
		n = discovery.NewISPEnricher(n, dial, log)
	}
	return n, nil
}

func mapDevice(cfg *config.Config, version string) speedtest.DeviceInfo {
	return discovery.Device(speedtest.DeviceInfo{
		Platform:   cfg.Device.Platform,
		Model:      cfg.Device.Model,
		OSVersion:  cfg.Device.OSVersion,
		AppVersion: cfg.Device.AppVersion,
	}, version)
}

func mapScheduleConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := scheduler.Config{
		Enabled:  cfg.Schedule.Enabled,
		Spec:     strings.TrimSpace(cfg.Schedule.Spec),
		Timezone: strings.TrimSpace(cfg.Schedule.Timezone),
	}
	if sc.Enabled {
		if _, err := scheduler.ParseSpec(sc.Spec); err != nil {
			return scheduler.Config{}, fmt.Errorf("schedule.spec: %w", err)
		}
	}
	return sc, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	p := cfg.Pprof
	addr := strings.TrimSpace(p.Addr)
	if addr == "" {
		addr = pprof.DefaultAddr
	}
	read, err := config.ParseDurationOrDefault("pprof.read_timeout", p.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	// profile/trace endpoints stream for their ?seconds= window
	write, err := config.ParseDurationOrDefault("pprof.write_timeout", p.WriteTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("pprof.idle_timeout", p.IdleTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	if p.Enabled && !p.AllowInsecure && strings.TrimSpace(p.Token) == "" && !pprof.IsLoopbackAddr(addr) {
		return pprof.Config{}, fmt.Errorf("pprof.addr %q is not loopback; set pprof.token or pprof.allow_insecure", addr)
	}
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          addr,
		Prefix:        p.Prefix,
		Token:         strings.TrimSpace(p.Token),
		AllowInsecure: p.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validate runs every mapping so a bad hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapRunConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSelector(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapInspector(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	_, err := mapPprofConfig(cfg)
	return err
}
