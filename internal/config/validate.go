package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Bounds for test.test_duration_seconds.
const (
	MinTestDurationSeconds     = 5
	MaxTestDurationSeconds     = 60
	DefaultTestDurationSeconds = 10
)

// Server selector names.
const (
	SelectorStatic       = "static"
	SelectorSpeedtestNet = "speedtest_net"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Test:    TestConfig{TestDurationSeconds: DefaultTestDurationSeconds},
		Server:  ServerConfig{Selector: SelectorStatic},
		Storage: &StorageConfig{Driver: "memory"},
	}
}

// Validate checks cross-field constraints that the JSON decoder cannot.
// Zero values are accepted and mean "use the default".
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	t := cfg.Test
	if t.TestDurationSeconds != 0 &&
		(t.TestDurationSeconds < MinTestDurationSeconds || t.TestDurationSeconds > MaxTestDurationSeconds) {
		errs = append(errs, fmt.Errorf("test.test_duration_seconds must be in [%d, %d], got %d",
			MinTestDurationSeconds, MaxTestDurationSeconds, t.TestDurationSeconds))
	}
	for key, v := range map[string]int{
		"test.max_concurrent_connections": t.MaxConcurrentConnections,
		"test.retry_attempts":             t.RetryAttempts,
		"test.timeout_ms":                 t.TimeoutMS,
		"test.ping_samples":               t.PingSamples,
		"test.upload_chunk_bytes":         t.UploadChunkBytes,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", key))
		}
	}
	for key, raw := range map[string]string{
		"test.download_endpoint": t.DownloadEndpoint,
		"test.upload_endpoint":   t.UploadEndpoint,
		"test.ping_endpoint":     t.PingEndpoint,
	} {
		if err := validateEndpoint(key, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Server.Selector)) {
	case "", SelectorStatic, SelectorSpeedtestNet:
	default:
		errs = append(errs, fmt.Errorf("server.selector: unknown %q", cfg.Server.Selector))
	}

	if cfg.Network.ReachabilityAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Network.ReachabilityAddr); err != nil {
			errs = append(errs, fmt.Errorf("network.reachability_addr: %w", err))
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", cfg.Storage.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
		}
	}

	if cfg.Schedule.Enabled && strings.TrimSpace(cfg.Schedule.Spec) == "" {
		errs = append(errs, errors.New("schedule.spec is required when schedule.enabled is true"))
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err))
		}
	}

	if cfg.Progress.Buffer < 0 {
		errs = append(errs, errors.New("progress.buffer must be >= 0"))
	}
	if cfg.Progress.RatePerSec < 0 {
		errs = append(errs, errors.New("progress.rate_per_sec must be >= 0"))
	}

	for key, raw := range map[string]string{
		"test.ping_interval":    t.PingInterval,
		"server.lookup_timeout": cfg.Server.LookupTimeout,
		"network.dial_timeout":  cfg.Network.DialTimeout,
		"pprof.read_timeout":    cfg.Pprof.ReadTimeout,
		"pprof.write_timeout":   cfg.Pprof.WriteTimeout,
		"pprof.idle_timeout":    cfg.Pprof.IdleTimeout,
		"storage.busy_timeout":  storageBusy(cfg.Storage),
	} {
		if _, err := ParseDurationField(key, raw); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func storageBusy(sc *StorageConfig) string {
	if sc == nil {
		return ""
	}
	return sc.BusyTimeout
}

func validateEndpoint(key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: expected absolute http(s) URL, got %q", key, raw)
	}
	return nil
}
