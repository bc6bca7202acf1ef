package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m") unless the key
// name carries a unit suffix.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Test     TestConfig     `json:"test"`
	Server   ServerConfig   `json:"server"`
	Network  NetworkConfig  `json:"network"`
	History  HistoryConfig  `json:"history"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Schedule ScheduleConfig `json:"schedule"`
	Progress ProgressConfig `json:"progress"`
	Device   DeviceConfig   `json:"device"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TestConfig controls a single measurement run.
//
// Defaults (when fields are omitted/zero):
//   - test_duration_seconds: 10 (allowed 5..60)
//   - retry_attempts: 3
//   - timeout_ms: 30000
//   - ping_samples: 10
//   - ping_interval: "100ms"
//   - upload_chunk_bytes: 32768
type TestConfig struct {
	TestDurationSeconds      int    `json:"test_duration_seconds"`
	DownloadEndpoint         string `json:"download_endpoint,omitempty"`
	UploadEndpoint           string `json:"upload_endpoint,omitempty"`
	PingEndpoint             string `json:"ping_endpoint,omitempty"`
	MaxConcurrentConnections int    `json:"max_concurrent_connections,omitempty"`
	RetryAttempts            int    `json:"retry_attempts,omitempty"`
	TimeoutMS                int    `json:"timeout_ms,omitempty"`
	PingSamples              int    `json:"ping_samples,omitempty"`
	PingInterval             string `json:"ping_interval,omitempty"`
	UploadChunkBytes         int    `json:"upload_chunk_bytes,omitempty"`

	// DisableHTTP2 keeps each measurement stream on its own TCP connection.
	DisableHTTP2 bool   `json:"disable_http2,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// ServerConfig selects where measurements are taken.
//
// Selector values:
//   - "static" (default): the test.*_endpoint URLs
//   - "speedtest_net": closest speedtest.net server
type ServerConfig struct {
	Selector string `json:"selector,omitempty"`
	Name     string `json:"name,omitempty"`
	// ServerIDs restricts speedtest_net selection to these ids.
	ServerIDs []int `json:"server_ids,omitempty"`
	// LookupTimeout bounds the server list fetch.
	LookupTimeout string `json:"lookup_timeout,omitempty"`
}

// NetworkConfig controls the pre-run connectivity check.
type NetworkConfig struct {
	// ReachabilityAddr is dialed to fill is_internet_reachable ("host:port").
	// Empty disables the dial.
	ReachabilityAddr string `json:"reachability_addr,omitempty"`
	DialTimeout      string `json:"dial_timeout,omitempty"`
	// ISPLookup fills carrier/address from speedtest.net user info.
	ISPLookup bool `json:"isp_lookup,omitempty"`
}

type HistoryConfig struct {
	Key string `json:"key,omitempty"`
}

// StorageConfig controls the persistence layer used for history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/speedcheck.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ScheduleConfig enables periodic runs.
//
// Spec forms: cron expression, "@every 30m", an "HH:MM" interval, or a Go duration.
type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// RetryOnOffline wraps scheduled runs in the retry controller.
	RetryOnOffline bool `json:"retry_on_offline,omitempty"`
}

type ProgressConfig struct {
	Buffer int `json:"buffer,omitempty"`
	// RatePerSec caps intermediate chunk updates; 0 disables throttling.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// Log emits progress events at debug level.
	Log bool `json:"log,omitempty"`
}

// DeviceConfig overrides the detected device descriptor.
type DeviceConfig struct {
	Platform   string `json:"platform,omitempty"`
	Model      string `json:"model,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
