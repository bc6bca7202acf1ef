package speedtest

import (
	"fmt"
	"time"
)

const (
	DefaultTestDuration     = 10 * time.Second
	MinTestDuration         = 5 * time.Second
	MaxTestDuration         = 60 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRequestTimeout   = 30 * time.Second
	DefaultPingSamples      = 10
	DefaultPingInterval     = 100 * time.Millisecond
	DefaultUploadChunkBytes = 32 * 1024
	DefaultMaxConnections   = 4

	DefaultDownloadEndpoint = "https://speed.cloudflare.com/__down?bytes=104857600"
	DefaultUploadEndpoint   = "https://speed.cloudflare.com/__up"
	DefaultPingEndpoint     = "https://speed.cloudflare.com/__down?bytes=0"
)

// State is the orchestrator's run state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateTestingPing
	StateTestingDownload
	StateTestingUpload
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateTestingPing:
		return "testing_ping"
	case StateTestingDownload:
		return "testing_download"
	case StateTestingUpload:
		return "testing_upload"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Direction selects the throughput phase.
type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)

// Server describes the endpoint a run measures against.
type Server struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Country     string  `json:"country,omitempty"`
	Host        string  `json:"host"`
	DistanceKm  float64 `json:"distance_km,omitempty"`
	PingURL     string  `json:"ping_url"`
	DownloadURL string  `json:"download_url"`
	UploadURL   string  `json:"upload_url"`
}

// DeviceInfo is passed through into every record unchanged.
type DeviceInfo struct {
	Platform   string `json:"platform"`
	Model      string `json:"model"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
}

// Connection types reported by a NetworkInspector.
const (
	ConnectionWiFi     = "wifi"
	ConnectionCellular = "cellular"
	ConnectionUnknown  = "unknown"
)

// NetworkInfo is the reachability snapshot taken at the start of a run.
type NetworkInfo struct {
	ConnectionType      string `json:"connection_type"`
	IsConnected         bool   `json:"is_connected"`
	IsInternetReachable bool   `json:"is_internet_reachable"`
	Carrier             string `json:"carrier,omitempty"`
	Address             string `json:"address,omitempty"`
}

// Record is a single completed measurement.
//
// JSON tags are kept stable because records are persisted by HistoryStore.
type Record struct {
	ID            string      `json:"id"`
	Timestamp     time.Time   `json:"timestamp"`
	DownloadMbps  float64     `json:"download_mbps"`
	UploadMbps    float64     `json:"upload_mbps"`
	PingMs        float64     `json:"ping_ms"`
	JitterMs      float64     `json:"jitter_ms"`
	PacketLossPct float64     `json:"packet_loss_pct"`
	Server        Server      `json:"server"`
	Device        DeviceInfo  `json:"device"`
	Network       NetworkInfo `json:"network"`

	// Non-persisted fields (useful for formatting / debugging).
	Duration time.Duration `json:"-"`
}

// PingStats is the reduction of one ping phase.
type PingStats struct {
	LatencyMs     float64
	JitterMs      float64
	PacketLossPct float64
	Attempted     int
	Successful    int
}

// ProgressEvent is a transient progress notification.
// CurrentMbps and Remaining are zero when unknown.
type ProgressEvent struct {
	State       State         `json:"state"`
	Percent     float64       `json:"percent"`
	CurrentMbps float64       `json:"current_mbps,omitempty"`
	Remaining   time.Duration `json:"remaining,omitempty"`
	At          time.Time     `json:"at"`
}

// DailyStats is a simple rolling statistics structure over history.
type DailyStats struct {
	Period        string    `json:"period"`
	TestCount     int       `json:"test_count"`
	AvgDownload   float64   `json:"avg_download_mbps"`
	AvgUpload     float64   `json:"avg_upload_mbps"`
	AvgPing       float64   `json:"avg_ping_ms"`
	MaxDownload   float64   `json:"max_download_mbps"`
	MinDownload   float64   `json:"min_download_mbps"`
	MaxUpload     float64   `json:"max_upload_mbps"`
	MinUpload     float64   `json:"min_upload_mbps"`
	MaxPing       float64   `json:"max_ping_ms"`
	MinPing       float64   `json:"min_ping_ms"`
	AvgPacketLoss float64   `json:"avg_packet_loss_pct"`
	FirstTest     time.Time `json:"first_test"`
	LastTest      time.Time `json:"last_test"`
}

// RunConfig controls how a single run is executed.
type RunConfig struct {
	// TestDuration is the window of each throughput phase (5s..60s).
	TestDuration time.Duration

	DownloadEndpoint string
	UploadEndpoint   string
	PingEndpoint     string

	// MaxConcurrentConnections is reserved; phases run sequentially.
	MaxConcurrentConnections int

	RetryAttempts int
	// Timeout bounds a single request (probe or upload chunk).
	Timeout time.Duration

	PingSamples int
	// PingInterval separates probes; negative disables the delay.
	PingInterval     time.Duration
	UploadChunkBytes int
}

func (c RunConfig) withDefaults() RunConfig {
	if c.TestDuration == 0 {
		c.TestDuration = DefaultTestDuration
	}
	if c.DownloadEndpoint == "" {
		c.DownloadEndpoint = DefaultDownloadEndpoint
	}
	if c.UploadEndpoint == "" {
		c.UploadEndpoint = DefaultUploadEndpoint
	}
	if c.PingEndpoint == "" {
		c.PingEndpoint = DefaultPingEndpoint
	}
	if c.MaxConcurrentConnections <= 0 {
		c.MaxConcurrentConnections = DefaultMaxConnections
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRequestTimeout
	}
	if c.PingSamples <= 0 {
		c.PingSamples = DefaultPingSamples
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.UploadChunkBytes <= 0 {
		c.UploadChunkBytes = DefaultUploadChunkBytes
	}
	return c
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c RunConfig) WithDefaults() RunConfig { return c.withDefaults() }

// Validate checks bounds after defaults have been applied.
func (c RunConfig) Validate() error {
	if c.TestDuration < MinTestDuration || c.TestDuration > MaxTestDuration {
		return fmt.Errorf("test duration %s out of range [%s, %s]", c.TestDuration, MinTestDuration, MaxTestDuration)
	}
	if c.PingSamples <= 0 {
		return fmt.Errorf("ping samples must be > 0")
	}
	if c.UploadChunkBytes <= 0 {
		return fmt.Errorf("upload chunk size must be > 0")
	}
	return nil
}
