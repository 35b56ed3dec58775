package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
// Zero values are replaced by defaults in Normalize.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Camera    CameraConfig    `json:"camera"`
	Extractor ExtractorConfig `json:"extractor"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Identity  IdentityConfig  `json:"identity"`
	Names     NamesConfig     `json:"names"`
	Metrics   MetricsConfig   `json:"metrics"`

	// Notifier is optional; omitted means disabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
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

// HTTPConfig controls the frame sink server.
//
// Security note: /debug/pprof is only mounted when pprof is true. Prefer
// binding to localhost when enabling it.
type HTTPConfig struct {
	Addr              string `json:"addr"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
	// WSWriteTimeout bounds a single WebSocket frame write.
	WSWriteTimeout string `json:"ws_write_timeout,omitempty"`
	Pprof          bool   `json:"pprof,omitempty"`
}

const (
	CameraDir   = "dir"
	CameraMJPEG = "mjpeg"

	ExtractorNone = "none"
	ExtractorHTTP = "http"
)

// CameraConfig selects the capture device.
//
//	"camera": { "driver": "mjpeg", "url": "http://cam.local/video" }
//	"camera": { "driver": "dir", "dir": "./frames", "fps": 10, "loop": true }
type CameraConfig struct {
	Driver      string  `json:"driver"`
	Dir         string  `json:"dir,omitempty"`
	Loop        bool    `json:"loop,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
	URL         string  `json:"url,omitempty"`
	OpenTimeout string  `json:"open_timeout,omitempty"`
	JPEGQuality int     `json:"jpeg_quality,omitempty"`
}

type ExtractorConfig struct {
	Driver  string `json:"driver"`
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type BroadcastConfig struct {
	StaleAfter    string `json:"stale_after,omitempty"`
	IdleAfter     string `json:"idle_after,omitempty"`
	EvictPerCycle int    `json:"evict_per_cycle,omitempty"`
}

type IdentityConfig struct {
	TightTolerance float64 `json:"tight_tolerance,omitempty"`
	LooseTolerance float64 `json:"loose_tolerance,omitempty"`
	PromoteSize    int     `json:"promote_size,omitempty"`
	DecayEvery     int     `json:"decay_every,omitempty"`
	UnknownLabel   string  `json:"unknown_label,omitempty"`
	Dimension      int     `json:"dimension,omitempty"`
}

// NamesConfig points at the id,name CSV table. An empty path disables names.
type NamesConfig struct {
	Path string `json:"path,omitempty"`
	// Schedule is a cron spec (seconds optional, descriptors like "@every 5m" allowed).
	Schedule string `json:"schedule,omitempty"`
	Watch    bool   `json:"watch,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// NotifierConfig sends a Telegram photo when a new identity is confirmed.
type NotifierConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // do not log
	ChatID  int64  `json:"chat_id"`
	// RatePerMin caps outgoing alerts; extra alerts are dropped.
	RatePerMin int `json:"rate_per_min,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	// Timeout bounds one Telegram API call.
	Timeout string `json:"timeout,omitempty"`
}
