package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "facecast/pkg/logx"
)

const (
	DefaultAddr         = ":5000"
	DefaultMetricsPath  = "/metrics"
	DefaultJPEGQuality  = 80
	DefaultShutdown     = 5 * time.Second
	DefaultReadHeader   = 10 * time.Second
	DefaultWSWrite      = 5 * time.Second
	DefaultOpenTimeout  = 10 * time.Second
	DefaultExtractorTTL = 5 * time.Second
	DefaultNotifyRate   = 6
	DefaultNotifyQueue  = 16
	DefaultNotifyTTL    = 15 * time.Second
)

// Normalize fills defaults in place.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	cfg.HTTP.Addr = strings.TrimSpace(cfg.HTTP.Addr)
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultAddr
	}

	cfg.Camera.Driver = strings.ToLower(strings.TrimSpace(cfg.Camera.Driver))
	if cfg.Camera.Driver == "" {
		cfg.Camera.Driver = CameraMJPEG
	}
	if cfg.Camera.JPEGQuality == 0 {
		cfg.Camera.JPEGQuality = DefaultJPEGQuality
	}

	cfg.Extractor.Driver = strings.ToLower(strings.TrimSpace(cfg.Extractor.Driver))
	if cfg.Extractor.Driver == "" {
		cfg.Extractor.Driver = ExtractorNone
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	if n := cfg.Notifier; n != nil {
		if n.RatePerMin == 0 {
			n.RatePerMin = DefaultNotifyRate
		}
		if n.QueueSize == 0 {
			n.QueueSize = DefaultNotifyQueue
		}
	}
}

// Validate reports every invalid field, joined, with its JSON path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
		add(fmt.Errorf("http.addr: %w", err))
	}
	dur("http.read_header_timeout", cfg.HTTP.ReadHeaderTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	dur("http.ws_write_timeout", cfg.HTTP.WSWriteTimeout)

	switch cfg.Camera.Driver {
	case CameraDir:
		if strings.TrimSpace(cfg.Camera.Dir) == "" {
			add(errors.New("camera.dir: required for driver \"dir\""))
		}
	case CameraMJPEG:
		add(validURL("camera.url", cfg.Camera.URL))
	default:
		add(fmt.Errorf("camera.driver: unknown driver %q", cfg.Camera.Driver))
	}
	if cfg.Camera.FPS < 0 {
		add(errors.New("camera.fps: must be >= 0"))
	}
	if cfg.Camera.JPEGQuality < 1 || cfg.Camera.JPEGQuality > 100 {
		add(fmt.Errorf("camera.jpeg_quality: %d out of range 1..100", cfg.Camera.JPEGQuality))
	}
	dur("camera.open_timeout", cfg.Camera.OpenTimeout)

	switch cfg.Extractor.Driver {
	case ExtractorNone:
	case ExtractorHTTP:
		add(validURL("extractor.url", cfg.Extractor.URL))
	default:
		add(fmt.Errorf("extractor.driver: unknown driver %q", cfg.Extractor.Driver))
	}
	dur("extractor.timeout", cfg.Extractor.Timeout)

	dur("broadcast.stale_after", cfg.Broadcast.StaleAfter)
	dur("broadcast.idle_after", cfg.Broadcast.IdleAfter)
	if cfg.Broadcast.EvictPerCycle < 0 {
		add(errors.New("broadcast.evict_per_cycle: must be >= 0"))
	}

	id := cfg.Identity
	if id.TightTolerance < 0 || id.LooseTolerance < 0 {
		add(errors.New("identity: tolerances must be >= 0"))
	}
	if id.TightTolerance > 0 && id.LooseTolerance > 0 && id.TightTolerance > id.LooseTolerance {
		add(fmt.Errorf("identity.tight_tolerance: %.3f is looser than loose_tolerance %.3f", id.TightTolerance, id.LooseTolerance))
	}
	if id.PromoteSize < 0 || id.DecayEvery < 0 || id.Dimension < 0 {
		add(errors.New("identity: promote_size, decay_every and dimension must be >= 0"))
	}

	if s := strings.TrimSpace(cfg.Names.Schedule); s != "" {
		if strings.TrimSpace(cfg.Names.Path) == "" {
			add(errors.New("names.schedule: set without names.path"))
		}
		p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := p.Parse(s); err != nil {
			add(fmt.Errorf("names.schedule: %w", err))
		}
	}
	if cfg.Names.Watch && strings.TrimSpace(cfg.Names.Path) == "" {
		add(errors.New("names.watch: set without names.path"))
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		add(fmt.Errorf("metrics.path: %q must start with /", cfg.Metrics.Path))
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			add(errors.New("notifier.token: required when enabled"))
		}
		if n.ChatID == 0 {
			add(errors.New("notifier.chat_id: required when enabled"))
		}
		if n.RatePerMin < 0 || n.QueueSize < 0 {
			add(errors.New("notifier: rate_per_min and queue_size must be >= 0"))
		}
		dur("notifier.timeout", n.Timeout)
	}

	return errors.Join(errs...)
}

func validURL(path, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s: required", path)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", path)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host", path)
	}
	return nil
}
