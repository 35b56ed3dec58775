package config

import (
	"reflect"
	"sort"
	"strings"

	logx "facecast/pkg/logx"
)

// HotSections can be applied without a restart.
var HotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed section names and safe
// structured fields for logging. Secrets (the Telegram token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr), logx.Bool("http.pprof", newCfg.HTTP.Pprof))
	}
	if oldCfg.Camera != newCfg.Camera {
		changed = append(changed, "camera")
		attrs = append(attrs, logx.String("camera.driver", newCfg.Camera.Driver), logx.Float64("camera.fps", newCfg.Camera.FPS))
	}
	if oldCfg.Extractor != newCfg.Extractor {
		changed = append(changed, "extractor")
		attrs = append(attrs, logx.String("extractor.driver", newCfg.Extractor.Driver))
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.stale_after", newCfg.Broadcast.StaleAfter),
			logx.String("broadcast.idle_after", newCfg.Broadcast.IdleAfter),
		)
	}
	if oldCfg.Identity != newCfg.Identity {
		changed = append(changed, "identity")
		attrs = append(attrs,
			logx.Float64("identity.tight_tolerance", newCfg.Identity.TightTolerance),
			logx.Float64("identity.loose_tolerance", newCfg.Identity.LooseTolerance),
		)
	}
	if oldCfg.Names != newCfg.Names {
		changed = append(changed, "names")
		attrs = append(attrs,
			logx.Bool("names.path_set", strings.TrimSpace(newCfg.Names.Path) != ""),
			logx.String("names.schedule", newCfg.Names.Schedule),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newN.Token) != ""),
			logx.Bool("notifier.token_changed", oldN.Token != newN.Token),
			logx.Int("notifier.rate_per_min", newN.RatePerMin),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
