package config

import (
	"reflect"
	"sort"
	"strings"

	logx "speedcheck/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (pprof token) are never included.
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

	if oldCfg.Test != newCfg.Test {
		changed = append(changed, "test")
		attrs = append(attrs,
			logx.Int("test.test_duration_seconds", newCfg.Test.TestDurationSeconds),
			logx.Int("test.retry_attempts", newCfg.Test.RetryAttempts),
			logx.Int("test.timeout_ms", newCfg.Test.TimeoutMS),
		)
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.selector", strings.TrimSpace(newCfg.Server.Selector)),
			logx.Int("server.id_count", len(newCfg.Server.ServerIDs)),
		)
	}

	if oldCfg.Network != newCfg.Network {
		changed = append(changed, "network")
		attrs = append(attrs,
			logx.Bool("network.reachability_set", newCfg.Network.ReachabilityAddr != ""),
			logx.Bool("network.isp_lookup", newCfg.Network.ISPLookup),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.Schedule.Enabled),
			logx.String("schedule.spec", strings.TrimSpace(newCfg.Schedule.Spec)),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
		)
	}

	if oldCfg.Progress != newCfg.Progress {
		changed = append(changed, "progress")
	}
	if oldCfg.Device != newCfg.Device {
		changed = append(changed, "device")
	}

	op, np := oldCfg.Pprof, newCfg.Pprof
	tokenChanged := (strings.TrimSpace(op.Token) != "") != (strings.TrimSpace(np.Token) != "")
	op.Token, np.Token = "", ""
	if op != np || tokenChanged {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
