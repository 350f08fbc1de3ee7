package config

import (
	"reflect"
	"sort"
	"strings"

	logx "harkbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (app password, alert token) are
// never included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Feed.Service) != strings.TrimSpace(newCfg.Feed.Service) ||
		strings.TrimSpace(oldCfg.Feed.Handle) != strings.TrimSpace(newCfg.Feed.Handle) ||
		(strings.TrimSpace(oldCfg.Feed.AppPassword) != "") != (strings.TrimSpace(newCfg.Feed.AppPassword) != "") ||
		oldCfg.Feed.PageLimit != newCfg.Feed.PageLimit ||
		oldCfg.Feed.MaxPages != newCfg.Feed.MaxPages {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.handle", strings.TrimSpace(newCfg.Feed.Handle)),
			logx.Bool("feed.password_set", strings.TrimSpace(newCfg.Feed.AppPassword) != ""),
			logx.Int("feed.page_limit", newCfg.Feed.PageLimit),
			logx.Int("feed.max_pages", newCfg.Feed.MaxPages),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.String("store.busy_timeout", strings.TrimSpace(newCfg.Store.BusyTimeout)),
			logx.Int("store.retention_days", newCfg.Store.RetentionDays),
		)
	}

	if oldCfg.Threading != newCfg.Threading {
		changed = append(changed, "threading")
		attrs = append(attrs,
			logx.Int("threading.threshold", newCfg.Threading.Threshold),
			logx.String("threading.window", strings.TrimSpace(newCfg.Threading.Window)),
			logx.String("threading.cooldown", strings.TrimSpace(newCfg.Threading.Cooldown)),
			logx.Int("threading.retry_max", newCfg.Threading.RetryMax),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.maintenance_schedule", strings.TrimSpace(newCfg.Scheduler.MaintenanceSchedule)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oA, nA := derefAlert(oldCfg.Alert), derefAlert(newCfg.Alert)
	if (oldCfg.Alert != nil) != (newCfg.Alert != nil) || !reflect.DeepEqual(redactAlert(oA), redactAlert(nA)) {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.enabled", nA.Enabled),
			logx.Bool("alert.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Int("alert.rate_per_sec", nA.RatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefAlert(a *AlertConfig) AlertConfig {
	if a == nil {
		return AlertConfig{}
	}
	return *a
}

func redactAlert(a AlertConfig) AlertConfig {
	if strings.TrimSpace(a.Token) != "" {
		a.Token = "set"
	}
	return a
}
