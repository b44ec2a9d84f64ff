package config

import (
	"reflect"

	logx "storenotify/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging the reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		// Storage is not hot-reloadable; surface it so operators know a restart is needed.
		changed = append(changed, "storage")
		attrs = append(attrs, logx.Bool("storage.restart_required", true))
	}
	if !reflect.DeepEqual(oldCfg.Guard, newCfg.Guard) {
		changed = append(changed, "guard")
		attrs = append(attrs, logx.String("guard.strategy", newCfg.Guard.Strategy))
	}
	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
	}
	if !reflect.DeepEqual(oldCfg.Preference, newCfg.Preference) {
		changed = append(changed, "preference")
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Bool("delivery.push_enabled", newCfg.Delivery.Push.Enabled),
			logx.Int("delivery.push_rate", newCfg.Delivery.Push.RatePerSec),
			logx.Bool("delivery.local_enabled", newCfg.Delivery.Local.Enabled),
			logx.String("delivery.banner_ttl", newCfg.Delivery.InApp.BannerTTL),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.String("dispatch.dedup_window", newCfg.Dispatch.DedupWindow))
	}
	if !reflect.DeepEqual(oldCfg.Trigger, newCfg.Trigger) {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.reservation_sweep", newCfg.Trigger.ReservationSweep),
			logx.String("trigger.retention_sweep", newCfg.Trigger.RetentionSweep),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	return changed, attrs
}
