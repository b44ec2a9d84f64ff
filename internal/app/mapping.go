package app

import (
	"storenotify/internal/config"
	"storenotify/internal/delivery"
	"storenotify/internal/dispatch"
	"storenotify/internal/guard"
	"storenotify/internal/httpapi"
	"storenotify/internal/storage"
	"storenotify/internal/trigger"
	logx "storenotify/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(s config.Settings, sec config.Secrets) storage.Config {
	return storage.Config{
		Driver:       s.Storage.Driver,
		Path:         s.Storage.Path,
		DSN:          sec.DatabaseURL,
		BusyTimeout:  s.Storage.BusyTimeout,
		MaxOpenConns: s.Storage.MaxOpenConns,
	}
}

func guardOptions(s config.Settings, log logx.Logger) guard.Options {
	return guard.Options{
		Retries:     s.Guard.Retries,
		BackoffBase: s.Guard.BackoffBase,
		BackoffMax:  s.Guard.BackoffMax,
		Lease:       s.Guard.Lease,
		Log:         log,
	}
}

func pushConfig(s config.Settings) delivery.PushConfig {
	return delivery.PushConfig{RatePerSec: s.Push.RatePerSec, Burst: s.Push.Burst}
}

func webPushConfig(s config.Settings, sec config.Secrets) delivery.WebPushConfig {
	return delivery.WebPushConfig{
		PublicKey:  sec.VAPIDPublicKey,
		PrivateKey: sec.VAPIDPrivateKey,
		Subject:    sec.VAPIDSubject,
		TTL:        s.Push.TTL,
		Timeout:    s.Push.Timeout,
	}
}

func dispatchConfig(s config.Settings) dispatch.Config {
	return dispatch.Config{DedupWindow: s.DedupWindow, DedupMaxEntries: s.DedupMaxEntries}
}

func triggerConfig(s config.Settings) trigger.Config {
	return trigger.Config{
		ReservationSweep: s.Trigger.ReservationSweep,
		AlertWindow:      s.Trigger.AlertWindow,
		RetentionSweep:   s.Trigger.RetentionSweep,
		Retention:        s.Trigger.Retention,
		CatalogSyncSweep: s.Trigger.CatalogSyncSweep,
		SyncStores:       s.Trigger.SyncStores,
	}
}

func httpConfig(s config.Settings, sec config.Secrets) httpapi.Config {
	return httpapi.Config{
		Enabled:       s.HTTP.Enabled,
		Addr:          s.HTTP.Addr,
		Token:         sec.APIToken,
		AllowInsecure: s.HTTP.AllowInsecure,
		ReadTimeout:   s.HTTP.ReadTimeout,
		WriteTimeout:  s.HTTP.WriteTimeout,
		IdleTimeout:   s.HTTP.IdleTimeout,
		Pprof:         s.HTTP.Pprof,
	}
}
