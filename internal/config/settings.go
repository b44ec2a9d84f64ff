package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultCategoryTTL      = 5 * time.Minute
	DefaultBannerTTL        = 5 * time.Second
	DefaultDedupWindow      = 10 * time.Minute
	DefaultAlertWindow      = 30 * time.Minute
	DefaultRetention        = 720 * time.Hour
	DefaultReservationSweep = "@every 1m"
	DefaultRetentionSweep   = "@daily"
)

// Settings is Config with defaults applied and durations parsed.
// Components consume Settings; Config is the wire shape.
type Settings struct {
	Storage struct {
		Driver       string
		Path         string
		BusyTimeout  time.Duration
		MaxOpenConns int
		Feed         string
	}
	Guard struct {
		Strategy    string
		Retries     int
		BackoffBase time.Duration
		BackoffMax  time.Duration
		Lease       time.Duration
	}
	CategoryTTL     time.Duration
	CacheMaxEntries int
	FallbackTTL     time.Duration
	Push            struct {
		Enabled    bool
		RatePerSec int
		Burst      int
		TTL        time.Duration
		Timeout    time.Duration
	}
	LocalEnabled    bool
	BannerTTL       time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	Trigger         struct {
		Enabled          bool
		ReservationSweep string
		AlertWindow      time.Duration
		RetentionSweep   string
		Retention        time.Duration
		CatalogSyncSweep string
		SyncStores       []string
		ReconnectMin     time.Duration
		ReconnectMax     time.Duration
	}
	HTTP struct {
		Enabled        bool
		Addr           string
		AllowInsecure  bool
		AllowedOrigins []string
		ReadTimeout    time.Duration
		WriteTimeout   time.Duration
		IdleTimeout    time.Duration
		Pprof          bool
	}
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Resolve validates cfg and returns its effective settings.
func Resolve(cfg *Config) (Settings, error) {
	var s Settings
	if cfg == nil {
		cfg = &Config{}
	}
	var err error
	d := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var v time.Duration
		v, err = ParseDurationOrDefault(path, raw, def)
		return v
	}

	s.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if s.Storage.Driver == "" {
		s.Storage.Driver = "sqlite"
	}
	switch s.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return s, fmt.Errorf("storage.driver: unsupported driver %q", cfg.Storage.Driver)
	}
	s.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if s.Storage.Path == "" {
		s.Storage.Path = "./storenotify.db"
	}
	s.Storage.BusyTimeout = d("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	s.Storage.MaxOpenConns = cfg.Storage.MaxOpenConns
	s.Storage.Feed = strings.ToLower(strings.TrimSpace(cfg.Storage.Feed))
	if s.Storage.Feed == "" {
		s.Storage.Feed = "bus"
	}
	switch s.Storage.Feed {
	case "bus":
	case "postgres":
		if s.Storage.Driver != "postgres" {
			return s, fmt.Errorf("storage.feed: postgres feed requires the postgres driver")
		}
	default:
		return s, fmt.Errorf("storage.feed: unsupported feed %q", cfg.Storage.Feed)
	}

	s.Guard.Strategy = strings.ToLower(strings.TrimSpace(cfg.Guard.Strategy))
	if s.Guard.Strategy == "" {
		s.Guard.Strategy = "emulated"
	}
	if s.Guard.Strategy != "emulated" && s.Guard.Strategy != "native" {
		return s, fmt.Errorf("guard.strategy: unsupported strategy %q", cfg.Guard.Strategy)
	}
	s.Guard.Retries = cfg.Guard.Retries
	if s.Guard.Retries <= 0 {
		s.Guard.Retries = 5
	}
	s.Guard.BackoffBase = d("guard.backoff_base", cfg.Guard.BackoffBase, 50*time.Millisecond)
	s.Guard.BackoffMax = d("guard.backoff_max", cfg.Guard.BackoffMax, time.Second)
	s.Guard.Lease = d("guard.lease", cfg.Guard.Lease, 30*time.Second)

	s.CategoryTTL = d("cache.category_ttl", cfg.Cache.CategoryTTL, DefaultCategoryTTL)
	s.CacheMaxEntries = cfg.Cache.MaxEntries
	if s.CacheMaxEntries <= 0 {
		s.CacheMaxEntries = 1024
	}
	s.FallbackTTL = d("preference.fallback_ttl", cfg.Preference.FallbackTTL, 24*time.Hour)

	p := cfg.Delivery.Push
	s.Push.Enabled = p.Enabled
	s.Push.RatePerSec = p.RatePerSec
	if s.Push.RatePerSec <= 0 {
		s.Push.RatePerSec = 20
	}
	s.Push.Burst = p.Burst
	if s.Push.Burst <= 0 {
		s.Push.Burst = s.Push.RatePerSec
	}
	s.Push.TTL = d("delivery.push.ttl", p.TTL, time.Hour)
	s.Push.Timeout = d("delivery.push.timeout", p.Timeout, 10*time.Second)
	s.LocalEnabled = cfg.Delivery.Local.Enabled
	s.BannerTTL = d("delivery.in_app.banner_ttl", cfg.Delivery.InApp.BannerTTL, DefaultBannerTTL)

	// "0s" is an explicit opt-out for dedup, so no default substitution here.
	if strings.TrimSpace(cfg.Dispatch.DedupWindow) == "" {
		s.DedupWindow = DefaultDedupWindow
	} else if err == nil {
		s.DedupWindow, err = ParseDurationField("dispatch.dedup_window", cfg.Dispatch.DedupWindow)
	}
	s.DedupMaxEntries = cfg.Dispatch.DedupMaxEntries
	if s.DedupMaxEntries <= 0 {
		s.DedupMaxEntries = 4096
	}

	t := cfg.Trigger
	s.Trigger.Enabled = t.Enabled
	s.Trigger.ReservationSweep = orDefault(t.ReservationSweep, DefaultReservationSweep)
	s.Trigger.RetentionSweep = orDefault(t.RetentionSweep, DefaultRetentionSweep)
	s.Trigger.CatalogSyncSweep = strings.TrimSpace(t.CatalogSyncSweep)
	s.Trigger.AlertWindow = d("trigger.alert_window", t.AlertWindow, DefaultAlertWindow)
	s.Trigger.Retention = d("trigger.retention", t.Retention, DefaultRetention)
	s.Trigger.ReconnectMin = d("trigger.reconnect_min", t.ReconnectMin, 500*time.Millisecond)
	s.Trigger.ReconnectMax = d("trigger.reconnect_max", t.ReconnectMax, 30*time.Second)
	s.Trigger.SyncStores = append([]string(nil), t.SyncStores...)

	h := cfg.HTTP
	s.HTTP.Enabled = h.Enabled
	s.HTTP.Addr = orDefault(h.Addr, "127.0.0.1:8080")
	s.HTTP.AllowedOrigins = append([]string(nil), h.AllowedOrigins...)
	s.HTTP.ReadTimeout = d("http.read_timeout", h.ReadTimeout, 15*time.Second)
	s.HTTP.WriteTimeout = d("http.write_timeout", h.WriteTimeout, 15*time.Second)
	s.HTTP.IdleTimeout = d("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	s.HTTP.AllowInsecure = h.AllowInsecure
	s.HTTP.Pprof = h.Pprof

	if err != nil {
		return s, err
	}

	for path, spec := range map[string]string{
		"trigger.reservation_sweep":  s.Trigger.ReservationSweep,
		"trigger.retention_sweep":    s.Trigger.RetentionSweep,
		"trigger.catalog_sync_sweep": s.Trigger.CatalogSyncSweep,
	} {
		if spec == "" {
			continue
		}
		if _, perr := cronParser.Parse(spec); perr != nil {
			return s, fmt.Errorf("%s: invalid schedule %q: %w", path, spec, perr)
		}
	}
	return s, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
