package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Credentials never live here; see Secrets.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Guard      GuardConfig      `json:"guard"`
	Cache      CacheConfig      `json:"cache"`
	Preference PreferenceConfig `json:"preference"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Trigger    TriggerConfig    `json:"trigger"`
	HTTP       HTTPConfig       `json:"http"`
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

// StorageConfig selects the backend data store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./storenotify.db", "feed": "bus" }
//
// The postgres DSN comes from STORENOTIFY_DATABASE_URL.
type StorageConfig struct {
	Driver       string `json:"driver"` // sqlite (default) | postgres
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	// Feed selects the change feed: "bus" (default) or "postgres" (LISTEN/NOTIFY).
	Feed string `json:"feed,omitempty"`
}

// GuardConfig controls the concurrency guard.
//
// Defaults:
//   - strategy: "emulated" ("native" requires STORENOTIFY_REDIS_URL)
//   - retries: 5
//   - backoff_base: "50ms"
//   - backoff_max: "1s"
//   - lease: "30s" (native lock expiry)
type GuardConfig struct {
	Strategy    string `json:"strategy,omitempty"`
	Retries     int    `json:"retries,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`
	Lease       string `json:"lease,omitempty"`
}

type CacheConfig struct {
	CategoryTTL string `json:"category_ttl,omitempty"` // default 5m
	MaxEntries  int    `json:"max_entries,omitempty"`  // default 1024
}

type PreferenceConfig struct {
	// FallbackTTL bounds how long a locally recorded write intent is kept.
	FallbackTTL string `json:"fallback_ttl,omitempty"` // default 24h
}

type DeliveryConfig struct {
	Push  PushConfig  `json:"push"`
	Local LocalConfig `json:"local"`
	InApp InAppConfig `json:"in_app"`
}

// PushConfig controls the remote (web push) channel.
// VAPID keys come from the environment.
type PushConfig struct {
	Enabled    bool   `json:"enabled"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 20
	Burst      int    `json:"burst,omitempty"`        // default rate_per_sec
	TTL        string `json:"ttl,omitempty"`          // default 1h
	Timeout    string `json:"timeout,omitempty"`      // default 10s
}

// LocalConfig controls the local platform channel (Telegram).
type LocalConfig struct {
	Enabled bool `json:"enabled"`
}

type InAppConfig struct {
	BannerTTL string `json:"banner_ttl,omitempty"` // default 5s
}

type DispatchConfig struct {
	DedupWindow     string `json:"dedup_window,omitempty"`      // default 10m, "0s" disables
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"` // default 4096
}

// TriggerConfig controls change-feed subscriptions and sweeps.
// Sweep specs use the cron syntax with optional seconds and descriptors.
type TriggerConfig struct {
	Enabled          bool     `json:"enabled"`
	ReservationSweep string   `json:"reservation_sweep,omitempty"` // default @every 1m
	AlertWindow      string   `json:"alert_window,omitempty"`      // default 30m
	RetentionSweep   string   `json:"retention_sweep,omitempty"`   // default @daily
	Retention        string   `json:"retention,omitempty"`         // default 720h
	CatalogSyncSweep string   `json:"catalog_sync_sweep,omitempty"`
	SyncStores       []string `json:"sync_stores,omitempty"`
	ReconnectMin     string   `json:"reconnect_min,omitempty"` // default 500ms
	ReconnectMax     string   `json:"reconnect_max,omitempty"` // default 30s
}

// HTTPConfig controls the API listener. The bearer token comes from
// STORENOTIFY_API_TOKEN; binding a non-loopback addr without it requires
// allow_insecure.
type HTTPConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"` // default 127.0.0.1:8080
	AllowInsecure  bool     `json:"allow_insecure,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	IdleTimeout    string   `json:"idle_timeout,omitempty"`
	Pprof          bool     `json:"pprof,omitempty"`
}
