package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"storenotify/internal/apperr"
)

func TestDecodeYAMLAndRejectUnknownFields(t *testing.T) {
	t.Parallel()
	yml := []byte(`
logging:
  level: debug
delivery:
  in_app:
    banner_ttl: 2s
trigger:
  enabled: true
  sync_stores: [s1, s2]
`)
	cfg, err := Decode("c.yaml", yml)
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Delivery.InApp.BannerTTL != "2s" || len(cfg.Trigger.SyncStores) != 2 {
		t.Fatalf("unexpected cfg %+v", cfg)
	}

	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"bogus":1}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	s, err := Resolve(&Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Storage.Driver != "sqlite" || s.Storage.Feed != "bus" || s.Guard.Strategy != "emulated" {
		t.Fatalf("unexpected storage/guard defaults %+v", s)
	}
	if s.BannerTTL != DefaultBannerTTL || s.CategoryTTL != DefaultCategoryTTL || s.DedupWindow != DefaultDedupWindow {
		t.Fatalf("unexpected duration defaults banner=%v category=%v dedup=%v", s.BannerTTL, s.CategoryTTL, s.DedupWindow)
	}
	if s.Trigger.AlertWindow != 30*time.Minute || s.Trigger.Retention != 720*time.Hour {
		t.Fatalf("unexpected trigger defaults %+v", s.Trigger)
	}
	if s.Trigger.ReservationSweep != DefaultReservationSweep || s.Trigger.RetentionSweep != DefaultRetentionSweep {
		t.Fatalf("unexpected sweep defaults %+v", s.Trigger)
	}
}

func TestResolveExplicitZeroDedupDisables(t *testing.T) {
	t.Parallel()
	s, err := Resolve(&Config{Dispatch: DispatchConfig{DedupWindow: "0s"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.DedupWindow != 0 {
		t.Fatalf("DedupWindow = %v, want 0", s.DedupWindow)
	}
}

func TestResolveRejectsInvalid(t *testing.T) {
	t.Parallel()
	cases := map[string]*Config{
		"driver":   {Storage: StorageConfig{Driver: "mysql"}},
		"feed":     {Storage: StorageConfig{Feed: "postgres"}},
		"strategy": {Guard: GuardConfig{Strategy: "zookeeper"}},
		"duration": {Delivery: DeliveryConfig{InApp: InAppConfig{BannerTTL: "soon"}}},
		"negative": {Trigger: TriggerConfig{Retention: "-1h"}},
		"cron":     {Trigger: TriggerConfig{ReservationSweep: "every minute"}},
	}
	for name, cfg := range cases {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			if _, err := Resolve(cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSecretsCheck(t *testing.T) {
	t.Setenv("STORENOTIFY_VAPID_PUBLIC_KEY", "pub")
	t.Setenv("STORENOTIFY_VAPID_PRIVATE_KEY", "")
	sec, err := LoadSecrets(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if sec.VAPIDPublicKey != "pub" || sec.VAPIDSubject == "" {
		t.Fatalf("unexpected secrets %+v", sec)
	}

	var st Settings
	st.Push.Enabled = true
	err = sec.Check(st)
	if !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("Check error = %v, want configuration error", err)
	}

	st.Push.Enabled = false
	if err := sec.Check(st); err != nil {
		t.Fatalf("Check with push disabled: %v", err)
	}
}

func TestReloadSkipsUnchangedAndHonorsValidator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storenotify.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("unchanged reload: published=%v err=%v", published, err)
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		_, err := Resolve(cfg)
		return err
	})
	write(`{"logging":{"level":"info"},"storage":{"driver":"oracle"}}`)
	if published, err := m.Reload(context.Background()); err == nil || published {
		t.Fatalf("invalid reload: published=%v err=%v", published, err)
	}

	write(`{"logging":{"level":"debug"}}`)
	if published, err := m.Reload(context.Background()); err != nil || !published {
		t.Fatalf("valid reload: published=%v err=%v", published, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("expected published config")
	}

	changed, _ := SummarizeConfigChange(&Config{}, m.Get())
	if len(changed) != 1 || changed[0] != "logging" {
		t.Fatalf("changed = %v", changed)
	}
}

func TestDecodeSniffsFormatAndResolvesAliases(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("notifyd.conf", []byte(`{"http":{"enabled":true,"pprof":true}}`))
	if err != nil || !cfg.HTTP.Enabled || !cfg.HTTP.Pprof {
		t.Fatalf("json sniff = %+v, %v", cfg, err)
	}

	yml := []byte(`
trigger:
  reconnect_min: &short 250ms
  reconnect_max: *short
  retention: 30d
`)
	cfg, err = Decode("notifyd.conf", yml)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Trigger.ReconnectMax != "250ms" {
		t.Fatalf("alias not resolved: %+v", cfg.Trigger)
	}
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Trigger.Retention != 30*24*time.Hour || s.Trigger.ReconnectMax != 250*time.Millisecond {
		t.Fatalf("durations = %v %v", s.Trigger.Retention, s.Trigger.ReconnectMax)
	}

	if cfg, err := Decode("empty.yaml", nil); err != nil || cfg.HTTP.Enabled {
		t.Fatalf("empty yaml = %+v, %v", cfg, err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
		bad  bool
	}{
		{raw: "", want: 0},
		{raw: "90s", want: 90 * time.Second},
		{raw: "1.5d", want: 36 * time.Hour},
		{raw: "xd", bad: true},
		{raw: "-1m", bad: true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if tc.bad {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q = %v, %v", tc.raw, got, err)
		}
	}
}
