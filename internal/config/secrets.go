package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"storenotify/internal/apperr"
)

// Secrets are credentials read from the environment (optionally a .env file).
// They are never part of Config so config reloads and logs cannot leak them.
type Secrets struct {
	DatabaseURL     string `env:"DATABASE_URL"`
	RedisURL        string `env:"REDIS_URL"`
	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:notifications@localhost"`
	TelegramToken   string `env:"TELEGRAM_TOKEN"`
	APIToken        string `env:"API_TOKEN"`
}

const envPrefix = "STORENOTIFY_"

// LoadSecrets loads dotenv files (missing files are ignored) and parses
// STORENOTIFY_* variables.
func LoadSecrets(dotenvFiles ...string) (Secrets, error) {
	for _, f := range dotenvFiles {
		// A missing .env is normal in production.
		_ = godotenv.Load(f)
	}
	var s Secrets
	if err := env.ParseWithOptions(&s, env.Options{Prefix: envPrefix}); err != nil {
		return s, apperr.New(apperr.KindConfiguration, "config.LoadSecrets", err)
	}
	return s, nil
}

// Check reports missing credentials required by the enabled features.
func (s Secrets) Check(st Settings) error {
	var missing []string
	if st.Storage.Driver == "postgres" && strings.TrimSpace(s.DatabaseURL) == "" {
		missing = append(missing, envPrefix+"DATABASE_URL")
	}
	if st.Guard.Strategy == "native" && strings.TrimSpace(s.RedisURL) == "" {
		missing = append(missing, envPrefix+"REDIS_URL")
	}
	if st.Push.Enabled {
		if strings.TrimSpace(s.VAPIDPublicKey) == "" {
			missing = append(missing, envPrefix+"VAPID_PUBLIC_KEY")
		}
		if strings.TrimSpace(s.VAPIDPrivateKey) == "" {
			missing = append(missing, envPrefix+"VAPID_PRIVATE_KEY")
		}
	}
	if st.LocalEnabled && strings.TrimSpace(s.TelegramToken) == "" {
		missing = append(missing, envPrefix+"TELEGRAM_TOKEN")
	}
	if len(missing) > 0 {
		return apperr.Newf(apperr.KindConfiguration, "config.Secrets.Check", "missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}
