// config - источник загрузки конфигурации клиента authsession.
//
// Источники (по убыванию приоритета):
//  1. явный путь --config;
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. только ENV (cleanenv).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Драйверы хранилища сессии.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

// ErrInvalidConfig - конфигурация прочитана, но не проходит валидацию.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Env       string          `yaml:"env" env:"ENV" env-default:"local"`
	API       APIConfig       `yaml:"api"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DevServer DevServerConfig `yaml:"dev_server"`
}

// APIConfig - удалённый API, с которым работает клиент.
type APIConfig struct {
	BaseURL   string `yaml:"base_url"   env:"API_BASE_URL"   env-default:"http://localhost:50090/api"`
	UserAgent string `yaml:"user_agent" env:"API_USER_AGENT" env-default:"authsession"`
}

// TimeoutConfig - дедлайн одной попытки исходящего запроса (включая обновление токенов).
type TimeoutConfig struct {
	Request time.Duration `yaml:"request" env:"REQUEST_TIMEOUT" env-default:"10s"`
}

// StorageConfig - где хранится сессия между запусками.
type StorageConfig struct {
	Driver      string `yaml:"driver"       env:"STORAGE_DRIVER"       env-default:"file"`
	FilePath    string `yaml:"file_path"    env:"STORAGE_FILE_PATH"    env-default:".authsession/session.json"`
	RedisURL    string `yaml:"redis_url"    env:"STORAGE_REDIS_URL"    env-default:"redis://localhost:6379/0"`
	RedisPrefix string `yaml:"redis_prefix" env:"STORAGE_REDIS_PREFIX" env-default:"authsession:"`
}

// SessionConfig - политика менеджера сессии.
type SessionConfig struct {
	// LogoutOnTransientError - разлогинивать при сетевой ошибке валидации на старте.
	LogoutOnTransientError bool `yaml:"logout_on_transient_error" env:"SESSION_LOGOUT_ON_TRANSIENT_ERROR" env-default:"false"`
	// RefreshProfileOnRenew - перечитывать профиль после обновления токенов.
	RefreshProfileOnRenew bool `yaml:"refresh_profile_on_renew" env:"SESSION_REFRESH_PROFILE_ON_RENEW" env-default:"false"`
}

// MetricsConfig - отдельный HTTP для Prometheus.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"false"`
	Host    string `yaml:"host"    env:"METRICS_HOST"    env-default:"0.0.0.0"`
	Port    string `yaml:"port"    env:"METRICS_PORT"    env-default:"50085"`
}

func (m MetricsConfig) Addr() string { return net.JoinHostPort(m.Host, m.Port) }

// DevServerConfig - локальный auth API для разработки и e2e-тестов.
type DevServerConfig struct {
	Host            string        `yaml:"host"              env:"DEV_HOST"              env-default:"127.0.0.1"`
	Port            string        `yaml:"port"              env:"DEV_PORT"              env-default:"50090"`
	BasePath        string        `yaml:"base_path"         env:"DEV_BASE_PATH"         env-default:"/api"`
	JWTSecret       string        `yaml:"jwt_secret"        env:"DEV_JWT_SECRET"        env-default:"dev-secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"  env:"DEV_ACCESS_TOKEN_TTL"  env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"DEV_REFRESH_TOKEN_TTL" env-default:"720h"`
	Issuer          string        `yaml:"issuer"            env:"DEV_ISSUER"            env-default:"authsession-dev"`
	LoginRate       int           `yaml:"login_rate"        env:"DEV_LOGIN_RATE"        env-default:"10"`
}

func (d DevServerConfig) Addr() string { return net.JoinHostPort(d.Host, d.Port) }

// MustLoad - паника при ошибке загрузки.
func MustLoad(path string) *Config {
	cfg, err := Load(path)

	if err != nil {
		panic(err)
	}

	return cfg
}

func Load(path string) (*Config, error) {
	var cfg Config

	tryRead := func(p string) (*Config, error) {
		if p == "" {
			return nil, fmt.Errorf("empty config path")
		}

		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}

		return validated(&cfg)
	}

	// 1) --config
	if path != "" {
		return tryRead(path)
	}

	// 2) CONFIG_PATH
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}

	// 3) ./local.yaml
	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	// 4) только ENV
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}

	return validated(&cfg)
}

func validated(cfg *Config) (*Config, error) {
	switch cfg.Storage.Driver {
	case StorageMemory, StorageFile, StorageRedis:
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, cfg.Storage.Driver)
	}

	if cfg.API.BaseURL == "" {
		return nil, fmt.Errorf("%w: api.base_url is empty", ErrInvalidConfig)
	}

	if cfg.Timeouts.Request < 0 {
		return nil, fmt.Errorf("%w: negative request timeout", ErrInvalidConfig)
	}

	return cfg, nil
}
