// Package config loads service settings from an optional YAML file and the environment.
package config

import (
    "bytes"
    "errors"
    "fmt"
    "io"
    "os"
    "strconv"
    "strings"
    "time"

    "gopkg.in/yaml.v3"
)

type Config struct {
    Server    ServerConfig    `yaml:"server"`
    Log       LogConfig       `yaml:"log"`
    Database  DatabaseConfig  `yaml:"database"`
    Redis     RedisConfig     `yaml:"redis"`
    Auth      AuthConfig      `yaml:"auth"`
    RateLimit RateLimitConfig `yaml:"rate_limit"`
    Webhooks  WebhooksConfig  `yaml:"webhooks"`
}

type ServerConfig struct {
    Port              int           `yaml:"port"`
    ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
    ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
    // AllowOrigins is checked against the websocket Origin header; empty allows same-host only.
    AllowOrigins []string `yaml:"allow_origins"`
}

type LogConfig struct {
    Level  string `yaml:"level"`
    Format string `yaml:"format"` // json or text
}

type DatabaseConfig struct {
    // URL selects the Postgres store; empty uses the in-memory store.
    URL     string `yaml:"url"`
    Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
    // URL enables shared health counters and the cross-replica update stream.
    URL string `yaml:"url"`
}

type AuthConfig struct {
    Mode       string `yaml:"mode"` // dev, hmac or jwks
    HMACSecret string `yaml:"hmac_secret"`
    JWKSURL    string `yaml:"jwks_url"`
    OwnerClaim string `yaml:"owner_claim"`
    RoleClaim  string `yaml:"role_claim"`
}

type RateLimitConfig struct {
    RPS   float64 `yaml:"rps"` // per owner; 0 disables limiting
    Burst int     `yaml:"burst"`
}

type WebhooksConfig struct {
    DeliveryWorkers       int           `yaml:"delivery_workers"`
    RetryWorkers          int           `yaml:"retry_workers"`
    QueueSize             int           `yaml:"queue_size"`
    Timeout               time.Duration `yaml:"timeout"`
    MaxAttempts           int           `yaml:"max_attempts"`
    PermanentClientErrors bool          `yaml:"permanent_client_errors"`
    Jitter                float64       `yaml:"jitter"`
    DeliveryRetention     time.Duration `yaml:"delivery_retention"`
    JanitorSchedule       string        `yaml:"janitor_schedule"`
    Health                HealthConfig  `yaml:"health"`
}

type HealthConfig struct {
    FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
    MinSamples           int64         `yaml:"min_samples"`
    Window               time.Duration `yaml:"window"`
    Retention            time.Duration `yaml:"retention"`
}

func Default() Config {
    return Config{
        Server:    ServerConfig{Port: 8080, ReadHeaderTimeout: 5 * time.Second, ShutdownTimeout: 30 * time.Second},
        Log:       LogConfig{Level: "info", Format: "json"},
        Database:  DatabaseConfig{Migrate: true},
        Auth:      AuthConfig{Mode: "dev", OwnerClaim: "sub", RoleClaim: "role"},
        RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
        Webhooks: WebhooksConfig{
            DeliveryWorkers:       5,
            RetryWorkers:          2,
            QueueSize:             1000,
            Timeout:               30 * time.Second,
            MaxAttempts:           3,
            PermanentClientErrors: true,
            Jitter:                0.1,
            DeliveryRetention:     30 * 24 * time.Hour,
            JanitorSchedule:       "@hourly",
            Health: HealthConfig{
                FailureRateThreshold: 0.9,
                MinSamples:           20,
                Window:               24 * time.Hour,
                Retention:            30 * 24 * time.Hour,
            },
        },
    }
}

// Load reads path (when non-empty) over the defaults, then applies environment overrides.
func Load(path string) (Config, error) {
    cfg := Default()
    if path != "" {
        b, err := os.ReadFile(path)
        if err != nil { return Config{}, fmt.Errorf("read config: %w", err) }
        dec := yaml.NewDecoder(bytes.NewReader(b))
        dec.KnownFields(true)
        if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
            return Config{}, fmt.Errorf("parse config %s: %w", path, err)
        }
    }
    if err := applyEnv(&cfg, os.Getenv); err != nil { return Config{}, err }
    if err := cfg.Validate(); err != nil { return Config{}, err }
    return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
    var errs []error
    str := func(key string, dst *string) {
        if v := strings.TrimSpace(getenv(key)); v != "" { *dst = v }
    }
    num := func(key string, dst *int) {
        if v := strings.TrimSpace(getenv(key)); v != "" {
            n, err := strconv.Atoi(v)
            if err != nil { errs = append(errs, fmt.Errorf("%s: %w", key, err)); return }
            *dst = n
        }
    }
    flt := func(key string, dst *float64) {
        if v := strings.TrimSpace(getenv(key)); v != "" {
            f, err := strconv.ParseFloat(v, 64)
            if err != nil { errs = append(errs, fmt.Errorf("%s: %w", key, err)); return }
            *dst = f
        }
    }
    dur := func(key string, dst *time.Duration) {
        if v := strings.TrimSpace(getenv(key)); v != "" {
            d, err := time.ParseDuration(v)
            if err != nil { errs = append(errs, fmt.Errorf("%s: %w", key, err)); return }
            *dst = d
        }
    }
    boolean := func(key string, dst *bool) {
        if v := strings.TrimSpace(getenv(key)); v != "" {
            b, err := strconv.ParseBool(v)
            if err != nil { errs = append(errs, fmt.Errorf("%s: %w", key, err)); return }
            *dst = b
        }
    }

    num("PORT", &cfg.Server.Port)
    str("LOG_LEVEL", &cfg.Log.Level)
    str("DATABASE_URL", &cfg.Database.URL)
    boolean("DB_MIGRATE", &cfg.Database.Migrate)
    str("REDIS_URL", &cfg.Redis.URL)
    str("AUTH_MODE", &cfg.Auth.Mode)
    str("AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)
    str("AUTH_JWKS_URL", &cfg.Auth.JWKSURL)
    str("AUTH_OWNER_CLAIM", &cfg.Auth.OwnerClaim)
    str("AUTH_ROLE_CLAIM", &cfg.Auth.RoleClaim)
    if v := strings.TrimSpace(getenv("ALLOW_ORIGINS")); v != "" {
        cfg.Server.AllowOrigins = nil
        for _, o := range strings.Split(v, ",") {
            if o = strings.TrimSpace(o); o != "" { cfg.Server.AllowOrigins = append(cfg.Server.AllowOrigins, o) }
        }
    }
    flt("RATE_RPS", &cfg.RateLimit.RPS)
    num("RATE_BURST", &cfg.RateLimit.Burst)
    num("WEBHOOK_DELIVERY_WORKERS", &cfg.Webhooks.DeliveryWorkers)
    num("WEBHOOK_RETRY_WORKERS", &cfg.Webhooks.RetryWorkers)
    num("WEBHOOK_MAX_ATTEMPTS", &cfg.Webhooks.MaxAttempts)
    dur("WEBHOOK_TIMEOUT", &cfg.Webhooks.Timeout)
    flt("WEBHOOK_HEALTH_THRESHOLD", &cfg.Webhooks.Health.FailureRateThreshold)
    return errors.Join(errs...)
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
    var errs []error
    if c.Server.Port <= 0 || c.Server.Port > 65535 { errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port)) }
    switch strings.ToLower(c.Auth.Mode) {
    case "dev":
    case "hmac":
        if c.Auth.HMACSecret == "" { errs = append(errs, errors.New("auth.hmac_secret is required in hmac mode")) }
    case "jwks":
        if c.Auth.JWKSURL == "" { errs = append(errs, errors.New("auth.jwks_url is required in jwks mode")) }
    default:
        errs = append(errs, fmt.Errorf("auth.mode must be dev, hmac or jwks: %q", c.Auth.Mode))
    }
    if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1) {
        errs = append(errs, errors.New("rate_limit needs rps >= 0 and burst >= 1"))
    }
    w := c.Webhooks
    if w.DeliveryWorkers < 1 || w.RetryWorkers < 1 { errs = append(errs, errors.New("webhooks workers must be at least 1")) }
    if w.QueueSize < 1 { errs = append(errs, errors.New("webhooks.queue_size must be at least 1")) }
    if w.Timeout <= 0 { errs = append(errs, errors.New("webhooks.timeout must be positive")) }
    if w.MaxAttempts < 1 || w.MaxAttempts > 10 { errs = append(errs, fmt.Errorf("webhooks.max_attempts must be 1..10: %d", w.MaxAttempts)) }
    if w.Jitter < 0 || w.Jitter >= 1 { errs = append(errs, errors.New("webhooks.jitter must be in [0, 1)")) }
    if w.DeliveryRetention <= 0 { errs = append(errs, errors.New("webhooks.delivery_retention must be positive")) }
    h := w.Health
    if h.FailureRateThreshold <= 0 || h.FailureRateThreshold > 1 { errs = append(errs, errors.New("webhooks.health.failure_rate_threshold must be in (0, 1]")) }
    if h.MinSamples < 1 { errs = append(errs, errors.New("webhooks.health.min_samples must be at least 1")) }
    if h.Window < time.Hour || h.Retention < h.Window { errs = append(errs, errors.New("webhooks.health needs window >= 1h and retention >= window")) }
    return errors.Join(errs...)
}
