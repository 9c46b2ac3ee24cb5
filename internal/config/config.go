package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port       string   `env:"PORT" envDefault:"8080"`
	AppEnv     string   `env:"APP_ENV" envDefault:"development"`
	CORSOrigin []string `env:"CORS_ORIGIN" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:5174,http://localhost:5175"`
	InstanceID string   `env:"INSTANCE_ID"`

	// postgres | memory
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	// postgres | mongo | memory; empty follows StoreDriver
	EventStore string `env:"EVENT_STORE"`

	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName     string `env:"DB_NAME" envDefault:"proctoring"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	MongoURL string `env:"MONGO_URL" envDefault:"mongodb://localhost:27017"`
	MongoDB  string `env:"MONGO_DB" envDefault:"proctoring"`

	// Empty means the in-memory TTL store (single instance only).
	RedisURL string `env:"REDIS_URL"`

	JWTAccessSecret  string        `env:"JWT_ACCESS_SECRET" envDefault:"access_secret_change_me"`
	JWTRefreshSecret string        `env:"JWT_REFRESH_SECRET" envDefault:"refresh_secret_change_me"`
	JWTMobileSecret  string        `env:"JWT_MOBILE_SECRET" envDefault:"mobile_secret_change_me"`
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"336h"`
	MobileTokenTTL   time.Duration `env:"MOBILE_TOKEN_TTL" envDefault:"2h"`

	PairingTokenTTL   time.Duration `env:"PAIRING_TOKEN_TTL" envDefault:"300s"`
	HeartbeatTTL      time.Duration `env:"HEARTBEAT_TTL" envDefault:"20s"`
	AutoSubmitAt      int           `env:"VIOLATION_AUTOSUBMIT_THRESHOLD" envDefault:"100"`
	FlagAt            int           `env:"VIOLATION_FLAG_THRESHOLD" envDefault:"70"`
	AIEngineURL       string        `env:"AI_ENGINE_URL" envDefault:"http://localhost:8090"`
	PerceptionTimeout time.Duration `env:"PERCEPTION_TIMEOUT" envDefault:"3s"`
	MobileAppBaseURL  string        `env:"MOBILE_APP_BASE_URL" envDefault:"http://localhost:5174"`

	AdminEmail    string `env:"ADMIN_EMAIL" envDefault:"admin@example.com"`
	AdminPassword string `env:"ADMIN_PASSWORD" envDefault:"admin123"`
	AdminFullName string `env:"ADMIN_FULL_NAME" envDefault:"Administrator"`
	SeedDemo      bool   `env:"SEED_DEMO" envDefault:"true"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// Load reads .env (non-fatal if missing) and parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.MobileAppBaseURL = strings.TrimRight(cfg.MobileAppBaseURL, "/")
	cfg.AIEngineURL = strings.TrimRight(cfg.AIEngineURL, "/")
	if cfg.EventStore == "" {
		cfg.EventStore = cfg.StoreDriver
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.EventStore {
	case "postgres", "mongo", "memory":
	default:
		return fmt.Errorf("config: unknown EVENT_STORE %q", c.EventStore)
	}
	if c.EventStore == "postgres" && c.StoreDriver != "postgres" {
		return fmt.Errorf("config: EVENT_STORE=postgres requires STORE_DRIVER=postgres")
	}
	if c.AutoSubmitAt <= 0 {
		return fmt.Errorf("config: VIOLATION_AUTOSUBMIT_THRESHOLD must be positive")
	}
	if c.PairingTokenTTL <= 0 || c.HeartbeatTTL <= 0 {
		return fmt.Errorf("config: PAIRING_TOKEN_TTL and HEARTBEAT_TTL must be positive")
	}
	return nil
}

// Production is true outside development and test.
func (c *Config) Production() bool {
	return c.AppEnv != "development" && c.AppEnv != "test"
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode,
	)
}
