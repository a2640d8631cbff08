package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "USERMANAGE"

// minSecretLength mirrors the HS256 key size enforced by the token codec.
const minSecretLength = 32

type Config struct {
	App       AppSettings       `mapstructure:"app"`
	HTTP      HTTPSettings      `mapstructure:"http"`
	GRPC      GRPCSettings      `mapstructure:"grpc"`
	JWT       JWTSettings       `mapstructure:"jwt"`
	Authz     AuthzSettings     `mapstructure:"authz"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Seed      SeedSettings      `mapstructure:"seed"`
}

type AppSettings struct {
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
	Commit  string `mapstructure:"commit"`
}

type HTTPSettings struct {
	Addr            string        `mapstructure:"addr"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCSettings struct {
	Addr string `mapstructure:"addr"`
}

// JWTSettings holds the token options: issuer and audience must match on
// every verify, SecretKey signs and verifies, and the two validity values
// set token lifetimes.
type JWTSettings struct {
	Issuer                     string `mapstructure:"issuer"`
	Audience                   string `mapstructure:"audience"`
	SecretKey                  string `mapstructure:"secret_key"`
	TokenValidityInMinutes     int    `mapstructure:"token_validity_in_minutes"`
	RefreshTokenValidityInDays int    `mapstructure:"refresh_token_validity_in_days"`
}

// AccessTTL returns the access token lifetime.
func (j JWTSettings) AccessTTL() time.Duration {
	return time.Duration(j.TokenValidityInMinutes) * time.Minute
}

// RefreshTTL returns the refresh token lifetime.
func (j JWTSettings) RefreshTTL() time.Duration {
	return time.Duration(j.RefreshTokenValidityInDays) * 24 * time.Hour
}

type AuthzSettings struct {
	DefaultDeny bool `mapstructure:"default_deny"`
}

// PostgresSettings configures the credential store. An empty DSN selects
// the in-memory store.
type PostgresSettings struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisSettings configures refresh token storage. An empty Addr keeps
// refresh tokens in the credential store.
type RedisSettings struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// KafkaSettings configures the security event publisher. No brokers means
// events are only logged.
type KafkaSettings struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RateLimitSettings struct {
	Burst     int `mapstructure:"burst"`
	PerSecond int `mapstructure:"per_second"`
}

// SeedSettings creates an administrator in the in-memory store. Ignored
// when a PostgreSQL DSN is configured.
type SeedSettings struct {
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
}

var keys = []string{
	"app.env",
	"app.version",
	"app.commit",
	"http.addr",
	"http.max_body_bytes",
	"http.read_timeout",
	"http.write_timeout",
	"http.shutdown_timeout",
	"grpc.addr",
	"jwt.issuer",
	"jwt.audience",
	"jwt.secret_key",
	"jwt.token_validity_in_minutes",
	"jwt.refresh_token_validity_in_days",
	"authz.default_deny",
	"postgres.dsn",
	"postgres.max_open_conns",
	"postgres.max_idle_conns",
	"postgres.conn_max_lifetime",
	"redis.addr",
	"redis.password",
	"redis.db",
	"redis.key_prefix",
	"kafka.brokers",
	"kafka.topic",
	"rate_limit.burst",
	"rate_limit.per_second",
	"seed.admin_username",
	"seed.admin_password",
}

// Load reads dotenv files (missing ones are skipped), an optional
// config.yaml and USERMANAGE_* environment variables, in increasing order of
// precedence for the last two. It fails when the result is unusable.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envPrefix+"_"+envKey); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.JWT.SecretKey) == "":
		return errors.New("config: jwt.secret_key is required")
	case len(c.JWT.SecretKey) < minSecretLength:
		return fmt.Errorf("config: jwt.secret_key must be at least %d bytes", minSecretLength)
	case strings.TrimSpace(c.JWT.Issuer) == "" || strings.TrimSpace(c.JWT.Audience) == "":
		return errors.New("config: jwt.issuer and jwt.audience are required")
	case c.JWT.TokenValidityInMinutes <= 0:
		return errors.New("config: jwt.token_validity_in_minutes must be positive")
	case c.JWT.RefreshTokenValidityInDays <= 0:
		return errors.New("config: jwt.refresh_token_validity_in_days must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.commit", "none")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "15s")

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("jwt.issuer", "usermanage")
	v.SetDefault("jwt.audience", "usermanage-api")
	v.SetDefault("jwt.token_validity_in_minutes", 180)
	v.SetDefault("jwt.refresh_token_validity_in_days", 7)

	v.SetDefault("authz.default_deny", false)

	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 2)
	v.SetDefault("postgres.conn_max_lifetime", "30m")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "usermanage:refresh")

	v.SetDefault("kafka.topic", "usermanage.security-events")

	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.per_second", 5)
}
