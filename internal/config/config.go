// Package config loads and validates the gatekeeper configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Storage and limiter backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendRedis    = "redis"
)

// Hash algorithms accepted by auth.hashAlgorithm.
const (
	HashSHA256 = "sha256"
	HashBlake3 = "blake3"
	HashBcrypt = "bcrypt"
)

// Defaults.
const (
	DefaultTokenPrefix       = "ayu_"
	DefaultTokenLifetime     = 90 * 24 * time.Hour
	MaxTokenLifetime         = 365 * 24 * time.Hour
	DefaultRateLimit         = 100
	DefaultRateWindow        = time.Minute
	DefaultAuditRetention    = 90 * 24 * time.Hour
	DefaultAuditMaxEntries   = 10000
	DefaultAdminCapability   = "manage_options"
	DefaultSessionCapability = "use_ayu"
	DefaultSessionMaxAge     = 15 * time.Minute
	MinSessionSecretLength   = 32
	DefaultHousekeeping      = 10 * time.Minute
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration document.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimit    RateLimitConfig    `yaml:"rateLimit"`
	Audit        AuditConfig        `yaml:"audit"`
	Storage      StorageConfig      `yaml:"storage"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Vault        VaultConfig        `yaml:"vault"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string           `yaml:"address"`
	ReadTimeout     Duration         `yaml:"readTimeout"`
	WriteTimeout    Duration         `yaml:"writeTimeout"`
	ShutdownTimeout Duration         `yaml:"shutdownTimeout"`
	FloodGuard      FloodGuardConfig `yaml:"floodGuard"`
	// TrustedProxies lists addresses or CIDRs allowed to name the client
	// through forwarding headers. Empty trusts none.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// FloodGuardConfig bounds unauthenticated traffic per source address
// before any credential work is done. Zero RPS disables it.
type FloodGuardConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// LogConfig configures the operational logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AuthConfig configures token issuance and verification.
type AuthConfig struct {
	TokenPrefix       string   `yaml:"tokenPrefix"`
	DefaultLifetime   Duration `yaml:"defaultLifetime"`
	MaxLifetime       Duration `yaml:"maxLifetime"`
	HashAlgorithm     string   `yaml:"hashAlgorithm"`
	BcryptCost        int      `yaml:"bcryptCost"`
	Pepper            string   `yaml:"pepper"`
	AdminCapability   string   `yaml:"adminCapability"`
	SessionCapability string   `yaml:"sessionCapability"`
	// SessionHeader names the header carrying a signed session assertion
	// minted by a trusted upstream. Empty disables the session path.
	SessionHeader string `yaml:"sessionHeader"`
	// SessionSecret is shared with the upstream and signs assertions.
	SessionSecret    string   `yaml:"sessionSecret"`
	SessionMaxAge    Duration `yaml:"sessionMaxAge"`
	CapabilitiesFile string   `yaml:"capabilitiesFile"`
}

// RateLimitConfig configures per-credential throttling.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   Duration      `yaml:"window"`
	Backend  string        `yaml:"backend"`
	Fallback bool          `yaml:"fallback"`
	Redis    RedisConfig   `yaml:"redis"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// RedisConfig configures the Redis connection used by the distributed limiter.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BreakerConfig configures the circuit breaker guarding Redis.
type BreakerConfig struct {
	Threshold int      `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Retention  Duration `yaml:"retention"`
	MaxEntries int      `yaml:"maxEntries"`
	LogEntries bool     `yaml:"logEntries"`
	Backend    string   `yaml:"backend"`
	// QueueSize bounds entries buffered ahead of the store.
	QueueSize int `yaml:"queueSize"`
}

// StorageConfig selects the token store.
type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig configures the Postgres connection shared by the token and
// audit stores.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"maxOpenConns"`
	ConnectRetries int    `yaml:"connectRetries"`
	Migrate        bool   `yaml:"migrate"`
}

// HousekeepingConfig configures the background janitor.
type HousekeepingConfig struct {
	Interval Duration `yaml:"interval"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	ServiceName  string  `yaml:"serviceName"`
}

// VaultConfig configures the optional Vault pepper source.
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	MountPath  string `yaml:"mountPath"`
	PepperPath string `yaml:"pepperPath"`
	PepperKey  string `yaml:"pepperKey"`
}

// DefaultConfig returns a configuration usable without a file: in-memory
// stores, local limiter, built-in capability table.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			FloodGuard:      FloodGuardConfig{RPS: 50, Burst: 100},
		},
		Log: LogConfig{Level: "info", Format: "json", Output: "stdout"},
		Auth: AuthConfig{
			TokenPrefix:       DefaultTokenPrefix,
			DefaultLifetime:   Duration(DefaultTokenLifetime),
			MaxLifetime:       Duration(MaxTokenLifetime),
			HashAlgorithm:     HashSHA256,
			BcryptCost:        10,
			AdminCapability:   DefaultAdminCapability,
			SessionCapability: DefaultSessionCapability,
			SessionMaxAge:     Duration(DefaultSessionMaxAge),
		},
		RateLimit: RateLimitConfig{
			Requests: DefaultRateLimit,
			Window:   Duration(DefaultRateWindow),
			Backend:  BackendLocal,
			Fallback: true,
			Redis:    RedisConfig{Address: "localhost:6379", Prefix: "gatekeeper:ratelimit:"},
			Breaker:  BreakerConfig{Threshold: 5, Timeout: Duration(30 * time.Second)},
		},
		Audit: AuditConfig{
			Retention:  Duration(DefaultAuditRetention),
			MaxEntries: DefaultAuditMaxEntries,
			LogEntries: true,
			Backend:    BackendMemory,
			QueueSize:  1024,
		},
		Storage: StorageConfig{
			Backend:  BackendMemory,
			Postgres: PostgresConfig{MaxOpenConns: 10, ConnectRetries: 5, Migrate: true},
		},
		Housekeeping: HousekeepingConfig{Interval: Duration(DefaultHousekeeping)},
		Tracing:      TracingConfig{SamplingRate: 1.0, ServiceName: "gatekeeper"},
		Vault:        VaultConfig{MountPath: "secret", PepperKey: "pepper"},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	for _, proxy := range c.Server.TrustedProxies {
		if !validProxy(proxy) {
			errs = append(errs, fmt.Sprintf("server.trustedProxies entry %q is not an address or CIDR", proxy))
		}
	}

	if c.Auth.TokenPrefix == "" {
		errs = append(errs, "auth.tokenPrefix must not be empty")
	}
	if c.Auth.DefaultLifetime <= 0 {
		errs = append(errs, "auth.defaultLifetime must be positive")
	}
	if c.Auth.MaxLifetime < c.Auth.DefaultLifetime {
		errs = append(errs, "auth.maxLifetime must be >= auth.defaultLifetime")
	}
	switch c.Auth.HashAlgorithm {
	case HashSHA256, HashBlake3, HashBcrypt:
	default:
		errs = append(errs, fmt.Sprintf("auth.hashAlgorithm %q is not supported", c.Auth.HashAlgorithm))
	}
	if c.Auth.AdminCapability == "" {
		errs = append(errs, "auth.adminCapability must not be empty")
	}
	if c.Auth.SessionHeader != "" {
		if len(c.Auth.SessionSecret) < MinSessionSecretLength {
			errs = append(errs, fmt.Sprintf("auth.sessionSecret must be at least %d bytes when auth.sessionHeader is set", MinSessionSecretLength))
		}
		if c.Auth.SessionMaxAge <= 0 {
			errs = append(errs, "auth.sessionMaxAge must be positive")
		}
	}

	if c.RateLimit.Requests <= 0 {
		errs = append(errs, "rateLimit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, "rateLimit.window must be positive")
	}
	switch c.RateLimit.Backend {
	case BackendLocal:
	case BackendRedis:
		if c.RateLimit.Redis.Address == "" {
			errs = append(errs, "rateLimit.redis.address is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("rateLimit.backend %q is not supported", c.RateLimit.Backend))
	}

	if c.Audit.Retention <= 0 {
		errs = append(errs, "audit.retention must be positive")
	}
	if c.Audit.MaxEntries <= 0 {
		errs = append(errs, "audit.maxEntries must be positive")
	}
	if c.Audit.QueueSize <= 0 {
		errs = append(errs, "audit.queueSize must be positive")
	}

	usesPostgres := false
	for name, backend := range map[string]string{"storage.backend": c.Storage.Backend, "audit.backend": c.Audit.Backend} {
		switch backend {
		case BackendMemory:
		case BackendPostgres:
			usesPostgres = true
		default:
			errs = append(errs, fmt.Sprintf("%s %q is not supported", name, backend))
		}
	}
	if usesPostgres && c.Storage.Postgres.DSN == "" {
		errs = append(errs, "storage.postgres.dsn is required when a postgres backend is selected")
	}

	if c.Housekeeping.Interval <= 0 {
		errs = append(errs, "housekeeping.interval must be positive")
	}

	if c.Vault.Enabled && (c.Vault.Address == "" || c.Vault.PepperPath == "") {
		errs = append(errs, "vault.address and vault.pepperPath are required when vault is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func validProxy(s string) bool {
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// UsesPostgres reports whether any store needs a Postgres connection.
func (c *Config) UsesPostgres() bool {
	return c.Storage.Backend == BackendPostgres || c.Audit.Backend == BackendPostgres
}
