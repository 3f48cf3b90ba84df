package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tweetbook.app/internal/auth"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Policy kinds.
const (
	KindEmailDomain = "email_domain"
	KindRole        = "role"
)

type Config struct {
	Server struct {
		Addr          string `yaml:"addr"`
		GRPCAddr      string `yaml:"grpc_addr"`
		MaxBodyBytes  int64  `yaml:"max_body_bytes"`
		RateBurst     int    `yaml:"rate_burst"`
		RatePerSecond int    `yaml:"rate_per_second"`
	} `yaml:"server"`

	Auth struct {
		Secret         string        `yaml:"secret"`
		Issuer         string        `yaml:"issuer"`
		AccessTTL      time.Duration `yaml:"access_ttl"`
		RefreshTTL     time.Duration `yaml:"refresh_ttl"`
		StorageTimeout time.Duration `yaml:"storage_timeout"`
		RevokeOnReuse  bool          `yaml:"revoke_on_reuse"`
	} `yaml:"auth"`

	Storage struct {
		Driver        string `yaml:"driver"`         // accounts: memory | postgres
		RefreshTokens string `yaml:"refresh_tokens"` // memory | postgres | redis; empty follows driver
		PostgresDSN   string `yaml:"postgres_dsn"`
		Redis         struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Policies []PolicyConfig `yaml:"policies"`
}

// PolicyConfig declares one named authorization policy.
type PolicyConfig struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
}

// Load reads path (optional), applies defaults and then TWEETBOOK_*
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":9090"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 20
	}
	if c.Server.RatePerSecond == 0 {
		c.Server.RatePerSecond = 5
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = auth.DefaultIssuer
	}
	if c.Auth.AccessTTL == 0 {
		c.Auth.AccessTTL = auth.DefaultAccessTTL
	}
	if c.Auth.RefreshTTL == 0 {
		c.Auth.RefreshTTL = auth.DefaultRefreshTTL
	}
	if c.Auth.StorageTimeout == 0 {
		c.Auth.StorageTimeout = 3 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "tweetbook:refresh:"
	}
	if len(c.Policies) == 0 {
		c.Policies = []PolicyConfig{{Name: "MustWorkForChapsas", Kind: KindEmailDomain, Value: "chapsas.com"}}
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("TWEETBOOK_HTTP_ADDR", &c.Server.Addr)
	str("TWEETBOOK_GRPC_ADDR", &c.Server.GRPCAddr)
	str("TWEETBOOK_JWT_SECRET", &c.Auth.Secret)
	str("TWEETBOOK_STORAGE_DRIVER", &c.Storage.Driver)
	str("TWEETBOOK_REFRESH_TOKEN_STORE", &c.Storage.RefreshTokens)
	str("TWEETBOOK_DATABASE_URL", &c.Storage.PostgresDSN)
	str("TWEETBOOK_REDIS_ADDR", &c.Storage.Redis.Addr)
	str("TWEETBOOK_REDIS_PASSWORD", &c.Storage.Redis.Password)

	if v, ok := lookup("TWEETBOOK_ACCESS_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TWEETBOOK_ACCESS_TTL: %w", err)
		}
		c.Auth.AccessTTL = d
	}
	if v, ok := lookup("TWEETBOOK_REFRESH_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TWEETBOOK_REFRESH_TTL: %w", err)
		}
		c.Auth.RefreshTTL = d
	}
	if v, ok := lookup("TWEETBOOK_REVOKE_ON_REUSE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TWEETBOOK_REVOKE_ON_REUSE: %w", err)
		}
		c.Auth.RevokeOnReuse = b
	}
	return nil
}

// RefreshTokenDriver resolves the refresh token backend.
func (c *Config) RefreshTokenDriver() string {
	if c.Storage.RefreshTokens == "" {
		return c.Storage.Driver
	}
	return c.Storage.RefreshTokens
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Settings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth token lifetimes must be positive"))
	}
	if c.Auth.StorageTimeout <= 0 {
		errs = append(errs, errors.New("auth.storage_timeout must be positive"))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	switch c.RefreshTokenDriver() {
	case DriverMemory:
		if c.Storage.Driver != DriverMemory {
			errs = append(errs, errors.New("in-memory refresh tokens require in-memory accounts"))
		}
	case DriverPostgres:
		if c.Storage.Driver != DriverPostgres {
			errs = append(errs, errors.New("postgres refresh tokens require postgres accounts"))
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for redis refresh tokens"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.refresh_tokens %q is not supported", c.Storage.RefreshTokens))
	}
	if _, err := c.BuildPolicies(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Settings builds the token settings handed to the issuer.
func (c *Config) Settings() auth.Settings {
	return auth.Settings{
		Secret:     []byte(c.Auth.Secret),
		Issuer:     c.Auth.Issuer,
		AccessTTL:  c.Auth.AccessTTL,
		RefreshTTL: c.Auth.RefreshTTL,
	}
}

// BuildPolicies turns the declared policies into evaluator input.
func (c *Config) BuildPolicies() ([]auth.Policy, error) {
	out := make([]auth.Policy, 0, len(c.Policies))
	for i, p := range c.Policies {
		name := strings.TrimSpace(p.Name)
		value := strings.TrimSpace(p.Value)
		if name == "" {
			return nil, fmt.Errorf("policies[%d]: name is required", i)
		}
		if value == "" {
			return nil, fmt.Errorf("policy %q: value is required", name)
		}
		var pred auth.Predicate
		switch p.Kind {
		case KindEmailDomain:
			pred = auth.EmailDomain(value)
		case KindRole:
			pred = auth.HasRole(value)
		default:
			return nil, fmt.Errorf("policy %q: unknown kind %q", name, p.Kind)
		}
		out = append(out, auth.Policy{Name: name, Predicate: pred})
	}
	return out, nil
}
