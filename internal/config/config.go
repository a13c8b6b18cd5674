package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"key_enclave/internal/utils/log"
)

const envPrefix = "ENCLAVE_"

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverMongo  = "mongo"
)

type Config struct {
	Listen        string           `yaml:"listen"`
	EnclaveOrigin string           `yaml:"enclaveOrigin"`
	ParentOrigin  string           `yaml:"parentOrigin"`
	Log           log.Config       `yaml:"log"`
	Store         StoreConfig      `yaml:"store"`
	Dialog        DialogConfig     `yaml:"dialog"`
	Affordance    AffordanceConfig `yaml:"affordance"`
	RateLimit     RateLimitConfig  `yaml:"rateLimit"`
}

type StoreConfig struct {
	Driver  string      `yaml:"driver"`
	SealKey string      `yaml:"sealKey"`
	Prefix  string      `yaml:"prefix"`
	Redis   RedisConfig `yaml:"redis"`
	Mongo   MongoConfig `yaml:"mongo"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type DialogConfig struct {
	ScreenWidth  int      `yaml:"screenWidth"`
	ScreenHeight int      `yaml:"screenHeight"`
	Launcher     []string `yaml:"launcher"`
}

type AffordanceConfig struct {
	AutoActivate bool `yaml:"autoActivate"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Default() Config {
	return Config{
		Listen:        "localhost:9090",
		EnclaveOrigin: "http://localhost:9090",
		Log:           log.Config{Level: "info"},
		Store: StoreConfig{
			Driver: DriverMemory,
			Prefix: "enclave:",
			Redis:  RedisConfig{Addr: "localhost:6379"},
			Mongo: MongoConfig{
				URI:        "mongodb://localhost:27017",
				Database:   "enclave",
				Collection: "enclave_store",
			},
		},
		Dialog: DialogConfig{
			ScreenWidth:  1920,
			ScreenHeight: 1080,
		},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
	}
}

// Load reads the YAML file at path over the defaults, then applies ENCLAVE_* overrides.
// An empty path skips the file. The result is not validated: callers apply their own
// overrides first and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	setString(&cfg.Listen, "LISTEN")
	setString(&cfg.EnclaveOrigin, "ENCLAVE_ORIGIN")
	setString(&cfg.ParentOrigin, "PARENT_ORIGIN")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setBool(&cfg.Log.Development, "LOG_DEVELOPMENT")

	setString(&cfg.Store.Driver, "STORE_DRIVER")
	setString(&cfg.Store.SealKey, "STORE_SEAL_KEY")
	setString(&cfg.Store.Prefix, "STORE_PREFIX")
	setString(&cfg.Store.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Store.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Store.Redis.DB, "REDIS_DB")
	setString(&cfg.Store.Mongo.URI, "MONGO_URI")
	setString(&cfg.Store.Mongo.Database, "MONGO_DATABASE")
	setString(&cfg.Store.Mongo.Collection, "MONGO_COLLECTION")

	if raw := env("DIALOG_LAUNCHER"); raw != "" {
		cfg.Dialog.Launcher = strings.Fields(raw)
	}
	setBool(&cfg.Affordance.AutoActivate, "AFFORDANCE_AUTO_ACTIVATE")

	if raw := env("RATE_LIMIT_RPS"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.RateLimit.RPS = v
		}
	}
	setInt(&cfg.RateLimit.Burst, "RATE_LIMIT_BURST")
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Listen == "" {
		result = multierror.Append(result, fmt.Errorf("listen is required"))
	}
	if err := validOrigin(c.ParentOrigin); err != nil {
		result = multierror.Append(result, fmt.Errorf("parentOrigin: %w", err))
	}
	if err := validOrigin(c.EnclaveOrigin); err != nil {
		result = multierror.Append(result, fmt.Errorf("enclaveOrigin: %w", err))
	}
	if c.ParentOrigin != "" && c.ParentOrigin == c.EnclaveOrigin {
		result = multierror.Append(result, fmt.Errorf("parentOrigin must differ from enclaveOrigin"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			result = multierror.Append(result, fmt.Errorf("store.redis.addr is required"))
		}
	case DriverMongo:
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" {
			result = multierror.Append(result, fmt.Errorf("store.mongo.uri and store.mongo.database are required"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("store.driver %q is not one of memory, redis, mongo", c.Store.Driver))
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		result = multierror.Append(result, fmt.Errorf("rateLimit values cannot be negative"))
	}
	return result.ErrorOrNil()
}

// validOrigin accepts scheme://host[:port] and nothing more, the exact form of an Origin header.
func validOrigin(origin string) error {
	if origin == "" {
		return fmt.Errorf("cannot be empty")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%q is not an origin", origin)
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func setString(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := env(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	switch strings.ToLower(env(key)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
