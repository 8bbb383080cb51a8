// Package config loads hark and hark-relay settings. Values are layered:
// defaults, then the YAML file, then the .env file and HARK_* environment
// variables, then command line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hossein1376/hark/internal/logging"
)

const (
	StoreFiles = "files"
	StoreBolt  = "bolt"
	StoreRedis = "redis"

	QRAuto   = "auto"
	QRAlways = "always"
	QRNever  = "never"
)

type Config struct {
	Addr           string          `yaml:"addr"`
	DeviceName     string          `yaml:"device_name"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	KeepAlive      time.Duration   `yaml:"keep_alive"`
	QR             string          `yaml:"qr"`
	Store          StoreConfig     `yaml:"store"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	Log            logging.Config  `yaml:"log"`
}

type StoreConfig struct {
	Kind        string `yaml:"kind"`
	Dir         string `yaml:"dir"`
	BoltPath    string `yaml:"bolt_path"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
	// Passphrase is only read from the environment.
	Passphrase string `yaml:"-"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	RepairOnLogout  bool          `yaml:"repair_on_logout"`
}

type RelayConfig struct {
	Addr         string         `yaml:"addr"`
	Name         string         `yaml:"name"`
	DBPath       string         `yaml:"db_path"`
	IdentityPath string         `yaml:"identity_path"`
	FirstRefTTL  time.Duration  `yaml:"first_ref_ttl"`
	RefTTL       time.Duration  `yaml:"ref_ttl"`
	MaxRefs      int            `yaml:"max_refs"`
	KeepAlive    time.Duration  `yaml:"keep_alive"`
	STUNServer   string         `yaml:"stun_server"`
	Log          logging.Config `yaml:"log"`
}

func Default() Config {
	return Config{
		Addr:           "127.0.0.1:9999",
		DeviceName:     "hark",
		ConnectTimeout: 20 * time.Second,
		KeepAlive:      30 * time.Second,
		QR:             QRAuto,
		Store: StoreConfig{
			Kind:        StoreFiles,
			Dir:         "sessions",
			BoltPath:    "sessions.db",
			RedisPrefix: "hark",
		},
		Reconnect: ReconnectConfig{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
		},
		Log: logging.Config{Level: "info", Format: "console", Output: "stderr"},
	}
}

func DefaultRelay() RelayConfig {
	return RelayConfig{
		Addr:         ":9999",
		Name:         "hark-relay",
		DBPath:       "relay.db",
		IdentityPath: "relay.key",
		FirstRefTTL:  60 * time.Second,
		RefTTL:       20 * time.Second,
		MaxRefs:      5,
		KeepAlive:    30 * time.Second,
		Log:          logging.Config{Level: "info", Format: "console", Output: "stderr"},
	}
}

// Load builds the listener configuration from path (optional) and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := readYAML(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func LoadRelay(path string) (RelayConfig, error) {
	cfg := DefaultRelay()
	if err := readYAML(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	if err := loadDotEnv(); err != nil {
		return RelayConfig{}, err
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	switch c.Store.Kind {
	case StoreFiles:
		if c.Store.Dir == "" {
			return errors.New("config: store.dir is required for the files store")
		}
	case StoreBolt:
		if c.Store.BoltPath == "" {
			return errors.New("config: store.bolt_path is required for the bolt store")
		}
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return errors.New("config: store.redis_url is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	switch c.QR {
	case QRAuto, QRAlways, QRNever:
	default:
		return fmt.Errorf("config: qr must be auto, always or never, got %q", c.QR)
	}
	if c.Reconnect.MaxRetries < 0 {
		return errors.New("config: reconnect.max_retries must not be negative")
	}
	return nil
}

// ApplyFlags overrides cfg with every flag the user set explicitly.
func (c *Config) ApplyFlags(flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "addr":
			c.Addr = f.Value.String()
		case "name":
			c.DeviceName = f.Value.String()
		case "store":
			c.Store.Kind = f.Value.String()
		case "session-dir":
			c.Store.Dir = f.Value.String()
		case "bolt-path":
			c.Store.BoltPath = f.Value.String()
		case "redis-url":
			c.Store.RedisURL = f.Value.String()
		case "qr":
			c.QR = f.Value.String()
		case "log-level":
			c.Log.Level = f.Value.String()
		case "log-format":
			c.Log.Format = f.Value.String()
		case "max-retries":
			c.Reconnect.MaxRetries, err = strconv.Atoi(f.Value.String())
		case "repair-on-logout":
			c.Reconnect.RepairOnLogout = f.Value.String() == "true"
		}
	})
	if err != nil {
		return fmt.Errorf("config: parsing flags: %w", err)
	}
	return c.Validate()
}

// ApplyFlags overrides cfg with every flag the user set explicitly.
func (c *RelayConfig) ApplyFlags(flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "addr":
			c.Addr = f.Value.String()
		case "name":
			c.Name = f.Value.String()
		case "db":
			c.DBPath = f.Value.String()
		case "key":
			c.IdentityPath = f.Value.String()
		case "stun":
			c.STUNServer = f.Value.String()
		case "log-level":
			c.Log.Level = f.Value.String()
		}
	})
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	setString(lookup, "HARK_ADDR", &c.Addr)
	setString(lookup, "HARK_DEVICE_NAME", &c.DeviceName)
	setString(lookup, "HARK_QR", &c.QR)
	setString(lookup, "HARK_STORE", &c.Store.Kind)
	setString(lookup, "HARK_SESSION_DIR", &c.Store.Dir)
	setString(lookup, "HARK_BOLT_PATH", &c.Store.BoltPath)
	setString(lookup, "HARK_REDIS_URL", &c.Store.RedisURL)
	setString(lookup, "HARK_REDIS_PREFIX", &c.Store.RedisPrefix)
	setString(lookup, "HARK_SESSION_PASSPHRASE", &c.Store.Passphrase)
	setString(lookup, "HARK_LOG_LEVEL", &c.Log.Level)
	setString(lookup, "HARK_LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("HARK_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: HARK_MAX_RETRIES: %w", err)
		}
		c.Reconnect.MaxRetries = n
	}
	return nil
}

func (c *RelayConfig) applyEnv(lookup func(string) (string, bool)) {
	setString(lookup, "HARK_RELAY_ADDR", &c.Addr)
	setString(lookup, "HARK_RELAY_NAME", &c.Name)
	setString(lookup, "HARK_RELAY_DB", &c.DBPath)
	setString(lookup, "HARK_RELAY_KEY", &c.IdentityPath)
	setString(lookup, "HARK_STUN_SERVER", &c.STUNServer)
	setString(lookup, "HARK_LOG_LEVEL", &c.Log.Level)
}

func setString(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = v
	}
}

func readYAML(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: loading .env: %w", err)
	}
	return nil
}
