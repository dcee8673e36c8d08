package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	defaultBackend        = "valkey"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultValkeyAddress  = "localhost:6379"
	defaultHealthInterval = 30 * time.Second
	defaultTimeout        = 10 * time.Second

	configEnvVar = "CREDSTORE_CONFIG"
)

// Config is the CLI configuration. Sources are applied in order, each
// overriding the previous one: defaults, YAML file, .env file, environment,
// flags.
type Config struct {
	// Backend selects the store: valkey, mongodb or memory
	Backend string `yaml:"backend"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	// Timeout bounds a single command, including Connect
	Timeout time.Duration `yaml:"timeout"`

	// HealthInterval is the check interval of the watch command
	HealthInterval time.Duration `yaml:"health_interval"`

	// Telemetry installs OpenTelemetry SDK providers; spans and a metrics
	// summary are logged at debug level
	Telemetry bool `yaml:"telemetry"`

	Valkey  ValkeyConfig  `yaml:"valkey"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

type ValkeyConfig struct {
	Address             string `yaml:"address"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	DB                  int    `yaml:"db"`
	KeyPrefix           string `yaml:"key_prefix"`
	TLS                 bool   `yaml:"tls"`
	DisableOfflineQueue bool   `yaml:"disable_offline_queue"`
}

type MongoDBConfig struct {
	URI              string `yaml:"uri"`
	Database         string `yaml:"database"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

func NewConfig() *Config {
	return &Config{
		Backend:        defaultBackend,
		LogLevel:       defaultLogLevel,
		LogFormat:      defaultLogFormat,
		Timeout:        defaultTimeout,
		HealthInterval: defaultHealthInterval,
		Valkey: ValkeyConfig{
			Address: defaultValkeyAddress,
		},
	}
}

// LoadConfig builds the configuration from every source and returns the
// positional arguments left after flag parsing.
func LoadConfig(args []string, getenv func(string) string, getwd func() (string, error)) (*Config, []string, error) {
	c := NewConfig()

	path := configFileFromArgs(args)
	if path == "" {
		path = getenv(configEnvVar)
	}
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, nil, err
		}
	}

	if err := c.LoadDotEnv(getwd); err != nil {
		return nil, nil, fmt.Errorf("failed to read .env: %w", err)
	}
	if err := c.LoadEnv(getenv); err != nil {
		return nil, nil, err
	}

	rest, err := c.ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	return c, rest, nil
}

// LoadFile merges a YAML file into c. Keys absent from the file keep their value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads variables from '.env' in the working directory, if present.
// Values already set in the process environment are applied later and win.
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))
	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	setString := func(o *string) func(string) error {
		return func(value string) error {
			*o = value
			return nil
		}
	}
	setInt := func(o *int) func(string) error {
		return func(value string) error {
			n, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = n
			return nil
		}
	}
	setBool := func(o *bool) func(string) error {
		return func(value string) error {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			*o = b
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(string) error {
		return func(value string) error {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"CREDSTORE_BACKEND":            setString(&c.Backend),
		"CREDSTORE_LOG_LEVEL":          setString(&c.LogLevel),
		"CREDSTORE_LOG_FORMAT":         setString(&c.LogFormat),
		"CREDSTORE_TIMEOUT":            setDuration(&c.Timeout),
		"CREDSTORE_HEALTH_INTERVAL":    setDuration(&c.HealthInterval),
		"CREDSTORE_TELEMETRY":          setBool(&c.Telemetry),
		"VALKEY_ADDRESS":               setString(&c.Valkey.Address),
		"VALKEY_USERNAME":              setString(&c.Valkey.Username),
		"VALKEY_PASSWORD":              setString(&c.Valkey.Password),
		"VALKEY_DB":                    setInt(&c.Valkey.DB),
		"VALKEY_KEY_PREFIX":            setString(&c.Valkey.KeyPrefix),
		"VALKEY_TLS":                   setBool(&c.Valkey.TLS),
		"VALKEY_DISABLE_OFFLINE_QUEUE": setBool(&c.Valkey.DisableOfflineQueue),
		"MONGODB_URI":                  setString(&c.MongoDB.URI),
		"MONGODB_DATABASE":             setString(&c.MongoDB.Database),
		"MONGODB_COLLECTION_PREFIX":    setString(&c.MongoDB.CollectionPrefix),
	}

	for key, parseFn := range envMap {
		value := getenv(key)
		if value == "" {
			continue
		}
		if err := parseFn(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("credstore", pflag.ContinueOnError)
	// Global flags end at the command name; the rest belongs to the command.
	fs.SetInterspersed(false)

	// Only declared so it shows in usage; the file is read before flags are parsed.
	fs.StringP("config", "c", "", "YAML config file (env "+configEnvVar+")")

	fs.StringVarP(&c.Backend, "backend", "b", c.Backend, "Storage backend (valkey, mongodb, memory)")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (text, json)")
	fs.DurationVarP(&c.Timeout, "timeout", "t", c.Timeout, "Timeout for one command")
	fs.DurationVar(&c.HealthInterval, "health-interval", c.HealthInterval, "Check interval for watch")
	fs.BoolVar(&c.Telemetry, "telemetry", c.Telemetry, "Enable OpenTelemetry instrumentation (spans and metrics logged at debug level)")

	fs.StringVar(&c.Valkey.Address, "valkey-address", c.Valkey.Address, "Valkey address (host:port)")
	fs.StringVar(&c.Valkey.Username, "valkey-username", c.Valkey.Username, "Valkey ACL username")
	fs.StringVar(&c.Valkey.Password, "valkey-password", c.Valkey.Password, "Valkey password")
	fs.IntVar(&c.Valkey.DB, "valkey-db", c.Valkey.DB, "Valkey database number")
	fs.StringVar(&c.Valkey.KeyPrefix, "valkey-key-prefix", c.Valkey.KeyPrefix, "Valkey key prefix")
	fs.BoolVar(&c.Valkey.TLS, "valkey-tls", c.Valkey.TLS, "Use TLS for Valkey")
	fs.BoolVar(&c.Valkey.DisableOfflineQueue, "valkey-disable-offline-queue", c.Valkey.DisableOfflineQueue,
		"Fail fast while the Valkey connection is down")

	fs.StringVar(&c.MongoDB.URI, "mongodb-uri", c.MongoDB.URI, "MongoDB connection string")
	fs.StringVar(&c.MongoDB.Database, "mongodb-database", c.MongoDB.Database, "MongoDB database")
	fs.StringVar(&c.MongoDB.CollectionPrefix, "mongodb-collection-prefix", c.MongoDB.CollectionPrefix,
		"MongoDB collection name prefix")

	return fs
}

// ParseFlags applies command line flags and returns the positional arguments.
func (c *Config) ParseFlags(args []string) ([]string, error) {
	fs := c.flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

// configFileFromArgs finds --config/-c before the full flag parse. Unknown
// flags are ignored here; ParseFlags reports them.
func configFileFromArgs(args []string) string {
	fs := pflag.NewFlagSet("credstore-config", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.StringP("config", "c", "", "")
	_ = fs.Parse(args)
	return *path
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "valkey":
		if c.Valkey.Address == "" {
			return errors.New("valkey backend requires an address")
		}
	case "mongodb":
		if c.MongoDB.URI == "" {
			return errors.New("mongodb backend requires a uri")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown backend %q (valkey, mongodb, memory)", c.Backend)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (text, json)", c.LogFormat)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.HealthInterval <= 0 {
		return errors.New("health interval must be positive")
	}
	return nil
}
