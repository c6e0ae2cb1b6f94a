package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// this is a pointer so that if someone attempts to use it before loading it will
// panic and force them to load it first.
// it is also private so that it cannot be modified after loading.
var _loaded *Config

// Config is the main configuration structure
type Config struct {
	Common Common `yaml:"common"`
}

// Load loads the configuration following proper precedence: defaults → config file → environment variables
func Load() {
	// Start with defaults
	LoadDefault()

	// Try to load from config file and merge over defaults
	configFile := os.Getenv("RELAY_CONFIG_FILE")
	if configFile == "" {
		configFile = "relay.yaml"
	}

	log.Printf("Attempting to load config file: %s", configFile)

	if err := LoadFromFile(configFile); err != nil {
		log.Printf("Failed to load config file: %v, using defaults", err)
	} else {
		log.Printf("Successfully loaded config from file: %s", configFile)
	}

	// Apply environment variable overrides (highest priority)
	ApplyEnvOverrides()

	log.Printf("Final config - transport: %s, storage: %s, dispatch timeout: %s",
		_loaded.Common.Transport.Mode,
		_loaded.Common.Storage.Driver,
		_loaded.Common.Dispatch.Timeout)
}

func LoadDefault() {
	config := defaultConfig()
	_loaded = &config
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults
	cfg := defaultConfig()

	// Merge YAML values over defaults
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config file: %w", err)
	}

	_loaded = &cfg
	return nil
}

// set sane defaults for all of the config options. when loading the config from
// the file, any options that are not set will be set to these defaults.
func defaultConfig() Config {
	return Config{
		Common: Common{
			Log: logConfig{
				Level:  "info",
				Format: "json",
			},
			Http: httpConfig{
				Host:           "0.0.0.0",
				Port:           8080,
				MaxRequestSize: 1048576,
				AllowOrigins:   []string{"*"},
			},
			Postgres: postgresConfig{
				User:               "postgres",
				Password:           "postgres",
				Host:               "localhost",
				Port:               5432,
				Database:           "relay",
				MaxOpenConnections: 10,
			},
			Storage: storageConfig{
				Driver: "postgres",
			},
			Dispatch: dispatchConfig{
				Timeout:       10 * time.Second,
				MaxInFlight:   100,
				Overflow:      "queue",
				SweepInterval: time.Second,
			},
			Transport: transportConfig{
				Mode: "http",
				HTTP: httpTransportConfig{
					BaseURL:         "http://localhost:8081",
					CommandPath:     "/%ss/operation",
					MaxConns:        100,
					BreakerFailures: 5,
					BreakerOpenFor:  30 * time.Second,
				},
				Kafka: kafkaTransportConfig{
					Brokers:       []string{"localhost:9092"},
					CommandTopic:  "%s.commands",
					ResponseTopic: "relay.responses.%s",
					ConsumerGroup: "relay",
					InitialOffset: "latest",
					Version:       "default",
					RetryMax:      3,
				},
			},
		},
	}
}

type Common struct {
	Log       logConfig       `yaml:"log"`
	Http      httpConfig      `yaml:"http"`
	Postgres  postgresConfig  `yaml:"postgres"`
	Storage   storageConfig   `yaml:"storage"`
	Dispatch  dispatchConfig  `yaml:"dispatch"`
	Transport transportConfig `yaml:"transport"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type httpConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	MaxRequestSize int64    `yaml:"max_request_size"`
	AllowOrigins   []string `yaml:"allow_origins"`
}

func (c httpConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type postgresConfig struct {
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Database           string `yaml:"database"`
	MaxOpenConnections int    `yaml:"max_open_connections"`
}

func (c postgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		url.QueryEscape(c.Database),
	)
}

type storageConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "memory"
}

type dispatchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxInFlight   int           `yaml:"max_in_flight"`
	Overflow      string        `yaml:"overflow"`       // "queue" or "fail_fast"
	SweepInterval time.Duration `yaml:"sweep_interval"` // correlation store sweep period
}

type transportConfig struct {
	Mode  string               `yaml:"mode"` // "http", "kafka" or "direct"
	HTTP  httpTransportConfig  `yaml:"http"`
	Kafka kafkaTransportConfig `yaml:"kafka"`
}

type httpTransportConfig struct {
	BaseURL         string        `yaml:"base_url"`
	CommandPath     string        `yaml:"command_path"` // fmt pattern taking the entity name
	MaxConns        int           `yaml:"max_conns"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // 0 leaves calls bounded by the dispatch deadline only
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerOpenFor  time.Duration `yaml:"breaker_open_for"`
}

type kafkaTransportConfig struct {
	Brokers       []string `yaml:"brokers"`
	CommandTopic  string   `yaml:"command_topic"`  // fmt pattern taking the entity name
	ResponseTopic string   `yaml:"response_topic"` // fmt pattern taking the instance id
	ConsumerGroup string   `yaml:"consumer_group"`
	ClientID      string   `yaml:"client_id"`
	InstanceID    string   `yaml:"instance_id"` // defaults to the hostname
	InitialOffset string   `yaml:"initial_offset"`
	Version       string   `yaml:"version"`
	RetryMax      int      `yaml:"retry_max"`
}

// Validate checks values that would otherwise fail late at startup
func (c *Config) Validate() error {
	switch c.Common.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Common.Storage.Driver)
	}
	switch c.Common.Transport.Mode {
	case "http", "kafka", "direct":
	default:
		return fmt.Errorf("unknown transport mode %q", c.Common.Transport.Mode)
	}
	switch c.Common.Dispatch.Overflow {
	case "queue", "fail_fast":
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Common.Dispatch.Overflow)
	}
	if c.Common.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive")
	}
	if c.Common.Dispatch.MaxInFlight <= 0 {
		return fmt.Errorf("dispatch max_in_flight must be positive")
	}
	if c.Common.Transport.HTTP.RequestTimeout < 0 {
		return fmt.Errorf("http request_timeout cannot be negative")
	}
	return nil
}

// there should be a getter for each top level field in the config struct.
// these getters will panic if the config has not been loaded.

func Logger() logConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Log
}

func Http() httpConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Http
}

func Postgres() postgresConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Postgres
}

func Storage() storageConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Storage
}

func Dispatch() dispatchConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Dispatch
}

func Transport() transportConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Transport
}

func Get() *Config {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded
}

func ApplyEnvOverrides() {
	if _loaded == nil {
		return
	}
	c := &_loaded.Common

	// Logging
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("RELAY_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// HTTP listener
	if httpHost := os.Getenv("RELAY_HTTP_HOST"); httpHost != "" {
		c.Http.Host = httpHost
	}
	if httpPort := os.Getenv("RELAY_HTTP_PORT"); httpPort != "" {
		if port, err := strconv.Atoi(httpPort); err == nil {
			c.Http.Port = port
		}
	}

	// Database
	if dbHost := os.Getenv("RELAY_DB_HOST"); dbHost != "" {
		c.Postgres.Host = dbHost
	}
	if dbPort := os.Getenv("RELAY_DB_PORT"); dbPort != "" {
		if port, err := strconv.Atoi(dbPort); err == nil {
			c.Postgres.Port = port
		}
	}
	if dbUser := os.Getenv("RELAY_DB_USER"); dbUser != "" {
		c.Postgres.User = dbUser
	}
	if dbPassword := os.Getenv("RELAY_DB_PASSWORD"); dbPassword != "" {
		c.Postgres.Password = dbPassword
	}
	if dbName := os.Getenv("RELAY_DB_NAME"); dbName != "" {
		c.Postgres.Database = dbName
	}
	if driver := os.Getenv("RELAY_STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}

	// Dispatcher
	if timeout := os.Getenv("RELAY_DISPATCH_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Dispatch.Timeout = d
		}
	}
	if maxInFlight := os.Getenv("RELAY_DISPATCH_MAX_IN_FLIGHT"); maxInFlight != "" {
		if n, err := strconv.Atoi(maxInFlight); err == nil {
			c.Dispatch.MaxInFlight = n
		}
	}
	if overflow := os.Getenv("RELAY_DISPATCH_OVERFLOW"); overflow != "" {
		c.Dispatch.Overflow = overflow
	}

	// Transport
	if mode := os.Getenv("RELAY_TRANSPORT_MODE"); mode != "" {
		c.Transport.Mode = mode
	}
	// DB_API_BASE_PATH is the persistence service address used by older deployments
	if baseURL := firstEnv("RELAY_DB_API_BASE_URL", "DB_API_BASE_PATH"); baseURL != "" {
		c.Transport.HTTP.BaseURL = baseURL
	}
	if brokers := os.Getenv("RELAY_KAFKA_BROKERS"); brokers != "" {
		c.Transport.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if group := os.Getenv("RELAY_KAFKA_CONSUMER_GROUP"); group != "" {
		c.Transport.Kafka.ConsumerGroup = group
	}
	if instance := os.Getenv("RELAY_INSTANCE_ID"); instance != "" {
		c.Transport.Kafka.InstanceID = instance
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
