// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ack modes for pipeline consumers
const (
	AckAfterSuccess  = "after_success"
	AckBeforeProcess = "before_process"
)

// Config is the complete service configuration
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Quota     QuotaConfig     `mapstructure:"quota" yaml:"quota"`
	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker"`
	Mongo     MongoConfig     `mapstructure:"mongo" yaml:"mongo"`
	Poller    PollerConfig    `mapstructure:"poller" yaml:"poller"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup" yaml:"cleanup"`
	Hub       HubConfig       `mapstructure:"hub" yaml:"hub"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	AdminKey        string        `mapstructure:"admin_key" yaml:"admin_key"`
	AdminKeyHash    string        `mapstructure:"admin_key_hash" yaml:"admin_key_hash"`
	TLSCert         string        `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key" yaml:"tls_key"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// Addresses or CIDRs whose X-Forwarded-For is believed
	TrustedProxies []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	Type         string `mapstructure:"type" yaml:"type"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
}

// QuotaConfig limits how many songs a submitter may have in progress
type QuotaConfig struct {
	Authenticated int `mapstructure:"authenticated" yaml:"authenticated"`
	Anonymous     int `mapstructure:"anonymous" yaml:"anonymous"`
}

type BrokerConfig struct {
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	User        string `mapstructure:"user" yaml:"user"`
	Password    string `mapstructure:"password" yaml:"password"`
	VHost       string `mapstructure:"vhost" yaml:"vhost"`
	AckMode     string `mapstructure:"ack_mode" yaml:"ack_mode"`
	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	Prefetch    int    `mapstructure:"prefetch" yaml:"prefetch"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri" yaml:"uri"`
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	User       string `mapstructure:"user" yaml:"user"`
	Password   string `mapstructure:"password" yaml:"password"`
	Database   string `mapstructure:"database" yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	StaleAfter  time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type CleanupConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	RetentionDays  int           `mapstructure:"retention_days" yaml:"retention_days"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	VacuumInterval time.Duration `mapstructure:"vacuum_interval" yaml:"vacuum_interval"`
}

type HubConfig struct {
	SendBuffer int `mapstructure:"send_buffer" yaml:"send_buffer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or console
	Dir    string `mapstructure:"dir" yaml:"dir"`       // empty logs to stdout only
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.metrics_addr", ":9090")
	v.SetDefault("http.admin_key", "")
	v.SetDefault("http.admin_key_hash", "")
	v.SetDefault("http.tls_cert", "")
	v.SetDefault("http.tls_key", "")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.trusted_proxies", []string{})

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "mer.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("quota.authenticated", 6)
	v.SetDefault("quota.anonymous", 3)

	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 5672)
	v.SetDefault("broker.user", "guest")
	v.SetDefault("broker.password", "guest")
	v.SetDefault("broker.vhost", "/")
	v.SetDefault("broker.ack_mode", AckAfterSuccess)
	v.SetDefault("broker.max_attempts", 3)
	v.SetDefault("broker.prefetch", 10)

	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.host", "localhost")
	v.SetDefault("mongo.port", 27017)
	v.SetDefault("mongo.user", "")
	v.SetDefault("mongo.password", "")
	v.SetDefault("mongo.database", "mer")
	v.SetDefault("mongo.collection", "pipeline_status")

	v.SetDefault("poller.interval", 3*time.Second)
	v.SetDefault("poller.concurrency", 8)
	v.SetDefault("poller.stale_after", 2*time.Hour)

	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 5)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.interval", 24*time.Hour)
	v.SetDefault("cleanup.vacuum_interval", 7*24*time.Hour)

	v.SetDefault("hub.send_buffer", 32)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.dir", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "merd")
	v.SetDefault("tracing.environment", "development")
}

// conventional variable names used by the pipeline's deployment
var envAliases = map[string]string{
	"broker.host":     "RABBITMQ_HOST",
	"broker.port":     "RABBITMQ_PORT",
	"broker.user":     "RABBITMQ_USER",
	"broker.password": "RABBITMQ_PASSWORD",
	"mongo.uri":       "MONGO_URI",
	"mongo.host":      "MONGO_HOST",
	"mongo.port":      "MONGO_PORT",
	"mongo.user":      "MONGO_USER",
	"mongo.password":  "MONGO_PASSWORD",
	"mongo.database":  "MONGO_DB",
	"poller.interval": "POLL_INTERVAL",
	"database.dsn":    "DATABASE_DSN",
	"http.admin_key":  "ADMIN_API_KEY",
}

// New returns a viper instance with defaults and environment bindings applied
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envAliases {
		prefixed := "MER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, env)
	}
	return v
}

// Load reads configuration from path (optional) and the environment
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates configuration from v
func FromViper(v *viper.Viper) (*Config, error) {
	// A bare number is read as milliseconds
	if raw := strings.TrimSpace(v.GetString("poller.interval")); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil {
			v.Set("poller.interval", time.Duration(ms)*time.Millisecond)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects impossible combinations
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.type %q is not supported", c.Database.Type))
	}
	if c.Database.Type == "postgres" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required for postgres"))
	}
	if c.Quota.Authenticated <= 0 || c.Quota.Anonymous <= 0 {
		errs = append(errs, errors.New("quota limits must be positive"))
	}
	switch c.Broker.AckMode {
	case AckAfterSuccess, AckBeforeProcess:
	default:
		errs = append(errs, fmt.Errorf("broker.ack_mode %q must be %s or %s", c.Broker.AckMode, AckAfterSuccess, AckBeforeProcess))
	}
	if c.Broker.MaxAttempts < 1 {
		errs = append(errs, errors.New("broker.max_attempts must be at least 1"))
	}
	if c.Poller.Interval <= 0 {
		errs = append(errs, errors.New("poller.interval must be positive"))
	}
	if c.Poller.Concurrency < 1 {
		errs = append(errs, errors.New("poller.concurrency must be at least 1"))
	}
	if c.Poller.StaleAfter < 0 {
		errs = append(errs, errors.New("poller.stale_after must not be negative"))
	}
	if c.Hub.SendBuffer < 1 {
		errs = append(errs, errors.New("hub.send_buffer must be at least 1"))
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		errs = append(errs, errors.New("http.tls_cert and http.tls_key must be set together"))
	}
	return errors.Join(errs...)
}

// BrokerURL returns the AMQP connection URL
func (c *Config) BrokerURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Broker.User, c.Broker.Password),
		Host:   net.JoinHostPort(c.Broker.Host, strconv.Itoa(c.Broker.Port)),
		Path:   "/" + strings.TrimPrefix(c.Broker.VHost, "/"),
	}
	return u.String()
}

// MongoURI returns the document store URI, built from parts unless given directly
func (c *Config) MongoURI() string {
	if c.Mongo.URI != "" {
		return c.Mongo.URI
	}
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(c.Mongo.Host, strconv.Itoa(c.Mongo.Port)),
		Path:   "/",
	}
	if c.Mongo.User != "" {
		u.User = url.UserPassword(c.Mongo.User, c.Mongo.Password)
		u.RawQuery = "authSource=admin"
	}
	return u.String()
}

// Redacted returns a copy safe to print
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "******"
	}
	c.Broker.Password = mask(c.Broker.Password)
	c.Mongo.Password = mask(c.Mongo.Password)
	c.HTTP.AdminKey = mask(c.HTTP.AdminKey)
	c.HTTP.AdminKeyHash = mask(c.HTTP.AdminKeyHash)
	if c.Mongo.URI != "" {
		if u, err := url.Parse(c.Mongo.URI); err == nil && u.User != nil {
			u.User = url.UserPassword(u.User.Username(), "******")
			c.Mongo.URI = u.String()
		}
	}
	if u, err := url.Parse(c.Database.DSN); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "******")
			c.Database.DSN = u.String()
		}
	}
	return c
}
