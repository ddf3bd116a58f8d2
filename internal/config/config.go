package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// const ...
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// DB ...
type DB struct {
	Driver string `envconfig:"STORAGE" default:"postgres" validate:"oneof=postgres memory"`
	Host   string `envconfig:"DB_HOST" validate:"required_if=Driver postgres"`
	Port   uint64 `envconfig:"DB_PORT" default:"5432" validate:"required_if=Driver postgres"`

	UserName string `envconfig:"DB_USER_NAME" validate:"required_if=Driver postgres"`
	Password string `envconfig:"DB_PASSWORD" validate:"required_if=Driver postgres"`
	DataBase string `envconfig:"DB_NAME" validate:"required_if=Driver postgres"`
	SSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	Migrate  bool   `envconfig:"DB_MIGRATE" default:"true"`
}

// Redis ...
type Redis struct {
	Mode      string   `envconfig:"BROKER" default:"redis" validate:"oneof=redis memory"`
	Addrs     []string `envconfig:"REDIS_ADDRS" default:"localhost:6379" validate:"required_if=Mode redis"`
	Password  string   `envconfig:"REDIS_PASSWORD"`
	DB        int      `envconfig:"REDIS_DB" default:"0" validate:"min=0"`
	KeyPrefix string   `envconfig:"REDIS_KEY_PREFIX" default:"taskhub" validate:"required"`
}

// Metrics ...
type Metrics struct {
	Port      string `envconfig:"METRICS_PORT" default:"9090"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"taskhub"`
	Subsystem string `envconfig:"METRICS_SUBSYSTEM" default:"tasks"`
}

// HTTP ...
type HTTP struct {
	Port            string        `envconfig:"HTTP_PORT" default:"8080" validate:"required"`
	RequestTimeout  time.Duration `envconfig:"HTTP_REQUEST_TIMEOUT" default:"10s"`
	StreamHeartbeat time.Duration `envconfig:"HTTP_STREAM_HEARTBEAT" default:"15s"`
}

// Worker configures the task runtime of this process.
type Worker struct {
	Enabled         bool          `envconfig:"WORKER_ENABLED" default:"true"`
	Concurrency     int           `envconfig:"WORKER_CONCURRENCY" default:"2" validate:"min=1"`
	MaxInFlight     int64         `envconfig:"WORKER_MAX_IN_FLIGHT" default:"10" validate:"min=1"`
	PollInterval    time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"5s"`
	LeaseTTL        time.Duration `envconfig:"WORKER_LEASE_TTL" default:"30s"`
	ReaperInterval  time.Duration `envconfig:"WORKER_REAPER_INTERVAL" default:"10s"`
	ReaperBatch     int           `envconfig:"WORKER_REAPER_BATCH" default:"100" validate:"min=1"`
	CleanupInterval time.Duration `envconfig:"WORKER_CLEANUP_INTERVAL" default:"1h"`
	RetentionPeriod time.Duration `envconfig:"WORKER_RETENTION_PERIOD" default:"720h"`
}

// Events configures the event gateway.
type Events struct {
	SubscriptionBuffer int           `envconfig:"EVENTS_SUBSCRIPTION_BUFFER" default:"64" validate:"min=1"`
	ResubscribeRetries int           `envconfig:"EVENTS_RESUBSCRIBE_RETRIES" default:"5" validate:"min=0"`
	ResubscribeDelay   time.Duration `envconfig:"EVENTS_RESUBSCRIBE_DELAY" default:"200ms"`
	ResubscribeMax     time.Duration `envconfig:"EVENTS_RESUBSCRIBE_MAX_DELAY" default:"5s"`
}

// Tracing ...
type Tracing struct {
	Exporter    string  `envconfig:"TRACING_EXPORTER" default:"none" validate:"oneof=none stdout"`
	SampleRatio float64 `envconfig:"TRACING_SAMPLE_RATIO" default:"1" validate:"min=0,max=1"`
}

// System ...
type System struct {
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"300s"`
	ReadBufferSize    int           `envconfig:"READ_BUFFER_SIZE" default:"16384"`
	DefaultClientName string        `envconfig:"DEFAULT_CLIENT_NAME" default:"taskhub" validate:"required"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogPretty         bool          `envconfig:"LOG_PRETTY" default:"false"`
}

// Address ...
func (d DB) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// DSN builds the postgres connection string.
func (d DB) DSN(applicationName string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.UserName, d.Password),
		Host:   d.Address(),
		Path:   "/" + d.DataBase,
	}
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	if applicationName != "" {
		q.Set("application_name", applicationName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Config ...
type Config struct {
	DB      DB
	Redis   Redis
	Metrics Metrics
	HTTP    HTTP
	Worker  Worker
	Events  Events
	Tracing Tracing
	System  System
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("fail parsing env config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("fail config validation: %w", err)
	}
	return cfg, nil
}
