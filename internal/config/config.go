package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dialer    DialerConfig    `mapstructure:"dialer"`
	Switch    SwitchConfig    `mapstructure:"switch"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type AppConfig struct {
	Name       string `mapstructure:"name"`
	Env        string `mapstructure:"env"`
	Version    string `mapstructure:"version"`
	InstanceID string `mapstructure:"instance_id"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	ControlTopic    string        `mapstructure:"control_topic"`
	EventTopic      string        `mapstructure:"event_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
	Replication     int           `mapstructure:"replication"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
}

// DialerConfig tunes the campaign dialing engine.
type DialerConfig struct {
	DefaultConcurrency   int           `mapstructure:"default_concurrency"`
	DefaultMaxAttempts   int           `mapstructure:"default_max_attempts"`
	DefaultRetryInterval time.Duration `mapstructure:"default_retry_interval"`
	DefaultMaxWait       time.Duration `mapstructure:"default_max_wait"`
	WaitGrace            time.Duration `mapstructure:"wait_grace"`
	EarlyEventTTL        time.Duration `mapstructure:"early_event_ttl"`
	SlotTTL              time.Duration `mapstructure:"slot_ttl"`
	SlotKeyPrefix        string        `mapstructure:"slot_key_prefix"`
	SlotPollInterval     time.Duration `mapstructure:"slot_poll_interval"`
	DistributedSlots     bool          `mapstructure:"distributed_slots"`
}

// SwitchConfig selects and configures the telephony switch driver.
type SwitchConfig struct {
	Driver     string         `mapstructure:"driver"`
	Technology string         `mapstructure:"technology"`
	HandleVar  string         `mapstructure:"handle_var"`
	AMI        AMIConfig      `mapstructure:"ami"`
	Contexts   ContextsConfig `mapstructure:"contexts"`
}

type AMIConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Secret         string        `mapstructure:"secret"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// Addr returns host:port of the manager interface.
func (c AMIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ContextsConfig names the dialplan contexts the engine routes calls into.
type ContextsConfig struct {
	Hold          string `mapstructure:"hold"`
	DTMF          string `mapstructure:"dtmf"`
	AIFlow        string `mapstructure:"ai_flow"`
	HumanQueue    string `mapstructure:"human_queue"`
	Broadcast     string `mapstructure:"broadcast"`
	OutboundRoute string `mapstructure:"outbound_route"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	QoS         byte   `mapstructure:"qos"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type NotifyConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	KafkaEnabled   bool          `mapstructure:"kafka_enabled"`
	RedisEnabled   bool          `mapstructure:"redis_enabled"`
	RedisPrefix    string        `mapstructure:"redis_prefix"`
}

type BillingConfig struct {
	IncrementSeconds int    `mapstructure:"increment_seconds"`
	MinimumSeconds   int    `mapstructure:"minimum_seconds"`
	DefaultCurrency  string `mapstructure:"default_currency"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  string        `mapstructure:"audience"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "campaign-dialer")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)

	v.SetDefault("kafka.client_id", "campaign-dialer")
	v.SetDefault("kafka.control_topic", "dialer.control")
	v.SetDefault("kafka.event_topic", "dialer.events")
	v.SetDefault("kafka.consumer_group_id", "campaign-dialer")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication", 1)

	v.SetDefault("scheduler.tick_interval", 30*time.Second)
	v.SetDefault("scheduler.max_batch_size", 200)

	v.SetDefault("dialer.default_concurrency", 5)
	v.SetDefault("dialer.default_max_attempts", 3)
	v.SetDefault("dialer.default_retry_interval", 5*time.Minute)
	v.SetDefault("dialer.default_max_wait", 45*time.Second)
	v.SetDefault("dialer.wait_grace", 15*time.Second)
	v.SetDefault("dialer.early_event_ttl", 30*time.Second)
	v.SetDefault("dialer.slot_ttl", 10*time.Minute)
	v.SetDefault("dialer.slot_key_prefix", "dialer:campaign")
	v.SetDefault("dialer.slot_poll_interval", 100*time.Millisecond)

	v.SetDefault("switch.driver", "ami")
	v.SetDefault("switch.technology", "PJSIP")
	v.SetDefault("switch.handle_var", "DIALER_HANDLE")
	v.SetDefault("switch.ami.port", 5038)
	v.SetDefault("switch.ami.dial_timeout", 10*time.Second)
	v.SetDefault("switch.ami.action_timeout", 10*time.Second)
	v.SetDefault("switch.ami.reconnect_delay", 5*time.Second)
	v.SetDefault("switch.contexts.hold", "campaign-hold")
	v.SetDefault("switch.contexts.dtmf", "campaign-dtmf")
	v.SetDefault("switch.contexts.ai_flow", "campaign-ai")
	v.SetDefault("switch.contexts.human_queue", "campaign-queue")
	v.SetDefault("switch.contexts.broadcast", "campaign-broadcast")
	v.SetDefault("switch.contexts.outbound_route", "from-internal")

	v.SetDefault("mqtt.client_id", "campaign-dialer")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.topic_prefix", "dialer")

	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("notify.publish_timeout", 2*time.Second)
	v.SetDefault("notify.redis_prefix", "dialer")

	v.SetDefault("billing.increment_seconds", 60)
	v.SetDefault("billing.default_currency", "USD")

	v.SetDefault("auth.issuer", "campaign-dialer")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
}

// Validate checks the values that have no safe default.
func (c *Config) Validate() error {
	var errs []error
	if c.Dialer.DefaultConcurrency <= 0 {
		errs = append(errs, errors.New("dialer.default_concurrency must be positive"))
	}
	if c.Dialer.DefaultMaxAttempts <= 0 {
		errs = append(errs, errors.New("dialer.default_max_attempts must be positive"))
	}
	switch c.Switch.Driver {
	case "ami":
		if c.Switch.AMI.Host == "" {
			errs = append(errs, errors.New("switch.ami.host is required for the ami driver"))
		}
	case "fake":
	default:
		errs = append(errs, fmt.Errorf("switch.driver %q is not supported", c.Switch.Driver))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when auth is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
