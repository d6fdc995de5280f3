package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ErrMissing is returned by Validate when a setting the service cannot run
// without is empty.
var ErrMissing = errors.New("required configuration missing")

type Database struct {
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	Host          string `mapstructure:"host"`
	Port          string `mapstructure:"port"`
	SSLMode       string `mapstructure:"ssl-mode"`
	MigrationsDir string `mapstructure:"migrations-dir"`
}

func (d Database) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type Confirmation struct {
	MaxAttempts     int `mapstructure:"max-attempts"`
	RetryIntervalMs int `mapstructure:"retry-interval-ms"`
}

type Solana struct {
	Network         string       `mapstructure:"network"`
	RPCURL          string       `mapstructure:"rpc-url"`
	PayeeAddress    string       `mapstructure:"payee-address"`
	TokenMint       string       `mapstructure:"token-mint"`
	TokenDecimals   uint8        `mapstructure:"token-decimals"`
	Commitment      string       `mapstructure:"commitment"`
	AmountTolerance string       `mapstructure:"amount-tolerance"`
	RPCTimeoutMs    int          `mapstructure:"rpc-timeout-ms"`
	Confirmation    Confirmation `mapstructure:"confirmation"`
}

// Tolerance is the absolute amount by which an observed transfer may differ
// from the expected total.
func (s Solana) Tolerance() (decimal.Decimal, error) {
	tolerance, err := decimal.NewFromString(s.AmountTolerance)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "solana.amount-tolerance")
	}
	if tolerance.IsNegative() {
		return decimal.Zero, errors.Errorf("solana.amount-tolerance must not be negative, got %s", tolerance)
	}
	return tolerance, nil
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	CallbackMessages string `mapstructure:"callback-messages"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

type CallbackProcessor struct {
	Parallelism         int `mapstructure:"parallelism"`
	RescheduleDelayMs   int `mapstructure:"reschedule-delay-ms"`
	MaxDeliveryAttempts int `mapstructure:"max-delivery-attempts"`
}

type CallbackProducer struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RescheduleDelayMs  int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
}

type CallbackSender struct {
	TimeoutMs     int    `mapstructure:"timeout-ms"`
	SigningSecret string `mapstructure:"signing-secret"`
}

type Callback struct {
	Enabled   bool              `mapstructure:"enabled"`
	Processor CallbackProcessor `mapstructure:"processor"`
	Producer  CallbackProducer  `mapstructure:"producer"`
	Sender    CallbackSender    `mapstructure:"sender"`
}

type Server struct {
	Port             string `mapstructure:"port"`
	RequestTimeoutMs int    `mapstructure:"request-timeout-ms"`
	BaseURL          string `mapstructure:"base-url"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Database Database `mapstructure:"database"`
	Solana   Solana   `mapstructure:"solana"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Callback Callback `mapstructure:"callback"`
	Server   Server   `mapstructure:"server"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Logs     Logs     `mapstructure:"logs"`
}

// Validate reports the first setting that makes the service unsafe to start.
// The payee wallet and token mint have no fallback: paying into a
// placeholder account would lose customer funds.
func (c *Config) Validate() error {
	required := map[string]string{
		"solana.rpc-url":       c.Solana.RPCURL,
		"solana.payee-address": c.Solana.PayeeAddress,
		"solana.token-mint":    c.Solana.TokenMint,
		"database.host":        c.Database.Host,
		"database.name":        c.Database.Name,
	}
	for _, key := range []string{"solana.rpc-url", "solana.payee-address", "solana.token-mint", "database.host", "database.name"} {
		if strings.TrimSpace(required[key]) == "" {
			return errors.Wrap(ErrMissing, key)
		}
	}

	switch c.Solana.Commitment {
	case "confirmed", "finalized":
	default:
		return errors.Errorf("solana.commitment must be confirmed or finalized, got %q", c.Solana.Commitment)
	}

	if _, err := c.Solana.Tolerance(); err != nil {
		return err
	}

	if c.Solana.Confirmation.MaxAttempts < 1 {
		return errors.Errorf("solana.confirmation.max-attempts must be positive, got %d", c.Solana.Confirmation.MaxAttempts)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.request-timeout-ms", 90_000)
	v.SetDefault("server.base-url", "http://localhost:8080")

	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "solapay")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")
	v.SetDefault("database.migrations-dir", "migrations")

	v.SetDefault("solana.network", "devnet")
	v.SetDefault("solana.rpc-url", "https://api.devnet.solana.com")
	v.SetDefault("solana.payee-address", "")
	v.SetDefault("solana.token-mint", "")
	v.SetDefault("solana.token-decimals", 6)
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.amount-tolerance", "0.01")
	v.SetDefault("solana.rpc-timeout-ms", 15_000)
	v.SetDefault("solana.confirmation.max-attempts", 30)
	v.SetDefault("solana.confirmation.retry-interval-ms", 2_000)

	v.SetDefault("kafka.broker.url", "localhost:9092")
	v.SetDefault("kafka.topic.callback-messages", "callback-messages")
	v.SetDefault("kafka.reader.group-id", "solapay")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)

	v.SetDefault("callback.enabled", true)
	v.SetDefault("callback.processor.parallelism", 100)
	v.SetDefault("callback.processor.reschedule-delay-ms", 10_000)
	v.SetDefault("callback.processor.max-delivery-attempts", 5)
	v.SetDefault("callback.producer.polling-interval-ms", 500)
	v.SetDefault("callback.producer.fetch-size", 200)
	v.SetDefault("callback.producer.reschedule-delay-ms", 10_000)
	v.SetDefault("callback.producer.max-publish-attempts", 3)
	v.SetDefault("callback.sender.timeout-ms", 10_000)
	v.SetDefault("callback.sender.signing-secret", "")

	v.SetDefault("metrics.url", "")
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("metrics.common-labels", `service="solapay"`)

	v.SetDefault("logs.url", "")
	v.SetDefault("logs.level", "info")
}

// LoadConfig reads config.yaml from path. Every key can be overridden with a
// SOLAPAY_ environment variable, e.g. SOLAPAY_SOLANA_PAYEE_ADDRESS.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("solapay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
