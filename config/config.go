// Package config loads receiver, broker and ambient settings from a YAML file
// and the environment. Environment variables take precedence over the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/infigaming-com/go-servicebus/bus"
	"github.com/infigaming-com/go-servicebus/bus/codec"
	"github.com/infigaming-com/go-servicebus/bus/lock"
	"github.com/infigaming-com/go-servicebus/logging"
)

const (
	BrokerInMem     = "inmem"
	BrokerGoogle    = "google"
	BrokerJetStream = "jetstream"
)

type Config struct {
	Service       ServiceConfig        `yaml:"service"`
	Broker        BrokerConfig         `yaml:"broker"`
	Receiver      ReceiverConfig       `yaml:"receiver"`
	Sender        SenderConfig         `yaml:"sender"`
	Lock          LockConfig           `yaml:"lock"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Admin         AdminConfig          `yaml:"admin"`
	Logger        logging.Config       `yaml:"logger"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" ignored:"true"`
}

type ServiceConfig struct {
	Name        string `yaml:"name" envconfig:"SERVICE_NAME"`
	Namespace   string `yaml:"namespace" envconfig:"SERVICE_NAMESPACE"`
	Version     string `yaml:"version" envconfig:"SERVICE_VERSION"`
	Environment string `yaml:"environment" envconfig:"ENVIRONMENT"`
}

// BrokerConfig selects the driver and holds its connection settings.
type BrokerConfig struct {
	Kind      string          `yaml:"kind" envconfig:"BUS_BROKER"`
	Topic     string          `yaml:"topic" envconfig:"BUS_TOPIC"`
	InMem     InMemConfig     `yaml:"inmem"`
	Google    GoogleConfig    `yaml:"google"`
	JetStream JetStreamConfig `yaml:"jetstream"`
}

type InMemConfig struct {
	LockDuration     time.Duration `yaml:"lock_duration" envconfig:"INMEM_LOCK_DURATION"`
	MaxDeliveryCount int           `yaml:"max_delivery_count" envconfig:"INMEM_MAX_DELIVERY_COUNT"`
}

type GoogleConfig struct {
	ProjectID       string        `yaml:"project_id" envconfig:"PUBSUB_PROJECT_ID"`
	CredentialsFile string        `yaml:"credentials_file" envconfig:"PUBSUB_CREDENTIALS_FILE"`
	Endpoint        string        `yaml:"endpoint" envconfig:"PUBSUB_ENDPOINT"`
	DeadLetterTopic string        `yaml:"dead_letter_topic" envconfig:"PUBSUB_DEAD_LETTER_TOPIC"`
	PollInterval    time.Duration `yaml:"poll_interval" envconfig:"PUBSUB_POLL_INTERVAL"`
	AttemptWindow   time.Duration `yaml:"attempt_window" envconfig:"PUBSUB_ATTEMPT_WINDOW"`
}

type JetStreamConfig struct {
	URL               string `yaml:"url" envconfig:"NATS_URL"`
	Stream            string `yaml:"stream" envconfig:"NATS_STREAM"`
	SubjectPrefix     string `yaml:"subject_prefix" envconfig:"NATS_SUBJECT_PREFIX"`
	DeadLetterSubject string `yaml:"dead_letter_subject" envconfig:"NATS_DEAD_LETTER_SUBJECT"`
	// Storage is "file" or "memory".
	Storage  string `yaml:"storage" envconfig:"NATS_STORAGE"`
	Replicas int    `yaml:"replicas" envconfig:"NATS_REPLICAS"`
}

type ReceiverConfig struct {
	ReceiveWaitTime   time.Duration `yaml:"receive_wait_time" envconfig:"BUS_RECEIVE_WAIT_TIME"`
	CancelWaitTimeout time.Duration `yaml:"cancel_wait_timeout" envconfig:"BUS_CANCEL_WAIT_TIMEOUT"`
	BootstrapRetries  int           `yaml:"bootstrap_retries" envconfig:"BUS_BOOTSTRAP_RETRIES"`
	BootstrapBackoff  time.Duration `yaml:"bootstrap_backoff" envconfig:"BUS_BOOTSTRAP_BACKOFF"`
	// Serializer is a codec name: json, cbor, msgpack or protobuf.
	Serializer string `yaml:"serializer" envconfig:"BUS_SERIALIZER"`
}

type SenderConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout" envconfig:"BUS_SEND_TIMEOUT"`
}

type LockConfig struct {
	Enabled     bool          `yaml:"enabled" envconfig:"LOCK_ENABLED"`
	Expiry      time.Duration `yaml:"expiry" envconfig:"LOCK_EXPIRY"`
	lock.Config `yaml:",inline"`
}

type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled" envconfig:"METRICS_ENABLED"`
	OTLPEndpoint string        `yaml:"otlp_endpoint" envconfig:"OTLP_ENDPOINT"`
	OTLPGRPC     string        `yaml:"otlp_grpc_endpoint" envconfig:"OTLP_GRPC_ENDPOINT"`
	Interval     time.Duration `yaml:"interval" envconfig:"METRICS_INTERVAL"`
}

type AdminConfig struct {
	Enabled bool  `yaml:"enabled" envconfig:"ADMIN_ENABLED"`
	Port    int64 `yaml:"port" envconfig:"ADMIN_PORT"`
}

// SubscriptionConfig overrides endpoint attributes for one subscription.
// Unset fields keep the defaults.
type SubscriptionConfig struct {
	Name                      string        `yaml:"name"`
	MaxRetries                int           `yaml:"max_retries"`
	DeadLetterAfterMaxRetries *bool         `yaml:"dead_letter_after_max_retries"`
	ReceiveMode               string        `yaml:"receive_mode"`
	PrefetchCount             int           `yaml:"prefetch_count"`
	LockDuration              time.Duration `yaml:"lock_duration"`
	DefaultMessageTTL         time.Duration `yaml:"default_message_ttl"`
	PauseOnError              time.Duration `yaml:"pause_on_error"`
	EnableBatchedOperations   *bool         `yaml:"enable_batched_operations"`
	DeadLetterOnExpiration    *bool         `yaml:"dead_letter_on_expiration"`
}

func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "servicebus",
			Namespace:   "default",
			Version:     "1.0.0",
			Environment: "development",
		},
		Broker: BrokerConfig{
			Kind: BrokerInMem,
			JetStream: JetStreamConfig{
				Storage:  "file",
				Replicas: 1,
			},
		},
		Receiver: ReceiverConfig{
			ReceiveWaitTime:   30 * time.Second,
			CancelWaitTimeout: 100 * time.Second,
			BootstrapRetries:  10,
			BootstrapBackoff:  time.Second,
			Serializer:        "json",
		},
		Sender: SenderConfig{
			SendTimeout: 2 * time.Minute,
		},
		Lock: LockConfig{
			Expiry: 60 * time.Second,
			Config: lock.Config{
				Addr:           "localhost:6379",
				ConnectTimeout: 5 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			OTLPEndpoint: "localhost:4318",
			Interval:     10 * time.Second,
		},
		Admin: AdminConfig{
			Port: 8080,
		},
		Logger: logging.DefaultConfig(),
	}
}

// Load applies the file at configPath (if any) and then the environment on
// top of Default.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerInMem:
	case BrokerGoogle:
		if c.Broker.Google.ProjectID == "" {
			return fmt.Errorf("pubsub project id is required for the google broker")
		}
	case BrokerJetStream:
		if c.Broker.JetStream.URL == "" {
			return fmt.Errorf("nats url is required for the jetstream broker")
		}
		if c.Broker.JetStream.Stream == "" {
			return fmt.Errorf("nats stream is required for the jetstream broker")
		}
		if s := c.Broker.JetStream.Storage; s != "file" && s != "memory" {
			return fmt.Errorf("unknown nats storage %q", s)
		}
	default:
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker topic is required")
	}

	if _, err := codec.ByName(c.Receiver.Serializer); err != nil {
		return err
	}
	if c.Receiver.ReceiveWaitTime <= 0 {
		return fmt.Errorf("receive wait time must be positive")
	}

	if c.Lock.Enabled && c.Lock.Addr == "" {
		return fmt.Errorf("redis address is required when the lock is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.OTLPEndpoint == "" && c.Metrics.OTLPGRPC == "" {
		return fmt.Errorf("an OTLP endpoint is required when metrics are enabled")
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}
	if err := c.Logger.Validate(); err != nil {
		return err
	}

	seen := map[string]bool{}
	for i, sub := range c.Subscriptions {
		if sub.Name == "" {
			return fmt.Errorf("subscriptions[%d]: name is required", i)
		}
		key := strings.ToLower(sub.Name)
		if seen[key] {
			return fmt.Errorf("subscriptions[%d]: duplicate name %q", i, sub.Name)
		}
		seen[key] = true
		if _, err := bus.ParseReceiveMode(sub.ReceiveMode); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}
	return nil
}

// Attributes returns the endpoint attributes for subscription: the defaults
// with any matching override applied. Names match case-insensitively.
func (c *Config) Attributes(subscription string) bus.AttributeData {
	attrs := bus.DefaultAttributeData()
	sub, ok := lo.Find(c.Subscriptions, func(s SubscriptionConfig) bool {
		return strings.EqualFold(s.Name, subscription)
	})
	if !ok {
		return attrs
	}
	return sub.apply(attrs)
}

func (s SubscriptionConfig) apply(attrs bus.AttributeData) bus.AttributeData {
	if s.MaxRetries > 0 {
		attrs.MaxRetries = s.MaxRetries
	}
	if s.DeadLetterAfterMaxRetries != nil {
		attrs.DeadLetterAfterMaxRetries = *s.DeadLetterAfterMaxRetries
	}
	if s.ReceiveMode != "" {
		if mode, err := bus.ParseReceiveMode(s.ReceiveMode); err == nil {
			attrs.ReceiveMode = mode
		}
	}
	if s.PrefetchCount > 0 {
		attrs.PrefetchCount = s.PrefetchCount
	}
	if s.LockDuration > 0 {
		attrs.LockDuration = s.LockDuration
	}
	if s.DefaultMessageTTL > 0 {
		attrs.DefaultMessageTTL = s.DefaultMessageTTL
	}
	if s.PauseOnError > 0 {
		attrs.PauseTimeIfErrorWasThrown = s.PauseOnError
	}
	if s.EnableBatchedOperations != nil {
		attrs.EnableBatchedOperations = *s.EnableBatchedOperations
	}
	if s.DeadLetterOnExpiration != nil {
		attrs.DeadLetterOnExpiration = *s.DeadLetterOnExpiration
	}
	return attrs
}

// ReceiverOptions converts the receiver section into bus options.
func (c *Config) ReceiverOptions() ([]bus.Option, error) {
	serializer, err := codec.ByName(c.Receiver.Serializer)
	if err != nil {
		return nil, err
	}
	return []bus.Option{
		bus.WithTopic(c.Broker.Topic),
		bus.WithSerializer(serializer),
		bus.WithSerializerResolver(codec.ByContentType),
		bus.WithReceiveWaitTime(c.Receiver.ReceiveWaitTime),
		bus.WithCancelWaitTimeout(c.Receiver.CancelWaitTimeout),
		bus.WithBootstrapRetries(c.Receiver.BootstrapRetries, c.Receiver.BootstrapBackoff),
	}, nil
}

func (c *Config) SenderOptions() ([]bus.SenderOption, error) {
	serializer, err := codec.ByName(c.Receiver.Serializer)
	if err != nil {
		return nil, err
	}
	return []bus.SenderOption{
		bus.WithSenderSerializer(serializer),
		bus.WithSendTimeout(c.Sender.SendTimeout),
	}, nil
}
